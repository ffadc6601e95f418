// ABOUTME: Tests for the actor token HTTP middleware
// ABOUTME: Covers header and query tokens, rejection codes and the supervisor gate

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func serve(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_ValidToken(t *testing.T) {
	v := newTestVerifier(t)
	token, _ := v.Generate(Actor{ID: "agent-1", CompanyID: "acme", Role: RoleAgent}, time.Hour)

	var got *Actor
	handler := Middleware(v, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := serve(t, handler, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil || got.ID != "agent-1" || got.CompanyID != "acme" {
		t.Errorf("actor = %+v", got)
	}
}

func TestMiddleware_QueryToken(t *testing.T) {
	v := newTestVerifier(t)
	token, _ := v.Generate(Actor{ID: "agent-1", CompanyID: "acme", Role: RoleAgent}, time.Hour)

	called := false
	handler := Middleware(v, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	rec := serve(t, handler, httptest.NewRequest(http.MethodGet, "/api/events?topic=acme:campaign&access_token="+token, nil))

	if rec.Code != http.StatusOK || !called {
		t.Errorf("status = %d, called = %v", rec.Code, called)
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	v := newTestVerifier(t)

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"missing header", "", "missing authorization header"},
		{"basic auth", "Basic dXNlcjpwYXNz", "invalid authorization header format"},
		{"empty bearer", "Bearer ", "empty token"},
		{"bad token", "Bearer nope", "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Middleware(v, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("handler should not run")
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/campaigns", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := serve(t, handler, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.want)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestRequireSupervisor(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	gate := RequireSupervisor()(ok)

	tests := []struct {
		name  string
		actor *Actor
		want  int
	}{
		{"anonymous", nil, http.StatusUnauthorized},
		{"agent", &Actor{ID: "a", CompanyID: "acme", Role: RoleAgent}, http.StatusForbidden},
		{"supervisor", &Actor{ID: "s", CompanyID: "acme", Role: RoleSupervisor}, http.StatusOK},
		{"admin", &Actor{ID: "x", CompanyID: "acme", Role: RoleAdmin}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/campaigns", nil)
			if tt.actor != nil {
				req = req.WithContext(WithActor(req.Context(), tt.actor))
			}
			if rec := serve(t, gate, req); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustFromContext should panic without an actor")
		}
	}()
	MustFromContext(context.Background())
}
