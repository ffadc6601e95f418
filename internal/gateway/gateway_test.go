// ABOUTME: Tests for the gateway lifecycle against a real SQLite store
// ABOUTME: Covers listening, serving and shutdown with open event streams

package gateway

import (
	"bufio"
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relaydesk/internal/auth"
	"github.com/2389/relaydesk/internal/config"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	t.Setenv("RELAYDESK_JWT_SECRET", testSecret)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = ""
	cfg.Database.Path = filepath.Join(t.TempDir(), "relaydesk.db")

	gw, err := New(t.Context(), cfg, quiet)
	require.NoError(t, err)
	return gw
}

func TestRun_ShutdownWithOpenStream(t *testing.T) {
	gw := newTestGateway(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer waitCancel()
	addr, err := gw.Addr(waitCtx)
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	token, err := verifier.Generate(auth.Actor{ID: "alice", CompanyID: "acme", Role: auth.RoleAgent}, time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet,
		"http://"+addr.String()+"/api/events?topic=acme:conversation", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "event: backlog"), line)

	start := time.Now()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ServesHealth(t *testing.T) {
	gw := newTestGateway(t)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer waitCancel()
	addr, err := gw.Addr(waitCtx)
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
}
