// ABOUTME: Request context helpers for the verified actor
// ABOUTME: WithActor/FromContext carry identity from middleware to handlers

package auth

import "context"

type actorContextKey struct{}

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// FromContext returns the actor, or nil when the request is unauthenticated.
func FromContext(ctx context.Context) *Actor {
	actor, _ := ctx.Value(actorContextKey{}).(*Actor)
	return actor
}

// MustFromContext returns the actor and panics if there is none. Only use
// behind Middleware.
func MustFromContext(ctx context.Context) *Actor {
	actor := FromContext(ctx)
	if actor == nil {
		panic("auth: actor not found in context")
	}
	return actor
}
