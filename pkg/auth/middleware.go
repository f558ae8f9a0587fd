// Package auth provides authentication and actor-identity middleware.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/flowgate/flowgate/pkg/types"
)

type contextKey string

const actorKey contextKey = "actor_id"

// ActorFromContext extracts the authenticated actor identity from the context.
func ActorFromContext(ctx context.Context) string {
	v, _ := ctx.Value(actorKey).(string)
	return v
}

// WithActor returns a context carrying the given actor identity. Used by
// tests and internal callers.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey, actorID)
}

// APIKeyAuth returns middleware that validates API keys and sets the actor
// identity on the request context. Webhook ingestion routes are mounted
// outside this middleware: inbound events authenticate with signatures, not
// API keys.
func APIKeyAuth(keys *KeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				// Also check Authorization: Bearer
				authz := r.Header.Get("Authorization")
				if strings.HasPrefix(authz, "Bearer ") {
					apiKey = strings.TrimPrefix(authz, "Bearer ")
				}
			}

			if apiKey == "" {
				types.ErrUnauthorized("missing API key").WriteJSON(w)
				return
			}

			userID, ok := keys.Lookup(apiKey)
			if !ok {
				types.ErrUnauthorized("invalid API key").WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), userID)))
		})
	}
}
