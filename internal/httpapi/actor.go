package httpapi

import (
	"context"
	"net/http"
	"strings"

	"yms/yard-service/internal/engine"
)

type actorContextKey struct{}

// ActorMiddleware lifts the caller identity set by the upstream access
// gateway into the request context. Authorization already happened there;
// the service only needs to know who acted.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := engine.Actor{
			ID:   strings.TrimSpace(r.Header.Get("X-Actor-ID")),
			Name: strings.TrimSpace(r.Header.Get("X-Actor-Name")),
			Role: strings.TrimSpace(r.Header.Get("X-Actor-Role")),
		}
		ctx := context.WithValue(r.Context(), actorContextKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromContext(ctx context.Context) engine.Actor {
	value := ctx.Value(actorContextKey{})
	if value == nil {
		return engine.Actor{}
	}
	actor, ok := value.(engine.Actor)
	if !ok {
		return engine.Actor{}
	}
	return actor
}
