package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cyberbank/corebank/bank/models"
)

type TokenVerifier interface {
	Verify(raw string) (models.ActorIdentity, error)
}

type actorKey struct{}

func WithActor(ctx context.Context, id models.ActorIdentity) context.Context {
	return context.WithValue(ctx, actorKey{}, id)
}

func ActorFrom(ctx context.Context) (models.ActorIdentity, bool) {
	id, ok := ctx.Value(actorKey{}).(models.ActorIdentity)
	return id, ok
}

// Authenticate requires a valid "Authorization: Bearer <token>" header and puts
// the identity it carries on the request context.
func Authenticate(v TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			if header == "" || raw == header || raw == "" {
				deny(w, http.StatusUnauthorized, models.ErrUnauthenticated)
				return
			}
			id, err := v.Verify(raw)
			if err != nil {
				deny(w, http.StatusUnauthorized, models.ErrUnauthenticated)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), id)))
		})
	}
}

// RequireAdmin must run after Authenticate.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := ActorFrom(r.Context())
		if !ok {
			deny(w, http.StatusUnauthorized, models.ErrUnauthenticated)
			return
		}
		if !id.IsAdmin() {
			deny(w, http.StatusForbidden, models.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func deny(w http.ResponseWriter, status int, err *models.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   err.Code,
		"message": err.Error(),
	})
}
