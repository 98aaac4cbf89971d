package api

import (
	"context"
	"net/http"

	"parley/internal/auth"
)

type ctxKey int

const userIDKey ctxKey = iota

// RequireAuth rejects requests without a valid token and passes the
// caller's id down in the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.Authenticate(auth.TokenFromRequest(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

// RequireSameOrigin rejects cross-site requests, which could otherwise ride
// on the token cookie.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !auth.SameOrigin(r) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func userIDFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}
