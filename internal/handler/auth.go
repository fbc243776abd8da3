package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
)

type ctxKey int

const userKey ctxKey = iota

// basicAuth rejects requests whose credentials are not in Config.Accounts
func (h *Handler) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !h.checkAccount(user, pass) {
			h.Log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("[auth] ❌ Unauthorized")
			w.Header().Set("WWW-Authenticate", `Basic realm="Authorization Required"`)
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func (h *Handler) checkAccount(user, pass string) bool {
	want, ok := h.Config.Accounts[user]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1
}

// userFrom returns the authenticated user, or "" when auth is disabled.
func userFrom(ctx context.Context) string {
	user, _ := ctx.Value(userKey).(string)
	return user
}
