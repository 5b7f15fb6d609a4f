package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

func (h *Handler) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.EventsSecret != "" {
			provided := r.Header.Get("X-Events-Secret")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(h.EventsSecret)) != 1 {
				fail(w, http.StatusUnauthorized, "invalid secret")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// requireJWT accepts an HS256 bearer token signed with JWTSecret.
func (h *Handler) requireJWT(next http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			fail(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		_, err := parser.Parse(raw, func(*jwt.Token) (any, error) {
			return []byte(h.JWTSecret), nil
		})
		if err != nil {
			h.Log.Debug("rejected bearer token", zap.Error(err))
			fail(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
