package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/fieldworks/agrihub/auth"
	"github.com/fieldworks/agrihub/httpapi"
	"github.com/fieldworks/agrihub/store"
)

// sessionMiddleware resolves a bearer session token, if present, and attaches
// the user to the request context. Requests without a valid session pass
// through anonymously; the require* guards decide which routes need one.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		// The static admin token is not a session; the guards check it.
		if s.isAdminToken(token) {
			next.ServeHTTP(w, r)
			return
		}

		user, err := s.sessions.Resolve(r.Context(), token)
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidSession) {
				s.logger.Warn("session lookup failed", "error", err)
			}
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

// requireUser rejects requests that did not resolve to an authenticated user.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.UserFrom(r.Context()); !ok {
			unauthorized(w)
			return
		}
		next(w, r)
	}
}

// requireAdmin admits admin-role users and holders of the static admin token.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if user, ok := auth.UserFrom(r.Context()); ok {
			if user.Role == store.RoleAdmin {
				next(w, r)
				return
			}
			forbidden(w)
			return
		}

		if token, ok := bearerToken(r); ok && s.isAdminToken(token) {
			next(w, r)
			return
		}

		unauthorized(w)
	}
}

// isAdminToken compares the presented token against the configured admin
// token in constant time. An empty configured token never matches.
func (s *Server) isAdminToken(token string) bool {
	if s.config.AdminToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AdminToken)) == 1
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}

	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	httpapi.Error(w, http.StatusUnauthorized, "authentication required", nil)
}

func forbidden(w http.ResponseWriter) {
	httpapi.Error(w, http.StatusForbidden, "admin access required", nil)
}
