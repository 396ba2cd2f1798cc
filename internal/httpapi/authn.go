package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"certledger.org/internal/auth"
	"certledger.org/internal/certificate"
)

const (
	authHeader   = "Authorization"
	bearerPrefix = "Bearer "
)

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearerPrefix)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// requireAuth rejects requests without a valid access token and attaches
// the parsed claims to the context.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := a.authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			handleAuthError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithClaims(r.Context(), claims)))
	})
}

// authenticate parses the bearer token if present. It is also used by the
// search handler, where authentication is optional.
func (a *API) authenticate(r *http.Request) (*auth.Claims, error) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		return nil, auth.ErrInvalidToken
	}
	return a.auth.ParseAccessToken(token)
}

// RequireRole admits only the listed roles. It assumes requireAuth ran first.
func RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			for _, role := range roles {
				if claims.Role == string(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, r, http.StatusForbidden, "insufficient role")
		})
	}
}

// RequirePermission admits only tokens carrying the named flag. The role
// and permission gates are independent; both can guard a single route.
func RequirePermission(flag string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			if !hasPermission(claims, flag) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, r, http.StatusForbidden, "missing permission "+flag)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasPermission(claims *auth.Claims, flag string) bool {
	for _, p := range claims.Permissions {
		if p == flag {
			return true
		}
	}
	return false
}

// requirePermission is the in-handler variant for routes whose method
// dispatch decides the needed flag.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, flag string) (*auth.Claims, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	if !hasPermission(claims, flag) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, http.StatusForbidden, "missing permission "+flag)
		return nil, false
	}
	return claims, true
}

func actorFromRequest(r *http.Request) certificate.Actor {
	var actor certificate.Actor
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		actor.ID = claims.Subject
		actor.Username = claims.Username
	}
	actor.IP = clientIP(r)
	return actor
}
