package auth

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
)

// ErrorResponder writes an authentication failure to the response. The
// server installs a responder that wraps errors in its standard envelope.
type ErrorResponder func(w http.ResponseWriter, r *http.Request, status int, err error)

// MiddlewareOptions configures the authentication middleware.
type MiddlewareOptions struct {
	// ExcludedPaths are request paths that bypass authentication entirely.
	ExcludedPaths []string

	// RequireAuth controls what happens when no credentials are presented:
	// true rejects the request, false lets it proceed without claims.
	// Presented-but-invalid credentials are always rejected.
	RequireAuth bool

	// OnError writes error responses. Defaults to a plain JSON body.
	OnError ErrorResponder
}

// Middleware returns HTTP middleware that validates bearer tokens with v and
// stores the resulting claims on the request context.
func Middleware(v TokenValidator, opts MiddlewareOptions) func(http.Handler) http.Handler {
	respond := opts.OnError
	if respond == nil {
		respond = defaultResponder
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(opts.ExcludedPaths, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if !opts.RequireAuth {
					next.ServeHTTP(w, r)
					return
				}
				respond(w, r, http.StatusUnauthorized, ErrUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				respond(w, r, http.StatusUnauthorized, ErrInvalidToken)
				return
			}

			claims, err := v.ValidateToken(r.Context(), tokenString)
			if err != nil {
				respond(w, r, http.StatusUnauthorized, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

// RequireRole returns middleware that rejects requests whose claims lack one
// of the allowed roles. It must run after Middleware.
func RequireRole(allowedRoles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				defaultResponder(w, r, http.StatusUnauthorized, ErrUnauthorized)
				return
			}
			if !claims.HasAnyRole(allowedRoles...) {
				defaultResponder(w, r, http.StatusForbidden, ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireTenant returns middleware that rejects requests whose claims do not
// belong to one of the allowed tenants. It must run after Middleware.
func RequireTenant(allowedTenants ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				defaultResponder(w, r, http.StatusUnauthorized, ErrUnauthorized)
				return
			}
			if !slices.Contains(allowedTenants, claims.TenantID) {
				defaultResponder(w, r, http.StatusForbidden, ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func defaultResponder(w http.ResponseWriter, _ *http.Request, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
