package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/kiranshivaraju/pds/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

// Credential is a configured caller: its id, role and bcrypt token hash.
type Credential struct {
	ID        string
	Role      Role
	TokenHash string
}

// Auth authenticates HTTP basic auth callers against bcrypt token hashes.
type Auth struct {
	credentials []Credential
}

// NewAuth creates an authenticator for the given technical accounts.
func NewAuth(credentials ...Credential) *Auth {
	return &Auth{credentials: credentials}
}

// Authenticate checks the basic auth header and stores the Principal in the
// request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, token, ok := r.BasicAuth()
		if !ok || id == "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="pds"`)
			response.Error(w, http.StatusUnauthorized,
				"INVALID_CREDENTIALS", "Missing or invalid Authorization header", nil)
			return
		}

		for _, c := range a.credentials {
			if subtle.ConstantTimeCompare([]byte(c.ID), []byte(id)) != 1 {
				continue
			}
			if bcrypt.CompareHashAndPassword([]byte(c.TokenHash), []byte(token)) != nil {
				break
			}
			ctx := SetPrincipal(r.Context(), Principal{ID: c.ID, Role: c.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="pds"`)
		response.Error(w, http.StatusUnauthorized,
			"INVALID_CREDENTIALS", "Invalid user or token", nil)
	})
}

// RequireRole rejects callers whose role is not one of roles.
func (a *Auth) RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := GetPrincipal(r)
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}
