package middleware

import (
	"context"
	"net/http"
)

// Role is the permission level of an authenticated caller.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	ID   string
	Role Role
}

type contextKey string

const principalKey contextKey = "principal"

// SetPrincipal stores p in ctx and reports it to the request logger.
func SetPrincipal(ctx context.Context, p Principal) context.Context {
	if entry, ok := ctx.Value(requestLogKey{}).(*requestLog); ok {
		entry.principal = p
	}
	return context.WithValue(ctx, principalKey, p)
}

func GetPrincipal(r *http.Request) (Principal, bool) {
	p, ok := r.Context().Value(principalKey).(Principal)
	return p, ok
}
