// Package api implements the management HTTP surface of the webhook engine.
package api

import (
	"net/http"
	"strings"
)

// Principal is the caller identity used for tenant scoping and audit fields.
type Principal struct {
	Tenant string
	Role   string // admin, service, user
	UserID string
}

// getPrincipal extracts tenant, role, and user from a bearer token when
// present, falling back to dev headers.
func (s *Server) getPrincipal(r *http.Request) Principal {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		if pr, err := s.Auth.Verify(tok); err == nil {
			return Principal{Tenant: pr.Tenant, Role: pr.Role, UserID: pr.UserID}
		}
	}
	tenant := r.Header.Get("X-Tenant-Id")
	role := r.Header.Get("X-Role")
	user := r.Header.Get("X-User-Id")
	if tenant == "" {
		tenant = "t_demo"
	}
	if role == "" {
		role = "admin"
	}
	return Principal{Tenant: tenant, Role: role, UserID: user}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }
