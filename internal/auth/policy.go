package auth

import (
	"net/http"
	"strings"
)

// Policy determines required roles by request.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
}

// NewDefaultPolicy builds a default policy with exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes}
}

// IsExempt returns true when a request should skip auth/RBAC.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, exempt := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, exempt) {
			return true
		}
	}
	return false
}

type routeRule struct {
	match func(path string) bool
	read  Role
	write Role
}

func exact(want string) func(string) bool {
	return func(path string) bool { return path == want }
}

func prefix(want string) func(string) bool {
	return func(path string) bool { return strings.HasPrefix(path, want) }
}

// routeRules is ordered; the first match wins.
var routeRules = []routeRule{
	{match: exact("/internal/v1/dispatch/run"), read: RoleOperator, write: RoleOperator},
	{match: exact("/api/v1/sensors/stream"), read: RoleViewer, write: RoleViewer},
	{match: exact("/api/v1/sensors/ws"), read: RoleViewer, write: RoleViewer},
	{match: func(path string) bool {
		return strings.HasPrefix(path, "/api/v1/sensors/") && strings.HasSuffix(path, "/evaluate")
	}, read: RoleViewer, write: RoleViewer},
	{match: exact("/api/v1/notifications"), read: RoleViewer, write: RoleOperator},
	{match: prefix("/api/v1/notifications/export."), read: RoleOperator, write: RoleOperator},
	{match: prefix("/internal/"), read: RoleOperator, write: RoleOperator},
	{match: prefix("/api/"), read: RoleViewer, write: RoleOperator},
}

// RequiredRole resolves required role for the request. Paths outside /api/ and /internal/ are unguarded.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	for _, rule := range routeRules {
		if !rule.match(r.URL.Path) {
			continue
		}
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return rule.read, true
		default:
			return rule.write, true
		}
	}
	return "", false
}
