package sensors

import "strings"

// Role is the relationship of a principal to a sensor.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// Recipient is a principal that may receive alerts for a sensor.
type Recipient struct {
	PrincipalID  string
	Email        string
	AlertEnabled bool
	Role         Role
}

// Address returns the normalized email, or empty when unusable.
func (r Recipient) Address() string {
	email := strings.TrimSpace(r.Email)
	if !strings.Contains(email, "@") {
		return ""
	}
	return strings.ToLower(email)
}
