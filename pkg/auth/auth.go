// Package auth authenticates callers of the HTTP API with static API keys.
package auth

import "errors"

var (
	ErrInvalidKey = errors.New("invalid api key")
	ErrExpiredKey = errors.New("api key has expired")
)

// Role is what a key may do.
type Role string

const (
	// RoleViewer reads runs, scenarios and the progress log.
	RoleViewer Role = "viewer"
	// RoleOperator additionally launches runs.
	RoleOperator Role = "operator"
)

var roleLevel = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleLevel[r]
	return ok
}

// HasPermission reports whether r includes required.
func (r Role) HasPermission(required Role) bool {
	return roleLevel[r] >= roleLevel[required] && roleLevel[required] > 0
}

// Principal is the authenticated caller.
type Principal struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
}
