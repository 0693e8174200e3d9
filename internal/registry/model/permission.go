package model

// Role is a coarse principal role carried by the authentication layer.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEngineer Role = "engineer"
	RoleViewer   Role = "viewer"
)

// Permission enumerates the actions the API authorizes. Using an enumerated
// type instead of free-text permission strings means an unknown permission is
// a compile error, not a silent runtime denial.
type Permission int

const (
	PermServersCreate Permission = iota
	PermServersRead
	PermServersUpdate
	PermServersDelete
	PermCapabilitiesDiscover
	PermHealthMonitor
)

// allowedRoles maps each permission to the roles that hold it. Admin is
// handled separately in Allows.
var allowedRoles = map[Permission][]Role{
	PermServersCreate:        {RoleEngineer},
	PermServersRead:          {RoleEngineer, RoleViewer},
	PermServersUpdate:        {RoleEngineer},
	PermServersDelete:        {},
	PermCapabilitiesDiscover: {RoleEngineer, RoleViewer},
	PermHealthMonitor:        {RoleEngineer},
}

// Allows reports whether any of roles grants the permission. Admin holds
// every permission.
func (p Permission) Allows(roles []Role) bool {
	for _, r := range roles {
		if r == RoleAdmin {
			return true
		}
		for _, allowed := range allowedRoles[p] {
			if r == allowed {
				return true
			}
		}
	}
	return false
}
