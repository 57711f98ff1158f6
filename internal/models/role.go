package models

import "strings"

type UserRole string

const (
	RoleSuperAdmin  UserRole = "SUPER_ADMIN"
	RoleAdmin       UserRole = "ADMIN"
	RoleAdminStaff  UserRole = "ADMIN_STAFF"
	RoleDistributor UserRole = "DISTRIBUTOR"
	RoleCustomer    UserRole = "CUSTOMER"
)

// roleRank orders roles from least to most privileged.
var roleRank = map[UserRole]int{
	RoleCustomer:    1,
	RoleDistributor: 2,
	RoleAdminStaff:  3,
	RoleAdmin:       4,
	RoleSuperAdmin:  5,
}

type Capability string

const (
	CapabilityManageInvitations      Capability = "manage_invitations"
	CapabilityViewAdminNotifications Capability = "view_admin_notifications"
)

var capabilities = map[Capability][]UserRole{
	CapabilityManageInvitations:      {RoleSuperAdmin, RoleAdmin, RoleAdminStaff},
	CapabilityViewAdminNotifications: {RoleSuperAdmin, RoleAdmin, RoleAdminStaff},
}

// ParseRole normalizes user input into a known role.
func ParseRole(raw string) (UserRole, bool) {
	role := UserRole(strings.ToUpper(strings.TrimSpace(raw)))
	return role, IsValidRole(role)
}

func IsValidRole(role UserRole) bool {
	_, ok := roleRank[role]
	return ok
}

// IsAdminTier reports whether the role belongs to the portal back office.
func IsAdminTier(role UserRole) bool {
	return role == RoleSuperAdmin || role == RoleAdmin || role == RoleAdminStaff
}

// HasAtLeast reports whether role ranks at or above required.
func HasAtLeast(role, required UserRole) bool {
	return roleRank[role] >= roleRank[required] && IsValidRole(role)
}

// HasCapability is the single predicate for role-gated operations.
func HasCapability(role UserRole, capability Capability) bool {
	for _, allowed := range capabilities[capability] {
		if allowed == role {
			return true
		}
	}
	return false
}

// CanGrant reports whether a sender holding role may invite someone as target.
// SUPER_ADMIN is never grantable; it is reserved for the bootstrap address.
func CanGrant(role, target UserRole) bool {
	if !IsValidRole(target) || target == RoleSuperAdmin {
		return false
	}
	return HasCapability(role, CapabilityManageInvitations) && HasAtLeast(role, target)
}
