package config

import "strings"

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Role names a saga participant a process runs.
type Role string

const (
	RoleOrder        Role = "order"
	RolePayment      Role = "payment"
	RoleRestaurant   Role = "restaurant"
	RoleDelivery     Role = "delivery"
	RoleNotification Role = "notification"
	// RoleAll runs every participant in one process.
	RoleAll Role = "all"
)

// Roles lists the individual participant roles.
func Roles() []Role {
	return []Role{RoleOrder, RolePayment, RoleRestaurant, RoleDelivery, RoleNotification}
}

// ParseRole normalises a role name.
func ParseRole(raw string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if r == RoleAll {
		return r, true
	}
	for _, known := range Roles() {
		if r == known {
			return r, true
		}
	}
	return "", false
}

// ConsumerGroup is the bus consumer group of a role.
func (r Role) ConsumerGroup() string {
	return string(r) + "-service-group"
}

// Includes reports whether a process configured as r runs other.
func (r Role) Includes(other Role) bool {
	return r == RoleAll || r == other
}
