package policy

import (
	"time"
)

// Roles understood by the built-in authorization policy.
const (
	// RoleOperator may start, stop, and remove deployed containers.
	RoleOperator = "operator"

	// RoleDeployer may deploy, build, and run procedures, plus
	// everything an operator may do.
	RoleDeployer = "deployer"

	// RoleAdmin may perform any operation, including pruning.
	RoleAdmin = "admin"
)

// DefaultRoleBindings grants every operator the admin role. Deployments
// that care about authorization override this from configuration.
func DefaultRoleBindings() RoleBindings {
	return RoleBindings{"*": {RoleAdmin}}
}

// builtinPolicy returns the base authorization rules.
func builtinPolicy() Policy {
	return Policy{
		Name:        "authz-base",
		Description: "Maps operator roles to the operations they may perform",
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package stevedore.authz

import rego.v1

default allow := false

lifecycle_ops := {"StartContainer", "StopContainer", "RemoveContainer"}

write_ops := {"Deploy", "Build", "RunProcedure"}

role_held(operator, role) if {
	some r in data.roles[operator]
	r == role
}

role_held(_, role) if {
	some r in data.roles["*"]
	r == role
}

# Admins may do anything.
allow if role_held(input.operator, "admin")

# Operators manage the lifecycle of existing containers.
allow if {
	input.operation in lifecycle_ops
	role_held(input.operator, "operator")
}

# Deployers additionally create things: deploys, builds, procedures.
allow if {
	input.operation in write_ops
	role_held(input.operator, "deployer")
}

allow if {
	input.operation in lifecycle_ops
	role_held(input.operator, "deployer")
}

deny contains reason if {
	not allow
	reason := sprintf("operator %q may not perform %s on %s/%s", [
		input.operator,
		input.operation,
		input.target.type,
		input.target.id,
	])
}
`,
	}
}
