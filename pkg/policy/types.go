package policy

import (
	"time"
)

// Policy is one Rego module contributing rules to the authorization
// decision. All modules share the stevedore.authz package so that
// user-supplied files can add deny rules next to the built-in ones.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was read.
	LoadedAt time.Time `json:"loaded_at"`
}

// RoleBindings maps an operator name to the roles it holds. The "*"
// key applies to every operator.
type RoleBindings map[string][]string

// Decision is the outcome of one authorization query.
type Decision struct {
	// Allowed indicates if the action may proceed.
	Allowed bool `json:"allowed"`

	// Reasons lists why the action was denied, empty when allowed.
	Reasons []string `json:"reasons,omitempty"`

	// EvaluatedAt is when the decision was made.
	EvaluatedAt time.Time `json:"evaluated_at"`
}
