// Package policy provides Open Policy Agent (OPA) based authorization
// for stevedore actions.
//
// Every action request passes through the Gate before a lock is taken
// or an update record is created. The decision is computed from the
// stevedore.authz Rego document: the built-in module maps roles
// (operator, deployer, admin) to operations, and user-supplied .rego
// files in the same package can contribute additional deny rules.
//
// # Usage
//
// Creating a gate and binding roles:
//
//	gate, err := policy.NewGate(logger)
//	if err != nil {
//	    log.Fatal().Err(err).Send()
//	}
//	_ = gate.SetRoleBindings(ctx, policy.RoleBindings{
//	    "alice": {policy.RoleAdmin},
//	    "bob":   {policy.RoleDeployer},
//	})
//
// Checking an action:
//
//	err = gate.Check(ctx, "bob", core.OpDeploy, core.Target{
//	    Type: core.TargetDeployment,
//	    ID:   "web",
//	})
//
// A denial is returned as a core permission error, so callers can use
// core.IsPermission to distinguish it from evaluation failures.
//
// # Custom policies
//
// The Loader reads .rego files from configured paths and can watch
// them with fsnotify, reapplying changes through Gate.SetPolicies.
// Custom modules must declare `package stevedore.authz`; modules in
// other packages are skipped with a warning. A deny rule overrides any
// allow:
//
//	package stevedore.authz
//
//	import rego.v1
//
//	deny contains "no pruning on production servers" if {
//	    input.operation == "PruneContainers"
//	    startswith(input.target.id, "prod-")
//	}
package policy
