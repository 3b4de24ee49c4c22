package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/stevedore-io/stevedore/pkg/core"
)

// authzPackage is the Rego package every policy module must declare.
const authzPackage = "stevedore.authz"

// Gate answers "may this operator perform this operation on this
// target" by evaluating the stevedore.authz Rego document. It
// implements core.PermissionGate.
type Gate struct {
	mu       sync.RWMutex
	logger   zerolog.Logger
	policies map[string]*Policy
	roles    RoleBindings
	query    rego.PreparedEvalQuery
}

// NewGate creates a gate holding the built-in policy and the default
// role bindings.
func NewGate(logger zerolog.Logger) (*Gate, error) {
	g := &Gate{
		logger:   logger.With().Str("component", "policy-gate").Logger(),
		policies: make(map[string]*Policy),
		roles:    DefaultRoleBindings(),
	}

	builtin := builtinPolicy()
	g.policies[builtin.Name] = &builtin

	if err := g.rebuild(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to compile built-in policy: %w", err)
	}
	return g, nil
}

// SetRoleBindings replaces the operator-to-role map and recompiles.
func (g *Gate) SetRoleBindings(ctx context.Context, roles RoleBindings) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	old := g.roles
	g.roles = roles
	if err := g.rebuild(ctx); err != nil {
		g.roles = old
		return err
	}

	g.logger.Info().Int("operators", len(roles)).Msg("role bindings updated")
	return nil
}

// SetPolicies replaces all user-supplied policies, keeping the
// built-in rules. Modules outside the stevedore.authz package are
// skipped with a warning so one bad file cannot break a reload.
func (g *Gate) SetPolicies(ctx context.Context, policies []Policy) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	old := g.policies
	next := make(map[string]*Policy)
	builtin := builtinPolicy()
	next[builtin.Name] = &builtin

	for i := range policies {
		p := policies[i]
		module, err := ast.ParseModule(p.Name, p.Rego)
		if err != nil {
			g.logger.Warn().Err(err).Str("policy", p.Name).Msg("skipping unparsable policy")
			continue
		}
		if pkg := module.Package.Path.String(); pkg != "data."+authzPackage {
			g.logger.Warn().
				Str("policy", p.Name).
				Str("package", pkg).
				Msg("skipping policy outside the authz package")
			continue
		}
		next[p.Name] = &p
	}

	g.policies = next
	if err := g.rebuild(ctx); err != nil {
		g.policies = old
		return err
	}

	g.logger.Info().Int("count", len(next)).Msg("policies loaded")
	return nil
}

// Policies returns all active policies.
func (g *Gate) Policies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Policy, 0, len(g.policies))
	for _, p := range g.policies {
		out = append(out, *p)
	}
	return out
}

// rebuild recompiles the prepared query. Callers must hold g.mu.
func (g *Gate) rebuild(ctx context.Context) error {
	rolesDoc := make(map[string]interface{}, len(g.roles))
	for operator, roles := range g.roles {
		list := make([]interface{}, len(roles))
		for i, r := range roles {
			list[i] = r
		}
		rolesDoc[operator] = list
	}

	opts := []func(*rego.Rego){
		rego.Query("data." + authzPackage),
		rego.Store(inmem.NewFromObject(map[string]interface{}{"roles": rolesDoc})),
	}
	for name, p := range g.policies {
		if p.Enabled {
			opts = append(opts, rego.Module(name, p.Rego))
		}
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare authz query: %w", err)
	}

	g.query = query
	return nil
}

// Evaluate runs the authorization query and returns the full decision.
func (g *Gate) Evaluate(ctx context.Context, operator string, op core.Operation, target core.Target) (*Decision, error) {
	g.mu.RLock()
	query := g.query
	g.mu.RUnlock()

	input := map[string]interface{}{
		"operator":  operator,
		"operation": string(op),
		"target": map[string]interface{}{
			"type": string(target.Type),
			"id":   target.ID,
		},
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("authz evaluation failed: %w", err)
	}

	decision := &Decision{EvaluatedAt: time.Now()}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("authz document has unexpected shape %T", results[0].Expressions[0].Value)
	}

	if allowed, ok := doc["allow"].(bool); ok {
		decision.Allowed = allowed
	}
	if denySet, ok := doc["deny"].([]interface{}); ok {
		for _, d := range denySet {
			decision.Reasons = append(decision.Reasons, fmt.Sprintf("%v", d))
		}
	}

	// Any deny rule overrides allow.
	if len(decision.Reasons) > 0 {
		decision.Allowed = false
	}
	return decision, nil
}

// Check implements core.PermissionGate.
func (g *Gate) Check(ctx context.Context, operator string, op core.Operation, target core.Target) error {
	decision, err := g.Evaluate(ctx, operator, op, target)
	if err != nil {
		return core.NewInternalError("permission check failed").WithCause(err).WithTarget(target).WithOperation(op)
	}
	if decision.Allowed {
		return nil
	}

	reason := fmt.Sprintf("operator %q may not perform %s", operator, op)
	if len(decision.Reasons) > 0 {
		reason = decision.Reasons[0]
	}

	g.logger.Debug().
		Str("operator", operator).
		Str("operation", string(op)).
		Str("target", target.String()).
		Strs("reasons", decision.Reasons).
		Msg("action denied")

	return core.NewPermissionError("%s", reason).WithTarget(target).WithOperation(op)
}
