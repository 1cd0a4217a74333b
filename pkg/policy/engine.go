package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/vars"
)

// Engine evaluates Rego policies against variable accesses. It implements
// vars.Authorizer so it can be handed to a build directly.
type Engine struct {
	mu         sync.RWMutex
	policies   map[string]*compiledPolicy
	logger     zerolog.Logger
	failClosed bool
	noBuiltins bool
	timeout    time.Duration
	loader     *Loader
}

var _ vars.Authorizer = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithFailClosed makes a policy that fails to evaluate deny access instead
// of being skipped with a warning.
func WithFailClosed() Option {
	return func(e *Engine) { e.failClosed = true }
}

// WithoutBuiltins starts the engine with no built-in policies.
func WithoutBuiltins() Option {
	return func(e *Engine) { e.noBuiltins = true }
}

// WithTimeout bounds one Allow call.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// NewEngine creates a new policy engine loaded with the built-in policies.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		timeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.loader = NewLoader(e.logger)

	if e.noBuiltins {
		return e, nil
	}
	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// Allow reports whether v may be resolved in env. Evaluation failures deny
// only in fail-closed mode.
func (e *Engine) Allow(env vars.Environment, v vars.Variable) bool {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	decision, err := e.Evaluate(ctx, NewInput(env, v))
	if err != nil {
		e.logger.Error().Err(err).Str("var", v.Name().String()).Msg("Policy evaluation failed")
		return !e.failClosed
	}
	for _, w := range decision.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("var", w.Variable).
			Msg(w.Message)
	}
	return decision.Allowed
}

// NewInput builds the policy input for resolving v in env. A nil env is
// reported with empty name and class.
func NewInput(env vars.Environment, v vars.Variable) Input {
	in := Input{
		Variable: VariableInput{
			Name: v.Name().String(),
			ID:   v.ID(),
			Kind: vars.Kind(v),
		},
	}
	if env != nil {
		in.Env = EnvInput{Name: env.Name(), Class: string(env.Class())}
	}
	return in
}

// Evaluate runs every enabled policy against input.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &Decision{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("var", input.Variable.Name).
				Msg("Policy evaluation failed")
			decision.Errors = append(decision.Errors, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			if e.failClosed {
				decision.Allowed = false
			}
			continue
		}
		for _, v := range violations {
			if v.Severity.Blocking() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}

	decision.Duration = time.Since(startTime)
	e.logger.Debug().
		Str("var", input.Variable.Name).
		Str("env", input.Env.Name).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Dur("duration", decision.Duration).
		Msg("Variable policy evaluation completed")

	return decision, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}
	return violations, nil
}

// createViolation creates a Violation from one element of a deny set.
func createViolation(policy *Policy, result interface{}, input Input) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Variable: input.Variable.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses a policy and prepares its deny query.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// LoadPolicies loads policy files and adds them to the engine. A policy
// with the name of a loaded one replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	compiled, err := compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

func compileAll(ctx context.Context, policies []Policy) (map[string]*compiledPolicy, error) {
	out := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		out[policies[i].Name] = cp
	}
	return out, nil
}

// Watch reloads the policies under paths whenever they change. A reload
// that fails to compile keeps the previous policy set. Watching stops when
// ctx ends.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		compiled, err := compileAll(ctx, policies)
		if err != nil {
			return err
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		for name, cp := range e.policies {
			if _, builtin := builtinNames[name]; builtin {
				compiled[name] = cp
			}
		}
		e.policies = compiled
		return nil
	})
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	compiled, err := compileAll(ctx, GetBuiltinPolicies())
	if err != nil {
		return err
	}
	e.policies = compiled

	e.logger.Debug().
		Int("count", len(compiled)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}
