package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/vars"
)

type testEnv struct {
	name  string
	class vars.Class
}

func (e testEnv) Name() string      { return e.name }
func (e testEnv) Class() vars.Class { return e.class }

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	want := []string{"abstract-access", "local-scope", "plaintext-secrets"}
	if len(policies) != len(want) {
		t.Fatalf("Expected %d built-in policies, got %d", len(want), len(policies))
	}
	for i, p := range policies {
		if p.Name != want[i] {
			t.Errorf("policy %d: expected %s, got %s", i, want[i], p.Name)
		}
	}

	if got := newTestEngine(t, WithoutBuiltins()).ListPolicies(); len(got) != 0 {
		t.Errorf("Expected no policies without builtins, got %d", len(got))
	}
}

func TestAllow_Builtins(t *testing.T) {
	eng := newTestEngine(t)
	prod := testEnv{name: "prod-eu", class: vars.ClassProd}
	test := testEnv{name: "qa", class: vars.ClassTest}
	local := testEnv{name: "laptop", class: vars.ClassLocal}

	tests := []struct {
		name  string
		env   vars.Environment
		v     vars.Variable
		allow bool
	}{
		{"plain secret in prod", prod, vars.Named("db.password", vars.Value("hunter2")), false},
		{"encrypted secret in prod", prod, vars.Named("db.password", vars.Encrypted(vars.Value("x"))), true},
		{"plain secret in test", test, vars.Named("db.password", vars.Value("hunter2")), true},
		{"ordinary value in prod", prod, vars.Named("app.port", vars.Value(8080)), true},
		{"local var in local env", local, vars.Named("local.path", vars.Value("/tmp")), true},
		{"local var in test env", test, vars.Named("local.path", vars.Value("/tmp")), false},
		{"abstract only warns", prod, vars.Named("app.image", vars.Abstract()), true},
		{"no environment", nil, vars.Named("app.port", vars.Value(1)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := eng.Allow(tt.env, tt.v); got != tt.allow {
				t.Errorf("Allow() = %v, want %v", got, tt.allow)
			}
		})
	}
}

func TestEvaluate_Decision(t *testing.T) {
	eng := newTestEngine(t)
	input := NewInput(testEnv{name: "prod", class: vars.ClassProd}, vars.Named("api.token", vars.Value("t")))

	decision, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected access to be denied")
	}
	if len(decision.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %d: %+v", len(decision.Violations), decision.Violations)
	}
	v := decision.Violations[0]
	if v.Policy != "plaintext-secrets" || v.Variable != "api.token" || v.Severity != SeverityError {
		t.Errorf("Unexpected violation: %+v", v)
	}
	if len(decision.EvaluatedPolicies) != 3 {
		t.Errorf("Expected 3 evaluated policies, got %v", decision.EvaluatedPolicies)
	}
}

func TestEvaluate_Warning(t *testing.T) {
	eng := newTestEngine(t)
	input := NewInput(testEnv{name: "qa", class: vars.ClassTest}, vars.Named("app.image", vars.Abstract()))

	decision, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("Warnings must not deny access")
	}
	if len(decision.Warnings) != 1 || decision.Warnings[0].Message != "app.image is abstract in qa" {
		t.Errorf("Unexpected warnings: %+v", decision.Warnings)
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	v := vars.Named("db.password", vars.Value("x"))
	prod := testEnv{name: "prod", class: vars.ClassProd}

	if err := eng.DisablePolicy("plaintext-secrets"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	if !eng.Allow(prod, v) {
		t.Error("Disabled policy still denies")
	}

	if err := eng.EnablePolicy("plaintext-secrets"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	if eng.Allow(prod, v) {
		t.Error("Re-enabled policy does not deny")
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestAuthorizerComposes(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())
	deny := vars.AuthorizerFunc(func(vars.Environment, vars.Variable) bool { return false })

	v := vars.Named("x", vars.Value(1))
	if !vars.AllOf(eng, nil).Allow(nil, v) {
		t.Error("Empty engine should allow")
	}
	if vars.AllOf(eng, deny).Allow(nil, v) {
		t.Error("AllOf should deny when any authorizer denies")
	}
}
