package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/vars"
)

const denyDebug = `# Debug switches stay out of prod.
package test.debug

import rego.v1

deny contains msg if {
	input.env.class == "prod"
	startswith(input.variable.name, "debug.")
	msg := sprintf("%s is not allowed in prod", [input.variable.name])
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "no-debug.rego")
	writeFile(t, policyFile, denyDebug)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "no-debug" {
		t.Errorf("Expected name 'no-debug', got '%s'", policy.Name)
	}
	if policy.Description != "Debug switches stay out of prod." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Severity != SeverityError || !policy.Enabled {
		t.Errorf("Unexpected defaults: severity=%s enabled=%v", policy.Severity, policy.Enabled)
	}
}

func TestLoadFromFile_Sidecar(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "no-debug.rego"), denyDebug)
	writeFile(t, filepath.Join(dir, "no-debug.yaml"), "description: Debug flags\nseverity: warning\nenabled: false\ntags: [debug]\n")

	policy, err := NewLoader(zerolog.Nop()).loadFromFile(context.Background(), filepath.Join(dir, "no-debug.rego"))
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Description != "Debug flags" || policy.Severity != SeverityWarning || policy.Enabled {
		t.Errorf("Sidecar not applied: %+v", policy)
	}
	if len(policy.Tags) != 1 || policy.Tags[0] != "debug" {
		t.Errorf("Unexpected tags %v", policy.Tags)
	}
}

func TestLoadFromFile_BadSidecar(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "p.rego"), denyDebug)
	writeFile(t, filepath.Join(dir, "p.yml"), "severity: fatal\n")

	if _, err := NewLoader(zerolog.Nop()).loadFromFile(context.Background(), filepath.Join(dir, "p.rego")); err == nil {
		t.Fatal("Expected unknown severity to fail")
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "b.rego"), denyDebug)
	writeFile(t, filepath.Join(sub, "a.rego"), "package test.a\n")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 || policies[0].Name != "a" || policies[1].Name != "b" {
		t.Fatalf("Unexpected policies: %+v", policies)
	}

	if _, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestEngine_LoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "no-debug.rego"), denyDebug)

	eng := newTestEngine(t, WithoutBuiltins())
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	prod := testEnv{name: "prod", class: vars.ClassProd}
	if eng.Allow(prod, vars.Named("debug.trace", vars.Value(true))) {
		t.Error("Loaded policy should deny debug.trace in prod")
	}
	if !eng.Allow(testEnv{name: "qa", class: vars.ClassTest}, vars.Named("debug.trace", vars.Value(true))) {
		t.Error("Loaded policy should allow debug.trace outside prod")
	}
}

func TestEngine_LoadPolicies_CompileError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "broken.rego"), "package broken\n\ndeny contains msg if {\n")

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Fatal("Expected compile error")
	}
	if len(eng.ListPolicies()) != len(GetBuiltinPolicies()) {
		t.Error("Failed load must not change the policy set")
	}
}

func TestEngine_Watch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "placeholder.rego"), "package test.placeholder\n")

	eng := newTestEngine(t)
	eng.loader.reloadDelay = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	writeFile(t, filepath.Join(dir, "no-debug.rego"), denyDebug)

	prod := testEnv{name: "prod", class: vars.ClassProd}
	v := vars.Named("debug.trace", vars.Value(true))
	deadline := time.Now().Add(5 * time.Second)
	for eng.Allow(prod, v) {
		if time.Now().After(deadline) {
			t.Fatal("Watched policy was not loaded")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := eng.GetPolicy("plaintext-secrets"); err != nil {
		t.Errorf("Built-in policy lost on reload: %v", err)
	}
}
