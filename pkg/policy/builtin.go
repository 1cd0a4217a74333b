package policy

import (
	"time"
)

// builtinNames is the set of policy names GetBuiltinPolicies returns. They
// survive a watched reload.
var builtinNames = map[string]struct{}{
	"plaintext-secrets": {},
	"local-scope":       {},
	"abstract-access":   {},
}

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		plaintextSecretsPolicy(),
		localScopePolicy(),
		abstractAccessPolicy(),
	}
}

// plaintextSecretsPolicy refuses plain values with secret-looking names in
// prod environments.
func plaintextSecretsPolicy() Policy {
	return Policy{
		Name:        "plaintext-secrets",
		Description: "Secret-looking variables must be encrypted in prod environments",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"secrets", "prod"},
		UpdatedAt:   time.Now(),
		Rego: `package rollout.policies.secrets

import rego.v1

sensitive := ["password", "secret", "token", "private_key"]

deny contains violation if {
	input.env.class == "prod"
	input.variable.kind == "value"
	some word in sensitive
	contains(lower(input.variable.name), word)
	violation := {
		"message": sprintf("%s looks like a secret and must be encrypted in prod environments", [input.variable.name]),
		"severity": "error",
	}
}
`,
	}
}

// localScopePolicy keeps variables under the local. prefix out of shared
// environments.
func localScopePolicy() Policy {
	return Policy{
		Name:        "local-scope",
		Description: "Variables under local. resolve only in local-class environments",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"scope"},
		UpdatedAt:   time.Now(),
		Rego: `package rollout.policies.scope

import rego.v1

deny contains violation if {
	startswith(input.variable.name, "local.")
	input.env.class != "local"
	violation := {
		"message": sprintf("%s is local-only and cannot resolve in %s", [input.variable.name, input.env.name]),
		"severity": "error",
	}
}
`,
	}
}

// abstractAccessPolicy warns when resolution reaches an abstract
// declaration, which then fails with a clearer error from the resolver.
func abstractAccessPolicy() Policy {
	return Policy{
		Name:        "abstract-access",
		Description: "Reports access to variables that were never overridden",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"diagnostics"},
		UpdatedAt:   time.Now(),
		Rego: `package rollout.policies.abstract

import rego.v1

deny contains msg if {
	input.variable.kind == "abstract"
	msg := sprintf("%s is abstract in %s", [input.variable.name, input.env.name])
}
`,
	}
}
