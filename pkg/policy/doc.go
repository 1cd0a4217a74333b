// Package policy authorizes variable resolution with Open Policy Agent.
//
// Every enabled policy is a Rego module whose package defines a deny set.
// The input document describes one variable access:
//
//	{
//	  "variable": {"name": "db.password", "id": "", "kind": "value"},
//	  "env":      {"name": "prod-eu", "class": "prod"}
//	}
//
// Each element of deny is a violation: either a message string or an object
// with "message" and optional "severity". Violations with severity error or
// critical deny the access. Lower severities are logged as warnings.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	build.Authorizer = eng
//
// Engine.Watch reloads the policy directories when files change. A reload
// that does not compile leaves the previous policies in place. Built-in
// policies are always kept.
//
// # Policy files
//
// Policies are .rego files named after the policy. An optional YAML sidecar
// with the same base name overrides defaults:
//
//	description: Secrets stay out of test
//	severity: warning
//	enabled: true
//	tags: [secrets]
package policy
