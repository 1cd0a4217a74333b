// Package config is the configuration front end of rollout. It turns the
// CUE model (environments, projects and playbooks) into the declarations
// in package model, compiles the Starlark snippets embedded in it, and
// reads the operator settings and user parameter files.
//
// # Model files
//
// A model is one or more CUE files or package directories. They are
// unified, checked against the built-in schema and decoded:
//
//	environments: {
//	    base: {abstract: true, vars: {"db.port": 5432}}
//	    prod: {
//	        class:   "prod"
//	        parents: ["base"]
//	        hosts: "web-1": {user: "deploy"}
//	        hostGroups: web: {hosts: ["web-1"]}
//	    }
//	}
//
//	projects: shop: {
//	    playbook: "deploy"
//	    vars: "release.version": {$param: {default: "1.0.0"}}
//	}
//
//	playbooks: [{
//	    name: "deploy"
//	    plays: [{
//	        name:  "web"
//	        hosts: "web"
//	        tasks: [{path: "restart", body: "ssh('systemctl restart shop')"}]
//	    }]
//	}]
//
// Every problem found while loading is reported together as
// ValidationErrors, with file positions where CUE provides them.
//
// # Variables
//
// Values in a vars block are plain data unless they are a struct with a
// single "$"-prefixed field: $ref, $lazy, $cached, $encrypted, $abstract,
// $param, $list, $map and $transform select a variable variant, while
// $append, $appendAt, $put and $expand contribute to a list or map
// declared in an enclosing scope.
//
// # Scripts
//
// Conditions ("when"), task bodies, hooks, $lazy and $transform are
// Starlark. Scripts see var, env, host, retired, log and, in task bodies,
// set, ssh, upload and the exit_task, exit_play and exit_playbook
// builtins. Each call runs with a timeout.
//
// # Settings and parameters
//
// LoadSettings reads rollout.toml. LoadParamsFile and ParseParamFlags read
// user parameter values from YAML and from name=value flags.
package config
