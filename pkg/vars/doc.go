// Package vars implements the variable resolution engine used by every
// rollout scope: environments, projects, playbooks, plays, tasks and hosts.
//
// # Variables
//
// A Variable is a named value that is only computed when resolved. The
// variants are built with package constructors:
//
//   - Value, Lazy, Ref: plain and computed values
//   - Cached: memoized per Context
//   - Abstract: must be overridden by a more specific scope
//   - Encrypted: decrypted with the key for the environment class
//   - Transform, FilterList, FilterMap: derived values
//   - Parameter: a build input with default, choices and type coercion
//   - CascadeList, CascadeMap: collections that also collect entries
//     registered under their path by descendant scopes
//
// Renaming a variable with WithName returns a copy, so one definition can be
// bound under many paths.
//
// # Scopes
//
// A Layered scope is an ordered chain of read-only Tables, root-most first,
// plus one writable Table. Name lookups prefer the writable table and then
// the most specific layer. Cascades ask the scope for every registration
// under "<name>.*" and merge them after their own local entries:
//
//	ports := vars.CascadeList(vars.Value(80)).WithName(vars.ParseName("ports")).(vars.Cascade)
//	base := vars.NewTable(ports)
//	scope := vars.NewLayered(base)
//	ports.Add(scope.Writable(), vars.Value(443))
//
//	rc := vars.NewContext(nil, scope)
//	value, _ := rc.ConcreteName(vars.ParseName("ports")) // []any{80, 443}
//
// # Contexts
//
// A Context holds the environment, authorizer, cache, user parameters,
// decrypter and scope for one evaluation. Contexts are not safe for
// concurrent use; Fork one per concurrent unit.
package vars
