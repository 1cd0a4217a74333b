// Package inventory models where rollout deploys to: environments with
// diamond inheritance, their merged host registries, and host groups with
// normal and retired inheritance.
//
// Environments are validated up front by NewRegistry and materialized on
// demand by Registry.Get, parents first, each exactly once. Host groups
// compute two views lazily and once:
//
//   - Inclusive: inherited groups, then retired-inherited groups (forced
//     retired), then the group's own hosts; later entries win by host name.
//   - Exclusive: the inclusive set, where a host stays retired only if every
//     downstream group (one that normally inherits this group) claiming it
//     also sees it retired.
//
// Query matches environments by name, label, class or ancestry, and
// Selector picks hosts for a play.
package inventory
