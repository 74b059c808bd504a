// Package store implements the normalized entity store: the single source of truth
// for entity field values in a finfeed session.
//
// Entities live in one arena keyed by entity.Ref. Collections (feeds, comment threads,
// holdings) hold only Refs plus their continuation state, so removing an entity cascades
// to every collection without dangling copies. Key features:
//   - Synchronous Put/Remove; several writes compose into one atomic commit via Update
//   - Count rules keep derived aggregate fields in lockstep with child removals
//   - Subscriptions per entity or collection key, delivered in commit order on a
//     dedicated dispatcher goroutine, one Change per commit
//
// The store never fails. All fallibility lives with its callers.
package store
