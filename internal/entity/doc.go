// Package entity defines the identity and value types shared by every layer of finfeed.
//
// Entities are stored by identity (a Ref) in one arena and collections only hold Refs,
// never embedded copies. Key types:
//   - Ref: the (kind, id) identity of an entity, rendered as "kind:id"
//   - Fields: the field values of an entity
//   - Entity: a Ref together with its Fields
//   - Page: one batch of entities plus the continuation state of a collection
//
// Every accessor that hands Fields to a caller returns a clone so views cannot
// mutate store state behind its back.
package entity
