package mutation

import (
	"github.com/rshade/finfeed/internal/entity"
	"github.com/rshade/finfeed/internal/store"
)

// Tx is the slice of store.Tx the reducers need.
type Tx interface {
	Get(ref entity.Ref) (entity.Entity, bool)
	Put(ref entity.Ref, fields entity.Fields)
	Set(ref entity.Ref, fields entity.Fields)
	SetField(ref entity.Ref, field string, value any, present bool) bool
	Increment(ref entity.Ref, field string, delta int64) (any, bool)
	Delete(ref entity.Ref) bool
	Collection(key string) (store.CollectionState, bool)
	InsertIntoCollection(key string, ref entity.Ref, index int) bool
	RemoveFromCollection(key string, ref entity.Ref) (int, bool)
	ReplaceRef(oldRef, newRef entity.Ref) []string
}

var _ Tx = (*store.Tx)(nil)

// FieldSet writes a field.
type FieldSet struct {
	Ref   entity.Ref
	Field string
	Value any
}

// FieldAdd adds to a numeric field.
type FieldAdd struct {
	Ref   entity.Ref
	Field string
	By    int64
}

// Insert places a ref in a collection.
type Insert struct {
	Key   string
	Ref   entity.Ref
	Index int
}

// Delta is a tentative change.
type Delta struct {
	// Create is the new entity, if any.
	Create *entity.Entity

	Sets    []FieldSet
	Adds    []FieldAdd
	Inserts []Insert
}

// FieldValue is a field's value before a change. Present is false when the field
// (or its entity) was absent.
type FieldValue struct {
	Ref     entity.Ref
	Field   string
	Value   any
	Present bool
}

// MembershipValue records whether a ref was in a collection before a change.
type MembershipValue struct {
	Key     string
	Ref     entity.Ref
	Present bool
}

// EntityValue records whether an entity existed before a change.
type EntityValue struct {
	Ref     entity.Ref
	Present bool
}

// Snapshot holds the pre-change value of every location a delta touches.
type Snapshot struct {
	Entities    []EntityValue
	Fields      []FieldValue
	Memberships []MembershipValue
}

// CaptureSnapshot reads the current value of every location d touches.
func CaptureSnapshot(tx Tx, d Delta) Snapshot {
	var snap Snapshot
	if d.Create != nil {
		_, present := tx.Get(d.Create.Ref)
		snap.Entities = append(snap.Entities, EntityValue{Ref: d.Create.Ref, Present: present})
	}
	for _, s := range d.Sets {
		snap.Fields = append(snap.Fields, readField(tx, s.Ref, s.Field))
	}
	for _, a := range d.Adds {
		snap.Fields = append(snap.Fields, readField(tx, a.Ref, a.Field))
	}
	for _, in := range d.Inserts {
		snap.Memberships = append(snap.Memberships, MembershipValue{
			Key:     in.Key,
			Ref:     in.Ref,
			Present: inCollection(tx, in.Key, in.Ref),
		})
	}
	return snap
}

// ApplyTentative writes d. Inserts into collections that do not exist are skipped.
func ApplyTentative(tx Tx, d Delta) {
	if d.Create != nil {
		tx.Set(d.Create.Ref, d.Create.Fields)
	}
	for _, s := range d.Sets {
		tx.SetField(s.Ref, s.Field, s.Value, true)
	}
	for _, a := range d.Adds {
		tx.Increment(a.Ref, a.Field, a.By)
	}
	for _, in := range d.Inserts {
		tx.InsertIntoCollection(in.Key, in.Ref, in.Index)
	}
}

// Rollback restores every location in snap, in reverse order of application.
func Rollback(tx Tx, snap Snapshot) {
	for i := len(snap.Memberships) - 1; i >= 0; i-- {
		m := snap.Memberships[i]
		if !m.Present {
			tx.RemoveFromCollection(m.Key, m.Ref)
		}
	}
	for i := len(snap.Fields) - 1; i >= 0; i-- {
		f := snap.Fields[i]
		tx.SetField(f.Ref, f.Field, f.Value, f.Present)
	}
	for i := len(snap.Entities) - 1; i >= 0; i-- {
		e := snap.Entities[i]
		if !e.Present {
			tx.Delete(e.Ref)
		}
	}
}

// Confirm replaces a tentative identity with the server's entity. Collections holding
// tentative now hold confirmed.Ref at the same position. Fields for which keep returns
// true are left at their current value; keep may be nil. A zero tentative ref only merges.
func Confirm(tx Tx, tentative entity.Ref, confirmed entity.Entity, keep func(ref entity.Ref, field string, value any) bool) {
	if tentative != confirmed.Ref && !tentative.IsZero() {
		tx.ReplaceRef(tentative, confirmed.Ref)
		tx.Delete(tentative)
	}
	Merge(tx, confirmed, keep)
}

// Merge writes the server's fields for e, skipping fields keep protects.
func Merge(tx Tx, e entity.Entity, keep func(ref entity.Ref, field string, value any) bool) {
	fields := make(entity.Fields, len(e.Fields))
	for name, value := range e.Fields {
		if keep != nil && keep(e.Ref, name, value) {
			continue
		}
		fields[name] = value
	}
	tx.Put(e.Ref, fields)
}

func readField(tx Tx, ref entity.Ref, field string) FieldValue {
	e, ok := tx.Get(ref)
	if !ok {
		return FieldValue{Ref: ref, Field: field}
	}
	value, present := e.Fields[field]
	return FieldValue{Ref: ref, Field: field, Value: value, Present: present}
}

func inCollection(tx Tx, key string, ref entity.Ref) bool {
	state, ok := tx.Collection(key)
	if !ok {
		return false
	}
	for _, r := range state.Refs {
		if r == ref {
			return true
		}
	}
	return false
}
