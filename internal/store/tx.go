package store

import (
	"sort"

	"github.com/rshade/finfeed/internal/entity"
)

// Membership locates a ref inside a collection.
type Membership struct {
	Key   string
	Index int
}

type savedEntity struct {
	fields  entity.Fields
	present bool
}

// Tx is the write handle passed to Store.Update. It must not be retained after
// the update function returns.
type Tx struct {
	s *Store

	savedEntities    map[entity.Ref]savedEntity
	savedCollections map[string]*collection

	touched        []entity.Ref
	touchedSet     map[entity.Ref]struct{}
	removed        []entity.Ref
	collections    []string
	collectionsSet map[string]struct{}
}

func newTx(s *Store) *Tx {
	return &Tx{
		s:                s,
		savedEntities:    make(map[entity.Ref]savedEntity),
		savedCollections: make(map[string]*collection),
		touchedSet:       make(map[entity.Ref]struct{}),
		collectionsSet:   make(map[string]struct{}),
	}
}

// Get returns a copy of the entity as seen inside the transaction.
func (tx *Tx) Get(ref entity.Ref) (entity.Entity, bool) {
	fields, ok := tx.s.entities[ref]
	if !ok {
		return entity.Entity{}, false
	}
	return entity.Entity{Ref: ref, Fields: fields.Clone()}, true
}

// Put merges fields into the entity, inserting it when absent.
func (tx *Tx) Put(ref entity.Ref, fields entity.Fields) {
	tx.saveEntity(ref)
	tx.s.entities[ref] = tx.s.entities[ref].Merge(fields)
	tx.touch(ref)
}

// Set replaces the entity's fields exactly. Used to restore snapshots.
func (tx *Tx) Set(ref entity.Ref, fields entity.Fields) {
	tx.saveEntity(ref)
	if fields == nil {
		fields = entity.Fields{}
	}
	tx.s.entities[ref] = fields.Clone()
	tx.touch(ref)
}

// SetField writes one field; present=false deletes it.
func (tx *Tx) SetField(ref entity.Ref, field string, value any, present bool) bool {
	current, ok := tx.s.entities[ref]
	if !ok {
		return false
	}
	tx.saveEntity(ref)
	next := current.Clone()
	if present {
		next[field] = entity.CloneValue(value)
	} else {
		delete(next, field)
	}
	tx.s.entities[ref] = next
	tx.touch(ref)
	return true
}

// Increment adds delta to a numeric field and returns the new value.
// It returns false when the entity is not stored.
func (tx *Tx) Increment(ref entity.Ref, field string, delta int64) (any, bool) {
	current, ok := tx.s.entities[ref]
	if !ok {
		return nil, false
	}
	next := ShiftCount(current[field], delta)
	tx.SetField(ref, field, next, true)
	return next, true
}

// Delete evicts the entity without cascading. Collections keep no reference to it
// only when the caller removes those itself.
func (tx *Tx) Delete(ref entity.Ref) bool {
	if _, ok := tx.s.entities[ref]; !ok {
		return false
	}
	tx.saveEntity(ref)
	delete(tx.s.entities, ref)
	tx.touch(ref)
	tx.removed = append(tx.removed, ref)
	return true
}

// Remove evicts the entity, drops it from every collection and decrements
// every count it contributed to.
func (tx *Tx) Remove(ref entity.Ref) bool {
	fields, ok := tx.s.entities[ref]
	if !ok {
		return false
	}

	for _, rule := range tx.s.rules {
		if !rule.AppliesTo(ref.Kind) {
			continue
		}
		if parent, has := rule.ParentOf(fields); has {
			tx.Increment(parent, rule.CountField, -1)
		}
	}

	for _, m := range tx.Memberships(ref) {
		tx.RemoveFromCollection(m.Key, ref)
	}

	return tx.Delete(ref)
}

// Collection returns a copy of the collection's state.
func (tx *Tx) Collection(key string) (CollectionState, bool) {
	c, ok := tx.s.collections[key]
	if !ok {
		return CollectionState{}, false
	}
	return c.state.clone(), true
}

// EnsureCollection creates an empty collection when absent.
func (tx *Tx) EnsureCollection(key string) CollectionState {
	if c, ok := tx.s.collections[key]; ok {
		return c.state.clone()
	}
	tx.saveCollection(key)
	tx.s.collections[key] = newCollection(key)
	tx.touchCollection(key)
	return tx.s.collections[key].state.clone()
}

// UpdateCollection lets fn edit the collection's state. Duplicate refs introduced by
// fn are dropped. It returns false when the collection does not exist.
func (tx *Tx) UpdateCollection(key string, fn func(state *CollectionState)) bool {
	c, ok := tx.s.collections[key]
	if !ok {
		return false
	}
	tx.saveCollection(key)
	state := c.state.clone()
	fn(&state)
	state.Key = key
	c.state = state
	c.setRefs(state.Refs)
	tx.touchCollection(key)
	return true
}

// ResetCollection replaces the collection's members, creating it when absent.
func (tx *Tx) ResetCollection(key string, refs []entity.Ref) {
	tx.EnsureCollection(key)
	tx.saveCollection(key)
	tx.s.collections[key].setRefs(refs)
	tx.touchCollection(key)
}

// AppendToCollection appends refs not already present and returns those appended.
func (tx *Tx) AppendToCollection(key string, refs []entity.Ref) []entity.Ref {
	c, ok := tx.s.collections[key]
	if !ok {
		return nil
	}
	tx.saveCollection(key)

	added := make([]entity.Ref, 0, len(refs))
	for _, ref := range refs {
		if _, dup := c.members[ref]; dup {
			continue
		}
		c.members[ref] = struct{}{}
		c.state.Refs = append(c.state.Refs, ref)
		added = append(added, ref)
	}
	if len(added) > 0 {
		tx.touchCollection(key)
	}
	return added
}

// InsertIntoCollection inserts ref at index; a negative or out-of-range index appends.
// It returns false when the collection is missing or already holds ref.
func (tx *Tx) InsertIntoCollection(key string, ref entity.Ref, index int) bool {
	c, ok := tx.s.collections[key]
	if !ok {
		return false
	}
	if _, dup := c.members[ref]; dup {
		return false
	}
	tx.saveCollection(key)

	refs := c.state.Refs
	if index < 0 || index > len(refs) {
		index = len(refs)
	}
	refs = append(refs, entity.Ref{})
	copy(refs[index+1:], refs[index:])
	refs[index] = ref
	c.state.Refs = refs
	c.members[ref] = struct{}{}
	tx.touchCollection(key)
	return true
}

// RemoveFromCollection drops ref from the collection and returns its former index.
func (tx *Tx) RemoveFromCollection(key string, ref entity.Ref) (int, bool) {
	c, ok := tx.s.collections[key]
	if !ok {
		return -1, false
	}
	idx := c.indexOf(ref)
	if idx < 0 {
		return -1, false
	}
	tx.saveCollection(key)
	c.state.Refs = append(c.state.Refs[:idx:idx], c.state.Refs[idx+1:]...)
	delete(c.members, ref)
	tx.touchCollection(key)
	return idx, true
}

// Memberships lists every collection holding ref, sorted by key.
func (tx *Tx) Memberships(ref entity.Ref) []Membership {
	var out []Membership
	for _, key := range tx.sortedKeys() {
		c := tx.s.collections[key]
		if idx := c.indexOf(ref); idx >= 0 {
			out = append(out, Membership{Key: key, Index: idx})
		}
	}
	return out
}

// ReplaceRef swaps oldRef for newRef in place in every collection. When a collection
// already holds newRef the old entry is dropped instead. It returns the touched keys.
func (tx *Tx) ReplaceRef(oldRef, newRef entity.Ref) []string {
	var keys []string
	for _, key := range tx.sortedKeys() {
		c := tx.s.collections[key]
		idx := c.indexOf(oldRef)
		if idx < 0 {
			continue
		}
		tx.saveCollection(key)
		if _, dup := c.members[newRef]; dup {
			c.state.Refs = append(c.state.Refs[:idx:idx], c.state.Refs[idx+1:]...)
		} else {
			c.state.Refs[idx] = newRef
			c.members[newRef] = struct{}{}
		}
		delete(c.members, oldRef)
		tx.touchCollection(key)
		keys = append(keys, key)
	}
	return keys
}

func (tx *Tx) sortedKeys() []string {
	keys := make([]string, 0, len(tx.s.collections))
	for key := range tx.s.collections {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (tx *Tx) saveEntity(ref entity.Ref) {
	if _, saved := tx.savedEntities[ref]; saved {
		return
	}
	fields, present := tx.s.entities[ref]
	tx.savedEntities[ref] = savedEntity{fields: fields, present: present}
}

func (tx *Tx) saveCollection(key string) {
	if _, saved := tx.savedCollections[key]; saved {
		return
	}
	if c, ok := tx.s.collections[key]; ok {
		tx.savedCollections[key] = c.clone()
		return
	}
	tx.savedCollections[key] = nil
}

func (tx *Tx) touch(ref entity.Ref) {
	if _, ok := tx.touchedSet[ref]; ok {
		return
	}
	tx.touchedSet[ref] = struct{}{}
	tx.touched = append(tx.touched, ref)
}

func (tx *Tx) touchCollection(key string) {
	if _, ok := tx.collectionsSet[key]; ok {
		return
	}
	tx.collectionsSet[key] = struct{}{}
	tx.collections = append(tx.collections, key)
}

// undo restores every entity and collection the transaction wrote.
// Entity field maps are never mutated in place, so the saved maps are still intact.
func (tx *Tx) undo() {
	for ref, saved := range tx.savedEntities {
		if saved.present {
			tx.s.entities[ref] = saved.fields
		} else {
			delete(tx.s.entities, ref)
		}
	}
	for key, saved := range tx.savedCollections {
		if saved == nil {
			delete(tx.s.collections, key)
			continue
		}
		tx.s.collections[key] = saved
	}
}

// change summarizes the committed writes.
func (tx *Tx) change() (Change, bool) {
	if len(tx.touched) == 0 && len(tx.collections) == 0 {
		return Change{}, false
	}
	removed := make([]entity.Ref, 0, len(tx.removed))
	for _, ref := range tx.removed {
		if _, back := tx.s.entities[ref]; !back {
			removed = append(removed, ref)
		}
	}
	return Change{
		Entities:    append([]entity.Ref(nil), tx.touched...),
		Removed:     removed,
		Collections: append([]string(nil), tx.collections...),
	}, true
}
