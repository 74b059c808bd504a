package store

import (
	"sync"
	"sync/atomic"

	"github.com/rshade/finfeed/internal/entity"
)

// CollectionState is the continuation state and ordered membership of one collection.
type CollectionState struct {
	// Key is the resource key, e.g. "feed:home" or "comments:p1".
	Key string

	// Refs are the member identities in server order.
	Refs []entity.Ref

	// Cursor is the opaque token for the next page.
	Cursor string

	// HasMore is the service's explicit continuation flag.
	HasMore bool

	// Loading is true while a fetch for the collection is outstanding.
	Loading bool

	// Err is the last fetch failure, cleared by the next successful fetch.
	Err error

	// Generation increments on every reset; responses from older generations are stale.
	Generation uint64

	// Loaded is true once at least one page has been applied.
	Loaded bool
}

// Exhausted reports whether the collection has been loaded to its end.
func (c CollectionState) Exhausted() bool {
	return c.Loaded && (!c.HasMore || c.Cursor == "")
}

// clone copies the state including its ref slice.
func (c CollectionState) clone() CollectionState {
	c.Refs = append([]entity.Ref(nil), c.Refs...)
	return c
}

// ViewSnapshot is what a view renders: resolved items plus loading state.
type ViewSnapshot struct {
	Key        string
	Items      []entity.Entity
	Cursor     string
	HasMore    bool
	Loading    bool
	Err        error
	Generation uint64
}

// collection is the stored form of a collection.
type collection struct {
	state     CollectionState
	members   map[entity.Ref]struct{}
	observers int
}

func newCollection(key string) *collection {
	return &collection{
		state:   CollectionState{Key: key},
		members: make(map[entity.Ref]struct{}),
	}
}

func (c *collection) clone() *collection {
	members := make(map[entity.Ref]struct{}, len(c.members))
	for ref := range c.members {
		members[ref] = struct{}{}
	}
	return &collection{state: c.state.clone(), members: members, observers: c.observers}
}

// setRefs replaces membership, keeping the first occurrence of each identity.
func (c *collection) setRefs(refs []entity.Ref) {
	c.members = make(map[entity.Ref]struct{}, len(refs))
	out := make([]entity.Ref, 0, len(refs))
	for _, ref := range refs {
		if _, dup := c.members[ref]; dup {
			continue
		}
		c.members[ref] = struct{}{}
		out = append(out, ref)
	}
	c.state.Refs = out
}

func (c *collection) indexOf(ref entity.Ref) int {
	if _, ok := c.members[ref]; !ok {
		return -1
	}
	for i, r := range c.state.Refs {
		if r == ref {
			return i
		}
	}
	return -1
}

// Option configures a Store.
type Option func(*Store)

// WithCountRules registers aggregate count rules.
func WithCountRules(rules ...CountRule) Option {
	return func(s *Store) {
		s.rules = append(s.rules, rules...)
	}
}

// Store is the normalized entity store. It is safe for concurrent use; every
// operation runs in one critical section and never suspends.
type Store struct {
	mu          sync.RWMutex
	entities    map[entity.Ref]entity.Fields
	collections map[string]*collection
	rules       []CountRule
	seq         uint64

	subMu     sync.RWMutex
	subs      map[uint64]*Subscription
	nextSubID atomic.Uint64

	dispatch *dispatcher
}

// New creates an empty store and starts its notification dispatcher.
// Call Close when the session ends.
func New(opts ...Option) *Store {
	s := &Store{
		entities:    make(map[entity.Ref]entity.Fields),
		collections: make(map[string]*collection),
		subs:        make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatch = newDispatcher(s.deliver)
	return s
}

// Rules returns the registered count rules.
func (s *Store) Rules() []CountRule {
	return append([]CountRule(nil), s.rules...)
}

// Get returns a copy of the entity, or false when it is not stored.
func (s *Store) Get(ref entity.Ref) (entity.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields, ok := s.entities[ref]
	if !ok {
		return entity.Entity{}, false
	}
	return entity.Entity{Ref: ref, Fields: fields.Clone()}, true
}

// Len returns the number of stored entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// Put merges fields into the entity, inserting it when absent.
func (s *Store) Put(ref entity.Ref, fields entity.Fields) {
	_ = s.Update(func(tx *Tx) error {
		tx.Put(ref, fields)
		return nil
	})
}

// Remove evicts the entity, removes it from every collection and applies count rules,
// all in one commit. It reports whether the entity was present.
func (s *Store) Remove(ref entity.Ref) bool {
	var removed bool
	_ = s.Update(func(tx *Tx) error {
		removed = tx.Remove(ref)
		return nil
	})
	return removed
}

// Update runs fn as one atomic commit. Subscribers observe either none or all of
// its writes. When fn returns an error every write it made is undone and the error
// is returned unchanged.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newTx(s)
	if err := fn(tx); err != nil {
		tx.undo()
		return err
	}

	change, changed := tx.change()
	if !changed {
		return nil
	}
	s.seq++
	change.Seq = s.seq
	s.dispatch.enqueue(change)
	return nil
}

// Collection returns a copy of the collection's state.
func (s *Store) Collection(key string) (CollectionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[key]
	if !ok {
		return CollectionState{}, false
	}
	return c.state.clone(), true
}

// Snapshot resolves a collection into the entities a view renders.
func (s *Store) Snapshot(key string) (ViewSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[key]
	if !ok {
		return ViewSnapshot{Key: key}, false
	}

	items := make([]entity.Entity, 0, len(c.state.Refs))
	for _, ref := range c.state.Refs {
		if fields, present := s.entities[ref]; present {
			items = append(items, entity.Entity{Ref: ref, Fields: fields.Clone()})
		}
	}

	return ViewSnapshot{
		Key:        key,
		Items:      items,
		Cursor:     c.state.Cursor,
		HasMore:    c.state.HasMore,
		Loading:    c.state.Loading,
		Err:        c.state.Err,
		Generation: c.state.Generation,
	}, true
}

// Clear drops every entity and collection, e.g. at sign-out.
// Subscribers receive one Change with Cleared set.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.collections))
	for key := range s.collections {
		keys = append(keys, key)
	}
	refs := make([]entity.Ref, 0, len(s.entities))
	for ref := range s.entities {
		refs = append(refs, ref)
	}

	s.entities = make(map[entity.Ref]entity.Fields)
	s.collections = make(map[string]*collection)
	s.seq++
	s.dispatch.enqueue(Change{
		Seq:         s.seq,
		Entities:    refs,
		Removed:     refs,
		Collections: keys,
		Cleared:     true,
	})
}

// Sync blocks until every change committed before the call has been delivered.
func (s *Store) Sync() {
	s.dispatch.barrier()
}

// Close delivers pending changes, stops the dispatcher and drops all subscriptions.
func (s *Store) Close() {
	s.dispatch.close()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, sub := range s.subs {
		sub.closed.Store(true)
		delete(s.subs, id)
	}
}
