package store

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rshade/finfeed/internal/entity"
	"github.com/rshade/finfeed/internal/logging"
)

// Change describes one committed update.
type Change struct {
	// Seq is the commit sequence number, strictly increasing per store.
	Seq uint64

	// Entities lists every entity written or removed.
	Entities []entity.Ref

	// Removed lists the entities no longer stored after the commit.
	Removed []entity.Ref

	// Collections lists every collection whose state or members changed.
	Collections []string

	// Cleared is set when the whole store was cleared.
	Cleared bool
}

// TouchesEntity reports whether the change wrote or removed ref.
func (c Change) TouchesEntity(ref entity.Ref) bool {
	return c.Cleared || slices.Contains(c.Entities, ref)
}

// TouchesCollection reports whether the change affected the collection.
func (c Change) TouchesCollection(key string) bool {
	return c.Cleared || slices.Contains(c.Collections, key)
}

// Callback receives committed changes. Callbacks run on the store's dispatcher
// goroutine and may call back into the store.
type Callback func(Change)

// Topic selects what a subscription observes: one entity or one collection.
type Topic struct {
	ref        entity.Ref
	key        string
	collection bool
}

// EntityTopic observes puts and removes of one entity.
func EntityTopic(ref entity.Ref) Topic {
	return Topic{ref: ref}
}

// CollectionTopic observes membership and state changes of one collection.
func CollectionTopic(key string) Topic {
	return Topic{key: key, collection: true}
}

// String returns the topic in log-friendly form.
func (t Topic) String() string {
	if t.collection {
		return "collection:" + t.key
	}
	return "entity:" + t.ref.String()
}

func (t Topic) matches(c Change) bool {
	if t.collection {
		return c.TouchesCollection(t.key)
	}
	return c.TouchesEntity(t.ref)
}

// Subscription is a registered observer. Close it when the view unmounts.
type Subscription struct {
	id       uint64
	topic    Topic
	callback Callback
	store    *Store
	closed   atomic.Bool
	once     sync.Once
}

// Topic returns what the subscription observes.
func (s *Subscription) Topic() Topic {
	return s.topic
}

// Close stops further deliveries. Closing the last observer of a collection
// discards the collection.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.store.unsubscribe(s)
	})
}

// Subscribe registers callback for changes touching topic. Subscribing to a
// collection creates it when absent.
func (s *Store) Subscribe(topic Topic, callback Callback) *Subscription {
	sub := &Subscription{
		id:       s.nextSubID.Add(1),
		topic:    topic,
		callback: callback,
		store:    s,
	}

	if topic.collection {
		s.mu.Lock()
		c, ok := s.collections[topic.key]
		if !ok {
			c = newCollection(topic.key)
			s.collections[topic.key] = c
		}
		c.observers++
		s.mu.Unlock()
	}

	s.subMu.Lock()
	s.subs[sub.id] = sub
	s.subMu.Unlock()

	return sub
}

// Observers returns the number of open subscriptions on a collection.
func (s *Store) Observers(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.collections[key]; ok {
		return c.observers
	}
	return 0
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.subMu.Lock()
	delete(s.subs, sub.id)
	s.subMu.Unlock()

	if !sub.topic.collection {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[sub.topic.key]
	if !ok || c.observers == 0 {
		return
	}
	c.observers--
	if c.observers == 0 {
		delete(s.collections, sub.topic.key)
	}
}

// deliver fans a change out to matching subscribers. It runs on the dispatcher goroutine.
func (s *Store) deliver(change Change) {
	s.subMu.RLock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subMu.RUnlock()

	slices.SortFunc(subs, func(a, b *Subscription) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		default:
			return 0
		}
	})

	for _, sub := range subs {
		if sub.closed.Load() || !sub.topic.matches(change) {
			continue
		}
		if err := runSafely(sub, change); err != nil {
			logging.Default().Error().
				Str("component", "store").
				Str("operation", "deliver").
				Str("topic", sub.topic.String()).
				Uint64("seq", change.Seq).
				Err(err).
				Msg("subscriber callback failed")
		}
	}
}

// runSafely converts a callback panic into an error so one view cannot stop delivery.
func runSafely(sub *Subscription, change Change) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("subscription %d: panic recovered: %v", sub.id, recovered)
		}
	}()
	sub.callback(change)
	return nil
}
