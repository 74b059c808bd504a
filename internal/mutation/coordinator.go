package mutation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/rshade/finfeed/internal/entity"
	"github.com/rshade/finfeed/internal/identity"
	"github.com/rshade/finfeed/internal/logging"
	"github.com/rshade/finfeed/internal/metrics"
	"github.com/rshade/finfeed/internal/notify"
	"github.com/rshade/finfeed/internal/remote"
	"github.com/rshade/finfeed/internal/store"
)

// TempIDPrefix marks identities assigned before the service confirms a create.
const TempIDPrefix = "tmp-"

// Runner executes remote mutations.
type Runner interface {
	RunMutation(ctx context.Context, name string, input map[string]any) (remote.MutationResult, error)
}

// State is a mutation's lifecycle position.
type State int

const (
	StateIdle State = iota
	StatePending
	StateConfirmed
	StateRolledBack
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event reports a state transition.
type Event struct {
	Key   string
	Name  string
	State State
	Ref   entity.Ref
	Err   error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIdentity sets the actor source for specs with AttachActor.
func WithIdentity(p identity.Provider) Option {
	return func(c *Coordinator) {
		c.ids = p
	}
}

// WithPresenter sets where rollback notices go.
func WithPresenter(p notify.Presenter) Option {
	return func(c *Coordinator) {
		c.presenter = p
	}
}

// WithTempIDs replaces the temporary id generator. The prefix is not added.
func WithTempIDs(next func() string) Option {
	return func(c *Coordinator) {
		c.newTempID = next
	}
}

// WithObserver receives every state transition, outside the coordinator's lock.
func WithObserver(fn func(Event)) Option {
	return func(c *Coordinator) {
		c.observe = fn
	}
}

// location is one writable place: an entity's existence, one field, or one
// collection membership.
type location struct {
	ref   entity.Ref
	field string
	key   string
}

type pending struct {
	id        uint64
	key       string
	spec      Spec
	tentative entity.Ref
	delta     Delta
	snapshot  Snapshot
	adds      map[location]int64
}

func (p *pending) locations() []location {
	var out []location
	for _, e := range p.snapshot.Entities {
		out = append(out, location{ref: e.Ref})
	}
	for _, f := range p.snapshot.Fields {
		out = append(out, location{ref: f.Ref, field: f.Field})
	}
	for _, m := range p.snapshot.Memberships {
		out = append(out, location{ref: m.Ref, key: m.Key})
	}
	return out
}

// handDown overwrites p's snapshot entry for loc. Used when an earlier writer of loc
// resolves while p is still pending.
func (p *pending) handDown(loc location, value any, present bool) {
	switch {
	case loc.key != "":
		for i := range p.snapshot.Memberships {
			m := &p.snapshot.Memberships[i]
			if m.Key == loc.key && m.Ref == loc.ref {
				m.Present = present
			}
		}
	case loc.field != "":
		for i := range p.snapshot.Fields {
			f := &p.snapshot.Fields[i]
			if f.Ref == loc.ref && f.Field == loc.field {
				f.Value, f.Present = entity.CloneValue(value), present
			}
		}
	default:
		for i := range p.snapshot.Entities {
			e := &p.snapshot.Entities[i]
			if e.Ref == loc.ref {
				e.Present = present
			}
		}
	}
}

// shift applies a confirmed count change to p's snapshot of loc, so that rolling p
// back later does not undo it.
func (p *pending) shift(loc location, by int64) {
	for i := range p.snapshot.Fields {
		f := &p.snapshot.Fields[i]
		if f.Ref == loc.ref && f.Field == loc.field && f.Present {
			f.Value = store.ShiftCount(f.Value, by)
		}
	}
}

// Coordinator runs optimistic mutations against a store. It is safe for concurrent use.
type Coordinator struct {
	store     *store.Store
	runner    Runner
	ids       identity.Provider
	presenter notify.Presenter
	newTempID func() string
	observe   func(Event)

	// mu orders snapshot capture, tentative writes and resolution across mutations.
	// Lock order is mu, then the store.
	mu      sync.Mutex
	seq     uint64
	pending map[string]*pending
	writers map[location][]*pending
}

// New creates a coordinator.
func New(st *store.Store, runner Runner, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     st,
		runner:    runner,
		presenter: notify.LogPresenter{},
		newTempID: func() string { return ulid.Make().String() },
		pending:   make(map[string]*pending),
		writers:   make(map[location][]*pending),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns StatePending while a spec with key is unresolved, StateIdle otherwise.
func (c *Coordinator) State(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; ok {
		return StatePending
	}
	return StateIdle
}

// Pending returns the number of unresolved mutations.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Submit applies spec tentatively, runs it remotely and reconciles. It returns the
// confirmed entity, or a *MutationError after rolling back. The remote call is not
// cancelled by ctx.
func (c *Coordinator) Submit(ctx context.Context, spec Spec) (entity.Entity, error) {
	if err := spec.validate(); err != nil {
		return entity.Entity{}, err
	}
	key := spec.DedupKey()
	log := logging.FromContext(ctx).With().
		Str("component", "mutation").
		Str("operation", "submit").
		Str("mutation", spec.Name).
		Str("key", key).
		Logger()

	var actorFields entity.Fields
	if spec.AttachActor && c.ids != nil {
		actor, err := c.ids.Actor(ctx)
		if err != nil {
			return entity.Entity{}, fmt.Errorf("mutation: resolve actor: %w", err)
		}
		prefix := spec.ActorField
		if prefix == "" {
			prefix = DefaultActorField
		}
		actorFields = actor.Fields(prefix)
	}

	p, tentative, err := c.begin(key, spec, actorFields)
	if err != nil {
		if errors.Is(err, ErrDuplicateSubmission) {
			metrics.Mutations.WithLabelValues(spec.Name, metrics.OutcomeDuplicate).Inc()
			log.Info().Msg("duplicate submission suppressed")
		}
		return entity.Entity{}, err
	}
	metrics.PendingMutations.Inc()
	defer metrics.PendingMutations.Dec()
	log.Debug().Str("tentative", p.tentative.String()).Msg("tentative change applied")
	c.emit(Event{Key: key, Name: spec.Name, State: StatePending, Ref: tentative.Ref})

	result, err := c.runner.RunMutation(context.WithoutCancel(ctx), spec.Name, spec.Input)
	if err == nil {
		err = checkResult(spec, result)
	}

	if err != nil {
		c.rollback(p)
		metrics.Mutations.WithLabelValues(spec.Name, metrics.OutcomeRolledBack).Inc()
		log.Warn().Err(err).Msg("mutation failed; tentative change rolled back")
		c.present(ctx, key, spec, err)
		c.emit(Event{Key: key, Name: spec.Name, State: StateRolledBack, Ref: p.tentative, Err: err})
		return entity.Entity{}, &MutationError{Name: spec.Name, Key: key, Input: spec.Input, Err: err}
	}

	confirmed := c.confirm(p, result, tentative)
	metrics.Mutations.WithLabelValues(spec.Name, metrics.OutcomeConfirmed).Inc()
	log.Debug().Str("confirmed", confirmed.Ref.String()).Msg("mutation confirmed")
	c.emit(Event{Key: key, Name: spec.Name, State: StateConfirmed, Ref: confirmed.Ref})
	return confirmed, nil
}

// Reconcile merges an entity fetched outside any mutation. A field a pending mutation
// wrote keeps its tentative value, and the fetched value becomes what that mutation
// rolls back to.
func (c *Coordinator) Reconcile(e entity.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.store.Update(func(tx *store.Tx) error {
		Merge(tx, e, c.deferToPending(nil))
		return nil
	})
}

// begin registers the mutation and writes its tentative change in one store commit.
func (c *Coordinator) begin(key string, spec Spec, actorFields entity.Fields) (*pending, entity.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.pending[key]; dup {
		return nil, entity.Entity{}, fmt.Errorf("%w: %s", ErrDuplicateSubmission, key)
	}

	c.seq++
	p := &pending{id: c.seq, key: key, spec: spec, adds: make(map[location]int64)}
	var tentative entity.Entity
	err := c.store.Update(func(tx *store.Tx) error {
		delta, ref, err := c.buildDelta(tx, spec, actorFields)
		if err != nil {
			return err
		}
		p.delta, p.tentative = delta, ref
		p.snapshot = CaptureSnapshot(tx, delta)
		ApplyTentative(tx, delta)
		tentative, _ = tx.Get(ref)
		return nil
	})
	if err != nil {
		return nil, entity.Entity{}, err
	}

	for _, a := range p.delta.Adds {
		p.adds[location{ref: a.Ref, field: a.Field}] += a.By
	}
	c.pending[key] = p
	for _, loc := range p.locations() {
		c.writers[loc] = append(c.writers[loc], p)
	}
	return p, tentative, nil
}

func (c *Coordinator) buildDelta(tx *store.Tx, spec Spec, actorFields entity.Fields) (Delta, entity.Ref, error) {
	var d Delta
	switch spec.Kind {
	case KindCreate:
		ref := entity.NewRef(spec.Target.Kind, TempIDPrefix+c.newTempID())
		fields := spec.Fields.Clone().Merge(actorFields)
		d.Create = &entity.Entity{Ref: ref, Fields: fields}
		for _, pl := range spec.Collections {
			d.Inserts = append(d.Inserts, Insert{Key: pl.Key, Ref: ref, Index: pl.Position})
		}
		for _, rule := range c.store.Rules() {
			if !rule.AppliesTo(ref.Kind) {
				continue
			}
			parent, ok := rule.ParentOf(fields)
			if !ok {
				continue
			}
			if _, exists := tx.Get(parent); exists {
				d.Adds = append(d.Adds, FieldAdd{Ref: parent, Field: rule.CountField, By: 1})
			}
		}
		return d, ref, nil

	case KindUpdate:
		if _, ok := tx.Get(spec.Target); !ok {
			return Delta{}, entity.Ref{}, fmt.Errorf("%w: %s", ErrTargetMissing, spec.Target)
		}
		for _, name := range sortedNames(spec.Fields) {
			d.Sets = append(d.Sets, FieldSet{Ref: spec.Target, Field: name, Value: spec.Fields[name]})
		}
		for _, name := range sortedNames(spec.Increments) {
			d.Adds = append(d.Adds, FieldAdd{Ref: spec.Target, Field: name, By: spec.Increments[name]})
		}
		return d, spec.Target, nil

	default:
		if _, ok := tx.Get(spec.Target); !ok {
			return Delta{}, entity.Ref{}, fmt.Errorf("%w: %s", ErrTargetMissing, spec.Target)
		}
		return d, spec.Target, nil
	}
}

// rollback restores the locations p is the latest writer of and hands its snapshot
// down to the next pending writer everywhere else.
func (c *Coordinator) rollback(p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.store.Update(func(tx *store.Tx) error {
		var restore Snapshot
		for _, e := range p.snapshot.Entities {
			loc := location{ref: e.Ref}
			if next := c.nextWriter(loc, p); next != nil {
				next.handDown(loc, nil, e.Present)
				continue
			}
			restore.Entities = append(restore.Entities, e)
		}
		for _, f := range p.snapshot.Fields {
			loc := location{ref: f.Ref, field: f.Field}
			next := c.nextWriter(loc, p)
			if next == nil {
				restore.Fields = append(restore.Fields, f)
				continue
			}
			next.handDown(loc, f.Value, f.Present)
			if by, additive := p.adds[loc]; additive && c.laterAllAdditive(loc, p) {
				tx.Increment(f.Ref, f.Field, -by)
			}
		}
		for _, m := range p.snapshot.Memberships {
			loc := location{ref: m.Ref, key: m.Key}
			if next := c.nextWriter(loc, p); next != nil {
				next.handDown(loc, nil, m.Present)
				continue
			}
			restore.Memberships = append(restore.Memberships, m)
		}
		Rollback(tx, restore)
		return nil
	})

	c.release(p)
}

// confirm writes the server's result. Locations another pending mutation still writes
// keep their tentative value; the server value becomes that mutation's rollback target.
func (c *Coordinator) confirm(p *pending, result remote.MutationResult, tentative entity.Entity) entity.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := tentative
	_ = c.store.Update(func(tx *store.Tx) error {
		if p.spec.Kind == KindDelete {
			out, _ = tx.Get(p.tentative)
			counts := c.countLocations(out)
			tx.Remove(p.tentative)
			for _, loc := range counts {
				for _, w := range c.writers[loc] {
					w.shift(loc, -1)
				}
			}
			for _, rel := range result.Related {
				Merge(tx, rel, c.deferToPending(p))
			}
			return nil
		}

		keep := c.deferToPending(p)
		var replaced entity.Ref
		if p.spec.Kind == KindCreate {
			replaced = p.tentative
		}
		Confirm(tx, replaced, result.Entity, keep)
		for _, rel := range result.Related {
			Merge(tx, rel, keep)
		}
		if e, ok := tx.Get(result.Entity.Ref); ok {
			out = e
		}
		return nil
	})

	c.release(p)
	return out
}

// countLocations returns the parent count fields the entity contributes to under the
// store's count rules.
func (c *Coordinator) countLocations(e entity.Entity) []location {
	var out []location
	for _, rule := range c.store.Rules() {
		if !rule.AppliesTo(e.Ref.Kind) {
			continue
		}
		if parent, ok := rule.ParentOf(e.Fields); ok {
			out = append(out, location{ref: parent, field: rule.CountField})
		}
	}
	return out
}

// deferToPending returns a keep func for Confirm: a field that another pending mutation
// also writes is left alone and the server value is handed down to that mutation.
// A nil p defers to the oldest pending writer.
func (c *Coordinator) deferToPending(p *pending) func(entity.Ref, string, any) bool {
	return func(ref entity.Ref, field string, value any) bool {
		loc := location{ref: ref, field: field}
		next := c.nextWriter(loc, p)
		if next == nil {
			for _, w := range c.writers[loc] {
				if w != p {
					next = w
					break
				}
			}
		}
		if next == nil {
			return false
		}
		next.handDown(loc, value, true)
		return true
	}
}

// nextWriter returns the pending mutation that wrote loc after p, or nil when p is the
// latest writer (or never wrote loc).
func (c *Coordinator) nextWriter(loc location, p *pending) *pending {
	chain := c.writers[loc]
	for i, w := range chain {
		if w == p && i+1 < len(chain) {
			return chain[i+1]
		}
	}
	return nil
}

// laterAllAdditive reports whether every writer of loc after p only incremented it.
func (c *Coordinator) laterAllAdditive(loc location, p *pending) bool {
	chain := c.writers[loc]
	after := false
	for _, w := range chain {
		if w == p {
			after = true
			continue
		}
		if !after {
			continue
		}
		if _, additive := w.adds[loc]; !additive {
			return false
		}
	}
	return true
}

func (c *Coordinator) release(p *pending) {
	delete(c.pending, p.key)
	for _, loc := range p.locations() {
		chain := c.writers[loc]
		for i, w := range chain {
			if w == p {
				chain = append(chain[:i:i], chain[i+1:]...)
				break
			}
		}
		if len(chain) == 0 {
			delete(c.writers, loc)
			continue
		}
		c.writers[loc] = chain
	}
}

func (c *Coordinator) present(ctx context.Context, key string, spec Spec, err error) {
	if c.presenter == nil {
		return
	}
	n := notify.Notice{
		Kind:    notify.KindMutationRolledBack,
		Key:     key,
		Message: fmt.Sprintf("could not %s; change undone", spec.Name),
		Err:     err,
	}
	if errors.Is(err, remote.ErrReconciliationConflict) {
		n.Kind = notify.KindReconciliationConflict
		n.Message = fmt.Sprintf("%s conflicted with the server; change undone", spec.Name)
	}
	c.presenter.Present(ctx, n)
}

func (c *Coordinator) emit(ev Event) {
	if c.observe != nil {
		c.observe(ev)
	}
}

// checkResult rejects results that contradict the submitted Spec.
func checkResult(spec Spec, result remote.MutationResult) error {
	switch {
	case spec.Kind == KindDelete && !result.Deleted:
		return fmt.Errorf("%w: %s expected a deletion, got %s", remote.ErrReconciliationConflict, spec.Name, result.Entity.Ref)
	case spec.Kind != KindDelete && result.Deleted:
		return fmt.Errorf("%w: %s returned a deletion", remote.ErrReconciliationConflict, spec.Name)
	case spec.Kind == KindDelete:
		return nil
	case result.Entity.Ref.IsZero() || result.Entity.Ref.ID == "":
		return fmt.Errorf("%w: %s returned no entity", remote.ErrReconciliationConflict, spec.Name)
	case spec.Kind == KindUpdate && result.Entity.Ref != spec.Target:
		return fmt.Errorf("%w: %s updated %s, expected %s",
			remote.ErrReconciliationConflict, spec.Name, result.Entity.Ref, spec.Target)
	case spec.Kind == KindCreate && result.Entity.Ref.Kind != spec.Target.Kind:
		return fmt.Errorf("%w: %s created a %s, expected a %s",
			remote.ErrReconciliationConflict, spec.Name, result.Entity.Ref.Kind, spec.Target.Kind)
	}
	return nil
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
