package mutation

import (
	"fmt"
	"strings"

	"github.com/rshade/finfeed/internal/entity"
)

// Kind is the shape of a mutation.
type Kind int

const (
	// KindCreate inserts a new entity under a temporary identity.
	KindCreate Kind = iota

	// KindUpdate sets or increments fields of an existing entity.
	KindUpdate

	// KindDelete removes an entity once the service confirms.
	KindDelete
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Placement puts a created entity into a collection. Position 0 prepends; a negative
// position appends.
type Placement struct {
	Key      string
	Position int
}

// DefaultActorField is the field prefix used when a spec attaches the actor.
const DefaultActorField = "author"

// Spec describes one user change.
type Spec struct {
	// Key identifies the submission for duplicate suppression. Defaults to Name plus Target.
	Key string

	// Name is the remote mutation name, e.g. "addComment".
	Name string

	// Kind selects create, update or delete semantics.
	Kind Kind

	// Target is the entity updated or deleted. For creates only Target.Kind is used.
	Target entity.Ref

	// Fields are the tentative field values: the new entity's fields for a create,
	// the fields to set for an update.
	Fields entity.Fields

	// Increments are numeric field deltas applied to the target, e.g. likeCount +1.
	Increments map[string]int64

	// Collections lists where a created entity appears.
	Collections []Placement

	// Input is sent to the remote service and returned on failure so the caller can
	// restore what the user typed.
	Input map[string]any

	// AttachActor copies the current actor into the tentative entity's fields.
	AttachActor bool

	// ActorField is the field prefix for the actor, DefaultActorField when empty.
	ActorField string
}

// DedupKey returns the key used for duplicate suppression.
func (s Spec) DedupKey() string {
	if s.Key != "" {
		return s.Key
	}
	var b strings.Builder
	b.WriteString(s.Name)
	if !s.Target.IsZero() {
		b.WriteByte('/')
		b.WriteString(s.Target.String())
	}
	return b.String()
}

func (s Spec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	switch s.Kind {
	case KindCreate:
		if s.Target.Kind == "" {
			return fmt.Errorf("%w: create needs a target kind", ErrInvalidSpec)
		}
	case KindUpdate:
		if s.Target.IsZero() || s.Target.ID == "" {
			return fmt.Errorf("%w: update needs a target", ErrInvalidSpec)
		}
		if len(s.Fields) == 0 && len(s.Increments) == 0 {
			return fmt.Errorf("%w: update changes nothing", ErrInvalidSpec)
		}
	case KindDelete:
		if s.Target.IsZero() || s.Target.ID == "" {
			return fmt.Errorf("%w: delete needs a target", ErrInvalidSpec)
		}
	default:
		return fmt.Errorf("%w: unknown kind %s", ErrInvalidSpec, s.Kind)
	}
	return nil
}
