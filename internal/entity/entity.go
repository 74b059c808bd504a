package entity

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// refSeparator separates kind and id in the string form of a Ref.
const refSeparator = ":"

// Common identity errors.
var (
	ErrInvalidRef = errors.New("entity ref must be of the form kind:id")
)

// Ref is the identity of an entity.
type Ref struct {
	// Kind is the entity type, e.g. "post", "comment", "quote".
	Kind string `json:"kind" yaml:"kind"`

	// ID is unique within Kind.
	ID string `json:"id" yaml:"id"`
}

// NewRef builds a Ref from its parts.
func NewRef(kind, id string) Ref {
	return Ref{Kind: kind, ID: id}
}

// ParseRef parses the "kind:id" form produced by Ref.String.
// The id may itself contain the separator; only the first one splits.
func ParseRef(s string) (Ref, error) {
	kind, id, ok := strings.Cut(s, refSeparator)
	if !ok || kind == "" || id == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	return Ref{Kind: kind, ID: id}, nil
}

// String returns the "kind:id" form.
func (r Ref) String() string {
	return r.Kind + refSeparator + r.ID
}

// IsZero reports whether the ref has neither kind nor id.
func (r Ref) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// Fields holds the field values of an entity.
// Values are scalars, nested maps (map[string]any) or lists ([]any).
type Fields map[string]any

// Clone returns a deep copy of the fields.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = CloneValue(v)
	}
	return out
}

// Merge returns a copy of f with every field of delta written over it.
func (f Fields) Merge(delta Fields) Fields {
	out := f.Clone()
	if out == nil {
		out = make(Fields, len(delta))
	}
	for k, v := range delta {
		out[k] = CloneValue(v)
	}
	return out
}

// String returns the field as a string, or "" when absent or not a string.
func (f Fields) String(name string) string {
	s, _ := f[name].(string)
	return s
}

// Int returns the field as an int64.
// Numbers decoded from JSON arrive as float64 and are accepted when integral.
func (f Fields) Int(name string) (int64, bool) {
	return ToInt64(f[name])
}

// Float returns the field as a float64.
func (f Fields) Float(name string) (float64, bool) {
	switch v := f[name].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

// Entity is a Ref together with its current field values.
type Entity struct {
	Ref    Ref    `json:"ref"    yaml:"ref"`
	Fields Fields `json:"fields" yaml:"fields"`
}

// New builds an entity, cloning the given fields.
func New(ref Ref, fields Fields) Entity {
	return Entity{Ref: ref, Fields: fields.Clone()}
}

// Clone returns a deep copy of the entity.
func (e Entity) Clone() Entity {
	return Entity{Ref: e.Ref, Fields: e.Fields.Clone()}
}

// Page is one batch of ordered entities plus the continuation state of a collection.
// End-of-collection is signaled only by HasMore=false or an empty Cursor, never by
// the number of items in the page.
type Page struct {
	Items   []Entity `json:"items"    yaml:"items"`
	Cursor  string   `json:"cursor"   yaml:"cursor"`
	HasMore bool     `json:"has_more" yaml:"has_more"`
}

// Refs returns the identities of the page items in order.
func (p Page) Refs() []Ref {
	refs := make([]Ref, len(p.Items))
	for i, item := range p.Items {
		refs[i] = item.Ref
	}
	return refs
}

// Exhausted reports whether the service signaled that no further page exists.
func (p Page) Exhausted() bool {
	return !p.HasMore || p.Cursor == ""
}

// ToInt64 converts a numeric field value to int64.
// Floats are accepted only when they hold an integral value.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case float32:
		f := float64(n)
		if f != math.Trunc(f) {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}

// CloneValue deep-copies nested maps and lists; scalars are returned as is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = CloneValue(inner)
		}
		return out
	case Fields:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = CloneValue(inner)
		}
		return out
	default:
		return v
	}
}

// EqualValues reports whether two field values are identical, including their types.
func EqualValues(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
