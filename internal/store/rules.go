package store

import (
	"github.com/rshade/finfeed/internal/entity"
)

// CountRule ties a numeric field on a parent entity to the number of its children.
// A comment with field postId="p1" counts toward post:p1's commentCount when
// registered as CountRule{"comment", "post", "postId", "commentCount"}.
type CountRule struct {
	// ChildKind is the kind of the counted entities.
	ChildKind string

	// ParentKind is the kind of the entity that carries the count.
	ParentKind string

	// ParentIDField is the child field holding the parent's id.
	ParentIDField string

	// CountField is the parent field holding the count.
	CountField string
}

// ParentOf returns the parent ref named by the child's fields.
func (r CountRule) ParentOf(child entity.Fields) (entity.Ref, bool) {
	id := child.String(r.ParentIDField)
	if id == "" {
		return entity.Ref{}, false
	}
	return entity.NewRef(r.ParentKind, id), true
}

// AppliesTo reports whether the rule counts entities of the given kind.
func (r CountRule) AppliesTo(kind string) bool {
	return r.ChildKind == kind
}

// ShiftCount adds delta to a count value, keeping its concrete type and flooring it
// at zero. It is the arithmetic Increment and the count cascade apply.
func ShiftCount(v any, delta int64) any {
	return clampZero(addToNumber(v, delta))
}

// addToNumber adds delta to a numeric value, keeping the value's concrete type.
// Missing or non-numeric values are treated as zero and become int64.
func addToNumber(v any, delta int64) any {
	switch n := v.(type) {
	case int:
		return n + int(delta)
	case int64:
		return n + delta
	case int32:
		return n + int32(delta)
	case float64:
		return n + float64(delta)
	case float32:
		return n + float32(delta)
	default:
		return delta
	}
}

// clampZero floors a count at zero so a cascade never produces negative counts.
func clampZero(v any) any {
	n, ok := entity.ToInt64(v)
	if !ok || n >= 0 {
		return v
	}
	return addToNumber(v, -n)
}
