package mutation

import (
	"errors"
	"fmt"
)

// Coordinator errors.
var (
	// ErrDuplicateSubmission is returned when a spec with the same key is still pending.
	ErrDuplicateSubmission = errors.New("mutation: duplicate submission")

	// ErrTargetMissing is returned when an update or delete names an entity the store
	// does not hold.
	ErrTargetMissing = errors.New("mutation: target not in store")

	// ErrInvalidSpec is returned for specs that cannot be applied.
	ErrInvalidSpec = errors.New("mutation: invalid spec")
)

// MutationError reports a rolled-back mutation. Input is the Spec.Input, returned so
// the caller can restore cleared form state.
//
//nolint:revive // MutationError reads better than Error at call sites.
type MutationError struct {
	Name  string
	Key   string
	Input map[string]any
	Err   error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutation %s (%s) rolled back: %v", e.Name, e.Key, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}
