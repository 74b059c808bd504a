package pagination

import (
	"errors"
	"fmt"
)

// Page size and prefetch limits.
const (
	DefaultPageSize = 20
	MinPageSize     = 1
	MaxPageSize     = 200

	// DefaultPrefetchThreshold is how many rows before the end of a loaded collection
	// a visible viewport triggers the next page.
	DefaultPrefetchThreshold = 5
)

// Validation errors.
var (
	ErrInvalidPageSize  = fmt.Errorf("page-size must be between %d and %d", MinPageSize, MaxPageSize)
	ErrInvalidThreshold = errors.New("prefetch threshold cannot be negative")
)

// ValidatePageSize checks size against MinPageSize..MaxPageSize.
func ValidatePageSize(size int) error {
	if size < MinPageSize || size > MaxPageSize {
		return fmt.Errorf("%w: got %d", ErrInvalidPageSize, size)
	}
	return nil
}

// NearEnd reports whether a viewport ending at visibleTo (exclusive) is within
// threshold rows of the end of total loaded rows.
func NearEnd(visibleTo, total, threshold int) bool {
	if total == 0 {
		return false
	}
	return total-visibleTo <= threshold
}
