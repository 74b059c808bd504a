// Package remote defines the contract with the remote data service and the client that
// normalizes, retries and version-checks calls to it.
package remote

import (
	"context"

	"github.com/rshade/finfeed/internal/entity"
)

// Service is the remote data service. Implementations return errors that match the
// package sentinels with errors.Is.
type Service interface {
	// FetchCollection returns one page of the collection after cursor ("" for the first page).
	FetchCollection(ctx context.Context, key, cursor string, pageSize int) (entity.Page, error)

	// FetchEntity returns one entity.
	FetchEntity(ctx context.Context, ref entity.Ref) (entity.Entity, error)

	// RunMutation executes a named mutation.
	RunMutation(ctx context.Context, name string, input map[string]any) (MutationResult, error)
}

// MutationResult is the server's answer to a mutation: either the resulting entity or
// a deletion. Related carries other entities the mutation changed, such as a parent
// whose aggregate count moved.
type MutationResult struct {
	Entity  entity.Entity
	Deleted bool
	Related []entity.Entity
}
