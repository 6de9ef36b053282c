// Package app implements application use cases and defines ports (repository interfaces).
package app

import (
	"errors"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

// ErrConcurrentWrite is returned by Save when another writer committed to the
// store after the state was loaded.
var ErrConcurrentWrite = errors.New("concurrent write to coordination store")

// StateRepository loads and saves the coordination state of one node.
// Implementation: internal/repository/sqlite.
type StateRepository interface {
	Load() (*domain.CoordState, error)
	// Save persists the rows named by the state's journal together with the
	// journal entries, applied snapshot names and clocks, atomically.
	Save(*domain.CoordState) error
	// Journal returns mutations written by node with clock > after, in clock order.
	Journal(node string, after uint64) ([]domain.Mutation, error)
	// AppliedSnapshots returns the names of snapshots already merged.
	AppliedSnapshots() (map[string]bool, error)
}
