package app

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

// maxWriteAttempts bounds how often Run re-executes fn after losing a race
// with another process sharing the store.
const maxWriteAttempts = 3

// Triggerable is something that can be triggered after a state write (e.g. the replication syncer).
type Triggerable interface {
	Trigger()
}

// CoordService runs coordination use cases over the persisted state of one node.
type CoordService struct {
	repo     StateRepository
	policy   Policy
	logger   *log.Logger
	mu       sync.RWMutex
	notifier Triggerable // optional; set via SetNotifier after construction
	degraded atomic.Bool

	now   func() time.Time
	newID func() string
}

// ServiceOption configures the service.
type ServiceOption func(*CoordService)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *CoordService) { s.now = now }
}

// WithIDGenerator replaces uuid.NewString (tests).
func WithIDGenerator(gen func() string) ServiceOption {
	return func(s *CoordService) { s.newID = gen }
}

// NewCoordService returns a new CoordService.
func NewCoordService(repo StateRepository, policy Policy, logger *log.Logger, opts ...ServiceOption) *CoordService {
	s := &CoordService{
		repo:   repo,
		policy: policy,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetNotifier attaches a Triggerable that is poked after every state write.
func (s *CoordService) SetNotifier(n Triggerable) {
	s.notifier = n
}

// NodeID returns this node's id.
func (s *CoordService) NodeID() string { return s.policy.NodeID() }

// Policy returns the configuration port.
func (s *CoordService) Policy() Policy { return s.policy }

// Logger returns the service logger.
func (s *CoordService) Logger() *log.Logger { return s.logger }

// Now returns the service clock.
func (s *CoordService) Now() time.Time { return s.now() }

// Run loads state, runs fn, seals the local writes into the journal, then saves.
// Caller must not retain state after fn returns. If another process committed
// in between, fn is run again on a fresh load.
// If the database cannot be loaded, the error is returned immediately: we never fall
// back to an empty state for writes.
func (s *CoordService) Run(fn func(*domain.CoordState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		wrote bool
		err   error
	)
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		wrote, err = s.runOnce(fn)
		if !errors.Is(err, ErrConcurrentWrite) {
			break
		}
		s.logger.Printf("Store: concurrent write detected (attempt %d/%d), retrying", attempt, maxWriteAttempts)
	}
	if err != nil {
		return err
	}
	if wrote && s.notifier != nil {
		s.notifier.Trigger()
	}
	return nil
}

// runOnce reports whether fn produced local writes.
func (s *CoordService) runOnce(fn func(*domain.CoordState) error) (bool, error) {
	state, err := s.load()
	if err != nil {
		return false, err
	}
	if err := fn(state); err != nil {
		return false, err
	}
	if err := state.Seal(); err != nil {
		return false, fmt.Errorf("seal journal: %w", err)
	}
	if err := s.repo.Save(state); err != nil {
		return false, err
	}
	for _, m := range state.Journal {
		if m.Local {
			return true, nil
		}
	}
	return false, nil
}

// Query loads state and runs fn without saving. Readers run concurrently.
func (s *CoordService) Query(fn func(*domain.CoordState) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, err := s.load()
	if err != nil {
		return err
	}
	return fn(state)
}

func (s *CoordService) load() (*domain.CoordState, error) {
	state, err := s.repo.Load()
	if err != nil {
		return nil, fmt.Errorf("state load: %w", err)
	}
	state.EnsureMaps()
	state.NodeID = s.policy.NodeID()
	return state, nil
}

// Degraded reports whether the last publish attempt of this node failed.
func (s *CoordService) Degraded() bool { return s.degraded.Load() }

// SetDegraded records the node's publish health and flags every heartbeat
// hosted by this node accordingly.
func (s *CoordService) SetDegraded(degraded bool) error {
	if s.degraded.Swap(degraded) == degraded {
		return nil
	}
	if degraded {
		s.logger.Printf("Sync: node %s is degraded", s.NodeID())
	} else {
		s.logger.Printf("Sync: node %s recovered", s.NodeID())
	}
	node := s.NodeID()
	return s.Run(func(state *domain.CoordState) error {
		for _, hb := range state.Heartbeats {
			if hb.Node == node && hb.Degraded != degraded {
				hb.Degraded = degraded
				state.PutHeartbeat(hb, domain.OpPut)
			}
		}
		return nil
	})
}

// Outbox returns this node's mutations that have not been published yet.
func (s *CoordService) Outbox() ([]domain.Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	muts, err := s.repo.Journal(s.NodeID(), state.PublishedClock)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return muts, nil
}

// MarkPublished advances the published watermark to clock.
func (s *CoordService) MarkPublished(clock uint64) error {
	return s.Run(func(state *domain.CoordState) error {
		if clock > state.PublishedClock {
			state.PublishedClock = clock
		}
		return nil
	})
}

// AppliedSnapshots returns the names of snapshots already merged into this node.
func (s *CoordService) AppliedSnapshots() (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	applied, err := s.repo.AppliedSnapshots()
	if err != nil {
		return nil, fmt.Errorf("read applied snapshots: %w", err)
	}
	return applied, nil
}
