package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/app"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

const (
	defaultSyncInterval = 15 * time.Second
	defaultAttempts     = 3
	defaultBackoffBase  = 500 * time.Millisecond
	defaultBackoffMax   = 8 * time.Second
)

// Syncer publishes this node's journal and merges snapshots from other nodes.
// It runs one cycle per interval and whenever Trigger is called.
type Syncer struct {
	svc      *app.CoordService
	ch       Channel
	logger   *log.Logger
	interval time.Duration

	attempts    int
	backoffBase time.Duration
	backoffMax  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error

	cycleMu sync.Mutex // one cycle at a time
	mu      sync.Mutex
	status  Status

	trigger chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Status is a point-in-time view of replication health.
type Status struct {
	NodeID        string    `json:"node_id"`
	Degraded      bool      `json:"degraded"`
	LastSync      time.Time `json:"last_sync,omitempty"`
	LastPublished string    `json:"last_published,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Published     int       `json:"published"`
	Applied       int       `json:"applied"`
	Conflicts     int       `json:"conflicts"`
	Pending       int       `json:"pending"`
}

// Report is the outcome of one SyncOnce cycle.
type Report struct {
	Published string // snapshot name, empty when there was nothing to publish
	Merged    []*app.MergeReport
	FetchErrs int
}

// SyncerOption configures the syncer.
type SyncerOption func(*Syncer)

// WithSyncInterval sets the cycle interval (default 15s).
func WithSyncInterval(d time.Duration) SyncerOption {
	return func(s *Syncer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithPublishRetry sets publish attempts per cycle and the exponential backoff
// between them.
func WithPublishRetry(attempts int, base, max time.Duration) SyncerOption {
	return func(s *Syncer) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if base > 0 {
			s.backoffBase = base
		}
		if max >= s.backoffBase {
			s.backoffMax = max
		}
	}
}

// WithSleep replaces the backoff sleep (for tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) SyncerOption {
	return func(s *Syncer) { s.sleep = fn }
}

// NewSyncer creates a syncer for svc over ch.
func NewSyncer(svc *app.CoordService, ch Channel, logger *log.Logger, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		svc:         svc,
		ch:          ch,
		logger:      logger,
		interval:    defaultSyncInterval,
		attempts:    defaultAttempts,
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		sleep:       sleepCtx,
		trigger:     make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start runs the sync loop until ctx is cancelled or Stop is called.
func (s *Syncer) Start(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cycle(ctx)
		case <-s.trigger:
			s.cycle(ctx)
		}
	}
}

// Stop signals the loop to stop and waits for it. Call after Start.
func (s *Syncer) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Trigger requests an early cycle. It never blocks.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Degraded reports whether the last publish of this node failed.
func (s *Syncer) Degraded() bool { return s.svc.Degraded() }

// Status returns the current replication status.
func (s *Syncer) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	st.NodeID = s.svc.NodeID()
	st.Degraded = s.svc.Degraded()
	if out, err := s.svc.Outbox(); err == nil {
		st.Pending = len(out)
	}
	return st
}

func (s *Syncer) cycle(ctx context.Context) {
	if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Printf("Sync: %v", err)
	}
}

// SyncOnce publishes pending local mutations, then fetches and merges
// snapshots from other nodes. A publish failure marks the node degraded and is
// returned after the fetch half has run. Fetch errors are logged and the
// snapshot is retried next cycle.
func (s *Syncer) SyncOnce(ctx context.Context) (*Report, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	rep := &Report{}
	pubErr := s.publish(ctx, rep)
	fetchErr := s.fetch(ctx, rep)

	s.mu.Lock()
	s.status.LastSync = s.svc.Now()
	if rep.Published != "" {
		s.status.LastPublished = rep.Published
		s.status.Published++
	}
	for _, m := range rep.Merged {
		if !m.Duplicate {
			s.status.Applied++
		}
		s.status.Conflicts += len(m.Conflicts)
	}
	err := errors.Join(pubErr, fetchErr)
	if err != nil {
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
	}
	s.mu.Unlock()
	return rep, err
}

func (s *Syncer) publish(ctx context.Context, rep *Report) error {
	muts, err := s.svc.Outbox()
	if err != nil {
		return fmt.Errorf("collect outbox: %w", err)
	}
	if len(muts) == 0 {
		return nil
	}
	snap, err := NewSnapshot(s.svc.NodeID(), muts, s.svc.Now())
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, s.backoff(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}
		if lastErr = s.ch.Publish(ctx, snap); lastErr == nil {
			break
		}
		s.logger.Printf("Sync: publish %s failed (attempt %d/%d): %v", snap.Name(), attempt, s.attempts, lastErr)
	}
	if lastErr != nil {
		if err := s.svc.SetDegraded(true); err != nil {
			s.logger.Printf("Sync: mark degraded: %v", err)
		}
		var rioe *domain.ReplicationIOError
		if !errors.As(lastErr, &rioe) {
			lastErr = &domain.ReplicationIOError{Op: "publish", Err: lastErr}
		}
		return lastErr
	}

	if err := s.svc.MarkPublished(snap.ClockTo); err != nil {
		return fmt.Errorf("advance published watermark: %w", err)
	}
	rep.Published = snap.Name()
	s.logger.Printf("Sync: published %s (%d mutations)", snap.Name(), len(snap.Mutations))
	if err := s.svc.SetDegraded(false); err != nil {
		s.logger.Printf("Sync: clear degraded: %v", err)
	}
	return nil
}

// backoff returns the delay before retry n (1-based): base doubled per retry, capped.
func (s *Syncer) backoff(n int) time.Duration {
	d := s.backoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= s.backoffMax {
			return s.backoffMax
		}
	}
	if d > s.backoffMax {
		return s.backoffMax
	}
	return d
}

func (s *Syncer) fetch(ctx context.Context, rep *Report) error {
	names, err := s.ch.List(ctx)
	if err != nil {
		return err
	}
	applied, err := s.svc.AppliedSnapshots()
	if err != nil {
		return err
	}
	self := s.svc.NodeID()
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if applied[name] {
			continue
		}
		node, _, _, err := ParseName(name)
		if err != nil {
			s.logger.Printf("Sync: skipping %s: %v", name, err)
			continue
		}
		if node == self {
			continue
		}
		snap, err := s.ch.Fetch(ctx, name)
		if err != nil {
			rep.FetchErrs++
			s.logger.Printf("Sync: fetch %s: %v", name, err)
			continue
		}
		mr, err := s.svc.ApplySnapshot(name, snap.Mutations)
		if err != nil {
			rep.FetchErrs++
			s.logger.Printf("Sync: merge %s: %v", name, err)
			continue
		}
		rep.Merged = append(rep.Merged, mr)
		if !mr.Duplicate {
			s.logger.Printf("Sync: merged %s (applied %d, skipped %d, conflicts %d)",
				name, mr.Applied, mr.Skipped, len(mr.Conflicts))
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
