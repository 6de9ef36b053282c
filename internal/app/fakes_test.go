package app

import (
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/policy"
)

// memRepo is an in-memory StateRepository with the same optimistic checks as
// the SQLite store.
type memRepo struct {
	mu      sync.Mutex
	state   *domain.CoordState
	journal []domain.Mutation
	applied map[string]bool

	// failSaves makes the next n saves return ErrConcurrentWrite.
	failSaves int
	saves     int
}

func newMemRepo() *memRepo {
	return &memRepo{state: domain.NewCoordState(""), applied: make(map[string]bool)}
}

func (r *memRepo) Load() (*domain.CoordState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state.Clone()
	s.BaseClock = s.Clock
	return s, nil
}

func (r *memRepo) Save(s *domain.CoordState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSaves > 0 {
		r.failSaves--
		return ErrConcurrentWrite
	}
	if r.state.Clock != s.BaseClock {
		return ErrConcurrentWrite
	}
	checked := make(map[string]bool)
	for _, m := range s.Journal {
		key := m.Table + "/" + m.RowKey
		if checked[key] {
			continue
		}
		checked[key] = true
		if cur := r.rev(m.Table, m.RowKey); cur != m.Prev {
			return fmt.Errorf("%s: stored rev %v, expected %v: %w", key, cur, m.Prev, ErrConcurrentWrite)
		}
	}
	r.journal = append(r.journal, s.Journal...)
	for _, name := range s.Applied {
		r.applied[name] = true
	}
	r.state = s.Clone()
	r.saves++
	return nil
}

func (r *memRepo) rev(table, key string) domain.Rev {
	switch table {
	case domain.TableAgents:
		if a, ok := r.state.Agents[key]; ok {
			return a.Rev
		}
	case domain.TableTasks:
		if t, ok := r.state.Tasks[key]; ok {
			return t.Rev
		}
	case domain.TableMessages:
		if m, ok := r.state.Messages[key]; ok {
			return m.Rev
		}
	case domain.TableHeartbeats:
		if h, ok := r.state.Heartbeats[key]; ok {
			return h.Rev
		}
	}
	return domain.Rev{}
}

func (r *memRepo) Journal(node string, after uint64) ([]domain.Mutation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Mutation
	for _, m := range r.journal {
		if m.NodeID == node && m.Clock > after {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Clock < out[j].Clock })
	return out, nil
}

func (r *memRepo) AppliedSnapshots() (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.applied))
	for k := range r.applied {
		out[k] = true
	}
	return out, nil
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingTrigger counts Trigger calls.
type countingTrigger struct {
	mu sync.Mutex
	n  int
}

func (c *countingTrigger) Trigger() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingTrigger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// harness bundles the components of one node.
type harness struct {
	repo     *memRepo
	clock    *fakeClock
	svc      *CoordService
	registry *Registry
	board    *Board
	bus      *Bus
	monitor  *Monitor
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func testPolicy(node string, cfg func(*policy.Config)) Policy {
	c := policy.DefaultConfig()
	c.NodeID = node
	if cfg != nil {
		cfg(c)
	}
	return policy.New(c)
}

func newHarness(t *testing.T, node string, cfg func(*policy.Config)) *harness {
	t.Helper()
	h := &harness{repo: newMemRepo(), clock: newFakeClock()}
	logger := testLogger()
	h.svc = NewCoordService(h.repo, testPolicy(node, cfg), logger, WithClock(h.clock.Now))
	h.registry = NewRegistry(h.svc, logger)
	h.board = NewBoard(h.svc, logger)
	h.bus = NewBus(h.svc, logger)
	h.monitor = NewMonitor(h.svc, h.board, logger)
	return h
}

func (h *harness) register(t *testing.T, id string, skills ...string) *domain.Agent {
	t.Helper()
	a, err := h.registry.Register(id, Profile{Skills: skills, MaxConcurrent: 1})
	if err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
	return a
}

func (h *harness) post(t *testing.T, title string, prio domain.Priority, skills ...string) *domain.Task {
	t.Helper()
	task, err := h.board.Post(NewTask{Title: title, RequiredSkills: skills, Priority: prio, PostedBy: "tester"})
	if err != nil {
		t.Fatalf("Post(%s): %v", title, err)
	}
	h.clock.Advance(time.Millisecond)
	return task
}
