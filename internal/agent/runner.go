// Package agent runs the standard agent control loop against a node's
// coordination components: register, heartbeat, drain the inbox, then
// discover, claim, work and complete.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/app"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

// DefaultTickInterval is how often an idle runner looks for work.
const DefaultTickInterval = 10 * time.Second

// Result is what a WorkFunc reports for a finished task.
type Result struct {
	Summary   string
	Artifacts []string
}

// WorkFunc performs a claimed task. An error releases the task back to the board.
type WorkFunc func(ctx context.Context, task *domain.Task) (Result, error)

// MessageHandler handles one inbox message. A non-nil reply is sent back in
// the message's thread when the message is acknowledged.
type MessageHandler func(ctx context.Context, msg *domain.Message) *app.Reply

// Outcome describes what one tick did.
type Outcome string

const (
	OutcomeIdle      Outcome = "idle"      // nothing to do
	OutcomeConflict  Outcome = "conflict"  // lost the claim race
	OutcomeCompleted Outcome = "completed" // work done and reported
	OutcomeAbandoned Outcome = "abandoned" // claim was revoked while working
	OutcomeFailed    Outcome = "failed"    // work failed; task released
)

// Components are the node services a runner drives.
type Components struct {
	Registry *app.Registry
	Board    *app.Board
	Bus      *app.Bus
	Monitor  *app.Monitor
}

// Runner drives one agent.
type Runner struct {
	id        string
	profile   app.Profile
	c         Components
	work      WorkFunc
	handler   MessageHandler
	logger    *log.Logger
	interval  time.Duration
	beatEvery time.Duration

	mu      sync.Mutex
	current string // task being worked on

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Runner.
type Option func(*Runner)

// WithTickInterval sets the loop interval.
func WithTickInterval(d time.Duration) Option {
	return func(r *Runner) { r.interval = d }
}

// WithBeatInterval sets how often the runner heartbeats while a task is being
// worked on. The default is a quarter of the monitor's heartbeat timeout.
func WithBeatInterval(d time.Duration) Option {
	return func(r *Runner) { r.beatEvery = d }
}

// WithMessageHandler sets the inbox handler. Without one, messages are
// acknowledged without a reply.
func WithMessageHandler(h MessageHandler) Option {
	return func(r *Runner) { r.handler = h }
}

// NewRunner creates a runner for agent id.
func NewRunner(id string, profile app.Profile, c Components, work WorkFunc, logger *log.Logger, opts ...Option) *Runner {
	r := &Runner{
		id:       id,
		profile:  profile,
		c:        c,
		work:     work,
		logger:   logger,
		interval: DefaultTickInterval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ID returns the agent id.
func (r *Runner) ID() string { return r.id }

// CurrentTask returns the task being worked on, or "".
func (r *Runner) CurrentTask() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Runner) setCurrent(id string) {
	r.mu.Lock()
	r.current = id
	r.mu.Unlock()
}

// Register declares the agent's profile. Start calls it.
func (r *Runner) Register() error {
	if _, err := r.c.Registry.Register(r.id, r.profile); err != nil {
		return fmt.Errorf("register agent %s: %w", r.id, err)
	}
	r.logger.Printf("Agent %s: registered (skills=%v)", r.id, r.profile.Skills)
	return nil
}

// Start registers the agent and runs the loop until ctx is cancelled or
// Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	defer close(r.doneCh)
	if err := r.Register(); err != nil {
		return err
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Tick(ctx); err != nil {
			r.logger.Printf("Agent %s: tick: %v", r.id, err)
		}
		select {
		case <-ctx.Done():
			r.offline()
			return nil
		case <-r.stopCh:
			r.offline()
			return nil
		case <-ticker.C:
		}
	}
}

// Stop signals the loop to exit and waits for it.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *Runner) offline() {
	if _, err := r.c.Monitor.Heartbeat(r.id, app.Beat{Status: domain.AgentOffline}); err != nil {
		r.logger.Printf("Agent %s: final heartbeat: %v", r.id, err)
	}
}

// Tick runs one iteration of the control loop.
func (r *Runner) Tick(ctx context.Context) (Outcome, error) {
	if err := r.beat(); err != nil {
		return OutcomeIdle, err
	}
	if err := r.drainInbox(ctx); err != nil {
		return OutcomeIdle, err
	}
	if r.CurrentTask() != "" {
		return OutcomeIdle, nil
	}

	task, err := r.c.Board.DiscoverBest(r.id)
	if err != nil {
		return OutcomeIdle, fmt.Errorf("discover: %w", err)
	}
	if task == nil {
		return OutcomeIdle, nil
	}
	if _, err := r.c.Board.Claim(task.ID, r.id); err != nil {
		if errors.Is(err, domain.ErrClaimConflict) {
			r.logger.Printf("Agent %s: lost claim on %s", r.id, task.ID)
			return OutcomeConflict, nil
		}
		return OutcomeIdle, fmt.Errorf("claim %s: %w", task.ID, err)
	}
	r.setCurrent(task.ID)
	defer r.setCurrent("")

	started, err := r.c.Board.UpdateStatus(task.ID, r.id, domain.StatusInProgress)
	if err != nil {
		return OutcomeAbandoned, fmt.Errorf("start %s: %w", task.ID, err)
	}
	return r.perform(ctx, started)
}

func (r *Runner) perform(ctx context.Context, task *domain.Task) (Outcome, error) {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var lost atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepAlive(workCtx, task.ID, func() {
			lost.Store(true)
			cancel()
		})
	}()
	res, workErr := r.work(workCtx, task)
	cancel()
	wg.Wait()

	if lost.Load() {
		r.logger.Printf("Agent %s: abandoning %s, claim revoked while working", r.id, task.ID)
		return OutcomeAbandoned, nil
	}
	if workErr != nil {
		r.logger.Printf("Agent %s: work on %s failed: %v", r.id, task.ID, workErr)
		if _, err := r.c.Board.Release(task.ID, r.id); err != nil &&
			!errors.Is(err, domain.ErrClaimConflict) && !errors.Is(err, domain.ErrInvalidTransition) {
			return OutcomeFailed, fmt.Errorf("release %s: %w", task.ID, err)
		}
		return OutcomeFailed, nil
	}

	// The claim may have been reassigned or lost in a merge while working.
	hb, err := r.c.Monitor.Heartbeat(r.id, app.Beat{CurrentTask: task.ID})
	if err != nil {
		return OutcomeIdle, fmt.Errorf("heartbeat: %w", err)
	}
	if len(hb.Revoked) > 0 {
		r.logger.Printf("Agent %s: abandoning %s, claim revoked", r.id, task.ID)
		return OutcomeAbandoned, nil
	}

	done, err := r.c.Board.Complete(task.ID, r.id, res.Summary, res.Artifacts)
	if err != nil {
		return OutcomeIdle, fmt.Errorf("complete %s: %w", task.ID, err)
	}
	if done.NoOp {
		r.logger.Printf("Agent %s: completion of %s ignored: %s", r.id, task.ID, done.Reason)
		return OutcomeAbandoned, nil
	}
	r.logger.Printf("Agent %s: completed %s -> %s", r.id, task.ID, done.Task.Status)
	return OutcomeCompleted, nil
}

// keepAlive heartbeats for taskID until ctx is done. revoked is called once
// if the monitor reports the claim gone.
func (r *Runner) keepAlive(ctx context.Context, taskID string, revoked func()) {
	every := r.beatEvery
	if every <= 0 {
		every = r.c.Monitor.Timeout() / 4
	}
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb, err := r.c.Monitor.Heartbeat(r.id, app.Beat{CurrentTask: taskID})
			if err != nil {
				r.logger.Printf("Agent %s: heartbeat: %v", r.id, err)
				continue
			}
			if len(hb.Revoked) > 0 {
				revoked()
				return
			}
		}
	}
}

func (r *Runner) beat() error {
	current := r.CurrentTask()
	hb, err := r.c.Monitor.Heartbeat(r.id, app.Beat{CurrentTask: current})
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if current != "" && len(hb.Revoked) > 0 {
		r.logger.Printf("Agent %s: lost %v", r.id, hb.Revoked)
		r.setCurrent("")
	}
	return nil
}

func (r *Runner) drainInbox(ctx context.Context) error {
	msgs, err := r.c.Bus.Inbox(r.id, true)
	if err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	for _, m := range msgs {
		var reply *app.Reply
		if r.handler != nil {
			reply = r.handler(ctx, m)
		}
		if _, err := r.c.Bus.Acknowledge(m.ID, r.id, reply); err != nil {
			r.logger.Printf("Agent %s: ack %s: %v", r.id, m.ID, err)
		}
	}
	return nil
}
