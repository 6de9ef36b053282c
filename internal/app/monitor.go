package app

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

const (
	// defaultMonitorInterval is how often the monitor checks heartbeats.
	defaultMonitorInterval = 30 * time.Second

	// defaultHeartbeatTimeout is how long since the last heartbeat before an
	// agent is considered dead.
	defaultHeartbeatTimeout = 120 * time.Second
)

// Beat is what an agent reports on each heartbeat.
type Beat struct {
	Status      string // idle, busy or offline; empty derives it from CurrentTask
	CurrentTask string
	Metrics     map[string]float64
	// Holding lists the task ids the agent believes it holds.
	Holding []string
}

// HeartbeatResult tells the agent which of its tasks were taken away.
type HeartbeatResult struct {
	Revoked  []string
	Degraded bool
}

// Monitor is the heartbeat monitor. It records heartbeats and, on a timer,
// declares silent agents offline and hands their tasks back to the board.
//
// Timeouts are soft: a slow agent may be declared dead while still running.
// Heartbeat reports such revocations and Complete ignores late results.
type Monitor struct {
	svc      *CoordService
	board    *Board
	logger   *log.Logger
	interval time.Duration
	timeout  time.Duration
	notifier Triggerable
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// MonitorOption configures the monitor.
type MonitorOption func(*Monitor)

// WithMonitorInterval sets the check interval.
func WithMonitorInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = d }
}

// WithHeartbeatTimeout sets the heartbeat age at which an agent is declared dead.
func WithHeartbeatTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.timeout = d }
}

// WithMonitorNotifier sets the notifier to trigger after recovery actions.
func WithMonitorNotifier(n Triggerable) MonitorOption {
	return func(m *Monitor) { m.notifier = n }
}

// NewMonitor creates a Monitor. Interval and timeout default to the policy values.
func NewMonitor(svc *CoordService, board *Board, logger *log.Logger, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		svc:      svc,
		board:    board,
		logger:   logger,
		interval: defaultMonitorInterval,
		timeout:  defaultHeartbeatTimeout,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if p := svc.Policy(); p != nil {
		if d := p.HeartbeatInterval(); d > 0 {
			m.interval = d
		}
		if d := p.HeartbeatTimeout(); d > 0 {
			m.timeout = d
		}
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Heartbeat records the agent's liveness and returns the tasks it reported
// holding that it no longer holds.
func (m *Monitor) Heartbeat(agentID string, beat Beat) (*HeartbeatResult, error) {
	status := beat.Status
	if status == "" {
		status = domain.AgentIdle
		if beat.CurrentTask != "" {
			status = domain.AgentBusy
		}
	}
	switch status {
	case domain.AgentIdle, domain.AgentBusy, domain.AgentOffline:
	default:
		return nil, &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}

	res := &HeartbeatResult{Degraded: m.svc.Degraded()}
	err := m.svc.Run(func(state *domain.CoordState) error {
		if _, err := requireAgent(state, agentID); err != nil {
			return err
		}
		hb, ok := state.Heartbeats[agentID]
		if !ok {
			hb = &domain.Heartbeat{AgentID: agentID}
		}
		if hb.Status == domain.AgentOffline && status != domain.AgentOffline {
			m.logger.Printf("Monitor: agent %s is back (was offline)", agentID)
		}
		hb.Status = status
		hb.CurrentTask = beat.CurrentTask
		hb.Metrics = beat.Metrics
		hb.Timestamp = m.svc.now()
		hb.Node = state.NodeID
		hb.Degraded = res.Degraded
		state.PutHeartbeat(hb, domain.OpPut)
		hb.Clock = hb.Rev.Clock

		seen := make(map[string]bool)
		claims := append([]string{beat.CurrentTask}, beat.Holding...)
		for _, id := range claims {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			if t, ok := state.Tasks[id]; !ok || !t.HeldBy(agentID) {
				res.Revoked = append(res.Revoked, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(res.Revoked)
	if len(res.Revoked) > 0 {
		m.logger.Printf("Monitor: agent %s no longer holds %v", agentID, res.Revoked)
	}
	return res, nil
}

// Start begins the monitor loop. Returns when ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	defer close(m.doneCh)
	m.logger.Printf("Monitor: started (interval=%s, timeout=%s)", m.interval, m.timeout)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Println("Monitor: stopped (context cancelled)")
			return
		case <-m.stopCh:
			m.logger.Println("Monitor: stopped")
			return
		case <-ticker.C:
			m.check()
		}
	}
}

// Stop signals the monitor to stop and waits for the loop to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// Timeout returns the heartbeat age at which an agent is declared dead.
func (m *Monitor) Timeout() time.Duration { return m.timeout }

// CheckOnce runs one monitor cycle (for testing or manual trigger).
func (m *Monitor) CheckOnce() {
	m.check()
}

// timeoutFor halves the timeout for agents on a degraded node: their
// heartbeats may already be stale by the time other nodes see them.
func (m *Monitor) timeoutFor(hb *domain.Heartbeat) time.Duration {
	if hb.Degraded {
		return m.timeout / 2
	}
	return m.timeout
}

// check declares timed-out agents offline and reassigns their tasks in a
// single state mutation.
func (m *Monitor) check() {
	var offline, reassigned int

	err := m.svc.Run(func(state *domain.CoordState) error {
		now := m.svc.now()

		ids := make([]string, 0, len(state.Heartbeats))
		for id := range state.Heartbeats {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			hb := state.Heartbeats[id]
			age := now.Sub(hb.Timestamp)
			if age <= m.timeoutFor(hb) {
				continue
			}

			var moved []string
			for _, taskID := range state.HeldTasks(id) {
				if m.board.ReassignStale(state, taskID, fmt.Sprintf("agent %s heartbeat stale for %s", id, age.Round(time.Second))) {
					moved = append(moved, taskID)
				}
			}
			reassigned += len(moved)

			if hb.Status == domain.AgentOffline && len(moved) == 0 {
				continue
			}
			if hb.Status != domain.AgentOffline {
				m.logger.Printf("Monitor: marking agent %s offline (last heartbeat %s ago)", id, age.Round(time.Second))
				hb.Status = domain.AgentOffline
				hb.CurrentTask = ""
				state.PutHeartbeat(hb, domain.OpPut)
				offline++
			}

			parts := []string{fmt.Sprintf("agent %s missed heartbeats for %s and was marked offline", id, age.Round(time.Second))}
			if len(moved) > 0 {
				parts = append(parts, fmt.Sprintf("%d task(s) returned to the board: %v", len(moved), moved))
			}
			// Every node watching the same heartbeat derives the same alert id.
			alertID := derivedID(MsgAlert, id, hb.Timestamp.UTC().Format(time.RFC3339Nano))
			m.svc.postSystem(state, alertID, domain.SystemSender, domain.Broadcast, MsgAlert, domain.PriorityHigh, joinParts(parts))
		}
		return nil
	})

	if err != nil {
		m.logger.Printf("Monitor: state mutation error: %v", err)
		return
	}

	if (offline > 0 || reassigned > 0) && m.notifier != nil {
		m.notifier.Trigger()
	}
	if offline > 0 || reassigned > 0 {
		m.logger.Printf("Monitor: cycle complete: %d agent(s) offline, %d task(s) reassigned", offline, reassigned)
	}
}
