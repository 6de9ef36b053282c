package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

func TestMonitor_ReassignsWithinOneCycle(t *testing.T) {
	h := newHarness(t, "n1", nil)
	trig := &countingTrigger{}
	h.monitor = NewMonitor(h.svc, h.board, testLogger(), WithHeartbeatTimeout(time.Minute), WithMonitorNotifier(trig))
	h.register(t, "x", "go")
	h.register(t, "y", "go")
	task := h.post(t, "t", domain.PriorityNormal, "go")
	if _, err := h.board.Claim(task.ID, "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.board.UpdateStatus(task.ID, "x", domain.StatusInProgress); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(30 * time.Second)
	h.monitor.CheckOnce()
	if got, _ := h.board.Get(task.ID); got.Status != domain.StatusInProgress {
		t.Fatalf("task reassigned before timeout: %s", got.Status)
	}

	if _, err := h.monitor.Heartbeat("y", Beat{}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(45 * time.Second)
	h.monitor.CheckOnce()

	got, _ := h.board.Get(task.ID)
	if got.Status != domain.StatusAvailable || got.ClaimedBy != "" {
		t.Fatalf("task after cycle: status=%s claimed_by=%q", got.Status, got.ClaimedBy)
	}
	if trig.count() == 0 {
		t.Error("notifier not triggered")
	}

	var hbX, hbY *domain.Heartbeat
	_ = h.svc.Query(func(s *domain.CoordState) error {
		hbX, hbY = s.Heartbeats["x"], s.Heartbeats["y"]
		return nil
	})
	if hbX.Status != domain.AgentOffline {
		t.Errorf("x status = %s, want offline", hbX.Status)
	}
	if hbY.Status == domain.AgentOffline {
		t.Error("y has a fresh heartbeat and must stay online")
	}

	inbox, _ := h.bus.Inbox("y", true)
	if len(inbox) != 1 || inbox[0].Type != MsgAlert || inbox[0].Priority != domain.PriorityHigh {
		t.Fatalf("expected one alert, got %v", inbox)
	}

	// A second cycle must not repeat the alert.
	h.clock.Advance(time.Second)
	h.monitor.CheckOnce()
	if inbox, _ := h.bus.Inbox("y", true); len(inbox) != 1 {
		t.Errorf("alert repeated: %d messages", len(inbox))
	}
	if _, err := h.board.Claim(task.ID, "y"); err != nil {
		t.Errorf("reassigned task not claimable: %v", err)
	}
}

func TestMonitor_DegradedHeartbeatUsesHalfTimeout(t *testing.T) {
	h := newHarness(t, "n1", nil)
	h.monitor = NewMonitor(h.svc, h.board, testLogger(), WithHeartbeatTimeout(100*time.Second))
	h.register(t, "x", "go")
	if err := h.svc.SetDegraded(true); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(60 * time.Second)
	h.monitor.CheckOnce()

	var hb *domain.Heartbeat
	_ = h.svc.Query(func(s *domain.CoordState) error { hb = s.Heartbeats["x"]; return nil })
	if !hb.Degraded || hb.Status != domain.AgentOffline {
		t.Errorf("degraded heartbeat 60s old with 100s timeout: degraded=%v status=%s", hb.Degraded, hb.Status)
	}
}

func TestMonitor_HeartbeatReportsRevokedTasks(t *testing.T) {
	h := newHarness(t, "n1", nil)
	h.register(t, "x", "go")
	h.register(t, "z", "go")
	kept := h.post(t, "kept", domain.PriorityNormal, "go")
	lost := h.post(t, "lost", domain.PriorityNormal, "go")
	if _, err := h.registry.Register("x", Profile{Skills: []string{"go"}, MaxConcurrent: 2}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{kept.ID, lost.ID} {
		if _, err := h.board.Claim(id, "x"); err != nil {
			t.Fatal(err)
		}
	}
	_ = h.svc.Run(func(s *domain.CoordState) error {
		h.board.ReassignStale(s, lost.ID, "test")
		return nil
	})
	if _, err := h.board.Claim(lost.ID, "z"); err != nil {
		t.Fatal(err)
	}

	res, err := h.monitor.Heartbeat("x", Beat{CurrentTask: lost.ID, Holding: []string{kept.ID, lost.ID}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Revoked) != 1 || res.Revoked[0] != lost.ID {
		t.Errorf("Revoked = %v, want [%s]", res.Revoked, lost.ID)
	}

	if _, err := h.monitor.Heartbeat("x", Beat{Status: "sleeping"}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("bad status: err = %v", err)
	}
	if _, err := h.monitor.Heartbeat("ghost", Beat{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown agent: err = %v", err)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	h := newHarness(t, "n1", nil)
	m := NewMonitor(h.svc, h.board, testLogger(), WithMonitorInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	m.Stop()
}

func TestMonitor_HeartbeatClockMatchesRow(t *testing.T) {
	h := newHarness(t, "n1", nil)
	h.register(t, "x", "go")
	check := func(when string) {
		t.Helper()
		var hb *domain.Heartbeat
		_ = h.svc.Query(func(s *domain.CoordState) error { hb = s.Heartbeats["x"]; return nil })
		if hb.Clock != hb.Rev.Clock {
			t.Errorf("%s: heartbeat clock %d, row clock %d", when, hb.Clock, hb.Rev.Clock)
		}
	}
	check("after register")
	if _, err := h.monitor.Heartbeat("x", Beat{}); err != nil {
		t.Fatal(err)
	}
	check("after heartbeat")
}
