package app

import (
	"encoding/json"
	"testing"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

func claimedTask(id, agent, node string, epoch int, clock uint64, status domain.TaskStatus) *domain.Task {
	return &domain.Task{
		ID:        id,
		Status:    status,
		ClaimedBy: agent,
		Claim:     domain.ClaimStamp{Epoch: epoch, Clock: clock, Node: node, Agent: agent},
		Rev:       domain.Rev{Clock: clock, Node: node},
	}
}

// Nodes A and B claim the same task at clock 5 without seeing each other.
// Merging must keep exactly one claim (the smaller node id) and flag it.
func TestMergeTask_PartitionedClaimsAtSameClock(t *testing.T) {
	onA := claimedTask("t1", "alice", "node-b", 1, 5, domain.StatusClaimed)
	onB := claimedTask("t1", "bob", "node-a", 1, 5, domain.StatusClaimed)

	w1, c1 := MergeTask(onA, onB)
	w2, c2 := MergeTask(onB, onA)
	if w1 != onB || w2 != onB {
		t.Fatalf("winner should be the claim from the smaller node id, got %s and %s", w1.ClaimedBy, w2.ClaimedBy)
	}
	if c1 == nil || c2 == nil {
		t.Fatal("equal-clock concurrent claims must be flagged on both sides")
	}
	if c1.Winner.Agent != "bob" || c1.Loser.Agent != "alice" {
		t.Errorf("conflict = %v", c1)
	}
}

func TestMergeTask_EarlierUncommittedClaimWinsSilently(t *testing.T) {
	early := claimedTask("t1", "alice", "node-z", 1, 3, domain.StatusClaimed)
	late := claimedTask("t1", "bob", "node-a", 1, 7, domain.StatusClaimed)
	if w, c := MergeTask(late, early); w != early || c != nil {
		t.Errorf("got winner %s conflict %v, want early claim without conflict", w.ClaimedBy, c)
	}

	late.Status = domain.StatusInProgress
	if w, c := MergeTask(late, early); w != early || c == nil {
		t.Errorf("committed loser must be flagged: winner %s conflict %v", w.ClaimedBy, c)
	}
}

func TestMergeTask_EpochAndLWW(t *testing.T) {
	older := claimedTask("t1", "alice", "n1", 1, 3, domain.StatusClaimed)
	newer := claimedTask("t1", "bob", "n2", 2, 2, domain.StatusClaimed)
	if w, _ := MergeTask(older, newer); w != newer {
		t.Error("higher epoch must win regardless of clocks")
	}

	progressed := *older
	progressed.Status = domain.StatusInProgress
	progressed.Rev = domain.Rev{Clock: 9, Node: "n1"}
	if w, c := MergeTask(older, &progressed); w != &progressed || c != nil {
		t.Error("same claim must merge last-writer-wins")
	}
	if w, _ := MergeTask(&progressed, older); w != &progressed {
		t.Error("last-writer-wins must not depend on argument order")
	}
}

// Node A releases alice's claim and carol reclaims it (epoch 2) while a
// partitioned node B has bob claim the same base task (epoch 1).
func TestMergeTask_ReclaimVersusPartitionedClaim(t *testing.T) {
	alice := domain.ClaimStamp{Epoch: 1, Clock: 5, Node: "node-a", Agent: "alice"}
	carol := claimedTask("t1", "carol", "node-a", 2, 12, domain.StatusInProgress)
	carol.ClaimHistory = []domain.ClaimStamp{alice}

	for _, status := range []domain.TaskStatus{domain.StatusInProgress, domain.StatusCompleted, domain.StatusApproved} {
		bob := claimedTask("t1", "bob", "node-b", 1, 6, status)
		for _, pair := range [][2]*domain.Task{{bob, carol}, {carol, bob}} {
			w, c := MergeTask(pair[0], pair[1])
			if w != carol {
				t.Errorf("%s: winner = %s, want the higher epoch", status, w.ClaimedBy)
			}
			if c == nil || c.Winner.Agent != "carol" || c.Loser.Agent != "bob" {
				t.Errorf("%s: conflict = %v, want carol over bob", status, c)
			}
		}
	}

	// bob's own claim, later released and reclaimed, is not a conflict.
	bob := claimedTask("t1", "bob", "node-b", 1, 6, domain.StatusInProgress)
	descendant := claimedTask("t1", "carol", "node-a", 2, 12, domain.StatusClaimed)
	descendant.ClaimHistory = []domain.ClaimStamp{bob.Claim}
	if w, c := MergeTask(bob, descendant); w != descendant || c != nil {
		t.Errorf("descendant claim: winner %s conflict %v", w.ClaimedBy, c)
	}

	released := claimedTask("t1", "bob", "node-b", 1, 6, domain.StatusAvailable)
	released.ClaimedBy = ""
	if _, c := MergeTask(released, carol); c != nil {
		t.Errorf("released claim flagged: %v", c)
	}
}

func TestMergeMessage_UnionsReadState(t *testing.T) {
	base := domain.Message{ID: "m", Recipient: domain.Broadcast, Rev: domain.Rev{Clock: 1, Node: "n1"}}
	a := base
	a.ReadBy = []string{"x"}
	a.Rev = domain.Rev{Clock: 4, Node: "n1"}
	b := base
	b.ReadBy = []string{"y"}
	b.ResponseID = "r1"
	b.Rev = domain.Rev{Clock: 2, Node: "n2"}

	for _, got := range []*domain.Message{MergeMessage(&a, &b), MergeMessage(&b, &a)} {
		if len(got.ReadBy) != 2 || got.ReadBy[0] != "x" || got.ReadBy[1] != "y" {
			t.Errorf("ReadBy = %v", got.ReadBy)
		}
		if got.ResponseID != "r1" {
			t.Errorf("ResponseID = %q", got.ResponseID)
		}
		if got.Rev != a.Rev {
			t.Errorf("Rev = %v, want the newer version", got.Rev)
		}
	}
}

func mutationFor(t *testing.T, table, key, node string, clock uint64, row any) domain.Mutation {
	t.Helper()
	data, err := json.Marshal(row)
	if err != nil {
		t.Fatal(err)
	}
	return domain.Mutation{Table: table, RowKey: key, Op: domain.OpPut, Fields: data, NodeID: node, Clock: clock}
}

func TestApplySnapshot(t *testing.T) {
	h := newHarness(t, "node-b", nil)
	h.register(t, "alice", "go")
	task := h.post(t, "shared", domain.PriorityNormal, "go")

	// node-a saw the same task and claimed it for bob at a later clock.
	remote := *task
	remote.Status = domain.StatusClaimed
	remote.ClaimedBy = "bob"
	remote.Claim = domain.ClaimStamp{Epoch: 1, Clock: 40, Node: "node-a", Agent: "bob"}
	remote.Rev = domain.Rev{Clock: 40, Node: "node-a"}
	bob := domain.Agent{ID: "bob", Skills: []string{"go"}, MaxConcurrent: 1, Node: "node-a", Rev: domain.Rev{Clock: 39, Node: "node-a"}}

	muts := []domain.Mutation{
		mutationFor(t, domain.TableTasks, task.ID, "node-a", 40, &remote),
		mutationFor(t, domain.TableAgents, "bob", "node-a", 39, &bob),
	}
	rep, err := h.svc.ApplySnapshot("node-a-1-40", muts)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Applied != 2 || len(rep.Conflicts) != 0 {
		t.Errorf("report = %+v", rep)
	}

	got, _ := h.board.Get(task.ID)
	if got.ClaimedBy != "bob" {
		t.Errorf("remote claim not applied: %+v", got)
	}
	var clock uint64
	_ = h.svc.Query(func(s *domain.CoordState) error { clock = s.Clock; return nil })
	if clock < 40 {
		t.Errorf("clock %d did not observe remote clock 40", clock)
	}

	// Remote mutations are not republished.
	out, err := h.svc.Outbox()
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range out {
		if m.NodeID != "node-b" {
			t.Errorf("outbox contains foreign mutation %+v", m)
		}
	}

	rep, err = h.svc.ApplySnapshot("node-a-1-40", muts)
	if err != nil || !rep.Duplicate {
		t.Errorf("second apply = %+v, %v; want duplicate", rep, err)
	}
}

func TestApplySnapshot_ConflictAlertsBothClaimants(t *testing.T) {
	h := newHarness(t, "node-b", nil)
	h.register(t, "alice", "go")
	task := h.post(t, "shared", domain.PriorityNormal, "go")
	claimed, err := h.board.Claim(task.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.board.UpdateStatus(task.ID, "alice", domain.StatusInProgress); err != nil {
		t.Fatal(err)
	}

	remote := *task
	remote.Status = domain.StatusClaimed
	remote.ClaimedBy = "bob"
	remote.Claim = domain.ClaimStamp{Epoch: 1, Clock: claimed.Claim.Clock, Node: "node-a", Agent: "bob"}
	remote.Rev = domain.Rev{Clock: claimed.Claim.Clock, Node: "node-a"}
	bob := domain.Agent{ID: "bob", Skills: []string{"go"}, MaxConcurrent: 1, Node: "node-a", Rev: domain.Rev{Clock: 1, Node: "node-a"}}

	rep, err := h.svc.ApplySnapshot("snap", []domain.Mutation{
		mutationFor(t, domain.TableAgents, "bob", "node-a", 1, &bob),
		mutationFor(t, domain.TableTasks, task.ID, "node-a", remote.Rev.Clock, &remote),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Conflicts) != 1 {
		t.Fatalf("conflicts = %v", rep.Conflicts)
	}
	got, _ := h.board.Get(task.ID)
	if got.ClaimedBy != "bob" {
		t.Errorf("claim from node-a should win the tie, got %q", got.ClaimedBy)
	}
	for _, agent := range []string{"alice", "bob"} {
		inbox, _ := h.bus.Inbox(agent, true)
		found := false
		for _, m := range inbox {
			found = found || m.Type == MsgMergeConflict
		}
		if !found {
			t.Errorf("%s was not told about the conflict", agent)
		}
	}
	if res, _ := h.monitor.Heartbeat("alice", Beat{CurrentTask: task.ID}); len(res.Revoked) != 1 {
		t.Errorf("alice should learn the claim was revoked, got %v", res.Revoked)
	}
}
