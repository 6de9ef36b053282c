package sqlite

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/app"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	repo, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := repo.(*Store)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func loadFor(t *testing.T, st *Store, node string) *domain.CoordState {
	t.Helper()
	state, err := st.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	state.NodeID = node
	return state
}

func saveSealed(st *Store, state *domain.CoordState) error {
	if err := state.Seal(); err != nil {
		return err
	}
	return st.Save(state)
}

func TestStoreRoundtrip(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "state.sqlite"))

	now := time.Now().UTC().Truncate(time.Millisecond)
	deadline := now.Add(48 * time.Hour)
	state := loadFor(t, st, "n1")
	state.PutAgent(&domain.Agent{ID: "x", Skills: []string{"go", "sql"}, MaxConcurrent: 2, PreferredTypes: []string{"bugfix"}, Node: "n1", RegisteredAt: now}, domain.OpPut)
	state.PutTask(&domain.Task{
		ID: "t1", Title: "Index", RequiredSkills: []string{"sql"}, Priority: domain.PriorityHigh, Effort: 2.5,
		Deadline: &deadline, Dependencies: []string{"t0"}, PostedBy: "x", PostedAt: now, Status: domain.StatusClaimed,
		ClaimedBy: "x", ClaimedAt: &now, Claim: domain.ClaimStamp{Epoch: 2, Clock: 2, Node: "n1", Agent: "x"},
		ClaimHistory: []domain.ClaimStamp{{Epoch: 1, Clock: 1, Node: "n2", Agent: "y"}}, UpdatedAt: now,
	}, domain.OpClaim)
	state.PutMessage(&domain.Message{ID: "m1", Timestamp: now, Sender: "x", Recipient: domain.Broadcast, Type: "note",
		Priority: domain.PriorityLow, Payload: "hi", ReadBy: []string{"y"}}, domain.OpPut)
	state.PutHeartbeat(&domain.Heartbeat{AgentID: "x", Status: domain.AgentBusy, CurrentTask: "t1", Timestamp: now,
		Metrics: map[string]float64{"cpu": 0.5}, Node: "n1", Clock: 4, Degraded: true}, domain.OpPut)
	state.PublishedClock = 1
	if err := saveSealed(st, state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := loadFor(t, st, "n1")
	if loaded.Clock != 4 || loaded.BaseClock != 4 || loaded.PublishedClock != 1 {
		t.Errorf("clock=%d base=%d published=%d", loaded.Clock, loaded.BaseClock, loaded.PublishedClock)
	}
	a := loaded.Agents["x"]
	if a == nil || a.MaxConcurrent != 2 || len(a.Skills) != 2 || a.PreferredTypes[0] != "bugfix" || !a.RegisteredAt.Equal(now) {
		t.Errorf("agent = %+v", a)
	}
	task := loaded.Tasks["t1"]
	if task == nil {
		t.Fatal("task missing")
	}
	if task.Status != domain.StatusClaimed || task.Claim.Agent != "x" || task.Priority != domain.PriorityHigh || task.Effort != 2.5 {
		t.Errorf("task = %+v", task)
	}
	if task.Deadline == nil || !task.Deadline.Equal(deadline) || task.CompletedAt != nil || task.ApprovedAt != nil {
		t.Errorf("task timestamps: deadline=%v completed=%v approved=%v", task.Deadline, task.CompletedAt, task.ApprovedAt)
	}
	if len(task.ClaimHistory) != 1 || task.ClaimHistory[0].Agent != "y" || !task.Descends(task.ClaimHistory[0]) {
		t.Errorf("claim history = %+v", task.ClaimHistory)
	}
	if task.Rev != (domain.Rev{Clock: 2, Node: "n1"}) {
		t.Errorf("task rev = %v", task.Rev)
	}
	m := loaded.Messages["m1"]
	if m == nil || !m.ReadFor("y") || m.ReadFor("z") || m.Payload != "hi" {
		t.Errorf("message = %+v", m)
	}
	hb := loaded.Heartbeats["x"]
	if hb == nil || !hb.Degraded || hb.Metrics["cpu"] != 0.5 || hb.CurrentTask != "t1" {
		t.Errorf("heartbeat = %+v", hb)
	}
}

func TestStoreDetectsConcurrentWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.sqlite")
	first := openStore(t, path)
	second := openStore(t, path)

	seed := loadFor(t, first, "n1")
	seed.PutTask(&domain.Task{ID: "t1", Title: "T", Status: domain.StatusAvailable}, domain.OpPut)
	if err := saveSealed(first, seed); err != nil {
		t.Fatal(err)
	}

	s1 := loadFor(t, first, "n1")
	s2 := loadFor(t, second, "n1")
	for _, s := range []*domain.CoordState{s1, s2} {
		task := *s.Tasks["t1"]
		task.Status = domain.StatusClaimed
		s.PutTask(&task, domain.OpClaim)
	}
	if err := saveSealed(first, s1); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	if err := saveSealed(second, s2); !errors.Is(err, app.ErrConcurrentWrite) {
		t.Fatalf("second writer: err = %v, want ErrConcurrentWrite", err)
	}
}

func TestStoreRejectsStaleRowRevision(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "rev.sqlite"))
	seed := loadFor(t, st, "n1")
	seed.PutAgent(&domain.Agent{ID: "x", Skills: []string{"go"}, MaxConcurrent: 1}, domain.OpPut)
	if err := saveSealed(st, seed); err != nil {
		t.Fatal(err)
	}

	state := loadFor(t, st, "n1")
	state.Tick()
	state.RecordRemote(domain.Mutation{Table: domain.TableAgents, RowKey: "x", Op: domain.OpPut, Fields: []byte(`{}`), NodeID: "n2", Clock: 9}, domain.Rev{})
	if err := st.Save(state); !errors.Is(err, app.ErrConcurrentWrite) {
		t.Errorf("Save with stale prev: err = %v", err)
	}
}

func TestStoreJournal(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "journal.sqlite"))
	state := loadFor(t, st, "n1")
	state.PutAgent(&domain.Agent{ID: "x", Skills: []string{"go"}, MaxConcurrent: 1}, domain.OpPut)
	state.PutTask(&domain.Task{ID: "t1", Title: "T", Status: domain.StatusAvailable}, domain.OpPut)
	state.PutTask(state.Tasks["t1"], domain.OpPut)
	if err := state.Seal(); err != nil {
		t.Fatal(err)
	}
	remote := domain.Agent{ID: "y", Skills: []string{"go"}, MaxConcurrent: 1, Rev: domain.Rev{Clock: 7, Node: "n2"}}
	state.Agents["y"] = &remote
	state.RecordRemote(domain.Mutation{Table: domain.TableAgents, RowKey: "y", Op: domain.OpPut, Fields: []byte(`{"id":"y"}`), NodeID: "n2", Clock: 7}, domain.Rev{})
	state.Applied = append(state.Applied, "n2-00000000000000000001-00000000000000000007")
	if err := st.Save(state); err != nil {
		t.Fatal(err)
	}

	own, err := st.Journal("n1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(own) != 2 || own[0].Clock != 1 || own[1].Clock != 3 || !own[0].Local {
		t.Errorf("own journal = %+v", own)
	}
	if after, _ := st.Journal("n1", 1); len(after) != 1 || after[0].RowKey != "t1" {
		t.Errorf("journal after 1 = %+v", after)
	}
	foreign, _ := st.Journal("n2", 0)
	if len(foreign) != 1 || foreign[0].Local || string(foreign[0].Fields) != `{"id":"y"}` {
		t.Errorf("foreign journal = %+v", foreign)
	}

	applied, err := st.AppliedSnapshots()
	if err != nil {
		t.Fatal(err)
	}
	if !applied["n2-00000000000000000001-00000000000000000007"] || len(applied) != 1 {
		t.Errorf("applied = %v", applied)
	}
	if loaded := loadFor(t, st, "n1"); loaded.Agents["y"] == nil || loaded.Agents["y"].Rev.Node != "n2" {
		t.Errorf("merged row not persisted: %+v", loaded.Agents["y"])
	}
}

func TestStoreClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "closed.sqlite")

	store, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := store.(*Store)
	if err := st.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if st.db != nil {
		t.Error("Close should set db to nil")
	}
	// Second Close is no-op
	if err := st.Close(); err != nil {
		t.Errorf("Second Close: %v", err)
	}
}

func TestNew_failsOnInvalidDir(t *testing.T) {
	// Parent path is a file (e.g. /dev/null), so MkdirAll fails
	path := filepath.Join(os.DevNull, "sub", "state.sqlite")
	_, err := New(path)
	if err == nil {
		t.Error("New should fail when parent is not a directory")
	}
}
