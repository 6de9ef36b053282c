package replication

import (
	"testing"
	"time"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

func sampleMutations(node string, clocks ...uint64) []domain.Mutation {
	var out []domain.Mutation
	for _, c := range clocks {
		out = append(out, domain.Mutation{
			Table: domain.TableTasks, RowKey: "t1", Op: domain.OpPut,
			Fields: []byte(`{"id":"t1","title":"x"}`), NodeID: node, Clock: c,
		})
	}
	return out
}

func TestNewSnapshot(t *testing.T) {
	snap, err := NewSnapshot("node-a", sampleMutations("node-a", 3, 5, 9), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if snap.ClockFrom != 3 || snap.ClockTo != 9 || len(snap.Digest) != 64 {
		t.Errorf("snapshot = %+v", snap)
	}
	if want := "node-a-00000000000000000003-00000000000000000009.snap.json"; snap.Name() != want {
		t.Errorf("Name() = %q, want %q", snap.Name(), want)
	}
	if err := snap.Verify(); err != nil {
		t.Errorf("Verify() = %v", err)
	}
	if _, err := NewSnapshot("node-a", nil, time.Now()); err == nil {
		t.Error("empty snapshot should be rejected")
	}
}

func TestSnapshotVerifyDetectsTampering(t *testing.T) {
	snap, _ := NewSnapshot("n1", sampleMutations("n1", 1, 2), time.Now())
	snap.Mutations[1].Fields = []byte(`{"id":"t1","title":"y"}`)
	if err := snap.Verify(); err == nil {
		t.Error("modified mutation passed verification")
	}

	foreign, _ := NewSnapshot("n1", sampleMutations("n2", 1), time.Now())
	if err := foreign.Verify(); err == nil {
		t.Error("mutation from another node passed verification")
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name     string
		node     string
		from, to uint64
		wantErr  bool
	}{
		{SnapshotName("node-a", 1, 40), "node-a", 1, 40, false},
		{SnapshotName("n", 0, 0), "n", 0, 0, false},
		{"n-1-2.json", "", 0, 0, true},
		{"n-x-2.snap.json", "", 0, 0, true},
		{"-1.snap.json", "", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, from, to, err := ParseName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseName() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (node != tt.node || from != tt.from || to != tt.to) {
				t.Errorf("ParseName() = %q %d %d", node, from, to)
			}
		})
	}
}
