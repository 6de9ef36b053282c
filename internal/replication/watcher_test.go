package replication

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

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

func TestWatcher_TriggersOnSnapshot(t *testing.T) {
	dir := t.TempDir()
	trig := &countingTrigger{}
	w := NewWatcher(dir, trig, testLogger(), WithDebounce(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for i := 0; trig.count() == 0 && time.Now().Before(deadline); i++ {
		name := SnapshotName("peer", uint64(i), uint64(i))
		if err := os.WriteFile(filepath.Join(dir, name), []byte(fmt.Sprint(i)), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	w.Stop()
	if trig.count() == 0 {
		t.Error("watcher never triggered")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	trig := &countingTrigger{}
	w := NewWatcher(dir, trig, testLogger(), WithDebounce(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	go w.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, ".publish-1.tmp"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	cancel()
	w.Stop()
	if trig.count() != 0 {
		t.Errorf("trigger count = %d for a temp file", trig.count())
	}
}
