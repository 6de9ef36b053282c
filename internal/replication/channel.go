package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

// Channel is the shared, append-style medium snapshots are exchanged through.
// Failures are reported as *domain.ReplicationIOError.
type Channel interface {
	Publish(ctx context.Context, snap *Snapshot) error
	// List returns snapshot names in name order.
	List(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, name string) (*Snapshot, error)
}

// DirChannel is a Channel over a shared directory, typically a checkout of a
// version-controlled repository that an external process pushes and pulls.
type DirChannel struct {
	dir string
}

// NewDirChannel returns a channel over dir, creating it if needed.
func NewDirChannel(dir string) (*DirChannel, error) {
	if dir == "" {
		return nil, fmt.Errorf("channel directory is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &domain.ReplicationIOError{Op: "open", Err: err}
	}
	return &DirChannel{dir: dir}, nil
}

// Dir returns the channel directory.
func (c *DirChannel) Dir() string { return c.dir }

// Publish writes the snapshot atomically: data goes to a temp file first and
// is renamed into place. Publishing a name that already exists is a no-op.
func (c *DirChannel) Publish(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return &domain.ReplicationIOError{Op: "publish", Err: err}
	}
	target := filepath.Join(c.dir, snap.Name())
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, ".publish-*.tmp")
	if err != nil {
		return &domain.ReplicationIOError{Op: "publish", Err: err}
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmpName)
		return &domain.ReplicationIOError{Op: "publish", Err: werr}
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName) // best-effort cleanup
		return &domain.ReplicationIOError{Op: "publish", Err: err}
	}
	return nil
}

// List implements Channel.
func (c *DirChannel) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.ReplicationIOError{Op: "list", Err: err}
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, &domain.ReplicationIOError{Op: "list", Err: err}
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), SnapshotSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Fetch reads and verifies one snapshot. The name must match the contents.
func (c *DirChannel) Fetch(ctx context.Context, name string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.ReplicationIOError{Op: "fetch", Err: err}
	}
	if filepath.Base(name) != name {
		return nil, fmt.Errorf("snapshot name %q is not a plain file name", name)
	}
	data, err := os.ReadFile(filepath.Join(c.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NotFound("snapshot", name)
		}
		return nil, &domain.ReplicationIOError{Op: "fetch", Err: err}
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &domain.ReplicationIOError{Op: "fetch", Err: fmt.Errorf("decode %s: %w", name, err)}
	}
	if snap.Name() != name {
		return nil, &domain.ReplicationIOError{Op: "fetch", Err: fmt.Errorf("%s: contents are for %s", name, snap.Name())}
	}
	if err := snap.Verify(); err != nil {
		return nil, &domain.ReplicationIOError{Op: "fetch", Err: err}
	}
	return &snap, nil
}
