// Package replication exchanges journal snapshots between nodes through a
// shared channel and merges the ones published by other nodes.
package replication

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

// SnapshotSuffix is the file suffix of published snapshots.
const SnapshotSuffix = ".snap.json"

// Snapshot is a batch of mutations published by one node. Once published it
// is never modified.
type Snapshot struct {
	ID        uuid.UUID         `json:"id"`
	NodeID    string            `json:"node_id"`
	ClockFrom uint64            `json:"clock_from"`
	ClockTo   uint64            `json:"clock_to"`
	CreatedAt time.Time         `json:"created_at"`
	Mutations []domain.Mutation `json:"mutations"`
	Digest    string            `json:"digest"`
}

// NewSnapshot packages muts, which must be non-empty and in clock order.
func NewSnapshot(node string, muts []domain.Mutation, now time.Time) (*Snapshot, error) {
	if len(muts) == 0 {
		return nil, fmt.Errorf("snapshot: no mutations")
	}
	d, err := digest(muts)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ID:        uuid.New(),
		NodeID:    node,
		ClockFrom: muts[0].Clock,
		ClockTo:   muts[len(muts)-1].Clock,
		CreatedAt: now.UTC(),
		Mutations: muts,
		Digest:    d,
	}, nil
}

// Name is the channel file name: <node>-<clock_from>-<clock_to>.snap.json.
func (s *Snapshot) Name() string {
	return SnapshotName(s.NodeID, s.ClockFrom, s.ClockTo)
}

// SnapshotName formats a snapshot file name with zero-padded clocks so that
// names sort in clock order per node.
func SnapshotName(node string, from, to uint64) string {
	return fmt.Sprintf("%s-%020d-%020d%s", node, from, to, SnapshotSuffix)
}

// ParseName splits a snapshot file name. Node ids may contain dashes.
func ParseName(name string) (node string, from, to uint64, err error) {
	base, ok := strings.CutSuffix(name, SnapshotSuffix)
	if !ok {
		return "", 0, 0, fmt.Errorf("snapshot name %q: missing %s suffix", name, SnapshotSuffix)
	}
	i := strings.LastIndex(base, "-")
	if i <= 0 {
		return "", 0, 0, fmt.Errorf("snapshot name %q: malformed", name)
	}
	j := strings.LastIndex(base[:i], "-")
	if j <= 0 {
		return "", 0, 0, fmt.Errorf("snapshot name %q: malformed", name)
	}
	if from, err = strconv.ParseUint(base[j+1:i], 10, 64); err != nil {
		return "", 0, 0, fmt.Errorf("snapshot name %q: %w", name, err)
	}
	if to, err = strconv.ParseUint(base[i+1:], 10, 64); err != nil {
		return "", 0, 0, fmt.Errorf("snapshot name %q: %w", name, err)
	}
	return base[:j], from, to, nil
}

// Verify checks the digest and that every mutation belongs to the snapshot's
// node and clock range.
func (s *Snapshot) Verify() error {
	d, err := digest(s.Mutations)
	if err != nil {
		return err
	}
	if d != s.Digest {
		return fmt.Errorf("snapshot %s: digest mismatch", s.Name())
	}
	for _, m := range s.Mutations {
		if m.NodeID != s.NodeID || m.Clock < s.ClockFrom || m.Clock > s.ClockTo {
			return fmt.Errorf("snapshot %s: mutation %s/%s@%d outside %s [%d, %d]",
				s.Name(), m.Table, m.RowKey, m.Clock, s.NodeID, s.ClockFrom, s.ClockTo)
		}
	}
	return nil
}

// digest is the hex SHA3-256 of the JSON encoding of muts.
func digest(muts []domain.Mutation) (string, error) {
	body, err := json.Marshal(muts)
	if err != nil {
		return "", fmt.Errorf("snapshot digest: %w", err)
	}
	sum := sha3.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
