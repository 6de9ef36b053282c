package app

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

// MergeConflict describes two claims of the same cycle that were both
// committed on different nodes.
type MergeConflict struct {
	TaskID string
	Winner domain.ClaimStamp
	Loser  domain.ClaimStamp
}

func (c MergeConflict) String() string {
	return fmt.Sprintf("task %s: claim by %s@%s (clock %d) kept over %s@%s (clock %d)",
		c.TaskID, c.Winner.Agent, c.Winner.Node, c.Winner.Clock, c.Loser.Agent, c.Loser.Node, c.Loser.Clock)
}

// MergeReport summarizes one applied snapshot.
type MergeReport struct {
	Snapshot  string
	Applied   int // mutations that changed a local row
	Skipped   int // mutations older than the local row
	Conflicts []MergeConflict
	Duplicate bool // snapshot had already been applied
}

// ApplySnapshot merges a remote snapshot's mutations into the local state in
// a single writer-locked transaction. The snapshot name is recorded so it is
// applied at most once.
func (s *CoordService) ApplySnapshot(name string, muts []domain.Mutation) (*MergeReport, error) {
	rep := &MergeReport{Snapshot: name}
	err := s.Run(func(state *domain.CoordState) error {
		*rep = MergeReport{Snapshot: name}
		applied, err := s.repo.AppliedSnapshots()
		if err != nil {
			return fmt.Errorf("read applied snapshots: %w", err)
		}
		if applied[name] {
			rep.Duplicate = true
			return nil
		}

		ordered := make([]domain.Mutation, len(muts))
		copy(ordered, muts)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Clock < ordered[j].Clock })

		for _, m := range ordered {
			if m.NodeID == state.NodeID {
				// Our own writes echoed back; the local row is at least as new.
				rep.Skipped++
				continue
			}
			state.Observe(m.Clock)
			changed, conflict, err := mergeMutation(state, m)
			if err != nil {
				return fmt.Errorf("merge %s/%s from %s: %w", m.Table, m.RowKey, m.NodeID, err)
			}
			if changed {
				rep.Applied++
			} else {
				rep.Skipped++
			}
			if conflict != nil {
				rep.Conflicts = append(rep.Conflicts, *conflict)
			}
		}

		for _, c := range rep.Conflicts {
			s.logger.Printf("Sync: %v: %v", domain.ErrMergeConflict, c)
			s.alertConflict(state, c)
		}
		state.Applied = append(state.Applied, name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// alertConflict tells both claimants which claim stands. Both nodes that see
// the conflict derive the same message ids.
func (s *CoordService) alertConflict(state *domain.CoordState, c MergeConflict) {
	payload, _ := json.Marshal(map[string]any{
		"task_id": c.TaskID,
		"kept":    c.Winner,
		"dropped": c.Loser,
		"detail":  c.String(),
	})
	for _, agent := range []string{c.Winner.Agent, c.Loser.Agent} {
		id := derivedID(MsgMergeConflict, c.TaskID, fmt.Sprint(c.Winner.Epoch), c.Loser.Node, c.Loser.Agent, agent)
		s.postSystem(state, id, domain.SystemSender, agent, MsgMergeConflict, domain.PriorityHigh, string(payload))
	}
}

// mergeMutation applies one remote mutation. It reports whether the local row
// changed and, for tasks, a conflict that needs to be surfaced.
func mergeMutation(state *domain.CoordState, m domain.Mutation) (bool, *MergeConflict, error) {
	switch m.Table {
	case domain.TableAgents:
		var remote domain.Agent
		if err := json.Unmarshal(m.Fields, &remote); err != nil {
			return false, nil, err
		}
		local := state.Agents[m.RowKey]
		if local != nil && !local.Rev.Less(remote.Rev) {
			return false, nil, nil
		}
		state.Agents[m.RowKey] = &remote
		state.RecordRemote(m, revOf(local))
		return true, nil, nil

	case domain.TableHeartbeats:
		var remote domain.Heartbeat
		if err := json.Unmarshal(m.Fields, &remote); err != nil {
			return false, nil, err
		}
		local := state.Heartbeats[m.RowKey]
		if local != nil && !local.Rev.Less(remote.Rev) {
			return false, nil, nil
		}
		prev := domain.Rev{}
		if local != nil {
			prev = local.Rev
		}
		state.Heartbeats[m.RowKey] = &remote
		state.RecordRemote(m, prev)
		return true, nil, nil

	case domain.TableMessages:
		var remote domain.Message
		if err := json.Unmarshal(m.Fields, &remote); err != nil {
			return false, nil, err
		}
		local := state.Messages[m.RowKey]
		merged := MergeMessage(local, &remote)
		if local != nil && sameMessage(local, merged) {
			return false, nil, nil
		}
		prev := domain.Rev{}
		if local != nil {
			prev = local.Rev
		}
		state.Messages[m.RowKey] = merged
		state.RecordRemote(m, prev)
		return true, nil, nil

	case domain.TableTasks:
		var remote domain.Task
		if err := json.Unmarshal(m.Fields, &remote); err != nil {
			return false, nil, err
		}
		local := state.Tasks[m.RowKey]
		winner, conflict := MergeTask(local, &remote)
		if winner == local {
			return false, conflict, nil
		}
		prev := domain.Rev{}
		if local != nil {
			prev = local.Rev
		}
		state.Tasks[m.RowKey] = winner
		state.RecordRemote(m, prev)
		return true, conflict, nil
	}
	return false, nil, fmt.Errorf("unknown table %q", m.Table)
}

func revOf(a *domain.Agent) domain.Rev {
	if a == nil {
		return domain.Rev{}
	}
	return a.Rev
}

// MergeTask picks the surviving version of a task. The choice is a total
// order over versions, so every node converges regardless of merge order:
//
//  1. the higher claim epoch wins; if the lower version still carries a live
//     or finished claim that the winner did not replace, a conflict is returned;
//  2. within an epoch, the earlier claim wins; if the losing claim was already
//     acted on (no longer CLAIMED) or the claims are not strictly ordered by
//     clock, a conflict is returned;
//  3. for the same claim, the last writer wins.
func MergeTask(local, remote *domain.Task) (*domain.Task, *MergeConflict) {
	if local == nil {
		return remote, nil
	}
	lc, rc := local.Claim, remote.Claim
	if lc.Epoch != rc.Epoch {
		winner, loser := local, remote
		if rc.Epoch > lc.Epoch {
			winner, loser = remote, local
		}
		if loser.Claim.Epoch == 0 || loser.Status == domain.StatusAvailable || winner.Descends(loser.Claim) {
			return winner, nil
		}
		return winner, &MergeConflict{TaskID: winner.ID, Winner: winner.Claim, Loser: loser.Claim}
	}
	if lc == rc {
		if local.Rev.Less(remote.Rev) {
			return remote, nil
		}
		return local, nil
	}

	winner, loser := local, remote
	if rc.Before(lc) {
		winner, loser = remote, local
	}
	silent := winner.Claim.Clock < loser.Claim.Clock && loser.Status == domain.StatusClaimed
	if silent {
		return winner, nil
	}
	return winner, &MergeConflict{TaskID: winner.ID, Winner: winner.Claim, Loser: loser.Claim}
}

// MergeMessage combines two versions of a message. Content follows the last
// writer; read state is the union of both and a response back-link is never lost.
func MergeMessage(local, remote *domain.Message) *domain.Message {
	if local == nil {
		return remote
	}
	base, other := local, remote
	if local.Rev.Less(remote.Rev) {
		base, other = remote, local
	}
	out := *base
	out.Read = local.Read || remote.Read
	out.ReadBy = unionSorted(local.ReadBy, remote.ReadBy)
	if out.ResponseID == "" {
		out.ResponseID = other.ResponseID
	}
	return &out
}

func sameMessage(a, b *domain.Message) bool {
	if a.Rev != b.Rev || a.Read != b.Read || a.ResponseID != b.ResponseID || len(a.ReadBy) != len(b.ReadBy) {
		return false
	}
	for i := range a.ReadBy {
		if a.ReadBy[i] != b.ReadBy[i] {
			return false
		}
	}
	return true
}

func unionSorted(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
