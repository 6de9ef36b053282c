package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Mutation operations. The operation is informational; merge decisions are
// made from the row contents.
const (
	OpPut      = "put"
	OpClaim    = "claim"
	OpRelease  = "release"
	OpReassign = "reassign"
)

// Mutation is one row-level write, carried in the node journal and in
// replication snapshots.
type Mutation struct {
	Table  string          `json:"table"`
	RowKey string          `json:"row_key"`
	Op     string          `json:"op"`
	Fields json.RawMessage `json:"fields"`
	NodeID string          `json:"node_id"`
	Clock  uint64          `json:"clock"`

	// Prev is the row revision this node read before writing it; the
	// repository uses it to detect lost updates.
	Prev Rev `json:"-"`
	// Local is true for writes made by this node (as opposed to merged ones).
	Local bool `json:"-"`
}

// CoordState is the aggregate coordination state held by one node.
type CoordState struct {
	NodeID         string                `json:"node_id"`
	Clock          uint64                `json:"clock"`
	PublishedClock uint64                `json:"published_clock"`
	Agents         map[string]*Agent     `json:"agents"`
	Tasks          map[string]*Task      `json:"tasks"`
	Messages       map[string]*Message   `json:"messages"`
	Heartbeats     map[string]*Heartbeat `json:"heartbeats"`

	// Journal holds the mutations recorded since the state was loaded.
	// The repository persists it together with the rows it touches.
	Journal []Mutation `json:"-"`
	// Applied lists snapshot names merged since the state was loaded.
	Applied []string `json:"-"`
	// BaseClock is the clock the state was loaded with. The repository
	// rejects a save when the stored clock has moved past it.
	BaseClock uint64 `json:"-"`

	touches []touch
}

type touch struct {
	table, key, op string
	prev           Rev
	clock          uint64
}

// NewCoordState returns an empty CoordState for node.
func NewCoordState(node string) *CoordState {
	return &CoordState{
		NodeID:     node,
		Agents:     make(map[string]*Agent),
		Tasks:      make(map[string]*Task),
		Messages:   make(map[string]*Message),
		Heartbeats: make(map[string]*Heartbeat),
	}
}

// EnsureMaps initializes nil maps after decoding.
func (s *CoordState) EnsureMaps() {
	if s.Agents == nil {
		s.Agents = make(map[string]*Agent)
	}
	if s.Tasks == nil {
		s.Tasks = make(map[string]*Task)
	}
	if s.Messages == nil {
		s.Messages = make(map[string]*Message)
	}
	if s.Heartbeats == nil {
		s.Heartbeats = make(map[string]*Heartbeat)
	}
}

// Clone returns a deep copy of the persisted part of the state.
func (s *CoordState) Clone() *CoordState {
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("clone state: %v", err))
	}
	out := &CoordState{}
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("clone state: %v", err))
	}
	out.EnsureMaps()
	return out
}

// Tick advances the logical clock and returns the new value.
func (s *CoordState) Tick() uint64 {
	s.Clock++
	return s.Clock
}

// Observe advances the logical clock to at least remote (Lamport receive).
func (s *CoordState) Observe(remote uint64) {
	if remote > s.Clock {
		s.Clock = remote
	}
}

func (s *CoordState) stamp(table, key, op string, rev *Rev) {
	prev := *rev
	*rev = Rev{Clock: s.Tick(), Node: s.NodeID}
	s.touches = append(s.touches, touch{table: table, key: key, op: op, prev: prev, clock: rev.Clock})
}

// PutAgent stores a and records a local write.
func (s *CoordState) PutAgent(a *Agent, op string) {
	s.Agents[a.ID] = a
	s.stamp(TableAgents, a.ID, op, &a.Rev)
}

// PutTask stores t and records a local write.
func (s *CoordState) PutTask(t *Task, op string) {
	s.Tasks[t.ID] = t
	s.stamp(TableTasks, t.ID, op, &t.Rev)
}

// PutMessage stores m and records a local write.
func (s *CoordState) PutMessage(m *Message, op string) {
	s.Messages[m.ID] = m
	s.stamp(TableMessages, m.ID, op, &m.Rev)
}

// PutHeartbeat stores h and records a local write.
func (s *CoordState) PutHeartbeat(h *Heartbeat, op string) {
	s.Heartbeats[h.AgentID] = h
	s.stamp(TableHeartbeats, h.AgentID, op, &h.Rev)
}

// RecordRemote appends a merged mutation to the journal. prev is the local
// row revision the merge replaced.
func (s *CoordState) RecordRemote(m Mutation, prev Rev) {
	m.Local = false
	m.Prev = prev
	s.Journal = append(s.Journal, m)
}

// Seal turns the local writes recorded since load into journal mutations, one
// per row, carrying the row's final contents. It is idempotent.
func (s *CoordState) Seal() error {
	if len(s.touches) == 0 {
		return nil
	}
	type agg struct {
		first touch
		last  touch
		claim bool
	}
	byKey := make(map[string]*agg)
	var order []string
	for _, t := range s.touches {
		k := t.table + "/" + t.key
		a, ok := byKey[k]
		if !ok {
			a = &agg{first: t}
			byKey[k] = a
			order = append(order, k)
		}
		a.last = t
		if t.op == OpClaim {
			a.claim = true
		}
	}
	for _, k := range order {
		a := byKey[k]
		row, err := s.row(a.last.table, a.last.key)
		if err != nil {
			return err
		}
		fields, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("seal %s: %w", k, err)
		}
		op := a.last.op
		if a.claim {
			op = OpClaim
		}
		s.Journal = append(s.Journal, Mutation{
			Table:  a.last.table,
			RowKey: a.last.key,
			Op:     op,
			Fields: fields,
			NodeID: s.NodeID,
			Clock:  a.last.clock,
			Prev:   a.first.prev,
			Local:  true,
		})
	}
	s.touches = nil
	sort.SliceStable(s.Journal, func(i, j int) bool { return s.Journal[i].Clock < s.Journal[j].Clock })
	return nil
}

func (s *CoordState) row(table, key string) (any, error) {
	var (
		row any
		ok  bool
	)
	switch table {
	case TableAgents:
		row, ok = s.Agents[key]
	case TableTasks:
		row, ok = s.Tasks[key]
	case TableMessages:
		row, ok = s.Messages[key]
	case TableHeartbeats:
		row, ok = s.Heartbeats[key]
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
	if !ok {
		return nil, fmt.Errorf("%s/%s: row vanished before seal", table, key)
	}
	return row, nil
}

// ActiveTaskCount returns how many tasks agent currently holds.
func (s *CoordState) ActiveTaskCount(agent string) int {
	n := 0
	for _, t := range s.Tasks {
		if t.HeldBy(agent) {
			n++
		}
	}
	return n
}

// HeldTasks returns the ids of tasks agent currently holds, sorted.
func (s *CoordState) HeldTasks(agent string) []string {
	var ids []string
	for _, t := range s.Tasks {
		if t.HeldBy(agent) {
			ids = append(ids, t.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// DependenciesMet reports whether every dependency of t is completed or approved.
func (s *CoordState) DependenciesMet(t *Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := s.Tasks[dep]
		if !ok || !d.Status.SatisfiesDependency() {
			return false
		}
	}
	return true
}
