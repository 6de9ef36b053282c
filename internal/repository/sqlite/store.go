package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/app"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	skills TEXT NOT NULL DEFAULT '[]',
	specialization TEXT NOT NULL DEFAULT '',
	max_concurrent INTEGER NOT NULL DEFAULT 1,
	preferred_types TEXT NOT NULL DEFAULT '[]',
	node TEXT NOT NULL DEFAULT '',
	registered_at TEXT NOT NULL,
	rev_clock INTEGER NOT NULL,
	rev_node TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT '',
	required_skills TEXT NOT NULL DEFAULT '[]',
	priority INTEGER NOT NULL DEFAULT 2,
	effort REAL NOT NULL DEFAULT 0,
	deadline TEXT NOT NULL DEFAULT '',
	dependencies TEXT NOT NULL DEFAULT '[]',
	reward REAL NOT NULL DEFAULT 0,
	posted_by TEXT NOT NULL DEFAULT '',
	posted_at TEXT NOT NULL,
	status TEXT NOT NULL,
	claimed_by TEXT NOT NULL DEFAULT '',
	claimed_at TEXT NOT NULL DEFAULT '',
	completed_at TEXT NOT NULL DEFAULT '',
	approved_by TEXT NOT NULL DEFAULT '',
	approved_at TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	artifacts TEXT NOT NULL DEFAULT '[]',
	feedback TEXT NOT NULL DEFAULT '',
	claim_epoch INTEGER NOT NULL DEFAULT 0,
	claim_clock INTEGER NOT NULL DEFAULT 0,
	claim_node TEXT NOT NULL DEFAULT '',
	claim_agent TEXT NOT NULL DEFAULT '',
	claim_history TEXT NOT NULL DEFAULT '[]',
	updated_at TEXT NOT NULL,
	rev_clock INTEGER NOT NULL,
	rev_node TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	sender TEXT NOT NULL,
	recipient TEXT NOT NULL,
	type TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 2,
	payload TEXT NOT NULL DEFAULT '',
	read_flag INTEGER NOT NULL DEFAULT 0,
	read_by TEXT NOT NULL DEFAULT '[]',
	requires_approval INTEGER NOT NULL DEFAULT 0,
	thread_id TEXT NOT NULL DEFAULT '',
	response_id TEXT NOT NULL DEFAULT '',
	rev_clock INTEGER NOT NULL,
	rev_node TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS heartbeats (
	agent_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	current_task TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL,
	metrics TEXT NOT NULL DEFAULT '{}',
	node TEXT NOT NULL DEFAULT '',
	clock INTEGER NOT NULL DEFAULT 0,
	degraded INTEGER NOT NULL DEFAULT 0,
	rev_clock INTEGER NOT NULL,
	rev_node TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS journal (
	node_id TEXT NOT NULL,
	clock INTEGER NOT NULL,
	tbl TEXT NOT NULL,
	row_key TEXT NOT NULL,
	op TEXT NOT NULL,
	fields TEXT NOT NULL,
	local INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (node_id, clock)
);
CREATE TABLE IF NOT EXISTS applied_snapshots (
	name TEXT PRIMARY KEY,
	applied_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// indexes for common query patterns (inbox, discovery, monitor)
const indexes = `
CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, read_flag);
CREATE INDEX IF NOT EXISTS idx_tasks_status_claimed ON tasks(status, claimed_by);
CREATE INDEX IF NOT EXISTS idx_journal_tbl_row ON journal(tbl, row_key);
`

// Store implements app.StateRepository using SQLite.
type Store struct {
	db *sql.DB
}

// New opens the SQLite database at path (creating parent dirs and schema) and returns a StateRepository.
// Write transactions take the database lock up front so a concurrent writer
// in another process is detected by the clock check rather than a busy error.
func New(path string) (app.StateRepository, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite indexes: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection. Call on shutdown for clean exit.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// parseTime parses RFC3339Nano; an empty string is the zero time.
func parseTime(s, context string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: parse timestamp %q: %w", context, s, err)
	}
	return t, nil
}

func parseTimePtr(s, context string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseTime(s, context)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseJSON unmarshals b into v or returns error with context.
func parseJSON(b string, v interface{}, context string) error {
	if b == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(b), v); err != nil {
		return fmt.Errorf("%s: %w", context, err)
	}
	return nil
}

func toJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// upsertSQL builds INSERT ... ON CONFLICT(key) DO UPDATE for cols (key first).
func upsertSQL(table string, cols []string) string {
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, c+" = excluded."+c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), ph, cols[0], strings.Join(sets, ", "))
}

var (
	agentCols = []string{"id", "skills", "specialization", "max_concurrent", "preferred_types", "node", "registered_at", "rev_clock", "rev_node"}
	taskCols  = []string{"id", "title", "description", "type", "required_skills", "priority", "effort", "deadline", "dependencies", "reward",
		"posted_by", "posted_at", "status", "claimed_by", "claimed_at", "completed_at", "approved_by", "approved_at", "summary", "artifacts",
		"feedback", "claim_epoch", "claim_clock", "claim_node", "claim_agent", "claim_history", "updated_at", "rev_clock", "rev_node"}
	messageCols = []string{"id", "timestamp", "sender", "recipient", "type", "priority", "payload", "read_flag", "read_by",
		"requires_approval", "thread_id", "response_id", "rev_clock", "rev_node"}
	heartbeatCols = []string{"agent_id", "status", "current_task", "timestamp", "metrics", "node", "clock", "degraded", "rev_clock", "rev_node"}

	upsertAgent     = upsertSQL(domain.TableAgents, agentCols)
	upsertTask      = upsertSQL(domain.TableTasks, taskCols)
	upsertMessage   = upsertSQL(domain.TableMessages, messageCols)
	upsertHeartbeat = upsertSQL(domain.TableHeartbeats, heartbeatCols)
)

// Load implements app.StateRepository.
func (s *Store) Load() (*domain.CoordState, error) {
	state := domain.NewCoordState("")

	meta, err := readMeta(s.db)
	if err != nil {
		return nil, err
	}
	state.NodeID = meta["node_id"]
	if state.Clock, err = metaUint(meta, "clock"); err != nil {
		return nil, err
	}
	if state.PublishedClock, err = metaUint(meta, "published_clock"); err != nil {
		return nil, err
	}
	state.BaseClock = state.Clock

	if err := s.loadAgents(state); err != nil {
		return nil, err
	}
	if err := s.loadTasks(state); err != nil {
		return nil, err
	}
	if err := s.loadMessages(state); err != nil {
		return nil, err
	}
	if err := s.loadHeartbeats(state); err != nil {
		return nil, err
	}
	return state, nil
}

type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func readMeta(q queryer) (map[string]string, error) {
	rows, err := q.Query("SELECT key, value FROM meta")
	if err != nil {
		return nil, fmt.Errorf("meta: %w", err)
	}
	defer rows.Close()
	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		meta[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("meta iteration: %w", err)
	}
	return meta, nil
}

func metaUint(meta map[string]string, key string) (uint64, error) {
	v, ok := meta[key]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("meta %s %q: %w", key, v, err)
	}
	return n, nil
}

func (s *Store) loadAgents(state *domain.CoordState) error {
	rows, err := s.db.Query("SELECT " + strings.Join(agentCols, ", ") + " FROM agents")
	if err != nil {
		return fmt.Errorf("agents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a                   domain.Agent
			skills, prefs, regd string
		)
		if err := rows.Scan(&a.ID, &skills, &a.Specialization, &a.MaxConcurrent, &prefs, &a.Node, &regd, &a.Rev.Clock, &a.Rev.Node); err != nil {
			return err
		}
		if err := parseJSON(skills, &a.Skills, "agents.skills"); err != nil {
			return err
		}
		if err := parseJSON(prefs, &a.PreferredTypes, "agents.preferred_types"); err != nil {
			return err
		}
		if a.RegisteredAt, err = parseTime(regd, "agents"); err != nil {
			return err
		}
		state.Agents[a.ID] = &a
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("agents iteration: %w", err)
	}
	return nil
}

func (s *Store) loadTasks(state *domain.CoordState) error {
	rows, err := s.db.Query("SELECT " + strings.Join(taskCols, ", ") + " FROM tasks")
	if err != nil {
		return fmt.Errorf("tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t                                     domain.Task
			status                                string
			skills, deps, artifacts, history      string
			deadline, postedAt, claimedAt, doneAt string
			approvedAt, updatedAt                 string
		)
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.Type, &skills, &t.Priority, &t.Effort, &deadline, &deps, &t.Reward,
			&t.PostedBy, &postedAt, &status, &t.ClaimedBy, &claimedAt, &doneAt, &t.ApprovedBy, &approvedAt, &t.Summary, &artifacts,
			&t.Feedback, &t.Claim.Epoch, &t.Claim.Clock, &t.Claim.Node, &t.Claim.Agent, &history, &updatedAt, &t.Rev.Clock, &t.Rev.Node); err != nil {
			return err
		}
		t.Status = domain.TaskStatus(status)
		if err := parseJSON(skills, &t.RequiredSkills, "tasks.required_skills"); err != nil {
			return err
		}
		if err := parseJSON(deps, &t.Dependencies, "tasks.dependencies"); err != nil {
			return err
		}
		if err := parseJSON(artifacts, &t.Artifacts, "tasks.artifacts"); err != nil {
			return err
		}
		if err := parseJSON(history, &t.ClaimHistory, "tasks.claim_history"); err != nil {
			return err
		}
		if t.PostedAt, err = parseTime(postedAt, "tasks.posted_at"); err != nil {
			return err
		}
		if t.UpdatedAt, err = parseTime(updatedAt, "tasks.updated_at"); err != nil {
			return err
		}
		for _, p := range []struct {
			dst **time.Time
			src string
		}{{&t.Deadline, deadline}, {&t.ClaimedAt, claimedAt}, {&t.CompletedAt, doneAt}, {&t.ApprovedAt, approvedAt}} {
			if *p.dst, err = parseTimePtr(p.src, "tasks"); err != nil {
				return err
			}
		}
		state.Tasks[t.ID] = &t
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("tasks iteration: %w", err)
	}
	return nil
}

func (s *Store) loadMessages(state *domain.CoordState) error {
	rows, err := s.db.Query("SELECT " + strings.Join(messageCols, ", ") + " FROM messages")
	if err != nil {
		return fmt.Errorf("messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m                  domain.Message
			ts, readBy         string
			readFlag, approval int
		)
		if err := rows.Scan(&m.ID, &ts, &m.Sender, &m.Recipient, &m.Type, &m.Priority, &m.Payload, &readFlag, &readBy,
			&approval, &m.ThreadID, &m.ResponseID, &m.Rev.Clock, &m.Rev.Node); err != nil {
			return err
		}
		if m.Timestamp, err = parseTime(ts, "messages"); err != nil {
			return err
		}
		if err := parseJSON(readBy, &m.ReadBy, "messages.read_by"); err != nil {
			return err
		}
		m.Read = readFlag != 0
		m.RequiresApproval = approval != 0
		state.Messages[m.ID] = &m
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("messages iteration: %w", err)
	}
	return nil
}

func (s *Store) loadHeartbeats(state *domain.CoordState) error {
	rows, err := s.db.Query("SELECT " + strings.Join(heartbeatCols, ", ") + " FROM heartbeats")
	if err != nil {
		return fmt.Errorf("heartbeats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			h           domain.Heartbeat
			ts, metrics string
			degraded    int
		)
		if err := rows.Scan(&h.AgentID, &h.Status, &h.CurrentTask, &ts, &metrics, &h.Node, &h.Clock, &degraded, &h.Rev.Clock, &h.Rev.Node); err != nil {
			return err
		}
		if h.Timestamp, err = parseTime(ts, "heartbeats"); err != nil {
			return err
		}
		if err := parseJSON(metrics, &h.Metrics, "heartbeats.metrics"); err != nil {
			return err
		}
		h.Degraded = degraded != 0
		state.Heartbeats[h.AgentID] = &h
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("heartbeats iteration: %w", err)
	}
	return nil
}

// Save implements app.StateRepository. Only rows named by the journal are
// written. It fails with app.ErrConcurrentWrite when another writer committed
// since the state was loaded.
func (s *Store) Save(state *domain.CoordState) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	meta, err := readMeta(tx)
	if err != nil {
		return err
	}
	stored, err := metaUint(meta, "clock")
	if err != nil {
		return err
	}
	if stored != state.BaseClock {
		return fmt.Errorf("store clock moved from %d to %d: %w", state.BaseClock, stored, app.ErrConcurrentWrite)
	}

	written := make(map[string]bool)
	for _, m := range state.Journal {
		key := m.Table + "/" + m.RowKey
		if written[key] {
			continue
		}
		written[key] = true
		cur, err := storedRev(tx, m.Table, m.RowKey)
		if err != nil {
			return err
		}
		if cur != m.Prev {
			return fmt.Errorf("%s: stored rev %v, loaded %v: %w", key, cur, m.Prev, app.ErrConcurrentWrite)
		}
		if err := writeRow(tx, state, m.Table, m.RowKey); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}

	for _, m := range state.Journal {
		if _, err := tx.Exec("INSERT OR IGNORE INTO journal (node_id, clock, tbl, row_key, op, fields, local) VALUES (?, ?, ?, ?, ?, ?, ?)",
			m.NodeID, m.Clock, m.Table, m.RowKey, m.Op, string(m.Fields), boolInt(m.Local)); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}

	now := formatTime(time.Now())
	for _, name := range state.Applied {
		if _, err := tx.Exec("INSERT OR IGNORE INTO applied_snapshots (name, applied_at) VALUES (?, ?)", name, now); err != nil {
			return fmt.Errorf("applied_snapshots: %w", err)
		}
	}

	for k, v := range map[string]string{
		"node_id":         state.NodeID,
		"clock":           strconv.FormatUint(state.Clock, 10),
		"published_clock": strconv.FormatUint(state.PublishedClock, 10),
	} {
		if _, err := tx.Exec("INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", k, v); err != nil {
			return fmt.Errorf("meta: %w", err)
		}
	}

	return tx.Commit()
}

func storedRev(tx *sql.Tx, table, key string) (domain.Rev, error) {
	keyCol := "id"
	switch table {
	case domain.TableAgents, domain.TableTasks, domain.TableMessages:
	case domain.TableHeartbeats:
		keyCol = "agent_id"
	default:
		return domain.Rev{}, fmt.Errorf("unknown table %q", table)
	}
	var rev domain.Rev
	err := tx.QueryRow("SELECT rev_clock, rev_node FROM "+table+" WHERE "+keyCol+" = ?", key).Scan(&rev.Clock, &rev.Node)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Rev{}, nil
	}
	return rev, err
}

func writeRow(tx *sql.Tx, state *domain.CoordState, table, key string) error {
	switch table {
	case domain.TableAgents:
		a, ok := state.Agents[key]
		if !ok {
			return fmt.Errorf("row missing from state")
		}
		_, err := tx.Exec(upsertAgent, a.ID, toJSON(a.Skills), a.Specialization, a.MaxConcurrent, toJSON(a.PreferredTypes),
			a.Node, formatTime(a.RegisteredAt), a.Rev.Clock, a.Rev.Node)
		return err
	case domain.TableTasks:
		t, ok := state.Tasks[key]
		if !ok {
			return fmt.Errorf("row missing from state")
		}
		_, err := tx.Exec(upsertTask, t.ID, t.Title, t.Description, t.Type, toJSON(t.RequiredSkills), t.Priority, t.Effort,
			formatTimePtr(t.Deadline), toJSON(t.Dependencies), t.Reward, t.PostedBy, formatTime(t.PostedAt), string(t.Status),
			t.ClaimedBy, formatTimePtr(t.ClaimedAt), formatTimePtr(t.CompletedAt), t.ApprovedBy, formatTimePtr(t.ApprovedAt),
			t.Summary, toJSON(t.Artifacts), t.Feedback, t.Claim.Epoch, t.Claim.Clock, t.Claim.Node, t.Claim.Agent,
			toJSON(t.ClaimHistory), formatTime(t.UpdatedAt), t.Rev.Clock, t.Rev.Node)
		return err
	case domain.TableMessages:
		m, ok := state.Messages[key]
		if !ok {
			return fmt.Errorf("row missing from state")
		}
		_, err := tx.Exec(upsertMessage, m.ID, formatTime(m.Timestamp), m.Sender, m.Recipient, m.Type, m.Priority, m.Payload,
			boolInt(m.Read), toJSON(m.ReadBy), boolInt(m.RequiresApproval), m.ThreadID, m.ResponseID, m.Rev.Clock, m.Rev.Node)
		return err
	case domain.TableHeartbeats:
		h, ok := state.Heartbeats[key]
		if !ok {
			return fmt.Errorf("row missing from state")
		}
		_, err := tx.Exec(upsertHeartbeat, h.AgentID, h.Status, h.CurrentTask, formatTime(h.Timestamp), toJSON(h.Metrics),
			h.Node, h.Clock, boolInt(h.Degraded), h.Rev.Clock, h.Rev.Node)
		return err
	}
	return fmt.Errorf("unknown table %q", table)
}

// Journal implements app.StateRepository.
func (s *Store) Journal(node string, after uint64) ([]domain.Mutation, error) {
	rows, err := s.db.Query("SELECT node_id, clock, tbl, row_key, op, fields, local FROM journal WHERE node_id = ? AND clock > ? ORDER BY clock", node, after)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	defer rows.Close()
	var out []domain.Mutation
	for rows.Next() {
		var (
			m      domain.Mutation
			fields string
			local  int
		)
		if err := rows.Scan(&m.NodeID, &m.Clock, &m.Table, &m.RowKey, &m.Op, &fields, &local); err != nil {
			return nil, err
		}
		m.Fields = json.RawMessage(fields)
		m.Local = local != 0
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal iteration: %w", err)
	}
	return out, nil
}

// AppliedSnapshots implements app.StateRepository.
func (s *Store) AppliedSnapshots() (map[string]bool, error) {
	rows, err := s.db.Query("SELECT name FROM applied_snapshots")
	if err != nil {
		return nil, fmt.Errorf("applied_snapshots: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("applied_snapshots iteration: %w", err)
	}
	return out, nil
}
