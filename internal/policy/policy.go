// Package policy loads node configuration and exposes it through typed accessors.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigEnv names the environment variable holding the config file path.
const ConfigEnv = "FLOWSTATE_CONFIG"

// GlobalStateDir returns the default state directory (~/.config/flowstate).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "flowstate")
}

// GlobalStateFile returns the default store path.
func GlobalStateFile() string {
	return filepath.Join(GlobalStateDir(), "state.sqlite")
}

// HeartbeatConfig controls the liveness monitor.
type HeartbeatConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"` // monitor cycle (default 30)
	TimeoutSeconds  int `yaml:"timeout_seconds"`  // heartbeat age before an agent is declared dead (default 120)
}

// ReplicationConfig controls snapshot exchange between nodes.
type ReplicationConfig struct {
	ChannelDir      string `yaml:"channel_dir"` // shared directory (e.g. a git checkout); empty disables sync
	IntervalSeconds int    `yaml:"interval_seconds"`
	MaxAttempts     int    `yaml:"max_attempts"`
	BackoffBaseMs   int    `yaml:"backoff_base_ms"`
	BackoffMaxMs    int    `yaml:"backoff_max_ms"`
	Watch           bool   `yaml:"watch"` // fetch early when the channel directory changes
}

// BoardConfig controls task discovery and review.
type BoardConfig struct {
	MinScore           int      `yaml:"min_score"`
	ReviewTypes        []string `yaml:"review_types"` // task types that wait for approve/reject
	PreferredTypeBonus int      `yaml:"preferred_type_bonus"`
}

// Config holds node configuration.
type Config struct {
	NodeID       string   `yaml:"node_id"`
	StateFile    string   `yaml:"state_file"`
	LogFile      string   `yaml:"log_file"`
	HTTPPort     int      `yaml:"http_port"`
	EnabledTools []string `yaml:"enabled_tools"`

	Heartbeat   *HeartbeatConfig   `yaml:"heartbeat"`
	Replication *ReplicationConfig `yaml:"replication"`
	Board       *BoardConfig       `yaml:"board"`

	// baseDir resolves relative paths; it is the config file's directory.
	baseDir string
}

// DefaultConfig returns defaults for every section.
func DefaultConfig() *Config {
	return &Config{
		EnabledTools: []string{"*"},
		Heartbeat:    DefaultHeartbeat(),
		Replication:  DefaultReplication(),
		Board:        DefaultBoard(),
	}
}

// DefaultHeartbeat returns the default monitor settings.
func DefaultHeartbeat() *HeartbeatConfig {
	return &HeartbeatConfig{IntervalSeconds: 30, TimeoutSeconds: 120}
}

// DefaultReplication returns the default sync settings.
func DefaultReplication() *ReplicationConfig {
	return &ReplicationConfig{
		IntervalSeconds: 15,
		MaxAttempts:     3,
		BackoffBaseMs:   500,
		BackoffMaxMs:    8000,
		Watch:           true,
	}
}

// DefaultBoard returns the default board settings.
func DefaultBoard() *BoardConfig {
	return &BoardConfig{MinScore: 10}
}

// LoadConfig loads configuration from a YAML file. Missing sections get defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Heartbeat == nil {
		cfg.Heartbeat = DefaultHeartbeat()
	}
	if cfg.Replication == nil {
		cfg.Replication = DefaultReplication()
	}
	if cfg.Board == nil {
		cfg.Board = DefaultBoard()
	}
	if abs, err := filepath.Abs(filepath.Dir(path)); err == nil {
		cfg.baseDir = abs
	}
	return cfg, nil
}

// Policy exposes configuration to the rest of the node.
type Policy struct {
	config *Config
	mu     sync.RWMutex // protects nodeID once resolved
	nodeID string
}

// New creates a Policy over cfg. A nil cfg means defaults.
func New(cfg *Config) *Policy {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Heartbeat == nil {
		cfg.Heartbeat = DefaultHeartbeat()
	}
	if cfg.Replication == nil {
		cfg.Replication = DefaultReplication()
	}
	if cfg.Board == nil {
		cfg.Board = DefaultBoard()
	}
	return &Policy{config: cfg}
}

// NodeID returns the configured node id, falling back to the host name.
func (p *Policy) NodeID() string {
	p.mu.RLock()
	id := p.nodeID
	p.mu.RUnlock()
	if id != "" {
		return id
	}

	id = strings.TrimSpace(p.config.NodeID)
	if id == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "node"
		}
		id = sanitizeNodeID(host)
	}
	p.mu.Lock()
	p.nodeID = id
	p.mu.Unlock()
	return id
}

// sanitizeNodeID keeps node ids safe for use in file names.
func sanitizeNodeID(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (p *Policy) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || p.config.baseDir == "" {
		return path
	}
	return filepath.Join(p.config.baseDir, path)
}

// StateFile returns the store path. Defaults to ~/.config/flowstate/state.sqlite.
func (p *Policy) StateFile() string {
	if p.config.StateFile == "" {
		return GlobalStateFile()
	}
	return p.resolve(p.config.StateFile)
}

// LogFile returns the log file path. Defaults to ~/.config/flowstate/flowstate.log.
// "none" or "off" disables file logging.
func (p *Policy) LogFile() string {
	if p.config.LogFile == "" {
		return filepath.Join(GlobalStateDir(), "flowstate.log")
	}
	switch p.config.LogFile {
	case "none", "off":
		return p.config.LogFile
	}
	return p.resolve(p.config.LogFile)
}

// HTTPPort returns the streamable HTTP port; 0 disables the HTTP listener.
func (p *Policy) HTTPPort() int { return p.config.HTTPPort }

// IsToolEnabled checks if a tool is enabled
func (p *Policy) IsToolEnabled(name string) bool {
	for _, t := range p.config.EnabledTools {
		if t == "*" || t == name {
			return true
		}
	}
	return false
}

// HeartbeatInterval returns the monitor cycle.
func (p *Policy) HeartbeatInterval() time.Duration {
	return seconds(p.config.Heartbeat.IntervalSeconds, 30)
}

// HeartbeatTimeout returns the heartbeat age at which an agent is declared dead.
func (p *Policy) HeartbeatTimeout() time.Duration {
	return seconds(p.config.Heartbeat.TimeoutSeconds, 120)
}

// ChannelDir returns the replication channel directory, or "" when sync is off.
func (p *Policy) ChannelDir() string {
	return p.resolve(p.config.Replication.ChannelDir)
}

// SyncInterval returns the replication cycle.
func (p *Policy) SyncInterval() time.Duration {
	return seconds(p.config.Replication.IntervalSeconds, 15)
}

// PublishAttempts returns how many times a publish is tried per cycle.
func (p *Policy) PublishAttempts() int {
	if p.config.Replication.MaxAttempts <= 0 {
		return 3
	}
	return p.config.Replication.MaxAttempts
}

// PublishBackoff returns the base and cap of the publish retry backoff.
func (p *Policy) PublishBackoff() (base, max time.Duration) {
	base = millis(p.config.Replication.BackoffBaseMs, 500)
	max = millis(p.config.Replication.BackoffMaxMs, 8000)
	if max < base {
		max = base
	}
	return base, max
}

// WatchChannel reports whether the channel directory is watched for changes.
func (p *Policy) WatchChannel() bool { return p.config.Replication.Watch }

// MinScore returns the admission threshold for task discovery.
func (p *Policy) MinScore() int { return p.config.Board.MinScore }

// PreferredTypeBonus returns the score added for a task of a preferred type.
func (p *Policy) PreferredTypeBonus() int { return p.config.Board.PreferredTypeBonus }

// RequiresReview reports whether tasks of taskType wait for approve/reject
// after completion instead of being approved automatically.
func (p *Policy) RequiresReview(taskType string) bool {
	for _, t := range p.config.Board.ReviewTypes {
		if t == "*" || strings.EqualFold(t, taskType) {
			return true
		}
	}
	return false
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func millis(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}
