package main

import (
	"bytes"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/app"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/policy"
)

func writeConfig(t *testing.T, withChannel bool) string {
	t.Helper()
	dir := t.TempDir()
	cfg := "node_id: cli-node\nstate_file: state.sqlite\nlog_file: none\n"
	if withChannel {
		cfg += "replication:\n  channel_dir: channel\n  max_attempts: 1\n"
	}
	path := filepath.Join(dir, "flowstate.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile = ""
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func seed(t *testing.T, cfgPath string) {
	t.Helper()
	cfg, err := policy.LoadConfig(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	n, err := openNode(policy.New(cfg), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	defer n.close()
	if _, err := n.registry.Register("alice", app.Profile{Skills: []string{"go"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := n.registry.Register("bob", app.Profile{Skills: []string{"go"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := n.board.Post(app.NewTask{Title: "t", RequiredSkills: []string{"go"}, PostedBy: "bob"}); err != nil {
		t.Fatal(err)
	}
	if _, err := n.bus.Send(app.Envelope{From: "bob", To: "alice", Type: "note", Payload: "hi"}); err != nil {
		t.Fatal(err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "flowstate "+Version {
		t.Errorf("version output = %q", out)
	}
}

func TestStatusCommand(t *testing.T) {
	cfg := writeConfig(t, false)
	seed(t, cfg)

	out, err := execute(t, "status", "--config", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "node=cli-node") || !strings.Contains(out, "agents=2") || !strings.Contains(out, "AVAILABLE") {
		t.Errorf("node status = %q", out)
	}

	out, err = execute(t, "status", "--config", cfg, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "unread=1 held=0 available=1" {
		t.Errorf("agent status = %q", out)
	}
}

func TestSyncCommand(t *testing.T) {
	cfg := writeConfig(t, true)
	seed(t, cfg)

	out, err := execute(t, "sync", "--config", cfg)
	if err != nil {
		t.Fatalf("sync: %v (%s)", err, out)
	}
	if !strings.Contains(out, "published cli-node-") {
		t.Errorf("sync output = %q", out)
	}
	entries, err := os.ReadDir(filepath.Join(filepath.Dir(cfg), "channel"))
	if err != nil || len(entries) != 1 {
		t.Errorf("channel dir entries = %v, %v", entries, err)
	}

	// Nothing new to publish the second time.
	out, err = execute(t, "sync", "--config", cfg)
	if err != nil || strings.Contains(out, "published") {
		t.Errorf("second sync = %q, %v", out, err)
	}
}

func TestSyncCommand_RequiresChannel(t *testing.T) {
	cfg := writeConfig(t, false)
	if _, err := execute(t, "sync", "--config", cfg); err == nil || !strings.Contains(err.Error(), "replication is off") {
		t.Errorf("sync without channel: err = %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	logger := log.New(io.Discard, "", 0)

	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := loadConfig(logger); err == nil {
		t.Error("missing --config file accepted")
	}

	cfgFile = ""
	t.Setenv(policy.ConfigEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := loadConfig(logger)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Heartbeat.TimeoutSeconds != 120 {
		t.Errorf("env fallback did not use defaults: %+v", cfg.Heartbeat)
	}
}
