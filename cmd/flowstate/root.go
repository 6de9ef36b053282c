package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/policy"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "flowstate",
	Short: "Peer coordination substrate for autonomous agents",
	Long: `Flowstate lets independent agents share a task board, exchange messages
and detect each other's failures. Every node keeps its own store and
replicates through a shared snapshot directory; there is no coordinator.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default $"+policy.ConfigEnv+", else built-in defaults)")
}

// loadConfig loads the config named by --config or FLOWSTATE_CONFIG.
// A config named on the command line must load; one from the environment
// falls back to defaults with a warning.
func loadConfig(logger *log.Logger) (*policy.Config, error) {
	if cfgFile != "" {
		cfg, err := policy.LoadConfig(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", cfgFile, err)
		}
		return cfg, nil
	}
	if path := os.Getenv(policy.ConfigEnv); path != "" {
		cfg, err := policy.LoadConfig(path)
		if err != nil {
			logger.Printf("Warning: failed to load config %s: %v, using defaults", path, err)
			return policy.DefaultConfig(), nil
		}
		return cfg, nil
	}
	return policy.DefaultConfig(), nil
}

// loadPolicy is loadConfig for subcommands that log to stderr only.
func loadPolicy() (*policy.Policy, error) {
	cfg, err := loadConfig(log.New(os.Stderr, "[flowstate] ", 0))
	if err != nil {
		return nil, err
	}
	return policy.New(cfg), nil
}

// setupLogger creates a logger that writes to a log file and optionally stderr.
// When stderr is a terminal, logs go to both stderr and the file.
// When stderr is redirected, logs go only to the file.
func setupLogger(logFilePath string) (*log.Logger, io.Closer) {
	var writers []io.Writer
	var closer io.Closer = io.NopCloser(nil)

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				closer = f
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[flowstate] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[flowstate] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}

	// At least one output is always needed.
	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), "[flowstate] ", log.LstdFlags|log.Lshortfile), closer
}
