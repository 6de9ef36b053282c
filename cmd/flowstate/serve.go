package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/app"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/dashboard"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/policy"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/replication"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/tools/coord"
)

var (
	serveNoStdio  bool
	serveHTTPPort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination node",
	Long: `Run the node: heartbeat monitor, replication sync and the agent API.
The API is served over stdio (for one local agent) and, when http_port is
set, over streamable HTTP at /mcp with /health and /api/state.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoStdio, "no-stdio", false, "serve HTTP only; run until signalled")
	serveCmd.Flags().IntVar(&serveHTTPPort, "http-port", -1, "override http_port from the config (0 picks a free port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	tmpLogger := log.New(os.Stderr, "[flowstate] ", log.LstdFlags|log.Lshortfile)
	cfg, err := loadConfig(tmpLogger)
	if err != nil {
		return err
	}
	if serveHTTPPort >= 0 {
		cfg.HTTPPort = serveHTTPPort
	}
	pol := policy.New(cfg)

	logger, logCloser := setupLogger(pol.LogFile())
	defer logCloser.Close()
	logger.Printf("Starting flowstate node %s (%s)", pol.NodeID(), Version)
	logger.Printf("Log file: %s", pol.LogFile())
	logger.Printf("State file: %s", pol.StateFile())

	n, err := openNode(pol, logger)
	if err != nil {
		return err
	}
	defer n.close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Ignore SIGHUP so the node keeps running when daemonized.
	signal.Ignore(syscall.SIGHUP)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Printf("Received signal %v, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	go n.monitor.Start(ctx)

	var watcher *replication.Watcher
	if n.syncer != nil {
		n.svc.SetNotifier(n.syncer)
		go n.syncer.Start(ctx)
		logger.Printf("Replication via %s every %s", n.channel.Dir(), pol.SyncInterval())
		if pol.WatchChannel() {
			watcher = replication.NewWatcher(n.channel.Dir(), n.syncer, logger)
			go watcher.Start(ctx)
		}
	} else {
		logger.Println("Replication disabled (no replication.channel_dir)")
	}

	sessions := app.NewSessionRegistry()
	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Printf("Calling tool: %s", message.Params.Name)
		}
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		sid := session.SessionID()
		if agent := sessions.Unbind(sid); agent != "" {
			logger.Printf("Client session unregistered: %s (agent=%s)", sid, agent)
		} else {
			logger.Printf("Client session unregistered: %s", sid)
		}
	})

	mcpServer := server.NewMCPServer(
		"flowstate",
		Version,
		server.WithInstructions(coord.InstructionsText()),
		server.WithToolHandlerMiddleware(coord.InboxBannerMiddleware(n.bus, sessions)),
		server.WithHooks(hooks),
	)
	coord.Register(mcpServer, coord.Deps{
		Service:  n.svc,
		Registry: n.registry,
		Board:    n.board,
		Bus:      n.bus,
		Monitor:  n.monitor,
		Sessions: sessions,
		Sync:     n.syncStatus(),
	}, logger)

	httpShutdown := func() {}
	if cfg.HTTPPort > 0 || serveHTTPPort == 0 {
		httpShutdown, err = startHTTPServer(mcpServer, n, sessions, cfg.HTTPPort, logger)
		if err != nil {
			return err
		}
	}

	if serveNoStdio {
		<-ctx.Done()
	} else {
		logger.Println("Stdio ready")
		stdioSrv := server.NewStdioServer(mcpServer)
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("Stdio server stopped: %v", err)
		}
	}

	// Stdio client disconnected or signal received.
	cancel()
	httpShutdown()
	n.monitor.Stop()
	if watcher != nil {
		watcher.Stop()
	}
	if n.syncer != nil {
		n.syncer.Stop()
	}
	logger.Println("Node stopped")
	return nil
}

// startHTTPServer serves the agent API at /mcp plus /health and /api/state.
// Port 0 picks a free port. Returns a shutdown function.
func startHTTPServer(mcpServer *server.MCPServer, n *node, sessions *app.SessionRegistry, port int, logger *log.Logger) (func(), error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("HTTP listen: %w", err)
	}
	actualPort := ln.Addr().(*net.TCPAddr).Port
	baseURL := fmt.Sprintf("http://localhost:%d", actualPort)
	logger.Printf("HTTP server on :%d", actualPort)
	logger.Printf("  Agents connect at: %s/mcp", baseURL)
	logger.Printf("  State:             %s/api/state", baseURL)

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(mcpServer))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","node":%q,"port":%d,"degraded":%t}`, n.svc.NodeID(), actualPort, n.svc.Degraded())
	})
	var dashOpts []dashboard.HandlerOption
	if n.syncer != nil {
		dashOpts = append(dashOpts, dashboard.WithSyncStatus(n.syncer))
	}
	dashboard.NewHandler(n.svc, sessions, dashOpts...).RegisterRoutes(mux)

	httpServer := &http.Server{Handler: mux}
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("HTTP server error: %v", err)
		}
	}()

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown error: %v", err)
		}
	}, nil
}
