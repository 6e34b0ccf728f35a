// Flagsweep Orchestrator Server
// MCP over stdio and HTTP for agent clients, plus the dashboard and JSON API.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/flagsweep/internal/app"
	"github.com/jaakkos/flagsweep/internal/dashboard"
	"github.com/jaakkos/flagsweep/internal/devin"
	"github.com/jaakkos/flagsweep/internal/domain"
	"github.com/jaakkos/flagsweep/internal/flagindex"
	"github.com/jaakkos/flagsweep/internal/launchdarkly"
	"github.com/jaakkos/flagsweep/internal/policy"
	"github.com/jaakkos/flagsweep/internal/repository/sqlite"
	"github.com/jaakkos/flagsweep/internal/tools/removal"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	// Handle CLI subcommands before starting the server.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand()
			return
		case "--version", "-v", "version":
			fmt.Println("flagsweep-server " + Version)
			return
		}
	}

	// Load config
	tmpLogger := log.New(os.Stderr, "[flagsweep] ", log.LstdFlags|log.Lshortfile)
	cfg := loadConfig(tmpLogger)
	pol := policy.New(cfg)

	// Set up logging
	logger := setupLogger(pol.LogFile())
	logger.Println("Starting flagsweep orchestrator...")
	logger.Printf("Log file: %s", pol.LogFile())
	logger.Printf("State file: %s", pol.StateFile())

	// Work store and flag index
	store, err := sqlite.New(pol.StateFile())
	if err != nil {
		logger.Fatalf("Work store: %v", err)
	}
	index, err := flagindex.NewIndex(pol.FlagIndexFile())
	if err != nil {
		logger.Fatalf("Flag index: %v", err)
	}

	svc := app.NewOrchestratorService(store, pol, logger)

	// Agent API client. Without a key the server still serves its HTTP and
	// MCP surfaces, but nothing dispatches: requests queue until a restart
	// with credentials.
	var agent *devin.Client
	if apiKey := os.Getenv(pol.DevinAPIKeyEnv()); apiKey != "" {
		agent = devin.New(pol.DevinBaseURL(), apiKey)
	} else {
		logger.Printf("Warning: %s is not set; dispatch and reconciliation are disabled", pol.DevinAPIKeyEnv())
	}

	// Flag provider client (optional)
	var provider *launchdarkly.Client
	if token := os.Getenv(pol.LaunchDarklyAPITokenEnv()); token != "" {
		provider = launchdarkly.New(pol.LaunchDarklyBaseURL(), token, pol.LaunchDarklyProjectKey())
		logger.Printf("LaunchDarkly provider enabled (project=%s)", pol.LaunchDarklyProjectKey())
	}

	// Build the MCPServer
	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		// Log tool calls
		if message != nil {
			logger.Printf("Calling tool: %s", message.Params.Name)
		}
	})
	mcpServer := server.NewMCPServer("flagsweep", Version, server.WithHooks(hooks))

	regOpts := []removal.RegisterOption{
		removal.WithFlagIndex(index),
		removal.WithToolGate(pol.IsToolEnabled),
	}
	if agent != nil {
		regOpts = append(regOpts, removal.WithMessenger(agent))
	}
	if provider != nil {
		regOpts = append(regOpts, removal.WithFlagProvider(provider))
	}
	removal.Register(mcpServer, svc, logger, regOpts...)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ignore SIGHUP so the server keeps running when daemonized (nohup, systemd, etc.)
	signal.Ignore(syscall.SIGHUP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Dispatch and reconciliation loops (only with agent credentials)
	var dispatcher *app.Dispatcher
	var reconciler *app.Reconciler
	var wakeup *app.Wakeup
	if agent != nil {
		dispatcher = app.NewDispatcher(store, agent, logger,
			app.WithDispatchInterval(time.Duration(pol.DispatchIntervalSeconds())*time.Second),
			app.WithMaxConcurrent(pol.MaxConcurrentSessions()),
		)
		reconciler = app.NewReconciler(store, agent, logger,
			app.WithReconcileInterval(time.Duration(pol.PollIntervalSeconds())*time.Second),
			app.WithSessionTimeout(time.Duration(pol.SessionTimeoutSeconds())*time.Second),
			app.WithScanSink(index),
			app.WithLogRetention(time.Duration(pol.LogRetentionDays())*24*time.Hour),
		)
		svc.SetNotifier(dispatcher)
		wakeup = app.NewWakeup(pol.SignalFilePath(), dispatcher, logger)
		go dispatcher.Start(ctx)
		go reconciler.Start(ctx)
		go wakeup.Start(ctx)
	}

	// Start HTTP server in background (dashboard, JSON API, MCP over HTTP)
	httpShutdown := startHTTPServer(mcpServer, pol, logger, svc, index, provider)

	// Run stdio server in foreground (for MCP clients)
	logger.Println("Stdio ready (MCP client connection)")
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Printf("Stdio server stopped: %v", err)
	}

	// Client disconnected or signal received -- shut everything down
	cancel()
	httpShutdown()

	if wakeup != nil {
		wakeup.Stop()
	}
	if reconciler != nil {
		reconciler.Stop()
	}
	if dispatcher != nil {
		dispatcher.Stop()
	}

	if err := index.Close(); err != nil {
		logger.Printf("Warning: close flag index: %v", err)
	}
	if err := store.Close(); err != nil {
		logger.Printf("Warning: close work store: %v", err)
	}

	logger.Println("Server stopped")
}

// startHTTPServer starts the HTTP server in the background for the dashboard,
// the JSON API, and MCP-over-HTTP clients. Returns a shutdown function. Uses
// net.Listen to support port 0 (auto-assign) for running multiple instances.
func startHTTPServer(mcpServer *server.MCPServer, pol *policy.Policy, logger *log.Logger, svc *app.OrchestratorService, index *flagindex.Index, provider *launchdarkly.Client) func() {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", pol.HTTPPort()))
	if err != nil {
		logger.Fatalf("HTTP listen: %v", err)
	}
	actualPort := ln.Addr().(*net.TCPAddr).Port
	baseURL := fmt.Sprintf("http://localhost:%d", actualPort)

	logger.Printf("HTTP server on :%d", actualPort)
	logger.Printf("  MCP clients connect at:  %s/mcp", baseURL)
	logger.Printf("  Dashboard:               %s/", baseURL)

	sseSrv := server.NewSSEServer(mcpServer, server.WithBaseURL(baseURL))
	streamSrv := server.NewStreamableHTTPServer(mcpServer)

	mux := http.NewServeMux()
	mux.Handle("/sse", sseSrv)
	mux.Handle("/sse/", sseSrv)
	mux.Handle("/message", sseSrv)
	mux.Handle("/mcp", streamSrv)

	var dashOpts []dashboard.HandlerOption
	if provider != nil {
		dashOpts = append(dashOpts, dashboard.WithFlagProvider(provider))
	}
	dash := dashboard.NewHandler(svc, index, dashOpts...)
	dash.RegisterRoutes(mux)

	httpServer := &http.Server{Handler: mux}

	go func() {
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown error: %v", err)
		}
	}
}

// setupLogger creates a logger that writes to a log file and optionally stderr.
// When stderr is a terminal (interactive use), logs go to both stderr and the file.
// When stderr is redirected (daemon mode via nohup), logs go only to the file
// to avoid duplicate lines since nohup already redirects stderr to the log file.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

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
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[flagsweep] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[flagsweep] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}

	// Add stderr if it's a terminal, or if there's no log file (always need at least one output).
	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), "[flagsweep] ", log.LstdFlags|log.Lshortfile)
}

// loadConfig loads configuration from FLAGSWEEP_CONFIG or defaults.
func loadConfig(logger *log.Logger) *policy.Config {
	cfg := policy.DefaultConfig()
	if configPath := os.Getenv("FLAGSWEEP_CONFIG"); configPath != "" {
		var err error
		cfg, err = policy.LoadConfig(configPath)
		if err != nil {
			logger.Printf("Warning: failed to load config %s: %v, using defaults", configPath, err)
			cfg = policy.DefaultConfig()
		}
	}
	return cfg
}

// runStatusCommand implements "flagsweep-server status": a one-line load
// summary read straight from the work store.
func runStatusCommand() {
	logger := log.New(os.Stderr, "", 0)
	cfg := loadConfig(logger)
	pol := policy.New(cfg)

	store, err := sqlite.New(pol.StateFile())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	active, err := store.CountActiveSessions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	requests, err := store.RequestStatusCounts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	sessions, err := store.SessionStatusCounts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	open := requests[domain.RequestQueued] + requests[domain.RequestInProgress]
	fmt.Printf("active=%d/%d pending=%d open_requests=%d\n",
		active, pol.MaxConcurrentSessions(), sessions[domain.SessionPending], open)
}
