// Sandbox MCP Server
// A multi-tenant Python execution sandbox exposed over stdio MCP and,
// in http mode, over Streamable HTTP MCP plus a streaming REST gateway
// and a read-only dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/helloimcx/sandbox-mcp/internal/audit"
	"github.com/helloimcx/sandbox-mcp/internal/config"
	"github.com/helloimcx/sandbox-mcp/internal/dashboard"
	"github.com/helloimcx/sandbox-mcp/internal/execution"
	"github.com/helloimcx/sandbox-mcp/internal/gateway"
	"github.com/helloimcx/sandbox-mcp/internal/pool"
	"github.com/helloimcx/sandbox-mcp/internal/workspace"
)

// version is stamped into the MCP server's initialize handshake.
const version = "1.0.0"

func main() {
	transport := flag.String("transport", "stdio", "transport to serve: stdio or http")
	configPath := flag.String("config", "", "optional YAML config file (env vars always win)")
	logFilePath := flag.String("log-file", "", "write logs to this file (stderr too only when it is a terminal)")
	auditPath := flag.String("audit-db", "", "path to the sqlite execution audit log; empty disables it")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[sandbox-mcp] config: %v\n", err)
		os.Exit(1)
	}
	if *logFilePath != "" {
		cfg.LogFile = *logFilePath
	}

	logger := setupLogger(cfg.LogFile)
	logger.Println("Starting sandbox-mcp server...")
	logger.Printf("Transport: %s", *transport)
	logger.Printf("Workdir root: %s", cfg.WorkdirRoot)

	ws := workspace.NewManager(cfg.WorkdirRoot, logger)
	poolMgr := pool.NewManager(cfg, ws, logger)

	var auditLog *audit.Log
	if *auditPath != "" {
		auditLog, err = audit.Open(*auditPath)
		if err != nil {
			logger.Printf("Warning: audit log disabled, open %s failed: %v", *auditPath, err)
			auditLog = nil
		} else {
			logger.Printf("Audit log: %s", *auditPath)
		}
	}

	loop := execution.NewLoop(poolMgr, cfg.DefaultExecutionTimeout(), logger)
	gw := gateway.New(cfg, poolMgr, loop, auditLog, logger, version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolMgr.Start(sigCtx)

	exitCode := 0
	switch strings.ToLower(*transport) {
	case "http":
		if err := runHTTPServer(sigCtx, cfg, gw, poolMgr, auditLog, logger); err != nil {
			logger.Printf("HTTP server error: %v", err)
			exitCode = 1
		}
	default:
		runStdioServer(sigCtx, gw, logger)
	}

	cancel()
	if err := poolMgr.Stop(); err != nil {
		logger.Printf("Warning: pool shutdown: %v", err)
	}
	if auditLog != nil {
		if err := auditLog.Close(); err != nil {
			logger.Printf("Warning: close audit log: %v", err)
		}
	}

	logger.Println("Server stopped")
	os.Exit(exitCode)
}

// runStdioServer runs the MCP surface over stdin/stdout for a single
// client, the same shape cmd/mcp-server's stdio mode uses.
func runStdioServer(ctx context.Context, gw *gateway.Server, logger *log.Logger) {
	logger.Println("Running in stdio mode")
	stdioSrv := server.NewStdioServer(gw.MCPServer())
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Printf("Stdio server error: %v", err)
	}
}

// runHTTPServer serves the MCP surface (Streamable HTTP, at /mcp), the
// streaming REST gateway (at apiPrefix and /health), and the dashboard
// (at /dashboard) on one listener, then blocks until ctx is cancelled
// and shuts down within a bounded grace period.
func runHTTPServer(ctx context.Context, cfg *config.Config, gw *gateway.Server, poolMgr *pool.Manager, auditLog *audit.Log, logger *log.Logger) error {
	addr := cfg.Addr()
	logger.Printf("Running in HTTP mode on %s", addr)
	logger.Printf("  MCP endpoint: http://%s/mcp", addr)
	logger.Printf("  REST gateway: http://%s/ai/sandbox/v1/api", addr)
	logger.Printf("  Dashboard:    http://%s/dashboard", addr)

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(gw.MCPServer()))
	mux.Handle("/", gw.Router())

	dashMux := http.NewServeMux()
	dashboard.NewHandler(poolMgr, auditLog).RegisterRoutes(dashMux)
	mux.Handle("/dashboard", dashboardAuth(cfg, dashMux))
	mux.Handle("/dashboard/", dashboardAuth(cfg, dashMux))

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// dashboardAuth gates the dashboard behind the same shared-secret bearer
// check the REST gateway uses, unless DEBUG is set — mirroring the
// original's DEBUG flag gating its reload/docs surface. An unset APIKey
// leaves the dashboard open either way, same as the REST gateway.
func dashboardAuth(cfg *config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.Debug || cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+cfg.APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// setupLogger writes to logFilePath (when set) and to stderr only when
// stderr is an interactive terminal, avoiding duplicate lines when
// daemonized under nohup with stderr already redirected to the log file.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	if logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[sandbox-mcp] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[sandbox-mcp] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}

	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), "[sandbox-mcp] ", log.LstdFlags)
}
