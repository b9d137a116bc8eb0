// hived is the orchestration kernel server: it hosts the agent registry,
// router, mailboxes and run engine behind an HTTP API and a WebSocket event
// stream. The binary wires a stub echo agent factory so the server runs
// standalone; real deployments replace it with their own LLM-backed factory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/hivekit/hive/pkg/api"
	"github.com/hivekit/hive/pkg/config"
	"github.com/hivekit/hive/pkg/kernel"
	"github.com/hivekit/hive/pkg/runtime"
	"github.com/hivekit/hive/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// echoAgent is the built-in stand-in agent: it completes immediately,
// echoing its input, and still exercises the loop-boundary injection hook
// once.
type echoAgent struct {
	opts runtime.AgentOptions
}

func (a *echoAgent) ExecuteWithResult(ctx context.Context, input string) (*runtime.Result, error) {
	if a.opts.OnLoopBoundary != nil {
		var injected string
		a.opts.OnLoopBoundary(func(content string) { injected = injected + content })
		if injected != "" {
			input = input + "\n" + injected
		}
	}
	return &runtime.Result{Status: runtime.ResultCompleted, FinalMessage: "echo: " + input}, nil
}

func (a *echoAgent) Abort()       {}
func (a *echoAgent) Close() error { return nil }
func (a *echoAgent) SessionID() string {
	return "echo-" + a.opts.Profile.AgentID
}

func echoFactory(opts runtime.AgentOptions) (runtime.Agent, error) {
	return &echoAgent{opts: opts}, nil
}

func main() {
	configPath := flag.String("config", getEnv("HIVE_CONFIG", ""), "Path to YAML configuration file")
	addr := flag.String("addr", "", "Listen address (overrides configuration)")
	flag.Parse()

	// Best effort: a missing .env is the normal case.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	slog.Info("Starting kernel",
		"version", version.Full(),
		"addr", cfg.Server.Addr,
		"auto_dispatch", cfg.AutoDispatch.Enabled,
		"semantic_routing", cfg.SemanticRouting.Enabled)

	k := kernel.New(cfg, echoFactory)
	defer k.Close()

	server := api.NewServer(cfg, k)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}

	k.Close()
	slog.Info("Kernel stopped")
}
