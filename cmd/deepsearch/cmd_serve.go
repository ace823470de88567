package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/csiyang/ai-hero/internal/api"
	"github.com/csiyang/ai-hero/internal/auth"
	ctxengine "github.com/csiyang/ai-hero/internal/context"
	"github.com/csiyang/ai-hero/internal/gateway"
	"github.com/csiyang/ai-hero/internal/quota"
	"github.com/csiyang/ai-hero/internal/runtime"
	"github.com/csiyang/ai-hero/internal/scheduler"
	"github.com/csiyang/ai-hero/internal/state"
	"github.com/csiyang/ai-hero/internal/telemetry"
	"github.com/csiyang/ai-hero/pkg/llm"
	"github.com/csiyang/ai-hero/pkg/llm/openai"
)

const (
	pidFileName  = "deepsearch.pid"
	drainTimeout = 30 * time.Second
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or set JWT_SECRET)")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// Stores
	db, closeDB, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer closeDB()
	chats := state.NewChatStore(db)
	ledger := state.NewRequestLedger(db)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	gate := quota.New(ledger, quota.WithLimit(cfg.Quota.DailyLimit), quota.WithLocation(loc))

	authn, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.Admins)
	if err != nil {
		return fmt.Errorf("create authenticator: %w", err)
	}

	// Tools
	searchProvider, err := newSearchProvider(cfg)
	if err != nil {
		return err
	}
	crawl, closeCrawler := newCrawler(cfg)
	defer closeCrawler()

	// Housekeeping
	sched := scheduler.New(time.Minute)
	if err := sched.Add(scheduler.CacheSweep(cfg.Crawler.SweepSchedule, crawl)); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	registry := runtime.NewRegistry(searchProvider, crawl)

	// LLM provider
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	// Context engine
	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return fmt.Errorf("create context engine: %w", err)
	}
	engine.SetToolResultLimit(cfg.Runtime.ToolResultTokens)

	rt := runtime.New(provider, engine, registry, cfg.Runtime.MaxSteps)

	placeholder, err := gateway.ParsePlaceholderMode(cfg.Chat.Placeholder)
	if err != nil {
		return err
	}
	gw := gateway.New(chats, gate, rt,
		gateway.WithMaxConcurrent(int64(cfg.MaxConcurrent)),
		gateway.WithPlaceholder(placeholder),
		gateway.WithFlush(telemetry.Flush),
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.NewServer(gw, chats, authn),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	slog.Info("deepsearch started",
		"listen", cfg.HTTP.Listen,
		"data_dir", cfg.DataDir,
		"database", cfg.Database.Driver,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"max_steps", rt.MaxSteps(),
		"daily_limit", gate.Limit(),
		"search_provider", cfg.Search.Provider,
		"cache_backend", cfg.Crawler.CacheBackend,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	shutdown := func() {
		sctx, scancel := context.WithTimeout(context.Background(), drainTimeout)
		defer scancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			slog.Warn("http shutdown incomplete", "error", err)
		}
		if !gw.Wait(drainTimeout) {
			slog.Warn("turns still running at shutdown", "timeout", drainTimeout)
		}
	}

	for {
		select {
		case err := <-serveErr:
			return fmt.Errorf("http server: %w", err)
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				shutdown()
				os.Remove(pidPath)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					// The listener is gone; there is nothing left to keep serving.
					return fmt.Errorf("re-exec: %w", err)
				}
			}
			slog.Info("shutting down", "signal", sig)
			shutdown()
			return nil
		}
	}
}
