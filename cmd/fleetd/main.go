// fleetd is the remote-device fleet control plane: it accepts phone and PC
// agent connections, tracks their availability, and runs LLM-driven
// automation tasks against them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/GaryChine-byte/phonefleet/pkg/api"
	"github.com/GaryChine-byte/phonefleet/pkg/channel"
	"github.com/GaryChine-byte/phonefleet/pkg/cleanup"
	"github.com/GaryChine-byte/phonefleet/pkg/config"
	"github.com/GaryChine-byte/phonefleet/pkg/database"
	"github.com/GaryChine-byte/phonefleet/pkg/events"
	"github.com/GaryChine-byte/phonefleet/pkg/llm"
	"github.com/GaryChine-byte/phonefleet/pkg/models"
	"github.com/GaryChine-byte/phonefleet/pkg/notify"
	"github.com/GaryChine-byte/phonefleet/pkg/ports"
	"github.com/GaryChine-byte/phonefleet/pkg/registry"
	"github.com/GaryChine-byte/phonefleet/pkg/scheduler"
	"github.com/GaryChine-byte/phonefleet/pkg/screenshot"
	"github.com/GaryChine-byte/phonefleet/pkg/store"
	"github.com/GaryChine-byte/phonefleet/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("FLEET_CONFIG", "fleet.yaml"), "Path to configuration file")
	logLevel := flag.String("log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flag.Parse()

	setupLogging(*logLevel)

	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	slog.Info("Starting fleetd", "version", version.Full())

	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence: PostgreSQL when configured, memory otherwise.
	var st store.Store
	var dbClient *database.Client
	if os.Getenv("DB_PASSWORD") != "" {
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbClient.Close()
		st = store.NewEntStore(dbClient.Client)
		slog.Info("Connected to PostgreSQL, schema migrated")
	} else {
		st = store.NewMemStore()
		slog.Warn("DB_PASSWORD not set; using in-memory task store")
	}

	// Port allocator + device registry.
	allocator := ports.NewAllocator()
	reg := registry.New(allocator, nil)

	bands := ports.Bands{
		PhoneStart: cfg.Ports.PhoneStart,
		PhoneEnd:   cfg.Ports.PhoneEnd,
		PCStart:    cfg.Ports.PCStart,
		PCEnd:      cfg.Ports.PCEnd,
	}

	// Clear stale ADB attachments left over from a previous run.
	sweepADBConnections(ctx, bands)

	// Screenshot store.
	shots, err := screenshot.NewStore(cfg.Screenshots.BaseDir)
	if err != nil {
		slog.Error("Failed to initialize screenshot store", "error", err)
		os.Exit(1)
	}

	// Dashboard event hub.
	hub := events.NewConnectionManager()
	reg.SetListener(&deviceEventForwarder{hub: hub})

	// LLM client.
	llmClient := llm.NewClient(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     time.Duration(cfg.LLM.TimeoutSecs) * time.Second,
	})

	// Scheduler.
	sched := scheduler.New(scheduler.Config{
		MaxSteps:      cfg.Scheduler.MaxSteps,
		HistoryWindow: cfg.Scheduler.HistoryWindow,
		SettleDelay:   cfg.SettleDelay(),
		Preprocess:    cfg.PreprocessEnabled(),
	}, st, reg, llmClient, shots, scheduler.Options{
		Broadcast: hub,
		Notifier:  notify.NewService(cfg.Slack.Token, cfg.Slack.Channel),
	})

	// Background loops.
	scanner := ports.NewScanner(bands, reg, nil, cfg.ScanInterval())
	scanner.Start(ctx)
	reaper := ports.NewReaper(bands, reg, allocator, nil, cfg.ReapInterval())
	reaper.Start(ctx)
	reg.StartHealthLoop(ctx, registry.HeartbeatInterval)
	retention := cleanup.NewService(cfg.Screenshots.BaseDir, cleanup.DefaultConfig)
	retention.Start(ctx)

	// HTTP + WebSocket surface.
	server := api.NewServer(cfg, dbClient, sched, reg, shots, hub)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErr:
		slog.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	scanner.Stop()
	reaper.Stop()
	retention.Stop()
	reg.Stop()
	sched.Shutdown()
	slog.Info("fleetd stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// sweepADBConnections disconnects every phone-band ADB attachment so a
// restarted server does not inherit zombie connections.
func sweepADBConnections(ctx context.Context, bands ports.Bands) {
	runner := channel.ExecRunner{}
	cleared := 0
	for port := bands.PhoneStart; port <= bands.PhoneEnd; port++ {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		out, err := runner.Run(cctx, "adb", "disconnect", fmt.Sprintf("localhost:%d", port))
		cancel()
		if err == nil && strings.Contains(strings.ToLower(out), "disconnected") {
			cleared++
		}
	}
	if cleared > 0 {
		slog.Info("Cleared stale ADB connections", "count", cleared)
	}
}

// deviceEventForwarder bridges registry changes onto the dashboard hub.
type deviceEventForwarder struct {
	hub *events.ConnectionManager
}

func (f *deviceEventForwarder) DeviceChanged(device *models.Device) {
	f.hub.Broadcast(events.EventDeviceChange, "", device.ID, device)
}
