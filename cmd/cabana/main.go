// Cabana EventSub client — connects the WebSocket session, reconciles
// subscriptions, and dispatches notifications through the alert pipeline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/cabana-dev/cabana/pkg/alert"
	"github.com/cabana-dev/cabana/pkg/bot"
	"github.com/cabana-dev/cabana/pkg/config"
	"github.com/cabana-dev/cabana/pkg/version"
)

// followAlert shows the minimal embedder-side alert: embed alert.Base,
// override Process. Real embedders would trigger overlays, chat replies, and
// so on from here.
type followAlert struct {
	alert.Base
}

func newFollowAlert(evt *alert.Event) alert.Alert {
	return &followAlert{Base: alert.NewBase(evt)}
}

func (a *followAlert) Process(_ context.Context) error {
	var body struct {
		UserName string `json:"user_name"`
	}
	if err := json.Unmarshal(a.Evt.Data, &body); err != nil {
		return err
	}
	slog.Info("New follower", "user", body.UserName)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("CABANA_CONFIG", "cabana.yaml"),
		"Path to the configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"error", err)
	}

	slog.Info("Starting cabana",
		"version", version.Full(),
		"config", *configPath)

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	b, err := bot.New(ctx, cfg,
		bot.WithAlert("channel.follow", newFollowAlert))
	if err != nil {
		slog.Error("Failed to build the client", "error", err)
		os.Exit(1)
	}

	if err := b.Start(ctx); err != nil {
		slog.Error("Startup failed", "error", err)
		b.Stop(ctx)
		os.Exit(1)
	}
	slog.Info("Cabana started", "topics", len(cfg.Channels))

	// Wait for a shutdown signal or a permanent session failure.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	holdErr := make(chan error, 1)
	go func() { holdErr <- b.Hold() }()

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-holdErr:
		if err != nil {
			slog.Error("EventSub session ended permanently", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	b.Stop(shutdownCtx)

	slog.Info("Shutdown complete")
	os.Exit(exitCode)
}
