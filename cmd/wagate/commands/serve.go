package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wagate/pkg/wagate/authstore"
	"github.com/jholhewres/wagate/pkg/wagate/config"
	"github.com/jholhewres/wagate/pkg/wagate/dispatch"
	"github.com/jholhewres/wagate/pkg/wagate/gateway"
	"github.com/jholhewres/wagate/pkg/wagate/notify"
	"github.com/jholhewres/wagate/pkg/wagate/transport"
	"github.com/jholhewres/wagate/pkg/wagate/tts"
)

// newServeCmd creates the `wagate serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway daemon",
		Long: `Start WAGate as a daemon: restore sessions with stored
credentials, create the sessions named with --session, and process
messages until interrupted.

Pairing codes for unlinked sessions are printed to the log.

Examples:
  wagate serve
  wagate serve --session main --session support
  wagate serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("session", nil, "session ids to create on startup")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := buildLogger(cmd, cfg)

	apiKey := dispatch.ResolveAPIKey(cfg.Dispatch.APIKey, logger)
	if apiKey == "" {
		return fmt.Errorf("no API key configured; run `wagate setup` first")
	}

	store, err := authstore.New(cfg.StoreDir, logger)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}

	dispatcher, err := dispatch.NewGemini(dispatch.GeminiConfig{
		APIKey:          apiKey,
		BaseURL:         cfg.Dispatch.BaseURL,
		Timeout:         cfg.Dispatch.Timeout,
		MaxHistoryTurns: cfg.Dispatch.MaxHistoryTurns,
	}, logger)
	if err != nil {
		return err
	}

	var speech tts.Provider
	if cfg.TTS.Enabled {
		speech = tts.NewGeminiProvider(apiKey, cfg.Dispatch.BaseURL, cfg.TTS.Model)
	}

	hub := notify.NewHub(logger)
	hub.AddObserver(notify.NewLogObserver(logger))

	manager, err := gateway.NewManager(cfg.Gateway, gateway.ManagerDeps{
		Store:      store,
		Dialer:     transport.NewWhatsmeowDialer(cfg.Transport, logger),
		Dispatcher: dispatch.Logged(dispatcher, logger),
		Speech:     speech,
		Notifier:   hub,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	janitor, err := gateway.NewJanitor(manager)
	if err != nil {
		return err
	}
	if janitor != nil {
		janitor.Start()
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Per-session profiles from the config file apply before anything
	// connects so the first inbound message already sees them.
	for id, sessCfg := range cfg.Sessions {
		manager.SetConfig(id, sessCfg)
	}

	if _, err := manager.RestoreSessions(ctx); err != nil {
		logger.Warn("session restore incomplete", "error", err)
	}

	requested, _ := cmd.Flags().GetStringSlice("session")
	for _, id := range requested {
		if err := manager.CreateSession(ctx, id); err != nil {
			logger.Error("creating session failed", "session", id, "error", err)
		}
	}

	logger.Info("gateway running", "sessions", len(manager.Sessions()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	if janitor != nil {
		janitor.Stop()
	}
	manager.Shutdown()
	return nil
}

// resolveConfig loads the config file from --config or standard locations,
// falling back to defaults when none exists.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.Find()
	}
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %q: %w", path, err)
	}
	return cfg, nil
}

// buildLogger configures slog from the config and --verbose.
func buildLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
