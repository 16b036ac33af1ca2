package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"GatewayChat/internal/cache"
	"GatewayChat/internal/chatbot"
	"GatewayChat/internal/config"
	"GatewayChat/internal/store"
	"GatewayChat/internal/telemetry"
)

var (
	version = "dev"
	commit  = "unknown"
)

// globalFlags are the persistent flags shared by every command
type globalFlags struct {
	configPath   string
	url          string
	token        string
	session      string
	storeBackend string
	storePath    string
	debug        bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "gatewaychat",
		Short: "Chat with an assistant gateway from the terminal",
		Long: `GatewayChat connects to an assistant gateway over WebSocket and lets you
chat in any of its sessions.

Quick Start:
  gatewaychat configure --url wss://gateway.example:18789 --token <token>
  gatewaychat                              # interactive chat
  gatewaychat sessions                     # list sessions
  gatewaychat export main --format md      # export a transcript`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd, flags)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Config file (default ~/.gatewaychat/config.toml)")
	pf.StringVar(&flags.url, "url", "", "Gateway URL (ws, wss, http or https)")
	pf.StringVar(&flags.token, "token", "", "Gateway auth token")
	pf.StringVar(&flags.session, "session", "", "Session key to open")
	pf.StringVar(&flags.storeBackend, "store", "", "Preference store backend (sqlite|file|redis|memory)")
	pf.StringVar(&flags.storePath, "store-path", "", "Database or JSON file for the sqlite and file stores")
	pf.BoolVar(&flags.debug, "debug", false, "Enable debug logging")

	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	root.AddCommand(
		newSessionsCmd(flags),
		newExportCmd(flags),
		newConfigureCmd(flags),
	)
	return root
}

// app bundles the services every command needs
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	logFile  io.Closer
	tracer   trace.Tracer
	meter    metric.Meter
	shutdown func()
	store    store.Store
	prefs    *store.Preferences
	cache    *cache.Service
	closed   bool
}

// loadConfig resolves the configuration: file, environment, then flags
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	path := flags.configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("url") {
		cfg.Gateway.URL = flags.url
	}
	if changed("token") {
		cfg.Gateway.Token = flags.token
	}
	if changed("session") {
		cfg.Gateway.SessionKey = flags.session
	}
	if changed("store") {
		cfg.Store.Backend = flags.storeBackend
	}
	if changed("store-path") {
		cfg.Store.Path = flags.storePath
	}
	if changed("debug") {
		cfg.Debug = flags.debug
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command, flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return nil, err
	}

	logger, logFile, err := telemetry.InitLogger(cfg.Log.Dir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, logFile: logFile, shutdown: func() {}}

	a.tracer, a.meter, a.shutdown, err = telemetry.InitTelemetry(commandContext(cmd), cfg.Telemetry.Dir, cfg.Telemetry.Enabled)
	if err != nil {
		logger.Warn("Telemetry disabled", "error", err)
		a.tracer, a.meter, a.shutdown, _ = telemetry.InitTelemetry(commandContext(cmd), "", false)
	}

	a.store, err = store.Open(cfg.StoreOptions())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open preference store: %w", err)
	}
	a.prefs = store.NewPreferences(a.store)

	a.cache, err = cache.NewService(a.prefs, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.cache.Load(commandContext(cmd)); err != nil {
		logger.Warn("Failed to load local caches", "error", err)
	}

	logger.Info("GatewayChat started", "store", cfg.Store.Backend, "version", version)
	return a, nil
}

// newChatBot creates the orchestration hook from the resolved config
func (a *app) newChatBot() (*chatbot.ChatBot, error) {
	return chatbot.New(chatbot.Options{
		URL:              a.cfg.Gateway.URL,
		Token:            a.cfg.Gateway.Token,
		SessionKey:       a.cfg.Gateway.SessionKey,
		Prefs:            a.prefs,
		Cache:            a.cache,
		Logger:           a.logger,
		Tracer:           a.tracer,
		Meter:            a.meter,
		Reconnect:        a.cfg.ReconnectPolicy(),
		RefreshDelay:     a.cfg.RefreshDelay(),
		SessionListLimit: a.cfg.Gateway.SessionListLimit,
	})
}

// Close releases the store, telemetry and log file
func (a *app) Close() {
	if a.closed {
		return
	}
	a.closed = true
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Failed to close preference store", "error", err)
		}
	}
	a.shutdown()
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

func runChat(cmd *cobra.Command, flags *globalFlags) error {
	a, err := newApp(cmd, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	cb, err := a.newChatBot()
	if err != nil {
		return fmt.Errorf("failed to initialize chatbot: %w", err)
	}
	defer cb.Close()

	if err := cb.Start(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
	}

	repl, err := chatbot.NewREPL(cb, cmd.InOrStdin(), cmd.OutOrStdout(), a.logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt)
	defer stop()
	return repl.Run(ctx)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
