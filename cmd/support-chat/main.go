// ABOUTME: Entry point for the support-chat terminal client
// ABOUTME: Loads config, wires the chat session and runs the interactive loop

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
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/support-chat/internal/api"
	"github.com/2389/support-chat/internal/auth"
	"github.com/2389/support-chat/internal/config"
	"github.com/2389/support-chat/internal/metrics"
	"github.com/2389/support-chat/internal/session"
	"github.com/2389/support-chat/internal/stream"
)

// version is set at build time.
var version = "dev"

const banner = `
                                              _                    _               _
 ___   _   _   _ __    _ __     ___    _ __  | |_            ___  | |__     __ _  | |_
/ __| | | | | | '_ \  | '_ \   / _ \  | '__| | __|  _____   / __| | '_ \   / _' | | __|
\__ \ | |_| | | |_) | | |_) | | (_) | | |    | |_  |_____| | (__  | | | | | (_| | | |_
|___/  \__,_| | .__/  | .__/   \___/  |_|     \__|          \___| |_| |_|  \__,_|  \__|
              |_|     |_|
`

// getConfigPath returns the path to the client config file.
// Priority: SUPPORT_CHAT_CONFIG env var > XDG_CONFIG_HOME/support-chat/config.yaml > ~/.config/support-chat/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SUPPORT_CHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "support-chat", "config.yaml")
}

func main() {
	configPath := flag.String("config", getConfigPath(), "Path to config file (.yaml or .toml)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("support-chat %s\n", version)
		return
	}

	if err := run(*configPath); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config: %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Role:   %s\n", cfg.Role)
	green.Print("    ▶ ")
	fmt.Printf("API:    %s\n", cfg.API.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Stream: %s\n", cfg.Stream.URL)
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)
		stop := serveMetrics(cfg.Metrics.Addr, cfg.Metrics.Path, reg, logger)
		defer stop()
	}

	tokens := tokenSource(cfg.Auth)

	opts := session.OptionsFromConfig(cfg)
	opts.API = api.New(api.Options{
		BaseURL: cfg.API.BaseURL,
		Timeout: cfg.API.Timeout,
		Tokens:  tokens,
		Logger:  logger,
		Metrics: m,
	})
	opts.Dialer = stream.NewWebSocketDialer(cfg.Stream.URL, cfg.Stream.HandshakeTimeout, logger)
	opts.Tokens = tokens
	opts.Logger = logger
	opts.Metrics = m

	s := session.New(opts)
	defer s.Close()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	r := newREPL(s, cfg.Role, os.Stdin, os.Stdout)
	err = r.run(ctx)
	fmt.Println("\nGoodbye!")
	return err
}

// tokenSource picks the configured credential: a literal token, or an env var
// with the token file as fallback.
func tokenSource(cfg config.AuthConfig) auth.TokenSource {
	if cfg.Token != "" {
		return auth.NewStatic(cfg.Token)
	}
	path := cfg.TokenFile
	if path == "" {
		path = auth.DefaultTokenPath()
	}
	return auth.NewFileSource(cfg.TokenEnv, path)
}

// serveMetrics exposes reg on addr until the returned stop function is called.
func serveMetrics(addr, path string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", "addr", addr, "path", path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	// Logs go to stderr so they do not interleave with the chat transcript.
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
