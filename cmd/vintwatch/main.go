// Command vintwatch polls saved marketplace searches and reports new listings.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/vintwatch/watcher"
)

var version = "dev"

func main() {
	configPath := flag.String("config", env("VINTWATCH_CONFIG", "scraper_settings.yaml"), "path to the settings file (YAML or JSON)")
	mcpStdio := flag.Bool("mcp-stdio", false, "serve the MCP status tools on stdin/stdout")
	once := flag.Bool("once", false, "run a single cycle and exit")
	flag.Parse()

	// Logging. The level is final once the settings are read.
	var lvl slog.LevelVar
	lvl.Set(levelFromEnv(env("LOG_LEVEL", "info")))
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: &lvl}))
	slog.SetDefault(logger)

	cfg, err := watcher.LoadConfig(*configPath, logger)
	if err != nil {
		slog.Error("settings", "error", err)
		os.Exit(1)
	}
	cfg.ApplyEnv(os.Getenv)
	lvl.Set(cfg.Level())

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w, err := watcher.New(cfg, watcher.Options{Once: *once}, logger)
	if err != nil {
		slog.Error("watcher init", "error", err)
		os.Exit(1)
	}
	defer w.Close()

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		srv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           w.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			slog.Info("status server starting", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("server error", "error", err)
				cancel()
			}
		}()
	}

	if *mcpStdio {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "vintwatch",
			Version: version,
		}, nil)
		w.RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("mcp stdio", "error", err)
			}
		}()
	}

	runErr := w.Run(ctx)

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown", "error", err)
		}
		slog.Info("status server stopped")
	}

	if runErr != nil {
		slog.Error("vintwatch stopped", "error", runErr)
		w.Close()
		os.Exit(1)
	}
	slog.Info("vintwatch stopped")
}

func levelFromEnv(s string) slog.Level {
	switch s {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "warn", "WARN":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
