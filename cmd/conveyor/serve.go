package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/audit"
	"github.com/Mindburn-Labs/conveyor/pkg/config"
	"github.com/Mindburn-Labs/conveyor/pkg/engine"
	"github.com/Mindburn-Labs/conveyor/pkg/handlers"
	"github.com/Mindburn-Labs/conveyor/pkg/store"
	"github.com/Mindburn-Labs/conveyor/pkg/worker"
)

// newLogger builds the process logger from LOG_FORMAT and LOG_LEVEL.
func newLogger(w io.Writer, format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func runServer(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := newLogger(stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.LiteMode() {
		_, _ = fmt.Fprintf(stdout, "DATABASE_URL not set. Falling back to %sLite Mode%s (SQLite at %s).\n",
			ColorBold+ColorCyan, ColorReset, cfg.SQLitePath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := worker.NewRegistry()
	if err := handlers.Register(reg, nil); err != nil {
		log.Fatalf("Failed to register handlers: %v", err)
	}

	eng, err := engine.New(ctx, cfg, reg, engine.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Close(shutdownCtx); err != nil {
			logger.Error("engine close failed", "error", err)
		}
	}()

	if err := eng.Run(ctx); err != nil {
		logger.Error("engine stopped", "error", err)
		return 1
	}
	logger.Info("engine stopped")
	return 0
}

func runMigrateCmd(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = st.DB().Close() }()

	if err := st.Migrate(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := audit.NewStoreLogger(st.DB()).Migrate(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	backend := "postgres"
	if cfg.LiteMode() {
		backend = "sqlite:" + cfg.SQLitePath
	}
	_, _ = fmt.Fprintf(stdout, "Schema up to date (%s)\n", backend)
	return 0
}
