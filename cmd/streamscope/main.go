// Command streamscope runs the aggregator daemon: it receives capture
// events from content agents and serves them to inspection panels.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labring/streamscope/internal/server"
	"github.com/labring/streamscope/pkg/config"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

func main() {
	cfg, err := config.ParseCfg()
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamscope: %v\n", err)
		os.Exit(2)
	}
	setupLogger(cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func setupLogger(level slog.Level) {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// reportGeneratedToken shows a generated token only to an interactive
// user; log collectors never see it.
func reportGeneratedToken(w io.Writer, tty bool, token string) {
	if tty {
		fmt.Fprintf(w, "streamscope: no token configured, generated %s\n", token)
		return
	}
	slog.Warn("no token configured, generated one; set token in the config file or environment to share it with clients")
}

func run(cfg *config.Config) error {
	if cfg.TokenAutoGenerated {
		reportGeneratedToken(os.Stderr, isatty.IsTerminal(os.Stderr.Fd()), cfg.Token)
	}
	if cfg.ConfigFile != "" {
		slog.Info("config file loaded", slog.String("path", cfg.ConfigFile))
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.RunJanitor(gctx)
	})
	g.Go(func() error {
		slog.Info("listening", slog.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		// Hijacked sockets are not tracked by Shutdown.
		_ = srv.Cleanup()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
