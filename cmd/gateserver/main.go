package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/torosent/gateprobe/internal/config"
	"github.com/torosent/gateprobe/internal/gate"
	"github.com/torosent/gateprobe/internal/logging"
	"github.com/torosent/gateprobe/internal/server"
	"github.com/torosent/gateprobe/internal/tracing"
)

const readHeaderTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, os.Args[1:], nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run serves until ctx is done. When ready is non-nil it receives the bound
// listen address once the server accepts connections.
func run(ctx context.Context, args []string, ready chan<- string) error {
	cfg, err := config.NewLoader().LoadServer(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	logger := logging.Init(os.Stderr, "gateserver", logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: format,
	})

	tp, err := tracing.Init(ctx, cfg.Tracing, "gateserver")
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	model, err := gate.ParseModel(cfg.Gate)
	if err != nil {
		return err
	}
	g, err := gate.New(model)
	if err != nil {
		return err
	}
	defer g.Close()

	srv, err := server.New(server.Options{
		Gate:            g,
		Model:           model,
		Fanout:          cfg.Fanout,
		Upstream:        cfg.Upstream,
		UpstreamTimeout: cfg.UpstreamTimeout,
		Logger:          logger,
		Tracing:         tp,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	logger.Info("gate server listening",
		"addr", ln.Addr().String(), "gate", model, "fanout", cfg.Fanout, "upstream", cfg.Upstream)
	if ready != nil {
		ready <- ln.Addr().String()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(ln) }()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		// Parked waiters keep their handlers alive; cut them off.
		logger.Warn("graceful shutdown incomplete", "error", err, "waiting", g.State().Waiting)
		_ = httpServer.Close()
	}
	return nil
}
