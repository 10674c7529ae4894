package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/torosent/gateprobe/internal/config"
	"github.com/torosent/gateprobe/internal/gateclient"
	"github.com/torosent/gateprobe/internal/logging"
	"github.com/torosent/gateprobe/internal/metrics"
	"github.com/torosent/gateprobe/internal/output"
	"github.com/torosent/gateprobe/internal/prober"
	"github.com/torosent/gateprobe/internal/threshold"
	"github.com/torosent/gateprobe/internal/tracing"
)

const (
	progressInterval = 250 * time.Millisecond
	healthTimeout    = 5 * time.Second
	tracingFlushWait = 5 * time.Second
)

var (
	// ErrNoHealthyTargets is returned when every selected server failed its health check.
	ErrNoHealthyTargets = errors.New("no healthy targets")
	// ErrThresholdsFailed is returned when any target misses a --threshold check.
	ErrThresholdsFailed = errors.New("thresholds failed")
)

type stderrFailureLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *stderrFailureLogger) LogFailure(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "[gateprobe] request failed: %v\n", err)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type probeEnv struct {
	cfg        *config.ProbeConfig
	session    string
	logger     *slog.Logger
	tracing    *tracing.Provider
	failures   prober.FailureLogger
	thresholds *threshold.Evaluator
	stdout     io.Writer
	structured bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.NewLoader().LoadProbe(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	thresholds, err := threshold.ParseMultiple(cfg.Thresholds)
	if err != nil {
		return err
	}

	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	logger := logging.Init(stderr, "gateprobe", logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: format,
	})

	tp, err := tracing.Init(ctx, cfg.Tracing, "gateprobe")
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), tracingFlushWait)
		defer cancel()
		if err := tp.Shutdown(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	targets, err := cfg.ResolveTargets()
	if err != nil {
		return err
	}

	env := &probeEnv{
		cfg:        cfg,
		session:    prober.NewSessionID(),
		logger:     logger,
		tracing:    tp,
		stdout:     stdout,
		structured: cfg.JSONOutput || cfg.YAMLOutput,
	}
	if cfg.LogErrors {
		env.failures = &stderrFailureLogger{w: stderr}
	}
	if len(thresholds) > 0 {
		env.thresholds = threshold.NewEvaluator(thresholds)
	}

	report := output.Report{Session: env.session}
	healthy := 0
	thresholdsOK := true
	for _, target := range targets {
		tr := env.probeTarget(ctx, target)
		report.Targets = append(report.Targets, tr)
		if tr.Healthy {
			healthy++
		}
		if !threshold.AllPassed(tr.Thresholds) {
			thresholdsOK = false
		}
		if ctx.Err() != nil {
			logger.Warn("interrupted, skipping remaining targets")
			break
		}
	}

	switch {
	case cfg.JSONOutput:
		if err := output.PrintJSONReport(stdout, report); err != nil {
			return err
		}
	case cfg.YAMLOutput:
		if err := output.PrintYAMLReport(stdout, report); err != nil {
			return err
		}
	default:
		output.PrintSummary(stdout, report)
	}

	if healthy == 0 {
		return ErrNoHealthyTargets
	}
	if !thresholdsOK {
		return ErrThresholdsFailed
	}
	return nil
}

func (e *probeEnv) probeTarget(ctx context.Context, target config.Target) output.TargetReport {
	tr := output.TargetReport{Name: target.Name, BaseURL: target.BaseURL}
	log := e.logger.With("target", target.Name, "base_url", target.BaseURL)
	client := gateclient.New(target.BaseURL,
		gateclient.WithHTTPClient(gateclient.NewHTTPClient(0)),
		gateclient.WithTracing(e.tracing))

	if e.cfg.SkipHealth {
		tr.Healthy = true
	} else {
		hctx, cancel := context.WithTimeout(ctx, healthTimeout)
		h, err := client.Health(hctx)
		cancel()
		if err != nil {
			tr.HealthError = err.Error()
			log.Warn("health check failed, skipping target", "error", err)
			return tr
		}
		tr.Healthy = h.Status == "healthy"
		tr.ServerType = h.Type
		if !tr.Healthy {
			tr.HealthError = fmt.Sprintf("status %q", h.Status)
			log.Warn("target reports unhealthy, skipping", "status", h.Status)
			return tr
		}
	}

	sctx, cancel := context.WithTimeout(ctx, healthTimeout)
	st, err := client.Status(sctx)
	cancel()
	if err != nil {
		log.Warn("gate status unavailable", "error", err)
	} else {
		tr.GateBefore = &st
		log.Info("gate state before probing", "open", st.Open, "waiting", st.Waiting, "round", st.Round)
		if st.Waiting > 0 {
			log.Warn("gate already holds waiters; the first release will free them too", "waiting", st.Waiting)
		}
	}

	if e.cfg.HasProbe(config.ProbeRamp) && ctx.Err() == nil {
		rr := e.runRamp(ctx, target, client)
		tr.Ramp = &rr
	}
	if e.cfg.HasProbe(config.ProbeWindow) && ctx.Err() == nil {
		wr := e.runWindow(ctx, target, client)
		tr.Window = &wr
	}
	if e.thresholds != nil {
		tr.Thresholds = e.thresholds.Evaluate(tr.Ramp, tr.Window)
		if !e.structured {
			output.PrintThresholdResults(e.stdout, target.Name, tr.Thresholds)
		}
	}
	return tr
}

func (e *probeEnv) runRamp(ctx context.Context, target config.Target, client *gateclient.Client) prober.RampReport {
	opts := prober.RampOptions{
		Target:         target.Name,
		Start:          e.cfg.Start,
		Step:           e.cfg.Step,
		Ceiling:        e.cfg.Ceiling,
		MaxInFlight:    e.cfg.MaxInFlight,
		BlockDelay:     e.cfg.BlockDelay,
		SettleDelay:    e.cfg.SettleDelay,
		SettleTimeout:  e.cfg.SettleTimeout,
		BlockTimeout:   e.cfg.BlockTimeout,
		ReleaseTimeout: e.cfg.ReleaseTimeout,
		Client:         client,
		FailureLogger:  e.failures,
		Logger:         e.logger,
		Tracer:         e.tracing.Tracer(),
		SessionID:      e.session + "-" + target.Name,
	}
	if e.cfg.SettleMode == config.SettleQueued {
		opts.Watcher = client
	}
	if !e.structured {
		opts.OnLevel = func(level prober.LevelResult) {
			output.PrintLevel(e.stdout, target.Name, level)
		}
	}

	report, err := prober.NewRamp(opts).Run(ctx)
	if err != nil {
		e.logger.Error("ramp did not finish", "target", target.Name, "error", err)
	}
	if !e.structured {
		output.PrintRampReport(e.stdout, report)
	}
	return report
}

func (e *probeEnv) runWindow(ctx context.Context, target config.Target, client *gateclient.Client) prober.WindowReport {
	collector := metrics.NewCollector()
	w := prober.NewWindow(prober.WindowOptions{
		Target:        target.Name,
		Window:        e.cfg.Window,
		MaxWorkers:    e.cfg.MaxWorkers,
		RatePerSecond: e.cfg.Rate,
		Client:        client,
		FailureLogger: e.failures,
		Logger:        e.logger,
		Tracer:        e.tracing.Tracer(),
		SessionID:     e.session + "-" + target.Name,
		Collector:     collector,
	})

	var progress *output.Progress
	if !e.structured {
		progress = output.StartProgress(collector, target.Name+" window", e.cfg.Window, progressInterval, e.stdout)
	}
	report, err := w.Run(ctx)
	if progress != nil {
		progress.Stop()
	}
	if err != nil {
		e.logger.Error("window did not finish", "target", target.Name, "error", err)
	}
	if !e.structured {
		output.PrintWindowReport(e.stdout, report)
	}
	return report
}
