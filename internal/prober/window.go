package prober

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/torosent/gateprobe/internal/tracing"
)

// WindowReport is the outcome of one burst window.
type WindowReport struct {
	Target             string         `json:"target" yaml:"target"`
	WindowMs           float64        `json:"window_ms" yaml:"window_ms"`
	Dispatched         int            `json:"dispatched" yaml:"dispatched"`
	Succeeded          int            `json:"succeeded" yaml:"succeeded"`
	Failed             int            `json:"failed" yaml:"failed"`
	SampleErrors       []string       `json:"sample_errors,omitempty" yaml:"sample_errors,omitempty"`
	Errors             map[string]int `json:"errors,omitempty" yaml:"errors,omitempty"`
	DispatchDuration   time.Duration  `json:"-" yaml:"-"`
	DispatchDurationMs float64        `json:"dispatch_duration_ms" yaml:"dispatch_duration_ms"`
	DispatchRate       float64        `json:"dispatch_rate" yaml:"dispatch_rate"`
	Latency            LatencySummary `json:"latency" yaml:"latency"`
}

// Window dispatches /slow-io calls for a fixed duration, each asking the
// server to sleep for whatever remains of the window, then drains them.
type Window struct {
	opts WindowOptions
}

// NewWindow returns a Window; zero-valued options take their defaults.
func NewWindow(opts WindowOptions) *Window {
	opts.normalize()
	return &Window{opts: opts}
}

// ClampDelay bounds the remaining window time to the range the server accepts.
func (w *Window) ClampDelay(remaining time.Duration) time.Duration {
	switch {
	case remaining < w.opts.MinDelay:
		return w.opts.MinDelay
	case remaining > w.opts.MaxDelay:
		return w.opts.MaxDelay
	default:
		return remaining
	}
}

// Run dispatches until the window closes and waits for every call to finish.
// Zero dispatched calls is a valid outcome. err is non-nil only when ctx was
// cancelled before the window closed.
func (w *Window) Run(ctx context.Context) (report WindowReport, err error) {
	if w.opts.Client == nil {
		return WindowReport{}, errors.New("window: client is required")
	}
	ctx, span := tracing.StartProbeSpan(ctx, w.opts.Tracer, "window", w.opts.Target,
		attribute.Int64("gateprobe.window_ms", w.opts.Window.Milliseconds()),
		attribute.Int("gateprobe.max_workers", w.opts.MaxWorkers))
	defer func() {
		tracing.EndSpan(span, err,
			attribute.Int("gateprobe.dispatched", report.Dispatched),
			attribute.Int("gateprobe.failed", report.Failed))
	}()

	log := w.opts.Logger.With("target", w.opts.Target, "probe", "window")
	log.Info("window started", "window", w.opts.Window, "max_workers", w.opts.MaxWorkers, "rate", w.opts.RatePerSecond)

	limiter := w.opts.LimiterFactory(w.opts.RatePerSecond)
	slots := make(chan struct{}, w.opts.MaxWorkers)
	samples := &errorSamples{}
	var (
		wg         sync.WaitGroup
		dispatched int
		succeeded  atomic.Int64
		failed     atomic.Int64
	)

	start := time.Now()
	deadline := start.Add(w.opts.Window)
	windowCtx, cancelWindow := context.WithDeadline(ctx, deadline)
	defer cancelWindow()

dispatch:
	for {
		select {
		case slots <- struct{}{}:
		case <-windowCtx.Done():
			break dispatch
		}
		if !time.Now().Before(deadline) {
			<-slots
			break
		}
		if err := limiter.Wait(windowCtx); err != nil {
			<-slots
			break
		}

		delay := w.ClampDelay(time.Until(deadline))
		id := fmt.Sprintf("%s-w-%d", w.opts.SessionID, dispatched)
		dispatched++
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()

			callCtx, cancel := context.WithTimeout(ctx, delay+w.opts.Grace)
			defer cancel()
			t0 := time.Now()
			_, err := w.opts.Client.SlowIO(callCtx, delay, id)
			w.opts.Collector.RecordRequest(time.Since(t0), err)
			if err != nil {
				failed.Add(1)
				samples.add(err)
				if w.opts.FailureLogger != nil {
					w.opts.FailureLogger.LogFailure(fmt.Errorf("%s slow-io %s: %w", w.opts.Target, id, err))
				}
				return
			}
			succeeded.Add(1)
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	stats := w.opts.Collector.Stats(elapsed)
	report = WindowReport{
		Target:             w.opts.Target,
		WindowMs:           float64(w.opts.Window) / float64(time.Millisecond),
		Dispatched:         dispatched,
		Succeeded:          int(succeeded.Load()),
		Failed:             int(failed.Load()),
		SampleErrors:       samples.list(),
		Errors:             stats.Errors,
		DispatchDuration:   elapsed,
		DispatchDurationMs: float64(elapsed) / float64(time.Millisecond),
		Latency:            stats.Latency,
	}
	if dispatched > 0 && elapsed > 0 {
		report.DispatchRate = float64(dispatched) / elapsed.Seconds()
	}

	log.Info("window finished", "dispatched", report.Dispatched, "failed", report.Failed,
		"dispatch_rate", report.DispatchRate)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}
