package prober

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/torosent/gateprobe/internal/gateclient"
	"github.com/torosent/gateprobe/internal/metrics"
	"github.com/torosent/gateprobe/internal/tracing"
)

// ErrReleaseFailed marks a ramp that stopped because a release call failed.
var ErrReleaseFailed = errors.New("release failed")

// LatencySummary holds per-call latency in milliseconds.
type LatencySummary = metrics.Latency

// LevelResult is the outcome of one concurrency level.
type LevelResult struct {
	Concurrency int `json:"concurrency" yaml:"concurrency"`
	Succeeded   int `json:"succeeded" yaml:"succeeded"`
	Failed      int `json:"failed" yaml:"failed"`
	// ReleasedWaiting is nil when the server did not report a count or the
	// release never completed.
	ReleasedWaiting *int           `json:"released_waiting" yaml:"released_waiting"`
	Rounds          []int          `json:"rounds,omitempty" yaml:"rounds,omitempty"`
	SampleErrors    []string       `json:"sample_errors,omitempty" yaml:"sample_errors,omitempty"`
	Errors          map[string]int `json:"errors,omitempty" yaml:"errors,omitempty"`
	Latency         LatencySummary `json:"latency" yaml:"latency"`
	DurationMs      float64        `json:"duration_ms" yaml:"duration_ms"`
}

// OK reports whether every call of the level succeeded.
func (l LevelResult) OK() bool {
	return l.Failed == 0
}

// RampReport is the outcome of a whole ramp against one target.
type RampReport struct {
	Target      string        `json:"target" yaml:"target"`
	Levels      []LevelResult `json:"levels" yaml:"levels"`
	FailedAt    int           `json:"failed_at,omitempty" yaml:"failed_at,omitempty"`
	LastSuccess int           `json:"last_success" yaml:"last_success"`
	Completed   bool          `json:"completed" yaml:"completed"`
	Aborted     bool          `json:"aborted" yaml:"aborted"`
	AbortReason string        `json:"abort_reason,omitempty" yaml:"abort_reason,omitempty"`
	DurationMs  float64       `json:"duration_ms" yaml:"duration_ms"`
}

// Ramp raises concurrency level by level until a level fails or the ceiling
// is reached. Run must not be called concurrently on one Ramp.
type Ramp struct {
	opts      RampOptions
	collector *metrics.Collector // reset at the start of every level
}

// NewRamp returns a Ramp; zero-valued options take their defaults.
func NewRamp(opts RampOptions) *Ramp {
	opts.normalize()
	return &Ramp{opts: opts, collector: metrics.NewCollector()}
}

// Levels returns the concurrency schedule the ramp walks.
func (r *Ramp) Levels() []int {
	var levels []int
	for k := r.opts.Start; k <= r.opts.Ceiling; k += r.opts.Step {
		levels = append(levels, k)
	}
	return levels
}

// Run walks the schedule. The report is always returned; err is non-nil only
// when the ramp was aborted by a failed release or a cancelled context.
func (r *Ramp) Run(ctx context.Context) (report RampReport, err error) {
	if r.opts.Client == nil {
		return RampReport{}, errors.New("ramp: client is required")
	}
	report.Target = r.opts.Target
	start := time.Now()
	defer func() { report.DurationMs = msSince(start) }()

	log := r.opts.Logger.With("target", r.opts.Target, "probe", "ramp")
	log.Info("ramp started", "start", r.opts.Start, "step", r.opts.Step, "ceiling", r.opts.Ceiling)

	for _, k := range r.Levels() {
		if err := ctx.Err(); err != nil {
			report.Aborted = true
			report.AbortReason = err.Error()
			return report, err
		}

		level, err := r.runLevel(ctx, k)
		report.Levels = append(report.Levels, level)
		if r.opts.OnLevel != nil {
			r.opts.OnLevel(level)
		}
		if err != nil {
			report.Aborted = true
			report.AbortReason = err.Error()
			log.Error("ramp aborted", "concurrency", k, "error", err)
			return report, err
		}
		if !level.OK() {
			report.FailedAt = k
			log.Info("level failed", "concurrency", k, "failed", level.Failed, "succeeded", level.Succeeded)
			break
		}
		report.LastSuccess = k
		log.Debug("level passed", "concurrency", k, "rounds", level.Rounds)
	}

	report.Completed = report.FailedAt == 0
	log.Info("ramp finished", "last_success", report.LastSuccess, "failed_at", report.FailedAt)
	return report, nil
}

type blockOutcome struct {
	round int
	err   error
}

func (r *Ramp) runLevel(parent context.Context, k int) (level LevelResult, err error) {
	ctx, span := tracing.StartProbeSpan(parent, r.opts.Tracer, "ramp level", r.opts.Target,
		attribute.Int("gateprobe.concurrency", k))
	defer func() {
		tracing.EndSpan(span, err,
			attribute.Int("gateprobe.succeeded", level.Succeeded),
			attribute.Int("gateprobe.failed", level.Failed))
	}()

	levelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := time.Now()
	collector := r.collector
	collector.Reset()
	outcomes := make([]blockOutcome, k)

	g := new(errgroup.Group)
	g.SetLimit(min(k, r.opts.MaxInFlight))
	for i := 0; i < k; i++ {
		id := fmt.Sprintf("%s-%d-%d", r.opts.SessionID, k, i)
		g.Go(func() error {
			callCtx, cancelCall := context.WithTimeout(levelCtx, r.opts.BlockTimeout)
			defer cancelCall()
			t0 := time.Now()
			res, err := r.opts.Client.Block(callCtx, r.opts.BlockDelay, id)
			collector.RecordRequest(time.Since(t0), err)
			outcomes[i] = blockOutcome{round: res.Round, err: err}
			if err != nil && r.opts.FailureLogger != nil {
				r.opts.FailureLogger.LogFailure(fmt.Errorf("%s block %s: %w", r.opts.Target, id, err))
			}
			return nil
		})
	}

	r.settle(levelCtx, k)

	relCtx, cancelRel := context.WithTimeout(levelCtx, r.opts.ReleaseTimeout)
	rel, relErr := r.opts.Client.Release(relCtx, gateclient.ReleaseParams{Rearm: true})
	cancelRel()
	if relErr != nil {
		if r.opts.FailureLogger != nil {
			r.opts.FailureLogger.LogFailure(fmt.Errorf("%s release: %w", r.opts.Target, relErr))
		}
		cancel()
		_ = g.Wait()
		level = summarizeLevel(k, outcomes, collector, started)
		return level, fmt.Errorf("%w at concurrency %d: %w", ErrReleaseFailed, k, relErr)
	}

	_ = g.Wait()
	level = summarizeLevel(k, outcomes, collector, started)
	level.ReleasedWaiting = rel.ReleasedWaiting
	if err := parent.Err(); err != nil {
		return level, err
	}
	return level, nil
}

// settle gives the level's calls time to reach the gate before release.
func (r *Ramp) settle(ctx context.Context, k int) {
	if r.opts.Watcher != nil {
		wctx, cancel := context.WithTimeout(ctx, r.opts.SettleTimeout)
		err := r.opts.Watcher.WaitForWaiting(wctx, k)
		cancel()
		if err == nil {
			return
		}
		r.opts.Logger.Warn("queued settle failed, using settle delay",
			"target", r.opts.Target, "concurrency", k, "error", err)
	}
	sleepContext(ctx, r.opts.SettleDelay)
}

func summarizeLevel(k int, outcomes []blockOutcome, collector *metrics.Collector, started time.Time) LevelResult {
	level := LevelResult{Concurrency: k}
	seen := make(map[int]struct{})
	for _, o := range outcomes {
		if o.err != nil {
			level.Failed++
			if len(level.SampleErrors) < sampleErrorLimit {
				level.SampleErrors = append(level.SampleErrors, o.err.Error())
			}
			continue
		}
		level.Succeeded++
		if _, ok := seen[o.round]; !ok {
			seen[o.round] = struct{}{}
			level.Rounds = append(level.Rounds, o.round)
		}
	}
	sort.Ints(level.Rounds)

	stats := collector.Stats(time.Since(started))
	level.Latency = stats.Latency
	level.Errors = stats.Errors
	level.DurationMs = msSince(started)
	return level
}

// errorSamples keeps the first few error messages seen by concurrent calls.
type errorSamples struct {
	mu   sync.Mutex
	msgs []string
}

func (s *errorSamples) add(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) < sampleErrorLimit {
		s.msgs = append(s.msgs, err.Error())
	}
}

func (s *errorSamples) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}
