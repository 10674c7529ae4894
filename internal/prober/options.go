package prober

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/torosent/gateprobe/internal/gateclient"
	"github.com/torosent/gateprobe/internal/logging"
	"github.com/torosent/gateprobe/internal/metrics"
)

const (
	// MaxInFlightCap bounds how many block calls one level may hold open.
	MaxInFlightCap = 10000
	// sampleErrorLimit bounds how many error messages a result keeps.
	sampleErrorLimit = 3
)

// GateClient is the part of a gate server the ramp drives.
type GateClient interface {
	Block(ctx context.Context, hold time.Duration, requestID string) (gateclient.BlockResponse, error)
	Release(ctx context.Context, p gateclient.ReleaseParams) (gateclient.ReleaseResponse, error)
}

// SleepClient is the part of a gate server the burst window drives.
type SleepClient interface {
	SlowIO(ctx context.Context, delay time.Duration, requestID string) (gateclient.SlowIOResponse, error)
}

// QueueWatcher reports when at least n callers are queued at the gate.
type QueueWatcher interface {
	WaitForWaiting(ctx context.Context, n int) error
}

// FailureLogger logs failed calls.
type FailureLogger interface {
	LogFailure(err error)
}

// RampOptions configure a Ramp.
type RampOptions struct {
	Target         string        // label used in reports and spans
	Start          int           // first concurrency level
	Step           int           // increment between levels
	Ceiling        int           // last level tried
	MaxInFlight    int           // cap on a level's pool (hard cap MaxInFlightCap)
	BlockDelay     time.Duration // hold each waiter serves after release
	SettleDelay    time.Duration // pause between launch and release
	SettleTimeout  time.Duration // bound on the queued wait when Watcher is set
	BlockTimeout   time.Duration // per-call timeout for block calls
	ReleaseTimeout time.Duration // timeout for the release call
	Client         GateClient    // required
	Watcher        QueueWatcher  // optional; enables queued settling
	FailureLogger  FailureLogger // optional
	Logger         *slog.Logger
	Tracer         trace.Tracer
	SessionID      string                  // request id prefix; generated when empty
	OnLevel        func(level LevelResult) // optional; called after each level
}

func (o *RampOptions) normalize() {
	if o.Start <= 0 {
		o.Start = 5
	}
	if o.Step <= 0 {
		o.Step = 20
	}
	if o.MaxInFlight <= 0 || o.MaxInFlight > MaxInFlightCap {
		o.MaxInFlight = MaxInFlightCap
	}
	if o.Ceiling <= 0 {
		o.Ceiling = 500
	}
	if o.Ceiling > o.MaxInFlight {
		o.Ceiling = o.MaxInFlight
	}
	if o.BlockDelay < 0 {
		o.BlockDelay = 0
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = 5 * time.Second
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 15 * time.Second
	}
	if o.ReleaseTimeout <= 0 {
		o.ReleaseTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("gateprobe")
	}
	if o.SessionID == "" {
		o.SessionID = NewSessionID()
	}
}

// WindowOptions configure a Window.
type WindowOptions struct {
	Target         string
	Window         time.Duration // dispatch window length
	MinDelay       time.Duration // lower clamp for the per-call delay
	MaxDelay       time.Duration // upper clamp for the per-call delay
	Grace          time.Duration // added to the delay to form the per-call timeout
	MaxWorkers     int           // cap on in-flight calls
	RatePerSecond  int           // dispatch pacing (0 means unlimited)
	Client         SleepClient   // required
	FailureLogger  FailureLogger
	Logger         *slog.Logger
	Tracer         trace.Tracer
	SessionID      string
	Collector      *metrics.Collector          // optional; shared with a live progress reporter
	LimiterFactory func(rps int) *rate.Limiter // optional injection for tests
}

func (o *WindowOptions) normalize() {
	if o.Window <= 0 {
		o.Window = 3 * time.Second
	}
	if o.MinDelay <= 0 {
		o.MinDelay = 100 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.MaxDelay < o.MinDelay {
		o.MaxDelay = o.MinDelay
	}
	if o.Grace <= 0 {
		o.Grace = 5 * time.Second
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 200
	}
	if o.RatePerSecond < 0 {
		o.RatePerSecond = 0
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("gateprobe")
	}
	if o.SessionID == "" {
		o.SessionID = NewSessionID()
	}
	if o.Collector == nil {
		o.Collector = metrics.NewCollector()
	}
	if o.LimiterFactory == nil {
		o.LimiterFactory = func(rps int) *rate.Limiter {
			if rps <= 0 {
				return rate.NewLimiter(rate.Inf, 0)
			}
			return rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// NewSessionID returns a sortable id used to prefix request ids of one run.
func NewSessionID() string {
	return ulid.Make().String()
}
