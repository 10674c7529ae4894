package prober_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/torosent/gateprobe/internal/gateclient"
	"github.com/torosent/gateprobe/internal/prober"
)

// fakeGate parks block calls until Release and fails every call of a wave
// larger than limit.
type fakeGate struct {
	limit      int
	releaseErr error

	mu       sync.Mutex
	waiting  int
	round    int
	open     chan struct{}
	blocks   atomic.Int64
	releases atomic.Int64
	maxWave  int
}

func newFakeGate(limit int) *fakeGate {
	return &fakeGate{limit: limit, round: 1, open: make(chan struct{})}
}

func (g *fakeGate) Block(ctx context.Context, hold time.Duration, requestID string) (gateclient.BlockResponse, error) {
	g.blocks.Add(1)
	g.mu.Lock()
	g.waiting++
	pos := g.waiting
	round := g.round
	open := g.open
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.waiting--
		g.mu.Unlock()
	}()

	select {
	case <-open:
	case <-ctx.Done():
		return gateclient.BlockResponse{}, ctx.Err()
	}
	if g.limit > 0 && pos > g.limit {
		return gateclient.BlockResponse{}, &gateclient.HTTPError{StatusCode: http.StatusServiceUnavailable, Body: "too many"}
	}
	return gateclient.BlockResponse{Round: round, RequestID: requestID, QueuedPosition: pos}, nil
}

func (g *fakeGate) Release(ctx context.Context, p gateclient.ReleaseParams) (gateclient.ReleaseResponse, error) {
	g.releases.Add(1)
	if g.releaseErr != nil {
		return gateclient.ReleaseResponse{}, g.releaseErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	released := g.waiting
	if released > g.maxWave {
		g.maxWave = released
	}
	resp := gateclient.ReleaseResponse{Round: g.round, ReleasedWaiting: &released, GateRearmed: p.Rearm}
	close(g.open)
	if p.Rearm {
		g.round++
		g.open = make(chan struct{})
	}
	return resp, nil
}

func (g *fakeGate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting
}

type recordingLogger struct {
	count atomic.Int64
}

func (l *recordingLogger) LogFailure(error) { l.count.Add(1) }

func TestRampStopsAtFirstFailingLevel(t *testing.T) {
	gate := newFakeGate(100)
	var seen []int
	logger := &recordingLogger{}
	ramp := prober.NewRamp(prober.RampOptions{
		Target:        "fake",
		Start:         5,
		Step:          20,
		Ceiling:       500,
		SettleDelay:   50 * time.Millisecond,
		BlockTimeout:  5 * time.Second,
		Client:        gate,
		FailureLogger: logger,
		OnLevel:       func(l prober.LevelResult) { seen = append(seen, l.Concurrency) },
	})

	report, err := ramp.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.FailedAt != 105 {
		t.Fatalf("FailedAt = %d, want 105", report.FailedAt)
	}
	if report.LastSuccess != 85 {
		t.Fatalf("LastSuccess = %d, want 85", report.LastSuccess)
	}
	if report.Completed || report.Aborted {
		t.Fatalf("Completed/Aborted = %v/%v, want false/false", report.Completed, report.Aborted)
	}
	want := []int{5, 25, 45, 65, 85, 105}
	if len(seen) != len(want) {
		t.Fatalf("levels tried = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("levels tried = %v, want %v", seen, want)
		}
	}
	if gate.maxWave > 105 {
		t.Fatalf("level 125 was attempted (max wave %d)", gate.maxWave)
	}

	last := report.Levels[len(report.Levels)-1]
	if last.Failed != 5 || last.Succeeded != 100 {
		t.Fatalf("failing level = %d ok / %d failed, want 100/5", last.Succeeded, last.Failed)
	}
	if len(last.SampleErrors) == 0 || len(last.SampleErrors) > 3 {
		t.Fatalf("SampleErrors = %v, want 1..3 entries", last.SampleErrors)
	}
	if !strings.Contains(last.SampleErrors[0], "503") {
		t.Fatalf("SampleErrors[0] = %q, want HTTP 503", last.SampleErrors[0])
	}
	if last.Errors["HTTP 503"] != 5 {
		t.Fatalf("Errors = %v, want HTTP 503: 5", last.Errors)
	}
	if logger.count.Load() != 5 {
		t.Fatalf("logged failures = %d, want 5", logger.count.Load())
	}
}

func TestRampLevelsShareOneRound(t *testing.T) {
	gate := newFakeGate(0)
	ramp := prober.NewRamp(prober.RampOptions{
		Start:       3,
		Step:        3,
		Ceiling:     9,
		SettleDelay: 20 * time.Millisecond,
		Client:      gate,
	})

	report, err := ramp.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !report.Completed || report.LastSuccess != 9 || report.FailedAt != 0 {
		t.Fatalf("report = %+v, want completed at 9", report)
	}
	for i, level := range report.Levels {
		if len(level.Rounds) != 1 || level.Rounds[0] != i+1 {
			t.Errorf("level %d rounds = %v, want [%d]", level.Concurrency, level.Rounds, i+1)
		}
		if level.ReleasedWaiting == nil || *level.ReleasedWaiting != level.Concurrency {
			t.Errorf("level %d released_waiting = %v", level.Concurrency, level.ReleasedWaiting)
		}
		if level.Latency.MaxMs < level.Latency.MinMs {
			t.Errorf("level %d latency = %+v", level.Concurrency, level.Latency)
		}
	}
	if gate.releases.Load() != 3 {
		t.Fatalf("releases = %d, want 3", gate.releases.Load())
	}
}

func TestRampAbortsOnReleaseFailure(t *testing.T) {
	gate := newFakeGate(0)
	gate.releaseErr = errors.New("connection refused")
	ramp := prober.NewRamp(prober.RampOptions{
		Start:        5,
		Step:         5,
		Ceiling:      50,
		SettleDelay:  10 * time.Millisecond,
		BlockTimeout: 5 * time.Second,
		Client:       gate,
	})

	start := time.Now()
	report, err := ramp.Run(context.Background())
	if !errors.Is(err, prober.ErrReleaseFailed) {
		t.Fatalf("Run() error = %v, want ErrReleaseFailed", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("abort waited for block timeout: %s", time.Since(start))
	}
	if !report.Aborted || report.Completed || report.AbortReason == "" {
		t.Fatalf("report = %+v, want aborted", report)
	}
	if len(report.Levels) != 1 {
		t.Fatalf("levels = %d, want 1", len(report.Levels))
	}
	if gate.Waiting() != 0 {
		t.Fatalf("waiting = %d after abort, want 0", gate.Waiting())
	}
}

type fakeWatcher struct {
	gate   *fakeGate
	calls  atomic.Int64
	fail   bool
	linger time.Duration // holds the first settle open after its wave queued
}

func (w *fakeWatcher) WaitForWaiting(ctx context.Context, n int) error {
	first := w.calls.Add(1) == 1
	if w.fail {
		return errors.New("feed unavailable")
	}
	if first && w.linger > 0 {
		defer time.Sleep(w.linger)
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if w.gate.Waiting() >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func TestRampQueuedSettle(t *testing.T) {
	gate := newFakeGate(0)
	watcher := &fakeWatcher{gate: gate}
	ramp := prober.NewRamp(prober.RampOptions{
		Start:       10,
		Step:        10,
		Ceiling:     30,
		SettleDelay: 10 * time.Second,
		Client:      gate,
		Watcher:     watcher,
	})

	start := time.Now()
	report, err := ramp.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("queued settle fell back to the settle delay")
	}
	if watcher.calls.Load() != 3 {
		t.Fatalf("watcher calls = %d, want 3", watcher.calls.Load())
	}
	for _, level := range report.Levels {
		if *level.ReleasedWaiting != level.Concurrency {
			t.Errorf("level %d released %d", level.Concurrency, *level.ReleasedWaiting)
		}
	}
}

func TestRampLevelLatencyIsPerLevel(t *testing.T) {
	gate := newFakeGate(0)
	ramp := prober.NewRamp(prober.RampOptions{
		Start:       3,
		Step:        3,
		Ceiling:     6,
		SettleDelay: 10 * time.Second,
		Client:      gate,
		Watcher:     &fakeWatcher{gate: gate, linger: 300 * time.Millisecond},
	})

	report, err := ramp.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Levels) != 2 {
		t.Fatalf("levels = %d, want 2", len(report.Levels))
	}
	slow, fast := report.Levels[0], report.Levels[1]
	if slow.Latency.MinMs < 250 {
		t.Fatalf("first level latency = %+v, want at least 250ms", slow.Latency)
	}
	if fast.Latency.MaxMs >= 250 {
		t.Fatalf("second level latency = %+v carries the first level's calls", fast.Latency)
	}
}

func TestRampQueuedSettleFallsBackToDelay(t *testing.T) {
	gate := newFakeGate(0)
	ramp := prober.NewRamp(prober.RampOptions{
		Start:       4,
		Step:        4,
		Ceiling:     4,
		SettleDelay: 20 * time.Millisecond,
		Client:      gate,
		Watcher:     &fakeWatcher{gate: gate, fail: true},
	})

	report, err := ramp.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !report.Completed || report.LastSuccess != 4 {
		t.Fatalf("report = %+v, want completed", report)
	}
}

func TestRampBlockTimeoutIsFailure(t *testing.T) {
	gate := newFakeGate(0)
	stuck := &stuckReleaser{fakeGate: gate}
	ramp := prober.NewRamp(prober.RampOptions{
		Start:        2,
		Step:         1,
		Ceiling:      5,
		SettleDelay:  time.Millisecond,
		BlockTimeout: 50 * time.Millisecond,
		Client:       stuck,
	})

	report, err := ramp.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.FailedAt != 2 || report.LastSuccess != 0 {
		t.Fatalf("report = %+v, want failure at 2", report)
	}
	if report.Levels[0].Errors["Context deadline exceeded"] != 2 {
		t.Fatalf("errors = %v", report.Levels[0].Errors)
	}
}

// stuckReleaser acknowledges releases without opening the gate.
type stuckReleaser struct {
	*fakeGate
}

func (s *stuckReleaser) Release(context.Context, gateclient.ReleaseParams) (gateclient.ReleaseResponse, error) {
	return gateclient.ReleaseResponse{Round: 1}, nil
}

func TestRampRequestIDsAreUnique(t *testing.T) {
	var ids sync.Map
	var dup atomic.Bool
	gate := newFakeGate(0)
	client := &idCheckingGate{fakeGate: gate, ids: &ids, dup: &dup}
	ramp := prober.NewRamp(prober.RampOptions{
		Start:       5,
		Step:        5,
		Ceiling:     15,
		SettleDelay: 10 * time.Millisecond,
		SessionID:   "sess",
		Client:      client,
	})
	if _, err := ramp.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if dup.Load() {
		t.Fatal("duplicate request id")
	}
	if _, ok := ids.Load("sess-10-9"); !ok {
		t.Fatal("request id sess-10-9 not seen")
	}
}

type idCheckingGate struct {
	*fakeGate
	ids *sync.Map
	dup *atomic.Bool
}

func (g *idCheckingGate) Block(ctx context.Context, hold time.Duration, id string) (gateclient.BlockResponse, error) {
	if _, loaded := g.ids.LoadOrStore(id, struct{}{}); loaded {
		g.dup.Store(true)
	}
	return g.fakeGate.Block(ctx, hold, id)
}

func TestRampLevelsSchedule(t *testing.T) {
	cases := []struct {
		name                              string
		start, step, ceiling, maxInFlight int
		want                              []int
	}{
		{"default", 5, 20, 100, 0, []int{5, 25, 45, 65, 85}},
		{"exact ceiling", 1, 1, 3, 0, []int{1, 2, 3}},
		{"capped by in-flight", 10, 10, 100, 35, []int{10, 20, 30}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := prober.NewRamp(prober.RampOptions{
				Start: tc.start, Step: tc.step, Ceiling: tc.ceiling, MaxInFlight: tc.maxInFlight,
				Client: newFakeGate(0),
			})
			got := r.Levels()
			if len(got) != len(tc.want) {
				t.Fatalf("Levels() = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("Levels() = %v, want %v", got, tc.want)
				}
			}
		})
	}
}
