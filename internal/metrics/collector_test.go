package metrics_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/url"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/torosent/gateprobe/internal/metrics"
)

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("status %d", e.code) }
func (e *statusError) Status() int   { return e.code }

// within reports whether got is within 1% of want; the histogram keeps three
// significant figures.
func within(got, want float64) bool {
	return math.Abs(got-want) <= want/100
}

func TestCollectorLatencyStats(t *testing.T) {
	c := metrics.NewCollector()

	c.RecordRequest(10*time.Millisecond, nil)
	c.RecordRequest(20*time.Millisecond, nil)
	c.RecordRequest(30*time.Millisecond, nil)
	c.RecordRequest(40*time.Millisecond, nil)
	c.RecordRequest(50*time.Millisecond, errors.New("boom"))

	stats := c.Stats(0)

	if stats.Total != 5 {
		t.Errorf("expected total 5, got %d", stats.Total)
	}
	if stats.Successes != 4 {
		t.Errorf("expected successes 4, got %d", stats.Successes)
	}
	if stats.Failures != 1 {
		t.Errorf("expected failures 1, got %d", stats.Failures)
	}
	if !within(stats.Latency.MinMs, 10) {
		t.Errorf("expected min ~10ms, got %.2f", stats.Latency.MinMs)
	}
	if !within(stats.Latency.MaxMs, 50) {
		t.Errorf("expected max ~50ms, got %.2f", stats.Latency.MaxMs)
	}
	if !within(stats.Latency.MeanMs, 30) {
		t.Errorf("expected mean ~30ms, got %.2f", stats.Latency.MeanMs)
	}
	if stats.RequestsPerSec != 0 {
		t.Errorf("expected zero rate without elapsed time, got %f", stats.RequestsPerSec)
	}
}

func TestCollectorEmpty(t *testing.T) {
	stats := metrics.NewCollector().Stats(time.Second)
	if stats.Total != 0 || stats.Latency != (metrics.Latency{}) || stats.Errors != nil {
		t.Fatalf("unexpected stats for empty collector: %+v", stats)
	}
}

func TestCollectorClampsOutOfRange(t *testing.T) {
	c := metrics.NewCollector()
	c.RecordRequest(0, nil)
	c.RecordRequest(2*time.Minute, nil)

	stats := c.Stats(0)
	if stats.Total != 2 {
		t.Fatalf("Total = %d, want 2", stats.Total)
	}
	if stats.Latency.MinMs > 0.002 {
		t.Errorf("min = %.4fms, want the 1µs floor", stats.Latency.MinMs)
	}
	if !within(stats.Latency.MaxMs, 60000) {
		t.Errorf("max = %.2fms, want the one-minute ceiling", stats.Latency.MaxMs)
	}
}

func TestCollectorErrorsAndRate(t *testing.T) {
	c := metrics.NewCollector()
	c.RecordRequest(time.Millisecond, &statusError{code: 503})
	c.RecordRequest(time.Millisecond, fmt.Errorf("block: %w", &statusError{code: 503}))
	c.RecordRequest(time.Millisecond, context.DeadlineExceeded)
	c.RecordRequest(time.Millisecond, nil)

	stats := c.Stats(2 * time.Second)
	if stats.Errors["HTTP 503"] != 2 {
		t.Errorf("expected 2 HTTP 503 errors, got %v", stats.Errors)
	}
	if stats.Errors["Context deadline exceeded"] != 1 {
		t.Errorf("expected deadline bucket, got %v", stats.Errors)
	}
	if stats.RequestsPerSec != 2 {
		t.Errorf("expected 2 req/s, got %f", stats.RequestsPerSec)
	}
	if stats.DurationMs != 2000 {
		t.Errorf("expected 2000ms duration, got %f", stats.DurationMs)
	}

	rows := metrics.FlattenErrors(stats.Errors)
	if len(rows) != 2 || rows[0].Kind != "HTTP 503" || rows[0].Count != 2 {
		t.Errorf("unexpected rows %+v", rows)
	}
}

func TestCollectorReset(t *testing.T) {
	c := metrics.NewCollector()
	c.RecordRequest(time.Second, errors.New("x"))
	c.Reset()
	if stats := c.Stats(0); stats.Total != 0 || len(stats.Errors) != 0 {
		t.Fatalf("expected empty stats after reset, got %+v", stats)
	}
}

func TestCollectorConcurrentRecording(t *testing.T) {
	c := metrics.NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				c.RecordRequest(time.Duration(i+j)*time.Millisecond, nil)
			}
		}(i)
	}
	wg.Wait()
	if stats := c.Stats(0); stats.Total != 1000 {
		t.Fatalf("expected 1000 records, got %d", stats.Total)
	}
}

type gateFailure struct{}

func (gateFailure) Error() string { return "gate failure" }

func TestClassifyError(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"status", &statusError{code: 500}, "HTTP 500"},
		{"wrapped status", fmt.Errorf("block: %w", &statusError{code: 503}), "HTTP 503"},
		{"canceled", fmt.Errorf("wrapped: %w", context.Canceled), metrics.KindCanceled},
		{"deadline inside url error", &url.Error{Op: "Get", URL: "http://x", Err: context.DeadlineExceeded}, metrics.KindDeadline},
		{"refused", &url.Error{Op: "Get", URL: "http://x", Err: refused}, metrics.KindRefused},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), metrics.KindReset},
		{"eof", &url.Error{Op: "Get", URL: "http://x", Err: io.EOF}, metrics.KindEOF},
		{"dns", &net.DNSError{Err: "no such host", Name: "gate.invalid"}, metrics.KindDNS},
		{"plain", errors.New("plain"), "errorString (errors)"},
		{"custom type", fmt.Errorf("probe: %w", gateFailure{}), "gateFailure (metrics_test)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := metrics.ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
