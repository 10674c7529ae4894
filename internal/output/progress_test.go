package output

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/torosent/gateprobe/internal/metrics"
)

// syncBuffer guards a bytes.Buffer shared with the reporter goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProgressStopWithoutTicks(t *testing.T) {
	buf := &syncBuffer{}
	p := StartProgress(metrics.NewCollector(), "loop window", 0, time.Hour, buf)
	p.Stop()

	out := buf.String()
	if strings.Count(out, "\n") != 1 || !strings.Contains(out, "[loop window]") {
		t.Fatalf("output = %q, want one final line", out)
	}
	if strings.Contains(out, "/") {
		t.Errorf("output = %q, want no planned window column", out)
	}
}

func TestProgressRedraws(t *testing.T) {
	collector := metrics.NewCollector()
	for i := 0; i < 3; i++ {
		collector.RecordRequest(50*time.Millisecond, nil)
	}
	collector.RecordRequest(time.Millisecond, errors.New("boom"))

	buf := &syncBuffer{}
	p := StartProgress(collector, "threaded window", 3*time.Second, 10*time.Millisecond, buf)
	time.Sleep(60 * time.Millisecond)
	p.Stop()
	p.Stop()

	out := buf.String()
	if strings.Count(out, "\r") < 2 {
		t.Errorf("expected several redraws, got %q", out)
	}
	for _, want := range []string{"[threaded window]", "/3.0s", "done 4", "ok 3", "failed 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("progress output missing %q: %q", want, out)
		}
	}
	if !strings.HasSuffix(out, "\n") || strings.Count(out, "\n") != 1 {
		t.Errorf("progress line not terminated once: %q", out)
	}
}
