package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Histogram bounds in microseconds. Block calls can legitimately park for
// tens of seconds, so the top end is a minute.
const (
	minTrackable = 1
	maxTrackable = int64(time.Minute / time.Microsecond)
	sigFigs      = 3
)

// Latency summarises call latency in milliseconds.
type Latency struct {
	MinMs  float64 `json:"min_ms" yaml:"min_ms"`
	MeanMs float64 `json:"mean_ms" yaml:"mean_ms"`
	MaxMs  float64 `json:"max_ms" yaml:"max_ms"`
}

// Stats is a point-in-time view of a Collector.
type Stats struct {
	Total          int64          `json:"total" yaml:"total"`
	Successes      int64          `json:"successes" yaml:"successes"`
	Failures       int64          `json:"failures" yaml:"failures"`
	Latency        Latency        `json:"latency" yaml:"latency"`
	DurationMs     float64        `json:"duration_ms" yaml:"duration_ms"`
	RequestsPerSec float64        `json:"requests_per_sec" yaml:"requests_per_sec"`
	Errors         map[string]int `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Collector records the latency and outcome of probe calls. It is safe for
// concurrent use.
type Collector struct {
	mu        sync.Mutex
	hist      *hdrhistogram.Histogram
	successes int64
	failures  int64
	errors    map[string]int
}

func NewCollector() *Collector {
	return &Collector{
		hist:   hdrhistogram.New(minTrackable, maxTrackable, sigFigs),
		errors: make(map[string]int),
	}
}

// RecordRequest records one call. Latencies outside the histogram range are
// clamped rather than dropped so every call is counted.
func (c *Collector) RecordRequest(latency time.Duration, err error) {
	us := min(max(latency.Microseconds(), minTrackable), maxTrackable)

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.hist.RecordValue(us)
	if err == nil {
		c.successes++
		return
	}
	c.failures++
	c.errors[ClassifyError(err)]++
}

// Stats summarises everything recorded so far. elapsed is the wall time the
// calls were spread over and only feeds RequestsPerSec.
func (c *Collector) Stats(elapsed time.Duration) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Total:      c.successes + c.failures,
		Successes:  c.successes,
		Failures:   c.failures,
		DurationMs: toMs(elapsed),
	}
	if c.hist.TotalCount() > 0 {
		s.Latency = Latency{
			MinMs:  usToMs(float64(c.hist.Min())),
			MeanMs: usToMs(c.hist.Mean()),
			MaxMs:  usToMs(float64(c.hist.Max())),
		}
	}
	if elapsed > 0 && s.Total > 0 {
		s.RequestsPerSec = float64(s.Total) / elapsed.Seconds()
	}
	if len(c.errors) > 0 {
		s.Errors = make(map[string]int, len(c.errors))
		for k, v := range c.errors {
			s.Errors[k] = v
		}
	}
	return s
}

// Reset clears the collector for reuse.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hist.Reset()
	c.successes, c.failures = 0, 0
	clear(c.errors)
}

func toMs(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func usToMs(us float64) float64 { return us / 1000 }
