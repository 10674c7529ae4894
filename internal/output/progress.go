package output

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/torosent/gateprobe/internal/metrics"
)

// Progress redraws a one-line status for a running burst window.
type Progress struct {
	collector *metrics.Collector
	label     string
	window    time.Duration
	w         io.Writer
	start     time.Time

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartProgress begins redrawing every interval until Stop is called. window
// is the planned window length; zero hides the elapsed/planned column.
func StartProgress(collector *metrics.Collector, label string, window, interval time.Duration, w io.Writer) *Progress {
	if w == nil {
		w = io.Discard
	}
	p := &Progress{
		collector: collector,
		label:     label,
		window:    window,
		w:         w,
		start:     time.Now(),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.loop(interval)
	return p
}

// Stop draws a final line and ends it with a newline. Later calls do nothing.
func (p *Progress) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		<-p.done
		fmt.Fprintf(p.w, "%s\n", p.line())
	})
}

func (p *Progress) loop(interval time.Duration) {
	defer close(p.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-t.C:
			fmt.Fprint(p.w, p.line())
		}
	}
}

func (p *Progress) line() string {
	elapsed := time.Since(p.start)
	s := p.collector.Stats(elapsed)
	clock := fmt.Sprintf("%5.1fs", elapsed.Seconds())
	if p.window > 0 {
		clock += fmt.Sprintf("/%.1fs", p.window.Seconds())
	}
	return fmt.Sprintf("\r[%s] %s  done %d  ok %d  failed %d  mean %.1fms",
		p.label, clock, s.Total, s.Successes, s.Failures, s.Latency.MeanMs)
}
