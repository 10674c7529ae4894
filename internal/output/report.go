package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/torosent/gateprobe/internal/gate"
	"github.com/torosent/gateprobe/internal/metrics"
	"github.com/torosent/gateprobe/internal/prober"
	"github.com/torosent/gateprobe/internal/threshold"
)

// TargetReport collects every probe run against one server.
type TargetReport struct {
	Name        string               `json:"name" yaml:"name"`
	BaseURL     string               `json:"base_url" yaml:"base_url"`
	Healthy     bool                 `json:"healthy" yaml:"healthy"`
	ServerType  string               `json:"server_type,omitempty" yaml:"server_type,omitempty"`
	HealthError string               `json:"health_error,omitempty" yaml:"health_error,omitempty"`
	GateBefore  *gate.State          `json:"gate_before,omitempty" yaml:"gate_before,omitempty"`
	Ramp        *prober.RampReport   `json:"ramp,omitempty" yaml:"ramp,omitempty"`
	Window      *prober.WindowReport `json:"window,omitempty" yaml:"window,omitempty"`
	Thresholds  []threshold.Result   `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// Report is the full result of a gateprobe run.
type Report struct {
	Session string         `json:"session" yaml:"session"`
	Targets []TargetReport `json:"targets" yaml:"targets"`
}

// PrintLevel writes a one-line summary of a finished ramp level.
func PrintLevel(w io.Writer, target string, level prober.LevelResult) {
	status := "ok"
	if !level.OK() {
		status = "FAIL"
	}
	released := "-"
	if level.ReleasedWaiting != nil {
		released = fmt.Sprintf("%d", *level.ReleasedWaiting)
	}
	fmt.Fprintf(w, "[%s] level %5d  %-4s  ok=%d failed=%d released=%s rounds=%v mean=%.1fms\n",
		target, level.Concurrency, status, level.Succeeded, level.Failed, released, level.Rounds, level.Latency.MeanMs)
}

// PrintRampReport outputs a human-readable summary of a ramp.
func PrintRampReport(w io.Writer, r prober.RampReport) {
	fmt.Fprintf(w, "\n--- Concurrency Ramp: %s ---\n", r.Target)
	fmt.Fprintf(w, "Levels Tried:      %d\n", len(r.Levels))
	fmt.Fprintf(w, "Last Success:      %d\n", r.LastSuccess)
	switch {
	case r.Aborted:
		fmt.Fprintf(w, "Outcome:           aborted (%s)\n", r.AbortReason)
	case r.FailedAt > 0:
		fmt.Fprintf(w, "Outcome:           failed at %d\n", r.FailedAt)
	default:
		fmt.Fprintln(w, "Outcome:           reached ceiling")
	}
	fmt.Fprintf(w, "Duration:          %.0fms\n", r.DurationMs)

	if len(r.Levels) == 0 {
		return
	}
	last := r.Levels[len(r.Levels)-1]
	fmt.Fprintln(w, "\nLast Level Latency:")
	writeLatency(w, last.Latency, "  ")
	if !last.OK() {
		fmt.Fprintln(w, "\nErrors:")
		writeErrorBuckets(w, last.Errors, "  ")
		writeSamples(w, last.SampleErrors, "  ")
	}
}

// PrintWindowReport outputs a human-readable summary of a burst window.
func PrintWindowReport(w io.Writer, r prober.WindowReport) {
	fmt.Fprintf(w, "\n--- Burst Window: %s ---\n", r.Target)
	fmt.Fprintf(w, "Window:            %.0fms\n", r.WindowMs)
	fmt.Fprintf(w, "Dispatched:        %d\n", r.Dispatched)
	fmt.Fprintf(w, "Successful:        %d\n", r.Succeeded)
	fmt.Fprintf(w, "Failed:            %d\n", r.Failed)
	fmt.Fprintf(w, "Dispatch Duration: %.0fms\n", r.DispatchDurationMs)
	fmt.Fprintf(w, "Dispatch Rate:     %.2f/s\n", r.DispatchRate)
	if r.Dispatched > 0 {
		fmt.Fprintln(w, "\nLatency:")
		writeLatency(w, r.Latency, "  ")
	}
	if r.Failed > 0 {
		fmt.Fprintln(w, "\nErrors:")
		writeErrorBuckets(w, r.Errors, "  ")
		writeSamples(w, r.SampleErrors, "  ")
	}
}

// PrintThresholdResults lists the threshold checks of one target.
func PrintThresholdResults(w io.Writer, target string, results []threshold.Result) {
	if len(results) == 0 {
		return
	}
	passed := 0
	for _, r := range results {
		if r.Pass {
			passed++
		}
	}
	fmt.Fprintf(w, "\n--- Thresholds: %s (%d/%d passed) ---\n", target, passed, len(results))
	for _, r := range results {
		fmt.Fprintf(w, "  %s\n", r.Message)
	}
}

// PrintSummary writes a one-line verdict per target.
func PrintSummary(w io.Writer, report Report) {
	fmt.Fprintln(w, "\n--- Summary ---")
	for _, t := range report.Targets {
		var parts []string
		if !t.Healthy {
			parts = append(parts, "unhealthy: "+t.HealthError)
		}
		if t.Ramp != nil {
			switch {
			case t.Ramp.Aborted:
				parts = append(parts, fmt.Sprintf("ramp aborted after %d", t.Ramp.LastSuccess))
			case t.Ramp.FailedAt > 0:
				parts = append(parts, fmt.Sprintf("sustained %d, failed at %d", t.Ramp.LastSuccess, t.Ramp.FailedAt))
			default:
				parts = append(parts, fmt.Sprintf("sustained %d (ceiling)", t.Ramp.LastSuccess))
			}
		}
		if t.Window != nil {
			parts = append(parts, fmt.Sprintf("window %d dispatched at %.1f/s", t.Window.Dispatched, t.Window.DispatchRate))
		}
		if len(t.Thresholds) > 0 && !threshold.AllPassed(t.Thresholds) {
			parts = append(parts, "thresholds failed")
		}
		fmt.Fprintf(w, "%-12s %s\n", t.Name, strings.Join(parts, "; "))
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, report Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// PrintYAMLReport outputs a YAML-formatted report.
func PrintYAMLReport(w io.Writer, report Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return err
	}
	return enc.Close()
}

func writeLatency(w io.Writer, l prober.LatencySummary, indent string) {
	fmt.Fprintf(w, "%sMin:             %.2fms\n", indent, l.MinMs)
	fmt.Fprintf(w, "%sMean:            %.2fms\n", indent, l.MeanMs)
	fmt.Fprintf(w, "%sMax:             %.2fms\n", indent, l.MaxMs)
}

func writeErrorBuckets(w io.Writer, errs map[string]int, indent string) {
	rows := metrics.FlattenErrors(errs)
	if len(rows) == 0 {
		fmt.Fprintf(w, "%sNone\n", indent)
		return
	}
	for _, row := range rows {
		fmt.Fprintf(w, "%s%s: %d\n", indent, row.Kind, row.Count)
	}
}

func writeSamples(w io.Writer, samples []string, indent string) {
	for _, s := range samples {
		fmt.Fprintf(w, "%s> %s\n", indent, s)
	}
}
