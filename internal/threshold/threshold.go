package threshold

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/torosent/gateprobe/internal/prober"
)

var (
	// ErrNoRampReport is reported when a ramp threshold is checked but no ramp ran.
	ErrNoRampReport = errors.New("ramp did not run")
	// ErrNoWindowReport is reported when a window threshold is checked but no window ran.
	ErrNoWindowReport = errors.New("window did not run")
)

var pattern = regexp.MustCompile(`^([a-z_]+):([a-z_0-9]+)\s*([<>=!]+)\s*([0-9.]+)$`)

// Supported metrics and their aggregates.
var aggregates = map[string][]string{
	"ramp":           {"last_success", "failed_at", "levels"},
	"window":         {"dispatched", "succeeded", "failed", "failure_rate", "rate"},
	"window_latency": {"min", "avg", "max"},
}

var operators = []string{"<", "<=", ">", ">=", "==", "!="}

// Threshold is an assertion against a probe result.
type Threshold struct {
	Metric    string  `json:"metric" yaml:"metric"`       // e.g., "ramp", "window"
	Aggregate string  `json:"aggregate" yaml:"aggregate"` // e.g., "last_success", "rate"
	Operator  string  `json:"operator" yaml:"operator"`
	Value     float64 `json:"value" yaml:"value"`
	Raw       string  `json:"raw" yaml:"raw"`
}

// Result is the outcome of evaluating a threshold.
type Result struct {
	Threshold Threshold `json:"threshold" yaml:"threshold"`
	Actual    float64   `json:"actual" yaml:"actual"`
	Pass      bool      `json:"pass" yaml:"pass"`
	Message   string    `json:"message" yaml:"message"`
}

// Evaluator checks thresholds against the reports of one target.
type Evaluator struct {
	thresholds []Threshold
}

// NewEvaluator creates a new threshold evaluator.
func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{
		thresholds: thresholds,
	}
}

// Evaluate checks all thresholds. Either report may be nil when that probe
// did not run; thresholds that need it fail.
func (e *Evaluator) Evaluate(ramp *prober.RampReport, window *prober.WindowReport) []Result {
	if len(e.thresholds) == 0 {
		return nil
	}

	results := make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		results = append(results, evaluateOne(t, ramp, window))
	}
	return results
}

// AllPassed reports whether every result passed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Pass {
			return false
		}
	}
	return true
}

func evaluateOne(t Threshold, ramp *prober.RampReport, window *prober.WindowReport) Result {
	actual, err := extractMetricValue(t, ramp, window)
	if err != nil {
		return Result{
			Threshold: t,
			Pass:      false,
			Message:   fmt.Sprintf("✗ %s: error: %v", t.Raw, err),
		}
	}

	pass := compareValues(actual, t.Operator, t.Value)
	status := "✓"
	if !pass {
		status = "✗"
	}
	return Result{
		Threshold: t,
		Actual:    actual,
		Pass:      pass,
		Message:   fmt.Sprintf("%s %s: %.2f %s %.2f", status, t.Raw, actual, t.Operator, t.Value),
	}
}

// Parse parses a threshold string into a Threshold struct.
// Supported formats:
// - "ramp:last_success >= 100"      (highest level with no failures)
// - "ramp:failed_at == 0"           (first failing level, 0 when none failed)
// - "ramp:levels > 3"               (number of levels tried)
// - "ramp:failed_at != 0"           (some level failed)
// - "window:dispatched > 50"        (calls sent during the window)
// - "window:failure_rate < 0.01"    (failed / dispatched)
// - "window:rate > 20"              (dispatches per second)
// - "window_latency:max < 4000"     (window call latency in ms: min, avg, max)
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Threshold{}, fmt.Errorf("empty threshold string")
	}

	matches := pattern.FindStringSubmatch(s)
	if matches == nil {
		return Threshold{}, fmt.Errorf("invalid threshold format: %q (expected format: metric:aggregate operator value, e.g., 'ramp:last_success >= 100')", s)
	}
	metric, aggregate, operator, valueStr := matches[1], matches[2], matches[3], matches[4]

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %v", valueStr, err)
	}

	allowed, ok := aggregates[metric]
	if !ok {
		return Threshold{}, fmt.Errorf("unsupported metric: %q (supported: ramp, window, window_latency)", metric)
	}
	if !contains(allowed, aggregate) {
		return Threshold{}, fmt.Errorf("unsupported aggregate %q for %s (supported: %s)", aggregate, metric, strings.Join(allowed, ", "))
	}
	if !contains(operators, operator) {
		return Threshold{}, fmt.Errorf("unsupported operator: %q (supported: <, <=, >, >=, ==, !=)", operator)
	}

	return Threshold{
		Metric:    metric,
		Aggregate: aggregate,
		Operator:  operator,
		Value:     value,
		Raw:       s,
	}, nil
}

// ParseMultiple parses multiple threshold strings.
func ParseMultiple(thresholds []string) ([]Threshold, error) {
	if len(thresholds) == 0 {
		return nil, nil
	}

	result := make([]Threshold, 0, len(thresholds))
	var issues []string
	for i, s := range thresholds {
		t, err := Parse(s)
		if err != nil {
			issues = append(issues, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		result = append(result, t)
	}
	if len(issues) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(issues, "; "))
	}
	return result, nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func extractMetricValue(t Threshold, ramp *prober.RampReport, window *prober.WindowReport) (float64, error) {
	switch t.Metric {
	case "ramp":
		if ramp == nil {
			return 0, ErrNoRampReport
		}
		return extractRampMetric(t.Aggregate, *ramp)
	case "window":
		if window == nil {
			return 0, ErrNoWindowReport
		}
		return extractWindowMetric(t.Aggregate, *window)
	case "window_latency":
		if window == nil {
			return 0, ErrNoWindowReport
		}
		return extractLatencyMetric(t.Aggregate, window.Latency)
	default:
		return 0, fmt.Errorf("unknown metric: %s", t.Metric)
	}
}

func extractRampMetric(aggregate string, r prober.RampReport) (float64, error) {
	switch aggregate {
	case "last_success":
		return float64(r.LastSuccess), nil
	case "failed_at":
		return float64(r.FailedAt), nil
	case "levels":
		return float64(len(r.Levels)), nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q for ramp", aggregate)
	}
}

func extractWindowMetric(aggregate string, w prober.WindowReport) (float64, error) {
	switch aggregate {
	case "dispatched":
		return float64(w.Dispatched), nil
	case "succeeded":
		return float64(w.Succeeded), nil
	case "failed":
		return float64(w.Failed), nil
	case "failure_rate":
		if w.Dispatched == 0 {
			return 0, nil
		}
		return float64(w.Failed) / float64(w.Dispatched), nil
	case "rate":
		return w.DispatchRate, nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q for window", aggregate)
	}
}

func extractLatencyMetric(aggregate string, l prober.LatencySummary) (float64, error) {
	switch aggregate {
	case "min":
		return l.MinMs, nil
	case "avg":
		return l.MeanMs, nil
	case "max":
		return l.MaxMs, nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q for window_latency", aggregate)
	}
}

func compareValues(actual float64, operator string, expected float64) bool {
	epsilon := 1e-9

	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	case "!=":
		return math.Abs(actual-expected) >= epsilon
	default:
		return false
	}
}
