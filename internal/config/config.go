package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/torosent/gateprobe/internal/gate"
	"github.com/torosent/gateprobe/internal/logging"
)

// MaxInFlightCap is the hard ceiling on simultaneous block calls per level.
const MaxInFlightCap = 10000

type FanoutMode string

const (
	FanoutConcurrent FanoutMode = "concurrent"
	FanoutSequential FanoutMode = "sequential"
)

type SettleMode string

const (
	SettleDelay  SettleMode = "delay"
	SettleQueued SettleMode = "queued"
)

type ProbeKind string

const (
	ProbeRamp   ProbeKind = "ramp"
	ProbeWindow ProbeKind = "window"
)

// DefaultTargets maps the well-known server names to their local addresses.
func DefaultTargets() map[string]string {
	return map[string]string{
		"loop":       "http://localhost:8001",
		"threaded":   "http://localhost:8002",
		"sequential": "http://localhost:8003",
	}
}

// targetOrder is the order "all" visits the default targets in.
var targetOrder = []string{"loop", "threaded", "sequential"}

// ServerConfig configures gateserver.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Gate            string        `mapstructure:"gate"`
	Fanout          FanoutMode    `mapstructure:"fanout"`
	Upstream        string        `mapstructure:"upstream"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	Tracing         TracingConfig `mapstructure:"tracing"`
	ConfigFile      string        `mapstructure:"-"`
}

// ProbeConfig configures gateprobe.
type ProbeConfig struct {
	Target         string            `mapstructure:"target"`
	BaseURL        string            `mapstructure:"base_url"`
	Targets        map[string]string `mapstructure:"targets"`
	Probes         []ProbeKind       `mapstructure:"probes"`
	Start          int               `mapstructure:"start"`
	Step           int               `mapstructure:"step"`
	Ceiling        int               `mapstructure:"ceiling"`
	MaxInFlight    int               `mapstructure:"max_in_flight"`
	BlockDelay     time.Duration     `mapstructure:"block_delay"`
	SettleDelay    time.Duration     `mapstructure:"settle_delay"`
	SettleMode     SettleMode        `mapstructure:"settle_mode"`
	SettleTimeout  time.Duration     `mapstructure:"settle_timeout"`
	BlockTimeout   time.Duration     `mapstructure:"block_timeout"`
	ReleaseTimeout time.Duration     `mapstructure:"release_timeout"`
	Window         time.Duration     `mapstructure:"window"`
	MaxWorkers     int               `mapstructure:"max_workers"`
	Rate           int               `mapstructure:"rate"`
	SkipHealth     bool              `mapstructure:"skip_health"`
	JSONOutput     bool              `mapstructure:"json_output"`
	YAMLOutput     bool              `mapstructure:"yaml_output"`
	LogErrors      bool              `mapstructure:"log_errors"`
	Thresholds     []string          `mapstructure:"thresholds"`
	LogLevel       string            `mapstructure:"log_level"`
	LogFormat      string            `mapstructure:"log_format"`
	Tracing        TracingConfig     `mapstructure:"tracing"`
	ConfigFile     string            `mapstructure:"-"`
}

// TracingConfig configures OpenTelemetry export. On the probe side Propagate
// sends W3C trace headers; on the server side it continues incoming traces.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
	Propagate   *bool   `mapstructure:"propagate"`
}

// Enabled reports whether an exporter endpoint is configured, either directly
// or through OTEL_EXPORTER_OTLP_ENDPOINT.
func (t TracingConfig) Enabled() bool {
	if strings.TrimSpace(t.Endpoint) != "" {
		return true
	}
	return os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
}

// ShouldPropagate reports whether W3C trace context crosses the wire.
// It follows Enabled unless set explicitly.
func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate != nil {
		return *t.Propagate
	}
	return t.Enabled()
}

// Target is one server to probe.
type Target struct {
	Name    string
	BaseURL string
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c ServerConfig) Validate() error {
	var issues []string

	if strings.TrimSpace(c.Addr) == "" {
		issues = append(issues, "addr is required")
	}
	if _, err := gate.ParseModel(c.Gate); err != nil {
		issues = append(issues, err.Error())
	}
	switch c.Fanout {
	case FanoutConcurrent, FanoutSequential:
	default:
		issues = append(issues, fmt.Sprintf("fanout must be %q or %q", FanoutConcurrent, FanoutSequential))
	}
	if err := validateHTTPURL(c.Upstream); err != nil {
		issues = append(issues, "upstream "+err.Error())
	}
	if c.UpstreamTimeout <= 0 {
		issues = append(issues, "upstream-timeout must be > 0")
	}
	if c.ShutdownTimeout < 0 {
		issues = append(issues, "shutdown-timeout must be >= 0")
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		issues = append(issues, err.Error())
	}
	issues = append(issues, validateTracingConfig(c.Tracing)...)

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func (c ProbeConfig) Validate() error {
	var issues []string

	if c.Start < 1 {
		issues = append(issues, "start must be >= 1")
	}
	if c.Step < 1 {
		issues = append(issues, "step must be >= 1")
	}
	if c.Ceiling < c.Start {
		issues = append(issues, "ceiling must be >= start")
	}
	if c.MaxInFlight < 1 || c.MaxInFlight > MaxInFlightCap {
		issues = append(issues, fmt.Sprintf("max-in-flight must be between 1 and %d", MaxInFlightCap))
	}
	if err := gate.ValidateHold(c.BlockDelay); err != nil {
		issues = append(issues, "block-delay: "+err.Error())
	}
	if c.SettleDelay < 0 {
		issues = append(issues, "settle-delay must be >= 0")
	}
	switch c.SettleMode {
	case SettleDelay:
	case SettleQueued:
		if c.SettleTimeout <= 0 {
			issues = append(issues, "settle-timeout must be > 0 in queued mode")
		}
	default:
		issues = append(issues, fmt.Sprintf("settle-mode must be %q or %q", SettleDelay, SettleQueued))
	}
	if c.BlockTimeout <= 0 {
		issues = append(issues, "block-timeout must be > 0")
	}
	if c.ReleaseTimeout <= 0 {
		issues = append(issues, "release-timeout must be > 0")
	}
	if c.Window <= 0 {
		issues = append(issues, "window must be > 0")
	}
	if c.MaxWorkers < 1 {
		issues = append(issues, "max-workers must be >= 1")
	}
	if c.Rate < 0 {
		issues = append(issues, "rate must be >= 0")
	}
	if c.JSONOutput && c.YAMLOutput {
		issues = append(issues, "json-output and yaml-output are mutually exclusive")
	}

	if len(c.Probes) == 0 {
		issues = append(issues, "at least one probe is required")
	}
	for _, p := range c.Probes {
		if p != ProbeRamp && p != ProbeWindow {
			issues = append(issues, fmt.Sprintf("unknown probe %q (use ramp or window)", p))
		}
	}

	if strings.TrimSpace(c.BaseURL) != "" {
		if err := validateHTTPURL(c.BaseURL); err != nil {
			issues = append(issues, "base-url "+err.Error())
		}
	} else if _, err := c.ResolveTargets(); err != nil {
		issues = append(issues, err.Error())
	}
	for name, raw := range c.Targets {
		if err := validateHTTPURL(raw); err != nil {
			issues = append(issues, fmt.Sprintf("targets.%s %s", name, err.Error()))
		}
	}

	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		issues = append(issues, err.Error())
	}
	issues = append(issues, validateTracingConfig(c.Tracing)...)

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

// ResolveTargets returns the servers selected by Target and BaseURL.
// An explicit BaseURL wins over the target table.
func (c ProbeConfig) ResolveTargets() ([]Target, error) {
	name := strings.ToLower(strings.TrimSpace(c.Target))
	if base := strings.TrimSpace(c.BaseURL); base != "" {
		if name == "" || name == "all" {
			name = "custom"
		}
		return []Target{{Name: name, BaseURL: strings.TrimRight(base, "/")}}, nil
	}

	table := c.Targets
	if len(table) == 0 {
		table = DefaultTargets()
	}
	if name == "" || name == "all" {
		return orderedTargets(table), nil
	}
	raw, ok := table[name]
	if !ok {
		return nil, fmt.Errorf("unknown target %q", c.Target)
	}
	return []Target{{Name: name, BaseURL: strings.TrimRight(raw, "/")}}, nil
}

// HasProbe reports whether kind was requested.
func (c ProbeConfig) HasProbe(kind ProbeKind) bool {
	for _, p := range c.Probes {
		if p == kind {
			return true
		}
	}
	return false
}

func orderedTargets(table map[string]string) []Target {
	seen := make(map[string]bool, len(table))
	targets := make([]Target, 0, len(table))
	for _, name := range targetOrder {
		if raw, ok := table[name]; ok {
			targets = append(targets, Target{Name: name, BaseURL: strings.TrimRight(raw, "/")})
			seen[name] = true
		}
	}
	var rest []string
	for name := range table {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		targets = append(targets, Target{Name: name, BaseURL: strings.TrimRight(table[name], "/")})
	}
	return targets
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("is not a valid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host")
	}
	return nil
}

func validateTracingConfig(t TracingConfig) []string {
	var issues []string
	if t.SampleRate < 0 || t.SampleRate > 1 {
		issues = append(issues, "tracing sample-rate must be between 0.0 and 1.0")
	}
	switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
	case "", "grpc", "http":
	default:
		issues = append(issues, fmt.Sprintf("tracing protocol must be grpc or http, got %q", t.Protocol))
	}
	return issues
}
