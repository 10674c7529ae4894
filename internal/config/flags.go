package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newFlagCommand(use string, configure func(*pflag.FlagSet)) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configure(cmd.Flags())
	return cmd
}

func configureServerFlags(flags *pflag.FlagSet) {
	flags.String("addr", ":8001", "Listen address")
	flags.String("gate", "loop", "Gate model: 'loop' or 'threaded'")
	flags.String("fanout", string(FanoutConcurrent), "Benchmark fan-out mode: 'concurrent' or 'sequential'")
	flags.String("upstream", "http://localhost:8001", "Base URL the io-test benchmark calls /slow-io on")
	flags.Duration("upstream-timeout", 30*time.Second, "Per-call timeout for upstream benchmark requests")
	flags.Duration("shutdown-timeout", 10*time.Second, "Max time to drain in-flight requests on shutdown")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format: 'text' or 'json'")
	flags.String("config", "", "Path to configuration file (JSON or YAML)")
	configureTracingFlags(flags)
}

func configureProbeFlags(flags *pflag.FlagSet) {
	// Target selection
	flags.String("target", "all", "Server to probe: 'loop', 'threaded', 'sequential', a configured name, or 'all'")
	flags.String("base-url", "", "Probe this base URL instead of the target table")
	flags.StringToString("target-url", nil, "Override or add a target as name=url (repeatable)")
	flags.StringSlice("probes", []string{string(ProbeRamp), string(ProbeWindow)}, "Probes to run: ramp, window")
	flags.Bool("skip-health", false, "Probe targets without checking /health first")

	// Ramp flags
	flags.Int("start", 5, "First concurrency level")
	flags.Int("step", 20, "Concurrency increment between levels")
	flags.Int("ceiling", 500, "Highest concurrency level to try")
	flags.Int("max-in-flight", MaxInFlightCap, "Cap on simultaneous block calls per level")
	flags.Duration("block-delay", 50*time.Millisecond, "Hold each waiter serves after release")
	flags.Duration("settle-delay", 200*time.Millisecond, "Pause between launching a level and releasing it")
	flags.String("settle-mode", string(SettleDelay), "How to settle before release: 'delay' or 'queued'")
	flags.Duration("settle-timeout", 5*time.Second, "Max wait for the queue to fill in queued mode")
	flags.Duration("block-timeout", 15*time.Second, "Per-call timeout for block requests")
	flags.Duration("release-timeout", 5*time.Second, "Timeout for the release request")

	// Window flags
	flags.Duration("window", 3*time.Second, "Length of the burst dispatch window")
	flags.Int("max-workers", 200, "Max in-flight calls during the window")
	flags.IntP("rate", "r", 0, "Dispatches per second during the window (0 means unlimited)")

	// Threshold flags
	flags.StringSlice("threshold", nil, "Assertions checked per target (repeatable, e.g., 'ramp:last_success >= 100')")

	// Output flags
	flags.Bool("json-output", false, "Emit JSON formatted output")
	flags.Bool("yaml-output", false, "Emit YAML formatted output")
	flags.Bool("log-errors", false, "Log each failed request to stderr")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format: 'text' or 'json'")
	flags.String("config", "", "Path to configuration file (JSON or YAML)")
	configureTracingFlags(flags)
}

func configureTracingFlags(flags *pflag.FlagSet) {
	flags.String("tracing-endpoint", "", "OTLP collector endpoint (host:port)")
	flags.String("tracing-protocol", "grpc", "OTLP protocol: 'grpc' or 'http'")
	flags.String("tracing-service-name", "", "Service name reported on spans")
	flags.Float64("tracing-sample-rate", 1.0, "Trace sampling ratio between 0.0 and 1.0")
	flags.Bool("tracing-insecure", false, "Disable TLS to the collector")
	flags.Bool("tracing-propagate", false, "Carry W3C trace context between gateprobe and gateserver")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// changedFlags copies explicitly set flags onto config fields. Flags left at
// their defaults never overwrite values read from the config file.
type changedFlags struct {
	fs  *pflag.FlagSet
	err error
}

func (c *changedFlags) set(name string) bool {
	return c.err == nil && c.fs.Changed(name)
}

func (c *changedFlags) str(name string, dst *string) {
	if !c.set(name) {
		return
	}
	v, err := c.fs.GetString(name)
	if c.err = err; err == nil {
		*dst = strings.TrimSpace(v)
	}
}

func (c *changedFlags) word(name string, dst *string) {
	if !c.set(name) {
		return
	}
	v, err := c.fs.GetString(name)
	if c.err = err; err == nil {
		*dst = strings.ToLower(strings.TrimSpace(v))
	}
}

func (c *changedFlags) integer(name string, dst *int) {
	if !c.set(name) {
		return
	}
	v, err := c.fs.GetInt(name)
	if c.err = err; err == nil {
		*dst = v
	}
}

func (c *changedFlags) float(name string, dst *float64) {
	if !c.set(name) {
		return
	}
	v, err := c.fs.GetFloat64(name)
	if c.err = err; err == nil {
		*dst = v
	}
}

func (c *changedFlags) boolean(name string, dst *bool) {
	if !c.set(name) {
		return
	}
	v, err := c.fs.GetBool(name)
	if c.err = err; err == nil {
		*dst = v
	}
}

func (c *changedFlags) duration(name string, dst *time.Duration) {
	if !c.set(name) {
		return
	}
	v, err := c.fs.GetDuration(name)
	if c.err = err; err == nil {
		*dst = v
	}
}

func (c *changedFlags) list(name string, dst *[]string) {
	if !c.set(name) {
		return
	}
	v, err := c.fs.GetStringSlice(name)
	if c.err = err; err == nil {
		*dst = v
	}
}

// applyServerFlagOverrides applies command-line flag values to the config,
// overriding values from the config file.
func applyServerFlagOverrides(cfg *ServerConfig, fs *pflag.FlagSet) error {
	c := &changedFlags{fs: fs}
	c.str("addr", &cfg.Addr)
	c.word("gate", &cfg.Gate)
	fanout := string(cfg.Fanout)
	c.word("fanout", &fanout)
	cfg.Fanout = FanoutMode(fanout)
	c.str("upstream", &cfg.Upstream)
	c.duration("upstream-timeout", &cfg.UpstreamTimeout)
	c.duration("shutdown-timeout", &cfg.ShutdownTimeout)
	applyLogFlags(c, &cfg.LogLevel, &cfg.LogFormat)
	applyTracingFlags(c, &cfg.Tracing)
	return c.err
}

// applyProbeFlagOverrides applies command-line flag values to the config,
// overriding values from the config file.
func applyProbeFlagOverrides(cfg *ProbeConfig, fs *pflag.FlagSet) error {
	c := &changedFlags{fs: fs}
	c.word("target", &cfg.Target)
	c.str("base-url", &cfg.BaseURL)
	if c.set("target-url") {
		urls, err := fs.GetStringToString("target-url")
		if err != nil {
			return err
		}
		if cfg.Targets == nil {
			cfg.Targets = DefaultTargets()
		}
		for name, raw := range urls {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				return fmt.Errorf("target-url name cannot be empty")
			}
			cfg.Targets[name] = strings.TrimSpace(raw)
		}
	}
	if c.set("probes") {
		var kinds []string
		c.list("probes", &kinds)
		cfg.Probes = parseProbeKinds(kinds)
	}
	c.boolean("skip-health", &cfg.SkipHealth)

	c.integer("start", &cfg.Start)
	c.integer("step", &cfg.Step)
	c.integer("ceiling", &cfg.Ceiling)
	c.integer("max-in-flight", &cfg.MaxInFlight)
	c.duration("block-delay", &cfg.BlockDelay)
	c.duration("settle-delay", &cfg.SettleDelay)
	c.duration("settle-timeout", &cfg.SettleTimeout)
	c.duration("block-timeout", &cfg.BlockTimeout)
	c.duration("release-timeout", &cfg.ReleaseTimeout)
	mode := string(cfg.SettleMode)
	c.word("settle-mode", &mode)
	cfg.SettleMode = SettleMode(mode)

	c.duration("window", &cfg.Window)
	c.integer("max-workers", &cfg.MaxWorkers)
	c.integer("rate", &cfg.Rate)

	c.list("threshold", &cfg.Thresholds)
	c.boolean("json-output", &cfg.JSONOutput)
	c.boolean("yaml-output", &cfg.YAMLOutput)
	c.boolean("log-errors", &cfg.LogErrors)
	applyLogFlags(c, &cfg.LogLevel, &cfg.LogFormat)
	applyTracingFlags(c, &cfg.Tracing)
	return c.err
}

func applyLogFlags(c *changedFlags, level, format *string) {
	c.str("log-level", level)
	c.word("log-format", format)
}

func applyTracingFlags(c *changedFlags, t *TracingConfig) {
	c.str("tracing-endpoint", &t.Endpoint)
	c.word("tracing-protocol", &t.Protocol)
	c.str("tracing-service-name", &t.ServiceName)
	c.float("tracing-sample-rate", &t.SampleRate)
	c.boolean("tracing-insecure", &t.Insecure)
	if c.set("tracing-propagate") {
		var on bool
		c.boolean("tracing-propagate", &on)
		t.Propagate = &on
	}
}

func parseProbeKinds(values []string) []ProbeKind {
	kinds := make([]ProbeKind, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		kinds = append(kinds, ProbeKind(v))
	}
	return kinds
}
