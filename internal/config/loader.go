package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadServer parses gateserver arguments and an optional config file.
func (Loader) LoadServer(args []string) (*ServerConfig, error) {
	cmd := newFlagCommand("gateserver [flags]", configureServerFlags)
	settings, configPath, err := parseArgs(cmd, args)
	if err != nil {
		return nil, err
	}

	cfg := &ServerConfig{
		Addr:            ":8001",
		Gate:            "loop",
		Fanout:          FanoutConcurrent,
		Upstream:        "http://localhost:8001",
		UpstreamTimeout: 30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
		Tracing:         TracingConfig{Protocol: "grpc", SampleRate: 1.0},
		ConfigFile:      configPath,
	}

	if err := applyServerSettings(cfg, settings); err != nil {
		return nil, err
	}
	if err := applyServerFlagOverrides(cfg, cmd.Flags()); err != nil {
		return nil, err
	}
	cfg.Upstream = strings.TrimRight(cfg.Upstream, "/")
	return cfg, nil
}

// LoadProbe parses gateprobe arguments and an optional config file.
func (Loader) LoadProbe(args []string) (*ProbeConfig, error) {
	cmd := newFlagCommand("gateprobe [flags]", configureProbeFlags)
	settings, configPath, err := parseArgs(cmd, args)
	if err != nil {
		return nil, err
	}

	cfg := &ProbeConfig{
		Target:         "all",
		Probes:         []ProbeKind{ProbeRamp, ProbeWindow},
		Start:          5,
		Step:           20,
		Ceiling:        500,
		MaxInFlight:    MaxInFlightCap,
		BlockDelay:     50 * time.Millisecond,
		SettleDelay:    200 * time.Millisecond,
		SettleMode:     SettleDelay,
		SettleTimeout:  5 * time.Second,
		BlockTimeout:   15 * time.Second,
		ReleaseTimeout: 5 * time.Second,
		Window:         3 * time.Second,
		MaxWorkers:     200,
		LogLevel:       "info",
		LogFormat:      "text",
		Tracing:        TracingConfig{Protocol: "grpc", SampleRate: 1.0},
		ConfigFile:     configPath,
	}

	if err := applyProbeSettings(cfg, settings); err != nil {
		return nil, err
	}
	if err := applyProbeFlagOverrides(cfg, cmd.Flags()); err != nil {
		return nil, err
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}

// parseArgs parses flags, handles --help and reads the config file if one was given.
func parseArgs(cmd *cobra.Command, args []string) (map[string]interface{}, string, error) {
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, "", ErrHelpRequested
		}
		return nil, "", err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, "", ErrHelpRequested
		}
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, "", fmt.Errorf("unexpected arguments: %s", strings.Join(rest, " "))
	}

	configPath := flagSet.Lookup("config").Value.String()
	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, "", err
		}
	}
	return cfgViper.AllSettings(), configPath, nil
}

// applyServerSettings applies settings from a config file to a ServerConfig.
func applyServerSettings(cfg *ServerConfig, settings map[string]any) error {
	root := newSection("", settings)
	if root.has("listen") && !root.has("addr") {
		root.str("listen", &cfg.Addr)
	}
	root.str("addr", &cfg.Addr)
	root.word("gate", &cfg.Gate)

	fanout := string(cfg.Fanout)
	root.word("fanout", &fanout)
	cfg.Fanout = FanoutMode(fanout)

	root.str("upstream", &cfg.Upstream)
	root.duration("upstream_timeout", &cfg.UpstreamTimeout)
	root.duration("shutdown_timeout", &cfg.ShutdownTimeout)
	readLogSettings(root, &cfg.LogLevel, &cfg.LogFormat)
	if err := root.Err(); err != nil {
		return err
	}
	if root.has("tracing") {
		return readTracing(root.sub("tracing"), &cfg.Tracing)
	}
	return nil
}

// applyProbeSettings applies settings from a config file to a ProbeConfig.
// Ramp and window knobs live in their own tables.
func applyProbeSettings(cfg *ProbeConfig, settings map[string]any) error {
	root := newSection("", settings)
	root.word("target", &cfg.Target)
	root.str("base_url", &cfg.BaseURL)
	if table, ok := root.table("targets"); ok {
		cfg.Targets = DefaultTargets()
		for name, u := range table {
			cfg.Targets[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(u)
		}
	}
	if root.has("probes") {
		var kinds []string
		root.list("probes", &kinds)
		cfg.Probes = parseProbeKinds(kinds)
	}
	root.boolean("skip_health", &cfg.SkipHealth)

	if root.has("ramp") {
		ramp := root.sub("ramp")
		ramp.integer("start", &cfg.Start)
		ramp.integer("step", &cfg.Step)
		ramp.integer("ceiling", &cfg.Ceiling)
		ramp.integer("max_in_flight", &cfg.MaxInFlight)
		ramp.duration("block_delay", &cfg.BlockDelay)
		ramp.duration("settle_delay", &cfg.SettleDelay)
		ramp.duration("settle_timeout", &cfg.SettleTimeout)
		ramp.duration("block_timeout", &cfg.BlockTimeout)
		ramp.duration("release_timeout", &cfg.ReleaseTimeout)
		mode := string(cfg.SettleMode)
		ramp.word("settle_mode", &mode)
		cfg.SettleMode = SettleMode(mode)
		if err := ramp.Err(); err != nil {
			return err
		}
	}
	if root.has("window") {
		window := root.sub("window")
		window.duration("duration", &cfg.Window)
		window.integer("max_workers", &cfg.MaxWorkers)
		window.integer("rate", &cfg.Rate)
		if err := window.Err(); err != nil {
			return err
		}
	}

	root.boolean("json_output", &cfg.JSONOutput)
	root.boolean("yaml_output", &cfg.YAMLOutput)
	root.boolean("log_errors", &cfg.LogErrors)
	root.list("thresholds", &cfg.Thresholds)
	readLogSettings(root, &cfg.LogLevel, &cfg.LogFormat)
	if err := root.Err(); err != nil {
		return err
	}
	if root.has("tracing") {
		return readTracing(root.sub("tracing"), &cfg.Tracing)
	}
	return nil
}

func readLogSettings(s *section, level, format *string) {
	s.str("log_level", level)
	s.word("log_format", format)
}

// readTracing overlays the tracing table onto t.
func readTracing(s *section, t *TracingConfig) error {
	s.str("endpoint", &t.Endpoint)
	s.word("protocol", &t.Protocol)
	s.str("service_name", &t.ServiceName)
	s.float("sample_rate", &t.SampleRate)
	s.boolean("insecure", &t.Insecure)
	if s.has("propagate") {
		var on bool
		s.boolean("propagate", &on)
		t.Propagate = &on
	}
	return s.Err()
}
