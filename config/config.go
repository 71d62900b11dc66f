// Package config loads the settings of the strata command line tools.
//
// Settings come from three layers, later ones winning: built-in defaults, a
// TOML file, and STRATA_* variables taken from a .env file and the process
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix is the prefix of the environment variables config reads.
const EnvPrefix = "STRATA_"

// Config is the configuration of the stress harness.
type Config struct {
	LogLevel string
	Stress   Stress
	Monitor  Monitor
	Trace    Trace
}

// Stress configures the fan-out workload.
type Stress struct {
	// Edges is the number of client edges attached to the server.
	Edges int
	// Submitters is the number of goroutines issuing packets.
	Submitters int
	// Packets is the number of master packets each submitter issues.
	Packets int
	// FanOut is the number of subpackets per master.
	FanOut int
	// CancelEvery cancels every n-th master. Zero never cancels.
	CancelEvery int
	// Timeout is the deadline of each master. Zero means none.
	Timeout time.Duration
	// ServiceDelay is how long the server holds each subpacket.
	ServiceDelay time.Duration
	// Queue selects the run queue, "serial" or "parallel".
	Queue string
	// Buckets is the number of parallel run queue buckets.
	Buckets int
}

// Monitor configures the HTTP monitor.
type Monitor struct {
	Enabled     bool
	Port        int
	OpenBrowser bool
}

// Trace configures the trace sinks.
type Trace struct {
	JSON   bool
	SQLite bool
	Dir    string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Stress: Stress{
			Edges:      4,
			Submitters: 8,
			Packets:    1000,
			FanOut:     4,
			Queue:      "parallel",
		},
	}
}

type fileConfig struct {
	LogLevel string `toml:"log_level"`
	Stress   struct {
		Edges        int    `toml:"edges"`
		Submitters   int    `toml:"submitters"`
		Packets      int    `toml:"packets"`
		FanOut       int    `toml:"fan_out"`
		CancelEvery  int    `toml:"cancel_every"`
		Timeout      string `toml:"timeout"`
		ServiceDelay string `toml:"service_delay"`
		Queue        string `toml:"queue"`
		Buckets      int    `toml:"buckets"`
	} `toml:"stress"`
	Monitor struct {
		Enabled     bool `toml:"enabled"`
		Port        int  `toml:"port"`
		OpenBrowser bool `toml:"open_browser"`
	} `toml:"monitor"`
	Trace struct {
		JSON   bool   `toml:"json"`
		SQLite bool   `toml:"sqlite"`
		Dir    string `toml:"dir"`
	} `toml:"trace"`
}

// Load builds the configuration from the TOML file at path and the .env file
// at envFile. Either may be empty; a missing .env file is not an error.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	env, err := readEnv(envFile)
	if err != nil {
		return Config{}, err
	}

	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig

	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	s := &cfg.Stress
	setInt(meta, "stress", "edges", raw.Stress.Edges, &s.Edges)
	setInt(meta, "stress", "submitters", raw.Stress.Submitters, &s.Submitters)
	setInt(meta, "stress", "packets", raw.Stress.Packets, &s.Packets)
	setInt(meta, "stress", "fan_out", raw.Stress.FanOut, &s.FanOut)
	setInt(meta, "stress", "cancel_every", raw.Stress.CancelEvery, &s.CancelEvery)
	setInt(meta, "stress", "buckets", raw.Stress.Buckets, &s.Buckets)

	if meta.IsDefined("stress", "queue") {
		s.Queue = strings.TrimSpace(raw.Stress.Queue)
	}

	if meta.IsDefined("stress", "timeout") {
		if s.Timeout, err = parseDuration("stress.timeout", raw.Stress.Timeout); err != nil {
			return err
		}
	}

	if meta.IsDefined("stress", "service_delay") {
		s.ServiceDelay, err = parseDuration("stress.service_delay",
			raw.Stress.ServiceDelay)
		if err != nil {
			return err
		}
	}

	if meta.IsDefined("monitor", "enabled") {
		cfg.Monitor.Enabled = raw.Monitor.Enabled
	}

	setInt(meta, "monitor", "port", raw.Monitor.Port, &cfg.Monitor.Port)

	if meta.IsDefined("monitor", "open_browser") {
		cfg.Monitor.OpenBrowser = raw.Monitor.OpenBrowser
	}

	if meta.IsDefined("trace", "json") {
		cfg.Trace.JSON = raw.Trace.JSON
	}

	if meta.IsDefined("trace", "sqlite") {
		cfg.Trace.SQLite = raw.Trace.SQLite
	}

	if meta.IsDefined("trace", "dir") {
		cfg.Trace.Dir = strings.TrimSpace(raw.Trace.Dir)
	}

	return nil
}

func setInt(meta toml.MetaData, table, key string, v int, dst *int) {
	if meta.IsDefined(table, key) {
		*dst = v
	}
}

func parseDuration(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}

	return d, nil
}

// readEnv merges the STRATA_* variables of the .env file with the process
// environment. The process environment wins.
func readEnv(envFile string) (map[string]string, error) {
	env := map[string]string{}

	if envFile != "" {
		fromFile, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			for k, v := range fromFile {
				if strings.HasPrefix(k, EnvPrefix) {
					env[k] = v
				}
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("load env %s: %w", envFile, err)
		}
	}

	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}

	return env, nil
}

func applyEnv(cfg *Config, env map[string]string) error {
	ints := map[string]*int{
		"STRESS_EDGES":        &cfg.Stress.Edges,
		"STRESS_SUBMITTERS":   &cfg.Stress.Submitters,
		"STRESS_PACKETS":      &cfg.Stress.Packets,
		"STRESS_FAN_OUT":      &cfg.Stress.FanOut,
		"STRESS_CANCEL_EVERY": &cfg.Stress.CancelEvery,
		"STRESS_BUCKETS":      &cfg.Stress.Buckets,
		"MONITOR_PORT":        &cfg.Monitor.Port,
	}
	for key, dst := range ints {
		v, ok := env[EnvPrefix+key]
		if !ok {
			continue
		}

		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
		}

		*dst = n
	}

	bools := map[string]*bool{
		"MONITOR_ENABLED":      &cfg.Monitor.Enabled,
		"MONITOR_OPEN_BROWSER": &cfg.Monitor.OpenBrowser,
		"TRACE_JSON":           &cfg.Trace.JSON,
		"TRACE_SQLITE":         &cfg.Trace.SQLite,
	}
	for key, dst := range bools {
		v, ok := env[EnvPrefix+key]
		if !ok {
			continue
		}

		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
		}

		*dst = b
	}

	durations := map[string]*time.Duration{
		"STRESS_TIMEOUT":       &cfg.Stress.Timeout,
		"STRESS_SERVICE_DELAY": &cfg.Stress.ServiceDelay,
	}
	for key, dst := range durations {
		v, ok := env[EnvPrefix+key]
		if !ok {
			continue
		}

		d, err := parseDuration(EnvPrefix+key, v)
		if err != nil {
			return err
		}

		*dst = d
	}

	if v, ok := env[EnvPrefix+"LOG_LEVEL"]; ok {
		cfg.LogLevel = strings.TrimSpace(v)
	}

	if v, ok := env[EnvPrefix+"STRESS_QUEUE"]; ok {
		cfg.Stress.Queue = strings.TrimSpace(v)
	}

	if v, ok := env[EnvPrefix+"TRACE_DIR"]; ok {
		cfg.Trace.Dir = strings.TrimSpace(v)
	}

	return nil
}

// Validate checks that the configuration can drive a run.
func (c Config) Validate() error {
	s := c.Stress

	switch {
	case s.Edges < 1:
		return fmt.Errorf("stress.edges must be positive, got %d", s.Edges)
	case s.Submitters < 1:
		return fmt.Errorf("stress.submitters must be positive, got %d",
			s.Submitters)
	case s.Packets < 0:
		return fmt.Errorf("stress.packets must not be negative, got %d",
			s.Packets)
	case s.FanOut < 1:
		return fmt.Errorf("stress.fan_out must be positive, got %d", s.FanOut)
	case s.CancelEvery < 0:
		return fmt.Errorf("stress.cancel_every must not be negative, got %d",
			s.CancelEvery)
	case s.Queue != "serial" && s.Queue != "parallel":
		return fmt.Errorf("stress.queue must be serial or parallel, got %q",
			s.Queue)
	}

	return nil
}
