// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/FairForge/helmsman/internal/allowlist"
	"github.com/FairForge/helmsman/internal/budget"
	"github.com/FairForge/helmsman/internal/decision"
	"github.com/FairForge/helmsman/internal/hysteresis"
	"github.com/FairForge/helmsman/internal/sufficiency"
)

// Config is the immutable configuration snapshot the controller runs on.
// It validates as a whole: one bad value rejects the entire set and the
// previous valid snapshot stays in force.
type Config struct {
	Server      ServerConfig
	Controller  ControllerConfig
	Hysteresis  hysteresis.Config
	Sufficiency sufficiency.Config
	Rules       []decision.Rule
	Budgets     []budget.Target
	Allowlist   []allowlist.Entry
}

// ServerConfig covers the admin/metrics HTTP surface.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// ControllerConfig covers the tick loop itself.
type ControllerConfig struct {
	ControlLoopInterval time.Duration
	ApplyTimeout        time.Duration
	SampleRetention     time.Duration
	AuditTrailSize      int
	AuditDSN            string
}

// File-format mirror structs. Durations come in as whole seconds, following
// the *_seconds convention of the operations handbook.
type fileConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Controller  fileController    `yaml:"controller"`
	Hysteresis  fileHysteresis    `yaml:"hysteresis"`
	Sufficiency fileSufficiency   `yaml:"sufficiency"`
	Rules       []decision.Rule   `yaml:"rules"`
	Budgets     []fileBudget      `yaml:"budgets"`
	Allowlist   []allowlist.Entry `yaml:"allowlist"`
}

type fileController struct {
	ControlLoopIntervalSeconds int    `yaml:"control_loop_interval_seconds"`
	ApplyTimeoutSeconds        int    `yaml:"apply_timeout_seconds"`
	SampleRetentionSeconds     int    `yaml:"sample_retention_seconds"`
	AuditTrailSize             int    `yaml:"audit_trail_size"`
	AuditDSN                   string `yaml:"audit_dsn"`
}

type fileHysteresis struct {
	DwellTimeSeconds          int `yaml:"dwell_time_seconds"`
	CooldownPeriodSeconds     int `yaml:"cooldown_period_seconds"`
	OscillationWindowSize     int `yaml:"oscillation_window_size"`
	OscillationMaxTransitions int `yaml:"oscillation_max_transitions"`
}

type fileSufficiency struct {
	WindowSeconds        int      `yaml:"window_seconds"`
	MinSampleRatio       float64  `yaml:"min_sample_ratio"`
	MinBucketCoveragePct float64  `yaml:"min_bucket_coverage_pct"`
	RequiredSources      []string `yaml:"required_sources"`
}

type fileBudget struct {
	SubsystemID       string  `yaml:"subsystem_id"`
	Metric            string  `yaml:"metric"`
	SLOTarget         float64 `yaml:"slo_target"`
	WindowSeconds     int     `yaml:"window_seconds"`
	BurnRateThreshold float64 `yaml:"burn_rate_threshold"`
	RequestsMetric    string  `yaml:"requests_metric"`
	ErrorsMetric      string  `yaml:"errors_metric"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (f *fileConfig) toConfig() *Config {
	cfg := &Config{
		Server: f.Server,
		Controller: ControllerConfig{
			ControlLoopInterval: seconds(f.Controller.ControlLoopIntervalSeconds),
			ApplyTimeout:        seconds(f.Controller.ApplyTimeoutSeconds),
			SampleRetention:     seconds(f.Controller.SampleRetentionSeconds),
			AuditTrailSize:      f.Controller.AuditTrailSize,
			AuditDSN:            f.Controller.AuditDSN,
		},
		Hysteresis: hysteresis.Config{
			DwellTime:                 seconds(f.Hysteresis.DwellTimeSeconds),
			CooldownPeriod:            seconds(f.Hysteresis.CooldownPeriodSeconds),
			OscillationWindowSize:     f.Hysteresis.OscillationWindowSize,
			OscillationMaxTransitions: f.Hysteresis.OscillationMaxTransitions,
		},
		Sufficiency: sufficiency.Config{
			Window:               seconds(f.Sufficiency.WindowSeconds),
			MinSampleRatio:       f.Sufficiency.MinSampleRatio,
			MinBucketCoveragePct: f.Sufficiency.MinBucketCoveragePct,
			RequiredSources:      f.Sufficiency.RequiredSources,
		},
		Rules:     f.Rules,
		Allowlist: f.Allowlist,
	}
	for _, b := range f.Budgets {
		cfg.Budgets = append(cfg.Budgets, budget.Target{
			SubsystemID:       b.SubsystemID,
			Metric:            b.Metric,
			SLOTarget:         b.SLOTarget,
			Window:            seconds(b.WindowSeconds),
			BurnRateThreshold: b.BurnRateThreshold,
			RequestsMetric:    b.RequestsMetric,
			ErrorsMetric:      b.ErrorsMetric,
		})
	}
	return cfg
}

// Validate checks the whole snapshot. Any error rejects the set.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Controller.ControlLoopInterval <= 0 {
		return errors.New("config: control_loop_interval_seconds must be positive")
	}
	if c.Controller.ApplyTimeout <= 0 {
		return errors.New("config: apply_timeout_seconds must be positive")
	}
	if c.Controller.SampleRetention < c.Sufficiency.Window {
		return errors.New("config: sample_retention_seconds must cover the sufficiency window")
	}
	if err := c.Hysteresis.Validate(); err != nil {
		return err
	}
	if err := c.Sufficiency.Validate(); err != nil {
		return err
	}
	if len(c.Rules) == 0 {
		return errors.New("config: at least one rule is required")
	}
	levers := make(map[string]decision.Lever, len(c.Rules))
	for i := range c.Rules {
		if err := c.Rules[i].Validate(); err != nil {
			return err
		}
		r := c.Rules[i]
		if l, ok := levers[r.SubsystemID]; ok && l != r.Lever {
			return fmt.Errorf("config: subsystem %q drives conflicting levers", r.SubsystemID)
		}
		levers[r.SubsystemID] = r.Lever
	}
	for i := range c.Budgets {
		if err := c.Budgets[i].Validate(); err != nil {
			return err
		}
	}
	for i := range c.Allowlist {
		if err := c.Allowlist[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDefaults fills unset operational knobs. Thresholds and windows are
// never defaulted; those must be explicit.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Controller.ApplyTimeout == 0 {
		c.Controller.ApplyTimeout = 2 * time.Second
	}
	if c.Controller.AuditTrailSize == 0 {
		c.Controller.AuditTrailSize = 1024
	}
	if c.Controller.SampleRetention == 0 {
		c.Controller.SampleRetention = c.Sufficiency.Window
	}
	if c.Sufficiency.Interval == 0 {
		c.Sufficiency.Interval = c.Controller.ControlLoopInterval
	}
}

// Load reads, defaults and validates a snapshot from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg := raw.toConfig()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
