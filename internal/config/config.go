package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/turn-governor/internal/adaptation"
	"github.com/danielpatrickdp/turn-governor/internal/gate"
	"github.com/danielpatrickdp/turn-governor/internal/learning"
	"github.com/danielpatrickdp/turn-governor/internal/observability"
	"github.com/danielpatrickdp/turn-governor/internal/quality"
	"github.com/danielpatrickdp/turn-governor/internal/release"
	"github.com/danielpatrickdp/turn-governor/internal/router"
)

// #region types

// Config is the full controller configuration.
type Config struct {
	DBPath         string `yaml:"db_path"`
	ListenAddr     string `yaml:"listen_addr"`
	MetricsAddr    string `yaml:"metrics_addr"` // empty disables the metrics endpoint
	ClassifierAddr string `yaml:"classifier_addr"`
	BackendAddr    string `yaml:"backend_addr"`

	BackendTimeout    time.Duration `yaml:"backend_timeout"`
	ClassifierTimeout time.Duration `yaml:"classifier_timeout"`

	Gate       GateConfig         `yaml:"gate"`
	Router     RouterConfig       `yaml:"router"`
	Quality    quality.Thresholds `yaml:"quality"`
	Adaptation AdaptationConfig   `yaml:"adaptation"`
	Release    release.Config     `yaml:"release"`
	Learning   learning.Config    `yaml:"learning"`
	Audit      AuditConfig        `yaml:"audit"`
	Log        LogConfig          `yaml:"log"`
}

// GateConfig configures the admission gate.
type GateConfig struct {
	ClassifierEnabled bool    `yaml:"classifier_enabled"`
	MinConfidence     float64 `yaml:"min_confidence"`
	CacheSize         int     `yaml:"cache_size"`
	RatePerSecond     float64 `yaml:"rate_per_second"`
	Burst             int     `yaml:"burst"`
	SupportEmail      string  `yaml:"support_email"`
	SupportPhone      string  `yaml:"support_phone"`
}

// RouterConfig configures the intent router.
type RouterConfig struct {
	ClassifierEnabled bool `yaml:"classifier_enabled"`
	HistoryWindow     int  `yaml:"history_window"`
}

// AdaptationConfig configures online adaptation.
type AdaptationConfig struct {
	TTLTurns          int     `yaml:"ttl_turns"`
	BaseTopK          int     `yaml:"base_top_k"`
	AdaptTopK         int     `yaml:"adapt_top_k"`
	MaxOverrideDelta  float64 `yaml:"max_override_delta"`
	RephraseThreshold int     `yaml:"rephrase_threshold"`
	SimilarityRatio   float64 `yaml:"similarity_ratio"`
}

// AuditConfig configures the async audit writer.
type AuditConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// #endregion types

// #region defaults

// Default returns the production defaults.
func Default() Config {
	g := gate.DefaultConfig()
	r := router.DefaultConfig()
	a := adaptation.DefaultConfig()
	return Config{
		DBPath:            "turngov.db",
		ListenAddr:        ":50061",
		MetricsAddr:       ":9091",
		ClassifierAddr:    "localhost:50051",
		BackendAddr:       "localhost:50052",
		BackendTimeout:    20 * time.Second,
		ClassifierTimeout: 5 * time.Second,
		Gate: GateConfig{
			ClassifierEnabled: g.ClassifierEnabled,
			MinConfidence:     g.MinConfidence,
			CacheSize:         g.CacheSize,
			RatePerSecond:     g.RatePerSecond,
			Burst:             g.Burst,
			SupportEmail:      g.Refusals.SupportEmail,
			SupportPhone:      g.Refusals.SupportPhone,
		},
		Router: RouterConfig{
			ClassifierEnabled: r.ClassifierEnabled,
			HistoryWindow:     r.HistoryWindow,
		},
		Quality: quality.DefaultThresholds(),
		Adaptation: AdaptationConfig{
			TTLTurns:          a.TTLTurns,
			BaseTopK:          a.BaseTopK,
			AdaptTopK:         a.AdaptTopK,
			MaxOverrideDelta:  a.MaxOverrideDelta,
			RephraseThreshold: a.RephraseThreshold,
			SimilarityRatio:   a.SimilarityRatio,
		},
		Release:  release.DefaultConfig(),
		Learning: learning.DefaultConfig(),
		Audit:    AuditConfig{BufferSize: 256},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// #endregion defaults

// #region load

// Load reads path over the defaults, applies TURNGOV_* environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment. Malformed numbers and
// booleans are errors rather than silently ignored.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("TURNGOV_DB", &c.DBPath)
	str("TURNGOV_LISTEN", &c.ListenAddr)
	str("TURNGOV_METRICS_ADDR", &c.MetricsAddr)
	str("TURNGOV_CLASSIFIER_ADDR", &c.ClassifierAddr)
	str("TURNGOV_BACKEND_ADDR", &c.BackendAddr)
	str("TURNGOV_LOG_LEVEL", &c.Log.Level)
	str("TURNGOV_LOG_FORMAT", &c.Log.Format)

	var errs []error
	if v, ok := lookup("TURNGOV_CLASSIFIER_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TURNGOV_CLASSIFIER_ENABLED: %w", err))
		} else {
			c.Gate.ClassifierEnabled = b
			c.Router.ClassifierEnabled = b
		}
	}
	if v, ok := lookup("TURNGOV_CANARY_PERCENT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TURNGOV_CANARY_PERCENT: %w", err))
		} else {
			c.Release.DefaultCanaryPercent = n
		}
	}
	return errors.Join(errs...)
}

// #endregion load

// #region validate

// Validate rejects out-of-range values. All problems are reported together.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.DBPath != "", "db_path is required")
	check(c.Gate.MinConfidence >= 0 && c.Gate.MinConfidence <= 1, "gate.min_confidence %v outside [0,1]", c.Gate.MinConfidence)
	check(c.Gate.CacheSize >= 0, "gate.cache_size must be >= 0")
	check(c.Router.HistoryWindow >= 0, "router.history_window must be >= 0")

	q := c.Quality
	for name, v := range map[string]int{"low_tqs": q.LowTQS, "high_kgs": q.HighKGS, "critical_kgs": q.CriticalKGS} {
		check(v >= 0 && v <= 100, "quality.%s %d outside [0,100]", name, v)
	}
	check(q.HighKGS <= q.CriticalKGS, "quality.high_kgs %d above critical_kgs %d", q.HighKGS, q.CriticalKGS)

	a := c.Adaptation
	check(a.TTLTurns >= 1, "adaptation.ttl_turns must be >= 1")
	check(a.BaseTopK >= 1 && a.AdaptTopK >= a.BaseTopK, "adaptation top-k must satisfy 1 <= base_top_k <= adapt_top_k")
	check(a.MaxOverrideDelta >= 0 && a.MaxOverrideDelta <= 1, "adaptation.max_override_delta %v outside [0,1]", a.MaxOverrideDelta)
	check(a.SimilarityRatio > 0 && a.SimilarityRatio <= 1, "adaptation.similarity_ratio %v outside (0,1]", a.SimilarityRatio)

	r := c.Release
	check(r.MinPassRate >= 0 && r.MinPassRate <= 1, "release.min_pass_rate %v outside [0,1]", r.MinPassRate)
	check(r.DefaultCanaryPercent >= 1 && r.DefaultCanaryPercent <= 100, "release.default_canary_percent %d outside 1..100", r.DefaultCanaryPercent)
	check(r.MaxKGSDegradation >= 0, "release.max_kgs_degradation must be >= 0")
	check(r.MaxHandoffRate >= 0 && r.MaxHandoffRate <= 1, "release.max_handoff_rate %v outside [0,1]", r.MaxHandoffRate)
	check(r.MinSamples >= 1, "release.min_samples must be >= 1")
	for name, v := range map[string]string{"policy_rules_version": r.PolicyRulesVersion, "router_rules_version": r.RouterRulesVersion} {
		_, err := semver.StrictNewVersion(v)
		check(err == nil, "release.%s %q is not a semantic version", name, v)
	}

	if err := c.Learning.Validate(); err != nil {
		errs = append(errs, err)
	}

	check(c.Audit.BufferSize >= 0, "audit.buffer_size must be >= 0")
	check(c.BackendTimeout >= 0 && c.ClassifierTimeout >= 0, "timeouts must be >= 0")
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}

// #endregion validate

// #region conversions

// GateConfig returns the gate configuration.
func (c Config) GateConfig() gate.Config {
	return gate.Config{
		ClassifierEnabled: c.Gate.ClassifierEnabled,
		MinConfidence:     c.Gate.MinConfidence,
		CacheSize:         c.Gate.CacheSize,
		RatePerSecond:     c.Gate.RatePerSecond,
		Burst:             c.Gate.Burst,
		Refusals: gate.Refusals{
			SupportEmail: c.Gate.SupportEmail,
			SupportPhone: c.Gate.SupportPhone,
		},
	}
}

// RouterConfig returns the router configuration.
func (c Config) RouterConfig() router.Config {
	return router.Config{
		ClassifierEnabled: c.Router.ClassifierEnabled,
		HistoryWindow:     c.Router.HistoryWindow,
	}
}

// AdaptationConfig returns the adaptation configuration.
func (c Config) AdaptationConfig() adaptation.Config {
	a := c.Adaptation
	return adaptation.Config{
		TTLTurns:          a.TTLTurns,
		BaseTopK:          a.BaseTopK,
		AdaptTopK:         a.AdaptTopK,
		MaxOverrideDelta:  a.MaxOverrideDelta,
		RephraseThreshold: a.RephraseThreshold,
		SimilarityRatio:   a.SimilarityRatio,
	}
}

// LogConfig returns the logger configuration.
func (c Config) LogConfig() observability.LogConfig {
	return observability.LogConfig{Level: c.Log.Level, Format: c.Log.Format}
}

// #endregion conversions
