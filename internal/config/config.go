// Package config holds the speakahead configuration: defaults, viper
// loading, SPEAKAHEAD_* environment overrides and conversion into the
// component configs.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"

	"github.com/dgnsrekt/speakahead/internal/cache"
	"github.com/dgnsrekt/speakahead/internal/demand"
	"github.com/dgnsrekt/speakahead/internal/pipeline"
	"github.com/dgnsrekt/speakahead/internal/scheduler"
)

// AppName is used for config, cache and log locations.
const AppName = "speakahead"

// Index backends for the cache metadata.
const (
	IndexSQLite = "sqlite"
	IndexMemory = "memory"
)

// Config contains all speakahead configuration options.
type Config struct {
	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	Scheduler SchedulerConfig `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Demand    DemandConfig    `yaml:"demand" envPrefix:"DEMAND_"`
	Governor  GovernorConfig  `yaml:"governor" envPrefix:"GOVERNOR_"`
	Backends  BackendsConfig  `yaml:"backends" envPrefix:"BACKENDS_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
}

// CacheConfig contains audio cache settings.
type CacheConfig struct {
	Dir           string        `yaml:"dir" env:"DIR"`
	Budget        string        `yaml:"budget" env:"BUDGET"` // humanized, e.g. "512MB"
	MaxAge        time.Duration `yaml:"max_age" env:"MAX_AGE"`
	RatePolicy    string        `yaml:"rate_policy" env:"RATE_POLICY"`
	CompressAfter time.Duration `yaml:"compress_after" env:"COMPRESS_AFTER"`
	Cleanup       time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	Index         string        `yaml:"index" env:"INDEX"`
}

// SchedulerConfig contains synthesis scheduling settings.
type SchedulerConfig struct {
	Baseline   int           `yaml:"baseline" env:"BASELINE"`
	Max        int           `yaml:"max" env:"MAX"`
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DemandConfig contains buffer-driven concurrency settings.
type DemandConfig struct {
	Cooldown          time.Duration `yaml:"cooldown" env:"COOLDOWN"`
	Interval          time.Duration `yaml:"interval" env:"INTERVAL"`
	PrefetchWindow    int           `yaml:"prefetch_window" env:"PREFETCH_WINDOW"`
	MaxPrefetchWindow int           `yaml:"max_prefetch_window" env:"MAX_PREFETCH_WINDOW"`
}

// GovernorConfig contains memory governance settings.
type GovernorConfig struct {
	MaxResident int `yaml:"max_resident" env:"MAX_RESIDENT"`
}

// BackendsConfig points at the voice manifest.
type BackendsConfig struct {
	Manifest string `yaml:"manifest" env:"MANIFEST"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
}

// MetricsConfig contains metrics export settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Textfile string `yaml:"textfile" env:"TEXTFILE"`
}

// DefaultConfig returns the default configuration. Directories come from
// the user's platform locations.
func DefaultConfig() Config {
	scope := gap.NewScope(gap.User, AppName)

	cacheDir, err := scope.CacheDir()
	if err != nil {
		cacheDir = filepath.Join("~", ".cache", AppName)
	}
	manifest := filepath.Join("~", ".config", AppName, "voices.yml")
	if dirs, err := scope.ConfigDirs(); err == nil && len(dirs) > 0 {
		manifest = filepath.Join(dirs[0], "voices.yml")
	}

	sched := scheduler.DefaultConfig()
	dem := demand.DefaultConfig()
	cc := cache.DefaultConfig()

	return Config{
		Cache: CacheConfig{
			Dir:           filepath.Join(cacheDir, "audio"),
			Budget:        humanize.IBytes(uint64(cc.Budget)), //nolint:gosec
			MaxAge:        cc.MaxAge,
			RatePolicy:    string(cc.RatePolicy),
			CompressAfter: cc.CompressAfter,
			Cleanup:       cc.CleanupInterval,
			Index:         IndexSQLite,
		},
		Scheduler: SchedulerConfig{
			Baseline:   sched.Baseline,
			Max:        sched.Max,
			MaxRetries: sched.MaxRetries,
			Timeout:    sched.SynthTimeout,
		},
		Demand: DemandConfig{
			Cooldown:          dem.Cooldown,
			Interval:          dem.Interval,
			PrefetchWindow:    dem.PrefetchWindow,
			MaxPrefetchWindow: dem.MaxPrefetchWindow,
		},
		Governor: GovernorConfig{MaxResident: 1},
		Backends: BackendsConfig{Manifest: manifest},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{},
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error

	if c.Cache.Dir == "" {
		errs = append(errs, errors.New("cache.dir is required"))
	}
	if _, err := c.BudgetBytes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cache.ParseRatePolicy(c.Cache.RatePolicy); err != nil {
		errs = append(errs, fmt.Errorf("cache.rate_policy: %w", err))
	}
	if c.Cache.Index != IndexSQLite && c.Cache.Index != IndexMemory {
		errs = append(errs, fmt.Errorf("cache.index must be %q or %q, got %q", IndexSQLite, IndexMemory, c.Cache.Index))
	}
	if c.Cache.MaxAge < 0 || c.Cache.CompressAfter < 0 || c.Cache.Cleanup < 0 {
		errs = append(errs, errors.New("cache durations must not be negative"))
	}

	if c.Scheduler.Baseline < 1 {
		errs = append(errs, fmt.Errorf("scheduler.baseline must be at least 1, got %d", c.Scheduler.Baseline))
	}
	if c.Scheduler.Max < c.Scheduler.Baseline {
		errs = append(errs, fmt.Errorf("scheduler.max (%d) must be >= scheduler.baseline (%d)", c.Scheduler.Max, c.Scheduler.Baseline))
	}
	if c.Scheduler.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_retries must not be negative, got %d", c.Scheduler.MaxRetries))
	}
	if c.Scheduler.Timeout <= 0 {
		errs = append(errs, errors.New("scheduler.timeout must be positive"))
	}

	if c.Demand.Cooldown < 0 || c.Demand.Interval <= 0 {
		errs = append(errs, errors.New("demand.cooldown must not be negative and demand.interval must be positive"))
	}
	if c.Demand.PrefetchWindow < 1 || c.Demand.MaxPrefetchWindow < c.Demand.PrefetchWindow {
		errs = append(errs, fmt.Errorf("demand prefetch windows invalid: %d/%d", c.Demand.PrefetchWindow, c.Demand.MaxPrefetchWindow))
	}

	if c.Governor.MaxResident < 1 {
		errs = append(errs, fmt.Errorf("governor.max_resident must be at least 1, got %d", c.Governor.MaxResident))
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

// BudgetBytes parses the humanized cache budget. "0" disables pruning.
func (c Config) BudgetBytes() (int64, error) {
	s := strings.TrimSpace(c.Cache.Budget)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("cache.budget: %w", err)
	}
	return int64(n), nil //nolint:gosec
}

// ExpandPaths replaces a leading ~ in every path setting.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{&c.Cache.Dir, &c.Backends.Manifest, &c.Log.File, &c.Metrics.Textfile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// ToCacheConfig converts to the cache store configuration.
func (c Config) ToCacheConfig() (cache.Config, error) {
	budget, err := c.BudgetBytes()
	if err != nil {
		return cache.Config{}, err
	}
	policy, err := cache.ParseRatePolicy(c.Cache.RatePolicy)
	if err != nil {
		return cache.Config{}, err
	}
	cc := cache.DefaultConfig()
	cc.Dir = c.Cache.Dir
	cc.Budget = budget
	cc.MaxAge = c.Cache.MaxAge
	cc.CompressAfter = c.Cache.CompressAfter
	cc.CleanupInterval = c.Cache.Cleanup
	cc.RatePolicy = policy
	return cc, nil
}

// ToPipelineConfig converts to the pipeline configuration.
func (c Config) ToPipelineConfig() pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.Scheduler.Baseline = c.Scheduler.Baseline
	pc.Scheduler.Max = c.Scheduler.Max
	pc.Scheduler.MaxRetries = c.Scheduler.MaxRetries
	pc.Scheduler.SynthTimeout = c.Scheduler.Timeout
	pc.Demand.Cooldown = c.Demand.Cooldown
	pc.Demand.Interval = c.Demand.Interval
	pc.Demand.PrefetchWindow = c.Demand.PrefetchWindow
	pc.Demand.MaxPrefetchWindow = c.Demand.MaxPrefetchWindow
	pc.MaxResident = c.Governor.MaxResident
	return pc
}
