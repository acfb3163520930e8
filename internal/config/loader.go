package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SPEAKAHEAD_CACHE_DIR.
const EnvPrefix = "SPEAKAHEAD_"

// SetDefaults registers the default configuration with v so that
// config files only need to name what they change.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.budget", d.Cache.Budget)
	v.SetDefault("cache.max_age", d.Cache.MaxAge)
	v.SetDefault("cache.rate_policy", d.Cache.RatePolicy)
	v.SetDefault("cache.compress_after", d.Cache.CompressAfter)
	v.SetDefault("cache.cleanup_interval", d.Cache.Cleanup)
	v.SetDefault("cache.index", d.Cache.Index)

	v.SetDefault("scheduler.baseline", d.Scheduler.Baseline)
	v.SetDefault("scheduler.max", d.Scheduler.Max)
	v.SetDefault("scheduler.max_retries", d.Scheduler.MaxRetries)
	v.SetDefault("scheduler.timeout", d.Scheduler.Timeout)

	v.SetDefault("demand.cooldown", d.Demand.Cooldown)
	v.SetDefault("demand.interval", d.Demand.Interval)
	v.SetDefault("demand.prefetch_window", d.Demand.PrefetchWindow)
	v.SetDefault("demand.max_prefetch_window", d.Demand.MaxPrefetchWindow)

	v.SetDefault("governor.max_resident", d.Governor.MaxResident)
	v.SetDefault("backends.manifest", d.Backends.Manifest)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.textfile", d.Metrics.Textfile)
}

// Load builds a Config from the defaults, the values set in v and finally
// SPEAKAHEAD_* environment variables. Paths are expanded and the result is
// validated.
func Load(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()

	loadCache(v, &cfg.Cache)
	loadScheduler(v, &cfg.Scheduler)
	loadDemand(v, &cfg.Demand)

	if v.IsSet("governor.max_resident") {
		cfg.Governor.MaxResident = v.GetInt("governor.max_resident")
	}
	if v.IsSet("backends.manifest") {
		cfg.Backends.Manifest = v.GetString("backends.manifest")
	}

	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("log.file") {
		cfg.Log.File = v.GetString("log.file")
	}
	if v.IsSet("log.max_size_mb") {
		cfg.Log.MaxSizeMB = v.GetInt("log.max_size_mb")
	}
	if v.IsSet("log.max_backups") {
		cfg.Log.MaxBackups = v.GetInt("log.max_backups")
	}

	if v.IsSet("metrics.enabled") {
		cfg.Metrics.Enabled = v.GetBool("metrics.enabled")
	}
	if v.IsSet("metrics.textfile") {
		cfg.Metrics.Textfile = v.GetString("metrics.textfile")
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.ExpandPaths(); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadCache(v *viper.Viper, c *CacheConfig) {
	if v.IsSet("cache.dir") {
		c.Dir = v.GetString("cache.dir")
	}
	if v.IsSet("cache.budget") {
		c.Budget = v.GetString("cache.budget")
	}
	if v.IsSet("cache.max_age") {
		c.MaxAge = duration(v, "cache.max_age", c.MaxAge)
	}
	if v.IsSet("cache.rate_policy") {
		c.RatePolicy = v.GetString("cache.rate_policy")
	}
	if v.IsSet("cache.compress_after") {
		c.CompressAfter = duration(v, "cache.compress_after", c.CompressAfter)
	}
	if v.IsSet("cache.cleanup_interval") {
		c.Cleanup = duration(v, "cache.cleanup_interval", c.Cleanup)
	}
	if v.IsSet("cache.index") {
		c.Index = v.GetString("cache.index")
	}
}

func loadScheduler(v *viper.Viper, c *SchedulerConfig) {
	if v.IsSet("scheduler.baseline") {
		c.Baseline = v.GetInt("scheduler.baseline")
	}
	if v.IsSet("scheduler.max") {
		c.Max = v.GetInt("scheduler.max")
	}
	if v.IsSet("scheduler.max_retries") {
		c.MaxRetries = v.GetInt("scheduler.max_retries")
	}
	if v.IsSet("scheduler.timeout") {
		c.Timeout = duration(v, "scheduler.timeout", c.Timeout)
	}
}

func loadDemand(v *viper.Viper, c *DemandConfig) {
	if v.IsSet("demand.cooldown") {
		c.Cooldown = duration(v, "demand.cooldown", c.Cooldown)
	}
	if v.IsSet("demand.interval") {
		c.Interval = duration(v, "demand.interval", c.Interval)
	}
	if v.IsSet("demand.prefetch_window") {
		c.PrefetchWindow = v.GetInt("demand.prefetch_window")
	}
	if v.IsSet("demand.max_prefetch_window") {
		c.MaxPrefetchWindow = v.GetInt("demand.max_prefetch_window")
	}
}

// duration reads key as a duration, keeping def when the value does not
// parse.
func duration(v *viper.Viper, key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(v.GetString(key)); err == nil {
		return d
	}
	if d := v.GetDuration(key); d > 0 {
		return d
	}
	return def
}
