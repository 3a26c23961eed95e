// Package app wires the surveillance engine together: configuration, the
// scheduled polling/reconciliation loops, and the query facade consumed by
// UIs and other collectors.
package app

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/vigilsec/banwatch/internal/domain"
)

// Config is the resolved engine configuration.
type Config struct {
	StorePath   string
	TrackerPath string

	LogPattern   string // glob covering the live log and its rotated siblings
	PollInterval time.Duration
	SyncInterval time.Duration

	GeoCachePath string
	GeoCityDB    string
	GeoASNDB     string
	GeoNegTTL    time.Duration
	GeoTimeout   time.Duration

	Thresholds domain.ClassifierThresholds

	MetricsEnabled bool
	MetricsAddr    string

	F2BBinary  string
	F2BSudo    bool
	F2BTimeout time.Duration
}

// SetDefaults installs every configuration default into viper. Called once
// from the CLI before any config file is read.
func SetDefaults() {
	viper.SetDefault("store.path", "./data/attacks.json")
	viper.SetDefault("store.tracker_path", "./data/positions.json")

	viper.SetDefault("logs.pattern", "/var/log/fail2ban.log*")
	viper.SetDefault("poll.interval_seconds", 30)
	viper.SetDefault("sync.interval_seconds", 120)

	viper.SetDefault("geo.cache_path", "./data/geocache.db")
	viper.SetDefault("geo.city_db", "")
	viper.SetDefault("geo.asn_db", "")
	viper.SetDefault("geo.negative_ttl_minutes", 15)
	viper.SetDefault("geo.lookup_timeout_seconds", 3)

	viper.SetDefault("classify.evading_after_hours", 72)
	viper.SetDefault("classify.caught_min_fails", 10)
	viper.SetDefault("classify.min_intervals", 2)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.addr", ":9321")

	viper.SetDefault("f2b.binary", "fail2ban-client")
	viper.SetDefault("f2b.sudo", true)
	viper.SetDefault("f2b.timeout_seconds", 10)
}

// Load reads the current viper state into a validated Config.
func Load() (Config, error) {
	cfg := Config{
		StorePath:   viper.GetString("store.path"),
		TrackerPath: viper.GetString("store.tracker_path"),

		LogPattern:   viper.GetString("logs.pattern"),
		PollInterval: time.Duration(viper.GetInt("poll.interval_seconds")) * time.Second,
		SyncInterval: time.Duration(viper.GetInt("sync.interval_seconds")) * time.Second,

		GeoCachePath: viper.GetString("geo.cache_path"),
		GeoCityDB:    viper.GetString("geo.city_db"),
		GeoASNDB:     viper.GetString("geo.asn_db"),
		GeoNegTTL:    time.Duration(viper.GetInt("geo.negative_ttl_minutes")) * time.Minute,
		GeoTimeout:   time.Duration(viper.GetInt("geo.lookup_timeout_seconds")) * time.Second,

		Thresholds: thresholdsFromViper(),

		MetricsEnabled: viper.GetBool("metrics.enabled"),
		MetricsAddr:    viper.GetString("metrics.addr"),

		F2BBinary:  viper.GetString("f2b.binary"),
		F2BSudo:    viper.GetBool("f2b.sudo"),
		F2BTimeout: time.Duration(viper.GetInt("f2b.timeout_seconds")) * time.Second,
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func thresholdsFromViper() domain.ClassifierThresholds {
	return domain.ClassifierThresholds{
		EvadingAfter:   time.Duration(viper.GetInt("classify.evading_after_hours")) * time.Hour,
		CaughtMinFails: viper.GetInt("classify.caught_min_fails"),
		MinIntervals:   viper.GetInt("classify.min_intervals"),
	}
}

func (c Config) validate() error {
	if c.StorePath == "" {
		return &ConfigError{Field: "store.path", Reason: "must not be empty"}
	}
	if c.LogPattern == "" {
		return &ConfigError{Field: "logs.pattern", Reason: "must not be empty"}
	}
	if c.PollInterval < time.Second {
		return &ConfigError{Field: "poll.interval_seconds", Reason: "must be at least 1"}
	}
	if c.SyncInterval < time.Second {
		return &ConfigError{Field: "sync.interval_seconds", Reason: "must be at least 1"}
	}
	if c.Thresholds.CaughtMinFails < 1 {
		return &ConfigError{Field: "classify.caught_min_fails", Reason: "must be positive"}
	}
	if c.Thresholds.EvadingAfter <= 0 {
		return &ConfigError{Field: "classify.evading_after_hours", Reason: "must be positive"}
	}
	return nil
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Field + " " + e.Reason
}

// WatchThresholds hot-reloads the classifier thresholds when the config
// file changes, pushing valid values through apply. Invalid reloads are
// rejected and the current thresholds stay in force.
func WatchThresholds(apply func(domain.ClassifierThresholds)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("config changed, reloading thresholds")
		if err := viper.ReadInConfig(); err != nil {
			log.Error().Err(err).Msg("failed to re-read config, keeping current thresholds")
			return
		}
		th := thresholdsFromViper()
		if th.CaughtMinFails < 1 || th.EvadingAfter <= 0 {
			log.Error().Msg("invalid classifier thresholds in reloaded config, rejecting")
			return
		}
		apply(th)
		log.Info().
			Dur("evading_after", th.EvadingAfter).
			Int("caught_min_fails", th.CaughtMinFails).
			Msg("classifier thresholds reloaded")
	})
	viper.WatchConfig()
}
