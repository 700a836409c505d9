package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"cohort-engine/internal/backoff"
)

// Config holds the configuration for the application.
type Config struct {
	Environment string `mapstructure:"environment"`
	Log         struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Warehouse struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"warehouse"`
	Redis struct {
		URL        string `mapstructure:"url"`
		LockKey    string `mapstructure:"lock_key"`
		CounterKey string `mapstructure:"counter_key"`
	} `mapstructure:"redis"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Server    struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Auth struct {
		Issuer   string `mapstructure:"issuer"`
		ClientID string `mapstructure:"client_id"`
	} `mapstructure:"auth"`
	Telemetry struct {
		MetricExporter string `mapstructure:"metric_exporter"`
	} `mapstructure:"telemetry"`
}

// Scheduler tunes the recompute cycle.
type Scheduler struct {
	Interval           time.Duration `mapstructure:"interval"`
	StaleThreshold     time.Duration `mapstructure:"stale_threshold"`
	MaxErrors          int           `mapstructure:"max_errors"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffMaxExponent int           `mapstructure:"backoff_max_exponent"`
	Concurrency        int           `mapstructure:"concurrency"`
	JobTimeout         time.Duration `mapstructure:"job_timeout"`
	// LockTTL must exceed JobTimeout: the lock is only extended between
	// levels, so one level of at most Concurrency jobs has to fit inside it.
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	GCEveryNCycles int64         `mapstructure:"gc_every_n_cycles"`
	// Universe is "all" or "persons"; see compiler.Universe.
	Universe string `mapstructure:"universe"`
}

// BackoffPolicy returns the retry window policy for failing cohorts.
func (s Scheduler) BackoffPolicy() backoff.Policy {
	return backoff.Policy{BaseDelay: s.BackoffBase, MaxExponent: s.BackoffMaxExponent}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "cohorts")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("warehouse.driver", "sqlite")
	v.SetDefault("warehouse.dsn", "warehouse.db")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.lock_key", "cohortd:cycle-lock")
	v.SetDefault("redis.counter_key", "cohortd:cycle-count")

	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("scheduler.stale_threshold", 24*time.Hour)
	v.SetDefault("scheduler.max_errors", 20)
	v.SetDefault("scheduler.backoff_base", 30*time.Minute)
	v.SetDefault("scheduler.backoff_max_exponent", 10)
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.job_timeout", 10*time.Minute)
	v.SetDefault("scheduler.lock_ttl", 15*time.Minute)
	v.SetDefault("scheduler.gc_every_n_cycles", 24)
	v.SetDefault("scheduler.universe", "all")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("telemetry.metric_exporter", "prometheus")
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches for config.yaml in . and ./config; a missing file is
// not an error there. Environment variables use the COHORTD_ prefix, e.g.
// COHORTD_SCHEDULER_CONCURRENCY.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("COHORTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Auth.Issuer = normalizeIssuer(config.Auth.Issuer)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	s := c.Scheduler
	var errs []error
	if s.Interval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.interval must be positive"))
	}
	if s.StaleThreshold < 0 {
		errs = append(errs, fmt.Errorf("scheduler.stale_threshold must not be negative"))
	}
	if s.MaxErrors <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_errors must be positive"))
	}
	if s.BackoffBase <= 0 || s.BackoffMaxExponent < 0 {
		errs = append(errs, fmt.Errorf("scheduler backoff settings must be positive"))
	}
	if s.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.concurrency must be positive"))
	}
	if s.JobTimeout <= 0 || s.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.job_timeout and scheduler.lock_ttl must be positive"))
	} else if s.LockTTL <= s.JobTimeout {
		errs = append(errs, fmt.Errorf("scheduler.lock_ttl (%s) must exceed scheduler.job_timeout (%s)", s.LockTTL, s.JobTimeout))
	}
	if s.GCEveryNCycles <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.gc_every_n_cycles must be positive"))
	}
	switch s.Universe {
	case "all", "persons":
	default:
		errs = append(errs, fmt.Errorf("scheduler.universe %q is not one of all, persons", s.Universe))
	}
	switch c.Warehouse.Driver {
	case "sqlite", "clickhouse":
	default:
		errs = append(errs, fmt.Errorf("warehouse.driver %q is not one of sqlite, clickhouse", c.Warehouse.Driver))
	}
	if c.Auth.Issuer != "" && c.Auth.ClientID == "" {
		errs = append(errs, fmt.Errorf("auth.client_id is required when auth.issuer is set"))
	}
	return errors.Join(errs...)
}

// PostgresDSN builds the tracking store connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

// normalizeIssuer strips a trailing slash so an issuer pasted from a
// provider console matches the iss claim.
func normalizeIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
