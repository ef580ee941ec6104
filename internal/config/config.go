// Package config loads gateway settings from defaults, an optional TOML
// file, a .env file and AUDITGATE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "AUDITGATE_"

// Duration wraps time.Duration so TOML files can carry "15s" style values.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	HTTPAddr     string `toml:"http_addr"`
	GRPCAddr     string `toml:"grpc_addr"`
	PGDSN        string `toml:"pg_dsn"`
	HandleSecret string `toml:"handle_secret"`
	SpoolPath    string `toml:"spool_path"`
	SentryDSN    string `toml:"sentry_dsn"`
	Environment  string `toml:"environment"`
	CORSOrigins  string `toml:"cors_origins"`

	ValidateTimeout Duration `toml:"validate_timeout"`
	FetchTimeout    Duration `toml:"fetch_timeout"`
	LogTimeout      Duration `toml:"log_timeout"`
	PortalIdleTTL   Duration `toml:"portal_idle_ttl"`
	SpoolInterval   Duration `toml:"spool_interval"`

	RecordLimit    int     `toml:"record_limit"`
	RateBurst      int     `toml:"rate_burst"`
	RatePerSec     float64 `toml:"rate_per_sec"`
	LogQueueSize   int     `toml:"log_queue_size"`
	LogMaxAttempts int     `toml:"log_max_attempts"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":9090",
		SpoolPath:       "data/spool.db",
		Environment:     "development",
		ValidateTimeout: Duration{10 * time.Second},
		FetchTimeout:    Duration{15 * time.Second},
		LogTimeout:      Duration{3 * time.Second},
		PortalIdleTTL:   Duration{30 * time.Minute},
		SpoolInterval:   Duration{time.Minute},
		RecordLimit:     500,
		RateBurst:       10,
		RatePerSec:      1,
		LogQueueSize:    1024,
		LogMaxAttempts:  4,
	}
}

// Load builds the configuration. path may be empty; a missing .env is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"HTTP_ADDR":     &c.HTTPAddr,
		"GRPC_ADDR":     &c.GRPCAddr,
		"PG_DSN":        &c.PGDSN,
		"HANDLE_SECRET": &c.HandleSecret,
		"SPOOL_PATH":    &c.SpoolPath,
		"SENTRY_DSN":    &c.SentryDSN,
		"ENVIRONMENT":   &c.Environment,
		"CORS_ORIGINS":  &c.CORSOrigins,
	}
	for key, dst := range strs {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	durations := map[string]*Duration{
		"VALIDATE_TIMEOUT": &c.ValidateTimeout,
		"FETCH_TIMEOUT":    &c.FetchTimeout,
		"LOG_TIMEOUT":      &c.LogTimeout,
		"PORTAL_IDLE_TTL":  &c.PortalIdleTTL,
		"SPOOL_INTERVAL":   &c.SpoolInterval,
	}
	for key, dst := range durations {
		v, ok := lookup(envPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
		}
		dst.Duration = d
	}

	ints := map[string]*int{
		"RECORD_LIMIT":     &c.RecordLimit,
		"RATE_BURST":       &c.RateBurst,
		"LOG_QUEUE_SIZE":   &c.LogQueueSize,
		"LOG_MAX_ATTEMPTS": &c.LogMaxAttempts,
	}
	for key, dst := range ints {
		v, ok := lookup(envPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
		}
		*dst = n
	}

	if v, ok := lookup(envPrefix + "RATE_PER_SEC"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("config: %sRATE_PER_SEC: %w", envPrefix, err)
		}
		c.RatePerSec = f
	}
	return nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.HTTPAddr == "":
		return errors.New("config: http_addr is required")
	case c.RecordLimit <= 0:
		return errors.New("config: record_limit must be positive")
	case c.RateBurst <= 0 || c.RatePerSec <= 0:
		return errors.New("config: rate limits must be positive")
	case c.LogQueueSize <= 0 || c.LogMaxAttempts <= 0:
		return errors.New("config: log queue settings must be positive")
	case c.ValidateTimeout.Duration <= 0 || c.FetchTimeout.Duration <= 0 || c.LogTimeout.Duration <= 0:
		return errors.New("config: timeouts must be positive")
	case c.HandleSecret != "" && len(c.HandleSecret) < 16:
		return errors.New("config: handle_secret must be at least 16 bytes")
	}
	return nil
}

// CORSOriginList splits the comma separated origin setting.
func (c *Config) CORSOriginList() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
