// Package config loads tool settings from a YAML file, .env and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"finreport_facts/pkg/core/store"
)

// DefaultPath is where the command-line tools look for settings.
const DefaultPath = "config/ingest.yaml"

// Config holds every tunable of ingestion and resolution.
type Config struct {
	DatabaseURL         string   `yaml:"database_url"`
	DictionaryPath      string   `yaml:"dictionary_path"`
	BackgroundRulesPath string   `yaml:"background_rules_path"`
	Engines             []string `yaml:"engines"`
	EngineRetries       int      `yaml:"engine_retries"`
	RetryDelay          string   `yaml:"retry_delay"`
	Concurrency         int      `yaml:"concurrency"`
	WritePages          bool     `yaml:"write_pages"`
	SnapshotPath        string   `yaml:"snapshot_path"`

	Pool    PoolConfig    `yaml:"pool"`
	Resolve ResolveConfig `yaml:"resolve"`
}

// PoolConfig sizes the database pool. Zero values keep the driver defaults.
type PoolConfig struct {
	MaxConns          int32  `yaml:"max_conns"`
	MinConns          int32  `yaml:"min_conns"`
	ConnectTimeout    string `yaml:"connect_timeout"`
	HealthCheckPeriod string `yaml:"health_check_period"`
}

// ResolveConfig tunes consensus and the consistency checks. Tolerances are kept as
// written so they reach decimal arithmetic without a float round trip.
type ResolveConfig struct {
	MinAgree  int    `yaml:"min_agree"`
	Tolerance string `yaml:"tolerance"`
	AbsTol    string `yaml:"abs_tol"`
	RelTol    string `yaml:"rel_tol"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Engines:       []string{"auto"},
		EngineRetries: 2,
		RetryDelay:    "2s",
		Concurrency:   1,
		Pool: PoolConfig{
			ConnectTimeout: "10s",
		},
		Resolve: ResolveConfig{
			MinAgree:  1,
			Tolerance: "0.01",
			AbsTol:    "1",
			RelTol:    "0.000001",
		},
	}
}

// Load reads .env, then the YAML file at path (a missing file keeps the defaults),
// then environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			log.Printf("[Config] %s not found, using defaults", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("DICTIONARY_PATH"); v != "" {
		c.DictionaryPath = v
	}
	if v := os.Getenv("BACKGROUND_RULES_PATH"); v != "" {
		c.BackgroundRulesPath = v
	}
	if v := os.Getenv("INGEST_ENGINES"); v != "" {
		c.Engines = SplitList(v)
	}
	if v := os.Getenv("ENGINE_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ENGINE_RETRIES %q: %w", v, err)
		}
		c.EngineRetries = n
	}
	if v := os.Getenv("MIN_AGREE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MIN_AGREE %q: %w", v, err)
		}
		c.Resolve.MinAgree = n
	}
	return nil
}

// Validate rejects settings no run could use.
func (c *Config) Validate() error {
	if len(c.Engines) == 0 {
		return fmt.Errorf("config: at least one engine is required")
	}
	if c.Resolve.MinAgree < 1 {
		return fmt.Errorf("config: min_agree must be at least 1, got %d", c.Resolve.MinAgree)
	}
	if c.EngineRetries < 0 {
		return fmt.Errorf("config: engine_retries must not be negative")
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if _, err := c.RetryDelayDuration(); err != nil {
		return err
	}
	if c.Pool.MaxConns < 0 || c.Pool.MinConns < 0 {
		return fmt.Errorf("config: pool connection counts must not be negative")
	}
	if c.Pool.MaxConns > 0 && c.Pool.MinConns > c.Pool.MaxConns {
		return fmt.Errorf("config: pool min_conns %d exceeds max_conns %d", c.Pool.MinConns, c.Pool.MaxConns)
	}
	for name, v := range map[string]string{
		"connect_timeout":     c.Pool.ConnectTimeout,
		"health_check_period": c.Pool.HealthCheckPeriod,
	} {
		if _, err := parseDuration(name, v); err != nil {
			return err
		}
	}
	for name, v := range map[string]string{
		"tolerance": c.Resolve.Tolerance,
		"abs_tol":   c.Resolve.AbsTol,
		"rel_tol":   c.Resolve.RelTol,
	} {
		if _, err := ParseDecimal(name, v); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// RetryDelayDuration parses RetryDelay; empty means no delay.
func (c *Config) RetryDelayDuration() (time.Duration, error) {
	return parseDuration("retry_delay", c.RetryDelay)
}

// StoreOptions builds the repository options for a run. Durations are checked by Load.
func (c *Config) StoreOptions(dryRun bool, snapshot string) store.Options {
	timeout, _ := parseDuration("connect_timeout", c.Pool.ConnectTimeout)
	health, _ := parseDuration("health_check_period", c.Pool.HealthCheckPeriod)
	return store.Options{
		URL:               c.DatabaseURL,
		MaxConns:          c.Pool.MaxConns,
		MinConns:          c.Pool.MinConns,
		ConnectTimeout:    timeout,
		HealthCheckPeriod: health,
		DryRun:            dryRun,
		Snapshot:          snapshot,
	}
}

func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", name, value, err)
	}
	return d, nil
}

// ParseDecimal parses a non-negative decimal setting; empty means zero.
func ParseDecimal(name, value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid %s %q: must not be negative", name, value)
	}
	return d, nil
}

// ToleranceDecimal returns the consensus value tolerance. Invalid values read as zero;
// Load rejects them.
func (r ResolveConfig) ToleranceDecimal() decimal.Decimal {
	d, _ := ParseDecimal("tolerance", r.Tolerance)
	return d
}

// AbsTolDecimal returns the absolute consistency tolerance.
func (r ResolveConfig) AbsTolDecimal() decimal.Decimal {
	d, _ := ParseDecimal("abs_tol", r.AbsTol)
	return d
}

// RelTolDecimal returns the relative consistency tolerance.
func (r ResolveConfig) RelTolDecimal() decimal.Decimal {
	d, _ := ParseDecimal("rel_tol", r.RelTol)
	return d
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
