package store

import (
	"strings"
	"testing"
	"time"
)

func TestOptionsPoolConfig(t *testing.T) {
	const url = "postgres://facts@localhost:5432/facts"

	cfg, err := Options{
		URL:               url,
		MaxConns:          6,
		MinConns:          2,
		ConnectTimeout:    3 * time.Second,
		HealthCheckPeriod: 30 * time.Second,
	}.PoolConfig()
	if err != nil {
		t.Fatalf("PoolConfig: %v", err)
	}
	if cfg.MaxConns != 6 || cfg.MinConns != 2 {
		t.Errorf("conns = %d/%d, want 6/2", cfg.MaxConns, cfg.MinConns)
	}
	if cfg.ConnConfig.ConnectTimeout != 3*time.Second {
		t.Errorf("connect timeout = %v", cfg.ConnConfig.ConnectTimeout)
	}
	if cfg.HealthCheckPeriod != 30*time.Second {
		t.Errorf("health check period = %v", cfg.HealthCheckPeriod)
	}

	defaults, err := Options{URL: url}.PoolConfig()
	if err != nil {
		t.Fatalf("PoolConfig: %v", err)
	}
	if defaults.MaxConns < 1 || defaults.MinConns != 0 {
		t.Errorf("zero options should keep driver defaults, got %d/%d", defaults.MaxConns, defaults.MinConns)
	}
}

func TestOptionsPoolConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		env  string
		want string
	}{
		{"no url", Options{}, "", "DATABASE_URL"},
		{"min over max", Options{URL: "postgres://localhost/db", MaxConns: 2, MinConns: 3}, "", "exceeds"},
		{"bad url", Options{URL: "postgres://localhost:notaport/db"}, "", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", tt.env)
			_, err := tt.opts.PoolConfig()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("PoolConfig() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestOptionsURLFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env@localhost:5432/envdb")
	cfg, err := Options{}.PoolConfig()
	if err != nil {
		t.Fatalf("PoolConfig: %v", err)
	}
	if cfg.ConnConfig.Database != "envdb" {
		t.Errorf("database = %q, want envdb", cfg.ConnConfig.Database)
	}
}
