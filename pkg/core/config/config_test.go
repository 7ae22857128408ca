package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("INGEST_ENGINES", "")
	t.Setenv("MIN_AGREE", "")
	t.Setenv("ENGINE_RETRIES", "")
	t.Setenv("DICTIONARY_PATH", "")
	t.Setenv("BACKGROUND_RULES_PATH", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("expected defaults, got %+v", cfg)
	}
	if got := cfg.Resolve.ToleranceDecimal().String(); got != "0.01" {
		t.Errorf("tolerance = %s", got)
	}
	if got := cfg.Resolve.RelTolDecimal().String(); got != "0.000001" {
		t.Errorf("rel tol = %s", got)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.yaml")
	content := `
database_url: postgres://file
engines: [contentlist, markdown]
engine_retries: 3
retry_delay: 500ms
resolve:
  min_agree: 2
  tolerance: 0.1
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("INGEST_ENGINES", "")
	t.Setenv("MIN_AGREE", "")
	t.Setenv("ENGINE_RETRIES", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://env" {
		t.Errorf("env should win, got %q", cfg.DatabaseURL)
	}
	if !reflect.DeepEqual(cfg.Engines, []string{"contentlist", "markdown"}) {
		t.Errorf("engines = %v", cfg.Engines)
	}
	if got := cfg.Resolve.ToleranceDecimal().String(); got != "0.1" {
		t.Errorf("tolerance = %s, want 0.1", got)
	}
	if cfg.Resolve.MinAgree != 2 || cfg.EngineRetries != 3 {
		t.Errorf("unexpected resolve settings: %+v", cfg)
	}
	if cfg.Resolve.AbsTol != "1" {
		t.Errorf("unset keys should keep defaults, abs tol = %v", cfg.Resolve.AbsTol)
	}
	if d, _ := cfg.RetryDelayDuration(); d != 500*time.Millisecond {
		t.Errorf("retry delay = %v", d)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{"zero min agree", "resolve:\n  min_agree: 0\n", nil},
		{"bad delay", "retry_delay: soon\n", nil},
		{"bad env", "", map[string]string{"MIN_AGREE": "two"}},
		{"malformed yaml", "engines: [a\n", nil},
		{"bad tolerance", "resolve:\n  tolerance: tiny\n", nil},
		{"negative abs tol", "resolve:\n  abs_tol: -1\n", nil},
		{"bad connect timeout", "pool:\n  connect_timeout: later\n", nil},
		{"min conns over max", "pool:\n  max_conns: 2\n  min_conns: 5\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MIN_AGREE", "")
			t.Setenv("INGEST_ENGINES", "")
			t.Setenv("ENGINE_RETRIES", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), "c.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("expected error")
			}
		})
	}
}

func TestStoreOptions(t *testing.T) {
	cfg := Default()
	cfg.DatabaseURL = "postgres://facts@localhost/facts"
	cfg.Pool = PoolConfig{MaxConns: 8, MinConns: 1, ConnectTimeout: "5s", HealthCheckPeriod: "1m"}

	opts := cfg.StoreOptions(true, "snap.json")
	if opts.URL != cfg.DatabaseURL || opts.MaxConns != 8 || opts.MinConns != 1 {
		t.Errorf("unexpected options: %+v", opts)
	}
	if opts.ConnectTimeout != 5*time.Second || opts.HealthCheckPeriod != time.Minute {
		t.Errorf("durations = %v, %v", opts.ConnectTimeout, opts.HealthCheckPeriod)
	}
	if !opts.DryRun || opts.Snapshot != "snap.json" {
		t.Errorf("dry run = %v, snapshot = %q", opts.DryRun, opts.Snapshot)
	}
	if got := Default().StoreOptions(false, "").ConnectTimeout; got != 10*time.Second {
		t.Errorf("default connect timeout = %v", got)
	}
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		value   string
		want    string
		wantErr bool
	}{
		{"0.1", "0.1", false},
		{" 0.000001 ", "0.000001", false},
		{"1e-6", "0.000001", false},
		{"", "0", false},
		{"abc", "", true},
		{"-0.5", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, err := ParseDecimal("tolerance", tt.value)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDecimal: %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseDecimal(%q) = %s, want %s", tt.value, got, tt.want)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" contentlist, ,markdown ,")
	if !reflect.DeepEqual(got, []string{"contentlist", "markdown"}) {
		t.Errorf("SplitList = %v", got)
	}
}
