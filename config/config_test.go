package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Backend != BackendSQLite {
		t.Errorf("Expected backend %s, got %s", BackendSQLite, cfg.Backend)
	}
	if cfg.APIPort != 8080 {
		t.Errorf("Expected API port 8080, got %d", cfg.APIPort)
	}
	day, err := cfg.WeekStart()
	if err != nil {
		t.Fatalf("Failed to parse week start: %v", err)
	}
	if day != time.Monday {
		t.Errorf("Expected weeks to start on Monday, got %s", day)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hits.yaml")
	content := `
backend: memory
namespace: from-file
api_port: 9000
first_day_of_week: sunday
rollup_timeout: 10
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("HITS_API_PORT", "9100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Backend != BackendMemory {
		t.Errorf("Expected backend from file, got %s", cfg.Backend)
	}
	if cfg.Namespace != "from-file" {
		t.Errorf("Expected namespace from file, got %s", cfg.Namespace)
	}
	if cfg.APIPort != 9100 {
		t.Errorf("Expected env to override the file port, got %d", cfg.APIPort)
	}
	if cfg.RollupBudgetTimeout() != 10*time.Second {
		t.Errorf("Expected 10s rollup timeout, got %s", cfg.RollupBudgetTimeout())
	}
	if day, _ := cfg.WeekStart(); day != time.Sunday {
		t.Errorf("Expected weeks to start on Sunday, got %s", day)
	}
	// Values the file leaves out keep their defaults.
	if cfg.CollectorPort != 4318 {
		t.Errorf("Expected default collector port, got %d", cfg.CollectorPort)
	}
}

func TestLoadInvalidEnvIntIgnored(t *testing.T) {
	t.Setenv("HITS_API_PORT", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.APIPort != 8080 {
		t.Errorf("Expected default port when env is invalid, got %d", cfg.APIPort)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend = "postgres" }},
		{"mongo without uri", func(c *Config) { c.Backend = BackendMongo; c.MongoURI = "" }},
		{"sqlite without path", func(c *Config) { c.DBPath = "" }},
		{"empty namespace", func(c *Config) { c.Namespace = "" }},
		{"bad week start", func(c *Config) { c.FirstDayOfWeek = "someday" }},
		{"negative retries", func(c *Config) { c.QueueMaxRetries = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("Expected error for a missing config file")
	}
}
