package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Engine.Workers != 100 {
		t.Errorf("expected Workers=100, got %d", cfg.Engine.Workers)
	}
	if cfg.Engine.DispatchWorkers != 2 {
		t.Errorf("expected DispatchWorkers=2, got %d", cfg.Engine.DispatchWorkers)
	}
	if cfg.Engine.InvokePoolThreads != 500 {
		t.Errorf("expected InvokePoolThreads=500, got %d", cfg.Engine.InvokePoolThreads)
	}
	if cfg.Monitor.PollInterval != 300*time.Millisecond {
		t.Errorf("expected PollInterval=300ms, got %v", cfg.Monitor.PollInterval)
	}
	if cfg.Monitor.InitialDelay != time.Second {
		t.Errorf("expected InitialDelay=1s, got %v", cfg.Monitor.InitialDelay)
	}
	if !cfg.Engine.DataCleaner {
		t.Error("expected DataCleaner enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }},
		{"zero dispatch workers", func(c *Config) { c.Engine.DispatchWorkers = 0 }},
		{"zero invoke pool", func(c *Config) { c.Engine.InvokePoolThreads = 0 }},
		{"bad backend", func(c *Config) { c.Storage.Backend = "tape" }},
		{"zero poll interval", func(c *Config) { c.Monitor.PollInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stratus.json")
	content := `{"engine": {"workers": 8, "dispatch_workers": 2, "invoke_pool_threads": 16}, "storage": {"backend": "memory", "bucket": "b", "prefix": "p"}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Engine.Workers != 8 {
		t.Errorf("expected Workers=8, got %d", cfg.Engine.Workers)
	}
	if cfg.Storage.Bucket != "b" {
		t.Errorf("expected bucket override, got %q", cfg.Storage.Bucket)
	}
	// Untouched sections keep defaults
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("expected default redis addr, got %q", cfg.Redis.Addr)
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stratus.yaml")
	content := "engine:\n  workers: 4\nstorage:\n  backend: memory\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Engine.Workers != 4 {
		t.Errorf("expected Workers=4, got %d", cfg.Engine.Workers)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("STRATUS_WORKERS", "17")
	t.Setenv("STRATUS_STORAGE_BACKEND", "redis")

	cfg := Default()
	cfg.ApplyEnv()
	if cfg.Engine.Workers != 17 {
		t.Errorf("expected Workers=17 from env, got %d", cfg.Engine.Workers)
	}
	if cfg.Storage.Backend != "redis" {
		t.Errorf("expected backend=redis from env, got %q", cfg.Storage.Backend)
	}
}
