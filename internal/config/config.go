// Package config holds the engine configuration: defaults, file loading
// (JSON or YAML) and environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds the invocation scheduler settings.
type EngineConfig struct {
	// Workers is the remote concurrency budget: the number of activations
	// allowed in flight at once.
	Workers int `json:"workers" yaml:"workers"`

	// DispatchWorkers is the number of background dispatch loops draining
	// the token bucket and the pending queue.
	DispatchWorkers int `json:"dispatch_workers" yaml:"dispatch_workers"`

	// InvokePoolThreads caps concurrent direct invocations per job. A job
	// descriptor may override it.
	InvokePoolThreads int `json:"invoke_pool_threads" yaml:"invoke_pool_threads"`

	// PendingQueueSize bounds the deferred-call queue.
	PendingQueueSize int `json:"pending_queue_size" yaml:"pending_queue_size"`

	// RemoteInvoker delegates multi-call jobs to a single oversized
	// invocation that fans out remotely.
	RemoteInvoker bool `json:"remote_invoker" yaml:"remote_invoker"`

	RuntimeName      string        `json:"runtime" yaml:"runtime"`
	RuntimeMemoryMB  int           `json:"runtime_memory" yaml:"runtime_memory"`
	RuntimeTimeout   time.Duration `json:"runtime_timeout" yaml:"runtime_timeout"`
	ExecutionTimeout time.Duration `json:"execution_timeout" yaml:"execution_timeout"`

	// DataCleaner enables best-effort deletion of job artifacts after wait.
	DataCleaner bool `json:"data_cleaner" yaml:"data_cleaner"`

	LogLevel string `json:"log_level" yaml:"log_level"`
}

// StorageConfig holds the status store settings.
type StorageConfig struct {
	// Backend selects the status store implementation: memory, redis,
	// postgres or s3.
	Backend string `json:"backend" yaml:"backend"`
	Bucket  string `json:"bucket" yaml:"bucket"`
	Prefix  string `json:"prefix" yaml:"prefix"`
	Region  string `json:"region" yaml:"region"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

// RedisConfig holds Redis connection settings, shared by the redis status
// store backend and the completion channel.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// ComputeConfig holds the compute backend settings.
type ComputeConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Namespace string `json:"namespace" yaml:"namespace"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	// Regions lists extra regions; one compute handle is created per region.
	Regions []string `json:"regions,omitempty" yaml:"regions,omitempty"`

	// InvocationRetry enables bounded retries inside the backend client
	// for admission rejections.
	InvocationRetry bool  `json:"invocation_retry" yaml:"invocation_retry"`
	Retries         int   `json:"retries" yaml:"retries"`
	RetrySleepsSec  []int `json:"retry_sleeps" yaml:"retry_sleeps"`
}

// MonitorConfig selects and tunes the completion monitor strategy.
type MonitorConfig struct {
	// PubSub switches from status-store polling to the completion channel.
	PubSub       bool          `json:"pubsub" yaml:"pubsub"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// TelemetryConfig holds tracing settings.
type TelemetryConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Endpoint   string  `json:"endpoint" yaml:"endpoint"`
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`
}

// Config is the central configuration struct embedding all component
// configs.
type Config struct {
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Compute   ComputeConfig   `json:"compute" yaml:"compute"`
	Monitor   MonitorConfig   `json:"monitor" yaml:"monitor"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Workers:           100,
			DispatchWorkers:   2,
			InvokePoolThreads: 500,
			PendingQueueSize:  32768,
			RemoteInvoker:     false,
			RuntimeName:       "stratus-runtime:default",
			RuntimeMemoryMB:   256,
			RuntimeTimeout:    10 * time.Minute,
			ExecutionTimeout:  10 * time.Minute,
			DataCleaner:       true,
			LogLevel:          "info",
		},
		Storage: StorageConfig{
			Backend: "memory",
			Bucket:  "stratus-data",
			Prefix:  "stratus.jobs",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Compute: ComputeConfig{
			Namespace:       "default",
			InvocationRetry: true,
			Retries:         5,
			RetrySleepsSec:  []int{1, 2, 5, 10},
		},
		Monitor: MonitorConfig{
			InitialDelay: time.Second,
			PollInterval: 300 * time.Millisecond,
		},
		Telemetry: TelemetryConfig{
			SampleRate: 1.0,
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, selected by
// extension, on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides select settings from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("STRATUS_LOG_LEVEL"); v != "" {
		c.Engine.LogLevel = v
	}
	if v := os.Getenv("STRATUS_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.Workers = n
		}
	}
	if v := os.Getenv("STRATUS_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("STRATUS_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("STRATUS_STORAGE_BUCKET"); v != "" {
		c.Storage.Bucket = v
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Engine.DispatchWorkers <= 0 {
		return fmt.Errorf("engine.dispatch_workers must be positive, got %d", c.Engine.DispatchWorkers)
	}
	if c.Engine.InvokePoolThreads <= 0 {
		return fmt.Errorf("engine.invoke_pool_threads must be positive, got %d", c.Engine.InvokePoolThreads)
	}
	switch c.Storage.Backend {
	case "memory", "redis", "postgres", "s3":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive")
	}
	return nil
}
