package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backends accepted by Config.Backend.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendMongo  = "mongo"
)

type Config struct {
	// Storage
	Backend   string `yaml:"backend"`
	DBPath    string `yaml:"db_path"`
	MongoURI  string `yaml:"mongo_uri"`
	MongoDB   string `yaml:"mongo_database"`
	Namespace string `yaml:"namespace"`

	// API server
	APIPort int `yaml:"api_port"`

	// Collector config
	CollectorEnabled   bool   `yaml:"collector_enabled"`
	CollectorPort      int    `yaml:"collector_port"`
	OutputDir          string `yaml:"output_dir"`
	HitsFileName       string `yaml:"hits_file"`
	ProcessingInterval int    `yaml:"processing_interval"` // seconds

	// Rollups
	FirstDayOfWeek    string `yaml:"first_day_of_week"`
	RollupMaxItems    int64  `yaml:"rollup_max_items"`
	RollupTimeout     int    `yaml:"rollup_timeout"` // seconds, 0 disables
	QueueWorkers      int    `yaml:"queue_workers"`
	QueueCapacity     int    `yaml:"queue_capacity"`
	QueueMaxRetries   int    `yaml:"queue_max_retries"`
	SchedulerEnabled  bool   `yaml:"scheduler_enabled"`
	SchedulerInterval int    `yaml:"scheduler_interval"` // seconds

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func Default() *Config {
	return &Config{
		Backend:            BackendSQLite,
		DBPath:             "./db/hits.db",
		MongoDB:            "analytics",
		Namespace:          "analytics",
		APIPort:            8080,
		CollectorEnabled:   true,
		CollectorPort:      4318,
		OutputDir:          "./data",
		HitsFileName:       "hits.jsonl",
		ProcessingInterval: 5,
		FirstDayOfWeek:     "monday",
		RollupMaxItems:     0,
		RollupTimeout:      300,
		QueueWorkers:       2,
		QueueCapacity:      64,
		QueueMaxRetries:    5,
		SchedulerEnabled:   true,
		SchedulerInterval:  3600,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Load builds the configuration from the defaults, then the YAML file at
// path when path is not empty, then HITS_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.Backend = getEnv("HITS_BACKEND", cfg.Backend)
	cfg.DBPath = getEnv("HITS_DB_PATH", cfg.DBPath)
	cfg.MongoURI = getEnv("HITS_MONGO_URI", cfg.MongoURI)
	cfg.MongoDB = getEnv("HITS_MONGO_DATABASE", cfg.MongoDB)
	cfg.Namespace = getEnv("HITS_NAMESPACE", cfg.Namespace)
	cfg.APIPort = getEnvAsInt("HITS_API_PORT", cfg.APIPort)
	cfg.CollectorEnabled = getEnvAsBool("HITS_COLLECTOR_ENABLED", cfg.CollectorEnabled)
	cfg.CollectorPort = getEnvAsInt("HITS_COLLECTOR_PORT", cfg.CollectorPort)
	cfg.OutputDir = getEnv("HITS_OUTPUT_DIR", cfg.OutputDir)
	cfg.HitsFileName = getEnv("HITS_FILE", cfg.HitsFileName)
	cfg.ProcessingInterval = getEnvAsInt("HITS_PROCESSING_INTERVAL", cfg.ProcessingInterval)
	cfg.FirstDayOfWeek = getEnv("HITS_FIRST_DAY_OF_WEEK", cfg.FirstDayOfWeek)
	cfg.RollupMaxItems = int64(getEnvAsInt("HITS_ROLLUP_MAX_ITEMS", int(cfg.RollupMaxItems)))
	cfg.RollupTimeout = getEnvAsInt("HITS_ROLLUP_TIMEOUT", cfg.RollupTimeout)
	cfg.QueueWorkers = getEnvAsInt("HITS_QUEUE_WORKERS", cfg.QueueWorkers)
	cfg.QueueCapacity = getEnvAsInt("HITS_QUEUE_CAPACITY", cfg.QueueCapacity)
	cfg.QueueMaxRetries = getEnvAsInt("HITS_QUEUE_MAX_RETRIES", cfg.QueueMaxRetries)
	cfg.SchedulerEnabled = getEnvAsBool("HITS_SCHEDULER_ENABLED", cfg.SchedulerEnabled)
	cfg.SchedulerInterval = getEnvAsInt("HITS_SCHEDULER_INTERVAL", cfg.SchedulerInterval)
	cfg.LogLevel = getEnv("HITS_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("HITS_LOG_FORMAT", cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("db_path is required for the %s backend", c.Backend)
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("mongo_uri is required for the %s backend", c.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Namespace == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if _, err := c.WeekStart(); err != nil {
		return err
	}
	if c.QueueMaxRetries < 0 {
		return fmt.Errorf("queue_max_retries must not be negative")
	}
	return nil
}

// WeekStart parses FirstDayOfWeek.
func (c *Config) WeekStart() (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(c.FirstDayOfWeek, d.String()) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid first_day_of_week %q", c.FirstDayOfWeek)
}

func (c *Config) RollupBudgetTimeout() time.Duration {
	return time.Duration(c.RollupTimeout) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
