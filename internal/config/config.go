// Package config loads the grader configuration: a YAML file for the
// deployment layout (services, rankings, languages) with environment
// variables overriding the secrets and connection settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Storage    StorageConfig    `yaml:"storage"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Workers    []WorkerEndpoint `yaml:"workers"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Rankings   []RankingConfig  `yaml:"rankings"`
	Languages  []Language       `yaml:"languages"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         string        `yaml:"port"`
	Mode         string        `yaml:"mode"` // "debug" or "release"
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	Name           string        `yaml:"name"`
	SSLMode        string        `yaml:"ssl_mode"`
	MaxConnections int           `yaml:"max_connections"`
	ConnTimeout    time.Duration `yaml:"conn_timeout"`
}

// DSN builds the pgx connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string        `yaml:"host"`
	Port     string        `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (c *RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// StorageConfig selects the blob store backend.
type StorageConfig struct {
	Backend        string `yaml:"backend"` // "filesystem" or "minio"
	Path           string `yaml:"path"`    // filesystem root
	MinioEndpoint  string `yaml:"minio_endpoint"`
	MinioAccessKey string `yaml:"minio_access_key"`
	MinioSecretKey string `yaml:"minio_secret_key"`
	MinioBucket    string `yaml:"minio_bucket"`
	MinioUseSSL    bool   `yaml:"minio_use_ssl"`
}

type SandboxConfig struct {
	TempDir       string `yaml:"temp_dir"`
	Executable    string `yaml:"executable"`
	UseCgroups    bool   `yaml:"use_cgroups"`
	KeepSandbox   bool   `yaml:"keep_sandbox"`
	MaxFileSizeKB int64  `yaml:"max_file_size_kb"`
	// CompilationMemoryKB caps compiler memory; zero means unlimited.
	CompilationMemoryKB int64 `yaml:"compilation_memory_kb"`
}

// WorkerEndpoint names one worker shard the evaluation service drives.
type WorkerEndpoint struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

func (e WorkerEndpoint) Addr() string {
	return e.Host + ":" + e.Port
}

type EvaluationConfig struct {
	// MaxQueueDepth is the backpressure threshold: beyond it, low-priority
	// enqueues are refused and left for the recovery sweep.
	MaxQueueDepth int `yaml:"max_queue_depth"`
	// HeartbeatSlack pads the job deadline over the sandbox wall limit.
	HeartbeatSlack time.Duration `yaml:"heartbeat_slack"`
	CheckInterval  time.Duration `yaml:"check_interval"`
}

type ScoringConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RankingConfig is one live-ranking endpoint scores are pushed to.
type RankingConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type MonitoringConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsPath    string `yaml:"metrics_path"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"` // "text" or "json"
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         "8889",
			Mode:         "release",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           "5432",
			User:           "grader",
			Password:       "secret",
			Name:           "grader_db",
			SSLMode:        "disable",
			MaxConnections: 20,
			ConnTimeout:    10 * time.Second,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     "6379",
			DB:       0,
			PoolSize: 10,
			Timeout:  5 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "filesystem",
			Path:    "/var/local/lib/grader/files",
		},
		Sandbox: SandboxConfig{
			TempDir:       "/tmp",
			Executable:    "isolate",
			UseCgroups:    true,
			MaxFileSizeKB: 1024 * 1024,
		},
		Workers: []WorkerEndpoint{{Host: "localhost", Port: "26000"}},
		Evaluation: EvaluationConfig{
			MaxQueueDepth:  500,
			HeartbeatSlack: 30 * time.Second,
			CheckInterval:  2 * time.Second,
		},
		Scoring: ScoringConfig{
			SweepInterval: 10 * time.Second,
		},
		Languages: DefaultLanguages(),
		Monitoring: MonitoringConfig{
			MetricsEnabled: true,
			MetricsPath:    "/metrics",
			LogLevel:       "info",
			LogFormat:      "text",
		},
	}
}

// Load reads the YAML file at path (optional: empty path keeps defaults),
// then applies environment overrides. A .env file in the working directory
// is honoured if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Server.Mode = getEnv("GIN_MODE", c.Server.Mode)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.MaxConnections = getIntEnv("DB_MAX_CONNECTIONS", c.Database.MaxConnections)

	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnv("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getIntEnv("REDIS_DB", c.Redis.DB)

	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Path = getEnv("STORAGE_PATH", c.Storage.Path)
	c.Storage.MinioEndpoint = getEnv("MINIO_ENDPOINT", c.Storage.MinioEndpoint)
	c.Storage.MinioAccessKey = getEnv("MINIO_ACCESS_KEY", c.Storage.MinioAccessKey)
	c.Storage.MinioSecretKey = getEnv("MINIO_SECRET_KEY", c.Storage.MinioSecretKey)
	c.Storage.MinioBucket = getEnv("MINIO_BUCKET", c.Storage.MinioBucket)
	c.Storage.MinioUseSSL = getBoolEnv("MINIO_USE_SSL", c.Storage.MinioUseSSL)

	c.Sandbox.TempDir = getEnv("SANDBOX_TEMP_DIR", c.Sandbox.TempDir)
	c.Sandbox.Executable = getEnv("SANDBOX_EXECUTABLE", c.Sandbox.Executable)
	c.Sandbox.UseCgroups = getBoolEnv("SANDBOX_USE_CGROUPS", c.Sandbox.UseCgroups)
	c.Sandbox.KeepSandbox = getBoolEnv("SANDBOX_KEEP", c.Sandbox.KeepSandbox)

	c.Monitoring.LogLevel = getEnv("LOG_LEVEL", c.Monitoring.LogLevel)
	c.Monitoring.LogFormat = getEnv("LOG_FORMAT", c.Monitoring.LogFormat)
}

// Validate checks the configuration for inconsistencies that would only
// surface much later at runtime.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "filesystem":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for the filesystem backend")
		}
	case "minio":
		if c.Storage.MinioEndpoint == "" || c.Storage.MinioBucket == "" {
			return fmt.Errorf("minio endpoint and bucket are required for the minio backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if len(c.Workers) == 0 {
		return fmt.Errorf("at least one worker must be configured")
	}
	if c.Evaluation.MaxQueueDepth <= 0 {
		return fmt.Errorf("max_queue_depth must be positive")
	}
	if c.Evaluation.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.Scoring.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}

	seen := make(map[string]bool)
	for _, lang := range c.Languages {
		if err := lang.Validate(); err != nil {
			return fmt.Errorf("language %q: %w", lang.Name, err)
		}
		if seen[lang.Name] {
			return fmt.Errorf("language %q configured twice", lang.Name)
		}
		seen[lang.Name] = true
	}

	for _, r := range c.Rankings {
		if !strings.HasPrefix(r.URL, "http://") && !strings.HasPrefix(r.URL, "https://") {
			return fmt.Errorf("ranking url %q is not http(s)", r.URL)
		}
	}
	return nil
}

// Logger builds the process logger from the monitoring settings.
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(c.Monitoring.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if c.Monitoring.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// Language returns the recipe for name, or nil when unknown.
func (c *Config) Language(name string) *Language {
	for i := range c.Languages {
		if c.Languages[i].Name == name {
			return &c.Languages[i]
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
