package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Minio    MinioConfig    `yaml:"minio"`
	Extract  ExtractConfig  `yaml:"extract"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Store    StoreConfig    `yaml:"store"`
	Queue    QueueConfig    `yaml:"queue"`
	Workers  WorkerConfig   `yaml:"workers"`
	Auth     AuthConfig     `yaml:"auth"`
	Users    []User         `yaml:"users"`
}

type ServerConfig struct {
	Port        int `yaml:"port"`
	MaxUploadMB int `yaml:"max_upload_mb"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	UseSSL     bool   `yaml:"use_ssl"`
	ExpireDays int    `yaml:"expire_days"`
}

// ExtractConfig points at the primary document-to-text converter.
type ExtractConfig struct {
	APIURL         string `yaml:"api_url"`
	APIToken       string `yaml:"api_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AnalyzerConfig points at the semantic analysis collaborator.
type AnalyzerConfig struct {
	APIURL         string `yaml:"api_url"`
	APIToken       string `yaml:"api_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"` // memory, postgres
	PostgresDSN string `yaml:"postgres_dsn"`
}

type QueueConfig struct {
	Driver                   string `yaml:"driver"` // memory, redis
	RedisAddr                string `yaml:"redis_addr"`
	RedisPassword            string `yaml:"redis_password"`
	MaxAttempts              int    `yaml:"max_attempts"`
	BaseBackoffSeconds       int    `yaml:"base_backoff_seconds"`
	MaxBackoffSeconds        int    `yaml:"max_backoff_seconds"`
	VisibilityTimeoutSeconds int    `yaml:"visibility_timeout_seconds"`
}

type WorkerConfig struct {
	PoolSize       int `yaml:"pool_size"`
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type User struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Organization string `yaml:"organization"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = 50
	}
	if cfg.Minio.ExpireDays == 0 {
		cfg.Minio.ExpireDays = 7
	}
	if cfg.Extract.TimeoutSeconds == 0 {
		cfg.Extract.TimeoutSeconds = 60
	}
	if cfg.Analyzer.TimeoutSeconds == 0 {
		cfg.Analyzer.TimeoutSeconds = 120
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "memory"
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.BaseBackoffSeconds == 0 {
		cfg.Queue.BaseBackoffSeconds = 5
	}
	if cfg.Queue.MaxBackoffSeconds == 0 {
		cfg.Queue.MaxBackoffSeconds = 300
	}
	if cfg.Queue.VisibilityTimeoutSeconds == 0 {
		cfg.Queue.VisibilityTimeoutSeconds = 120
	}
	if cfg.Workers.PoolSize == 0 {
		cfg.Workers.PoolSize = 4
	}
	if cfg.Workers.PollIntervalMs == 0 {
		cfg.Workers.PollIntervalMs = 500
	}
	if cfg.Auth.TokenExpireHours == 0 {
		cfg.Auth.TokenExpireHours = 24
	}

	return &cfg, nil
}

// FindUser finds a user by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}
