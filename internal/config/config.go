// Package config loads the prosesync configuration from YAML, an optional .env file and
// PROSESYNC_* environment variables, in that order of precedence from lowest to highest.
package config

import (
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Transport selects how replicas reach the ordering service.
type Transport string

const (
	TransportLocal Transport = "local"
	TransportRedis Transport = "redis"
	TransportWS    Transport = "ws"
)

// OpLogType selects where the ordering service keeps sequenced messages.
type OpLogType string

const (
	OpLogMemory OpLogType = "memory"
	OpLogBadger OpLogType = "badger"
	OpLogRedis  OpLogType = "redis"
)

type Config struct {
	Logger   LoggerConfig   `yaml:"logger"`
	Document DocumentConfig `yaml:"document"`
	Sync     SyncConfig     `yaml:"sync"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Server   ServerConfig   `yaml:"server"`
}

type LoggerConfig struct {
	Level      string `yaml:"level"`
	ShowCaller bool   `yaml:"show_caller"`
}

type DocumentConfig struct {
	ID       string `yaml:"id"`
	Replicas int    `yaml:"replicas"`
}

type SyncConfig struct {
	Transport   Transport `yaml:"transport"`
	OpLog       OpLogType `yaml:"oplog"`
	BadgerPath  string    `yaml:"badger_path"`
	KeyPrefix   string    `yaml:"key_prefix"`
	TopicPrefix string    `yaml:"topic_prefix"`
}

type StorageConfig struct {
	// Type is memory, redis or http. http talks to the root store routes of Server.URL.
	Type      string `yaml:"type"`
	KeyPrefix string `yaml:"key_prefix"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ServerConfig struct {
	Addr   string `yaml:"addr"`
	URL    string `yaml:"url"`
	NodeID int64  `yaml:"node_id"`
}

// Default returns the configuration used when no file is given: two in-process replicas over
// an in-memory ordering service.
func Default() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:      "info",
			ShowCaller: false,
		},
		Document: DocumentConfig{
			ID:       "demo",
			Replicas: 2,
		},
		Sync: SyncConfig{
			Transport:   TransportLocal,
			OpLog:       OpLogMemory,
			BadgerPath:  "",
			KeyPrefix:   "prosesync",
			TopicPrefix: "prosesync.ops",
		},
		Storage: StorageConfig{
			Type:      "memory",
			KeyPrefix: "prosesync",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Server: ServerConfig{
			Addr:   ":8080",
			URL:    "http://localhost:8080",
			NodeID: 1,
		},
	}
}

// Load reads path on top of Default. A missing file is not an error.
// envFile, when it exists, is loaded into the process environment before the overrides apply.
func Load(path string, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, errors.Wrapf(err, "failed to read config %s", path)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrapf(err, "failed to parse config %s", path)
			}
		}
	}

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, errors.Wrapf(err, "failed to load env file %s", envFile)
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
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString("PROSESYNC_LOG_LEVEL", &c.Logger.Level)
	setString("PROSESYNC_DOCUMENT", &c.Document.ID)
	setString("PROSESYNC_BADGER_PATH", &c.Sync.BadgerPath)
	setString("PROSESYNC_STORAGE", &c.Storage.Type)
	setString("PROSESYNC_REDIS_ADDR", &c.Redis.Addr)
	setString("PROSESYNC_REDIS_PASSWORD", &c.Redis.Password)
	setString("PROSESYNC_SERVER_ADDR", &c.Server.Addr)
	setString("PROSESYNC_SERVER_URL", &c.Server.URL)

	if v := os.Getenv("PROSESYNC_TRANSPORT"); v != "" {
		c.Sync.Transport = Transport(v)
	}
	if v := os.Getenv("PROSESYNC_OPLOG"); v != "" {
		c.Sync.OpLog = OpLogType(v)
	}
	if v := os.Getenv("PROSESYNC_REPLICAS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "invalid PROSESYNC_REPLICAS")
		}
		c.Document.Replicas = n
	}
	if v := os.Getenv("PROSESYNC_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "invalid PROSESYNC_REDIS_DB")
		}
		c.Redis.DB = n
	}
	return nil
}

// Validate checks enum fields and counts.
func (c *Config) Validate() error {
	switch c.Sync.Transport {
	case TransportLocal, TransportRedis, TransportWS:
	default:
		return errors.Errorf("unknown transport %q", c.Sync.Transport)
	}
	switch c.Sync.OpLog {
	case OpLogMemory, OpLogBadger, OpLogRedis:
	default:
		return errors.Errorf("unknown oplog %q", c.Sync.OpLog)
	}
	switch c.Storage.Type {
	case "memory", "redis", "http":
	default:
		return errors.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Document.ID == "" {
		return errors.New("document id is required")
	}
	if c.Document.Replicas < 1 {
		return errors.Errorf("replicas must be positive, got %d", c.Document.Replicas)
	}
	return nil
}
