package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const envPrefix = "RELAY_"

type (
	Config struct {
		Server ServerConfig `yaml:"server"`
		Redis  RedisConfig  `yaml:"redis"`
		Mongo  MongoConfig  `yaml:"mongo"`
		Log    LogConfig    `yaml:"log"`
	}

	ServerConfig struct {
		// Addr is both the listen address of the relay and the address the
		// client dials.
		Addr         string        `yaml:"addr"`
		RequireStamp bool          `yaml:"require_stamp"`
		MessageTTL   time.Duration `yaml:"message_ttl"`
		// MaxMessageSize bounds POST /messages bodies.
		MaxMessageSize int64 `yaml:"max_message_size"`
	}

	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	LogConfig struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	}
)

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           "localhost:9090",
			MessageTTL:     7 * 24 * time.Hour,
			MaxMessageSize: 1 << 20,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "mydb",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads an optional .env file, then the YAML file at path (skipped when
// path is empty or the file does not exist), then RELAY_* environment
// overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.UnmarshalStrict(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}

	str("SERVER_ADDR", &c.Server.Addr)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("MONGO_URI", &c.Mongo.URI)
	str("MONGO_DATABASE", &c.Mongo.Database)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup(envPrefix + "REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", envPrefix, err)
		}
		c.Redis.DB = db
	}
	if v, ok := lookup(envPrefix + "REQUIRE_STAMP"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sREQUIRE_STAMP: %w", envPrefix, err)
		}
		c.Server.RequireStamp = b
	}
	if v, ok := lookup(envPrefix + "MESSAGE_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sMESSAGE_TTL: %w", envPrefix, err)
		}
		c.Server.MessageTTL = d
	}
	if v, ok := lookup(envPrefix + "LOG_DEVELOPMENT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_DEVELOPMENT: %w", envPrefix, err)
		}
		c.Log.Development = b
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is empty")
	}
	if c.Server.MessageTTL < 0 {
		return fmt.Errorf("server.message_ttl is negative: %s", c.Server.MessageTTL)
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server.max_message_size must be positive: %d", c.Server.MaxMessageSize)
	}
	if c.Mongo.Database == "" {
		return errors.New("mongo.database is empty")
	}
	return nil
}
