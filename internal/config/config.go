// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/civicchain/gipe/database"
	"github.com/civicchain/gipe/priority"
)

type ctxKey string

const configContextKey ctxKey = "gipe.config"

const (
	DefaultShutdownTimeout = "30s"
	DefaultSweepInterval   = "15m"
	DefaultKafkaGroup      = "gipe"
	envPrefix              = "gipe"
)

var ErrInvalidConfig = errors.New("invalid config")

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type StorageConfig struct {
	Backend  string         `yaml:"backend"`
	DataDir  string         `yaml:"dataDir"  split_words:"true"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslMode"  envconfig:"SSL_MODE"`
	TimeZone string `yaml:"timeZone" split_words:"true"`
	DSN      string `yaml:"dsn"`
	Port     uint   `yaml:"port"`
}

type LedgerConfig struct {
	URL        string `yaml:"url"`
	Contract   string `yaml:"contract"`
	BackoffMin string `yaml:"backoffMin" split_words:"true"`
	BackoffMax string `yaml:"backoffMax" split_words:"true"`
	// StartBlock replays history from this block on first start. Zero
	// follows new events only.
	StartBlock          uint64 `yaml:"startBlock"          split_words:"true"`
	ReplayFromWatermark bool   `yaml:"replayFromWatermark" split_words:"true"`
}

type RelayConfig struct {
	Origins    []string `yaml:"origins"`
	QueueSize  int      `yaml:"queueSize"  split_words:"true"`
	MaxClients int      `yaml:"maxClients" split_words:"true"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Group   string   `yaml:"group"`
}

type Config struct {
	Storage         StorageConfig   `yaml:"storage"`
	Ledger          LedgerConfig    `yaml:"ledger"`
	Relay           RelayConfig     `yaml:"relay"`
	Kafka           KafkaConfig     `yaml:"kafka"`
	Priority        priority.Config `yaml:"priority"`
	BindAddr        string          `yaml:"bindAddr"        split_words:"true"`
	ShutdownTimeout string          `yaml:"shutdownTimeout" split_words:"true"`
	SweepInterval   string          `yaml:"sweepInterval"   split_words:"true"`
	Port            uint            `yaml:"port"`
	MetricsPort     uint            `yaml:"metricsPort"     split_words:"true"`
	MaxConnections  int             `yaml:"maxConnections"  split_words:"true"`
	DevMode         bool            `yaml:"devMode"         split_words:"true"`
	Tracing         bool            `yaml:"tracing"`
	TracingStdout   bool            `yaml:"tracingStdout"   split_words:"true"`
}

var globalConfig = defaultConfig()

func defaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: database.BackendSqlite,
			DataDir: ".gipe",
		},
		Kafka: KafkaConfig{
			Group: DefaultKafkaGroup,
		},
		BindAddr:        "0.0.0.0",
		Port:            8080,
		MetricsPort:     9102,
		ShutdownTimeout: DefaultShutdownTimeout,
		SweepInterval:   DefaultSweepInterval,
	}
}

func LoadConfig(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile == "" {
		// Check for config file in this path: ~/.gipe/gipe.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".gipe", "gipe.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}

		// Try to check for /etc/gipe/gipe.yaml if still not found
		if configFile == "" {
			systemPath := "/etc/gipe/gipe.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, globalConfig); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Process environment variables
	if err := envconfig.Process(envPrefix, globalConfig); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := globalConfig.Validate(); err != nil {
		return nil, err
	}
	return globalConfig, nil
}

func GetConfig() *Config {
	return globalConfig
}

// Validate checks values that cannot be caught by decoding alone
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Backend) {
	case database.BackendSqlite, database.BackendPostgres, database.BackendBadger:
		c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	default:
		return fmt.Errorf(
			"%w: unknown storage backend %q (must be 'sqlite', 'postgres' or 'badger')",
			ErrInvalidConfig,
			c.Storage.Backend,
		)
	}
	if c.Ledger.URL == "" && !c.DevMode {
		return fmt.Errorf(
			"%w: ledger url is required unless devMode is enabled",
			ErrInvalidConfig,
		)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("%w: kafka topic is required with brokers", ErrInvalidConfig)
	}
	for name, value := range map[string]string{
		"shutdownTimeout":   c.ShutdownTimeout,
		"sweepInterval":     c.SweepInterval,
		"ledger.backoffMin": c.Ledger.BackoffMin,
		"ledger.backoffMax": c.Ledger.BackoffMax,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, name, err)
		}
	}
	return nil
}

// Durations returns the parsed duration settings. Unset values are zero.
func (c *Config) Durations() (Durations, error) {
	var ret Durations
	var err error
	parse := func(value string, dst *time.Duration) {
		if value == "" || err != nil {
			return
		}
		*dst, err = time.ParseDuration(value)
	}
	parse(c.ShutdownTimeout, &ret.ShutdownTimeout)
	parse(c.SweepInterval, &ret.SweepInterval)
	parse(c.Ledger.BackoffMin, &ret.BackoffMin)
	parse(c.Ledger.BackoffMax, &ret.BackoffMax)
	if err != nil {
		return Durations{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return ret, nil
}

type Durations struct {
	ShutdownTimeout time.Duration
	SweepInterval   time.Duration
	BackoffMin      time.Duration
	BackoffMax      time.Duration
}

// PostgresConfig converts the postgres settings for the store
func (c *Config) PostgresConfig() database.PostgresConfig {
	pg := c.Storage.Postgres
	return database.PostgresConfig{
		Host:     pg.Host,
		User:     pg.User,
		Password: pg.Password,
		Database: pg.Database,
		SSLMode:  pg.SSLMode,
		TimeZone: pg.TimeZone,
		DSN:      pg.DSN,
		Port:     pg.Port,
	}
}
