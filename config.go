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

package gipe

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/civicchain/gipe/database"
	"github.com/civicchain/gipe/ledger"
	"github.com/civicchain/gipe/priority"
)

const (
	DefaultListenAddress   = ":8080"
	DefaultShutdownTimeout = 30 * time.Second
)

var (
	ErrMissingLedger     = errors.New("no ledger configured")
	ErrMissingListen     = errors.New("no listen address configured")
	ErrMissingKafkaTopic = errors.New("kafka brokers configured without a topic")
)

type Config struct {
	promRegistry        prometheus.Registerer
	logger              *slog.Logger
	ledgerClient        ledger.Client
	startBlock          *uint64
	postgres            database.PostgresConfig
	priority            priority.Config
	storageBackend      string
	dataDir             string
	ledgerURL           string
	ledgerContract      string
	listenAddress       string
	kafkaTopic          string
	kafkaGroup          string
	relayOrigins        []string
	kafkaBrokers        []string
	relayQueueSize      int
	maxClients          int
	maxConnections      int
	sweepInterval       time.Duration
	backoffMin          time.Duration
	backoffMax          time.Duration
	shutdownTimeout     time.Duration
	replayFromWatermark bool
	devMode             bool
	tracing             bool
	tracingStdout       bool
}

// ConfigOptionFunc is a type that represents functions that modify the Engine config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new engine config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger:          slog.New(slog.NewJSONHandler(io.Discard, nil)),
		listenAddress:   DefaultListenAddress,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c *Config) validate() error {
	switch c.storageBackend {
	case "", database.BackendSqlite, database.BackendPostgres, database.BackendBadger:
	default:
		return fmt.Errorf("%w: %s", database.ErrUnknownBackend, c.storageBackend)
	}
	if c.ledgerClient == nil && c.ledgerURL == "" && !c.devMode {
		return ErrMissingLedger
	}
	if c.listenAddress == "" {
		return ErrMissingListen
	}
	if len(c.kafkaBrokers) > 0 && c.kafkaTopic == "" {
		return ErrMissingKafkaTopic
	}
	if c.backoffMin > 0 && c.backoffMax > 0 && c.backoffMin > c.backoffMax {
		return fmt.Errorf(
			"watcher backoff minimum %s exceeds maximum %s",
			c.backoffMin,
			c.backoffMax,
		)
	}
	return nil
}

// WithLogger specifies the logger to use. By default, logs are discarded
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add metrics to. Metrics are disabled without one
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithStorageBackend selects the store: sqlite (default), postgres or badger
func WithStorageBackend(backend string) ConfigOptionFunc {
	return func(c *Config) {
		c.storageBackend = backend
	}
}

// WithDataDir specifies the directory for sqlite and badger files. Data is kept in memory when empty
func WithDataDir(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithPostgres specifies the connection settings for the postgres backend
func WithPostgres(pg database.PostgresConfig) ConfigOptionFunc {
	return func(c *Config) {
		c.postgres = pg
	}
}

// WithLedgerURL specifies the WebSocket JSON-RPC endpoint of the ledger node
func WithLedgerURL(url string) ConfigOptionFunc {
	return func(c *Config) {
		c.ledgerURL = url
	}
}

// WithLedgerContract restricts the watcher to logs from a single contract address
func WithLedgerContract(address string) ConfigOptionFunc {
	return func(c *Config) {
		c.ledgerContract = address
	}
}

// WithLedgerClient specifies a ledger client to use instead of dialing the ledger URL
func WithLedgerClient(client ledger.Client) ConfigOptionFunc {
	return func(c *Config) {
		c.ledgerClient = client
	}
}

// WithStartBlock makes the watcher replay ledger history from the given block on first start
func WithStartBlock(block uint64) ConfigOptionFunc {
	return func(c *Config) {
		c.startBlock = &block
	}
}

// WithReplayFromWatermark makes the watcher resume from the last handled block on start and after reconnects
func WithReplayFromWatermark(replay bool) ConfigOptionFunc {
	return func(c *Config) {
		c.replayFromWatermark = replay
	}
}

// WithWatcherBackoff specifies the reconnect backoff bounds of the chain watcher
func WithWatcherBackoff(minBackoff, maxBackoff time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.backoffMin = minBackoff
		c.backoffMax = maxBackoff
	}
}

// WithListenAddress specifies the address the HTTP API and WebSocket endpoint listen on
func WithListenAddress(address string) ConfigOptionFunc {
	return func(c *Config) {
		c.listenAddress = address
	}
}

// WithMaxConnections limits concurrent HTTP connections. Zero means no limit
func WithMaxConnections(maxConnections int) ConfigOptionFunc {
	return func(c *Config) {
		c.maxConnections = maxConnections
	}
}

// WithRelayOrigins specifies the origin patterns accepted by the WebSocket handshake
func WithRelayOrigins(origins ...string) ConfigOptionFunc {
	return func(c *Config) {
		c.relayOrigins = origins
	}
}

// WithRelayQueueSize specifies the outbound queue length of each real-time client
func WithRelayQueueSize(size int) ConfigOptionFunc {
	return func(c *Config) {
		c.relayQueueSize = size
	}
}

// WithRelayMaxClients limits the number of connected real-time clients. Zero means no limit
func WithRelayMaxClients(maxClients int) ConfigOptionFunc {
	return func(c *Config) {
		c.maxClients = maxClients
	}
}

// WithKafka enables consuming grievance mutations from a Kafka topic
func WithKafka(brokers []string, topic string, group string) ConfigOptionFunc {
	return func(c *Config) {
		c.kafkaBrokers = brokers
		c.kafkaTopic = topic
		c.kafkaGroup = group
	}
}

// WithPriority specifies the priority scorer settings
func WithPriority(cfg priority.Config) ConfigOptionFunc {
	return func(c *Config) {
		c.priority = cfg
	}
}

// WithSweepInterval specifies how often open grievances are rescored. A negative value disables the sweep
func WithSweepInterval(interval time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.sweepInterval = interval
	}
}

// WithDevMode runs against an in-process ledger when no ledger URL is configured
func WithDevMode(devMode bool) ConfigOptionFunc {
	return func(c *Config) {
		c.devMode = devMode
	}
}

// WithTracing enables tracing. By default, spans are submitted to a HTTP(s) endpoint using OTLP. This can be configured
// using the OTEL_EXPORTER_OTLP_* env vars documented in the README for [go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp]
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also requires tracing to enabled separately. This is mostly useful for debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}

// WithShutdownTimeout specifies how long a graceful shutdown may take
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}
