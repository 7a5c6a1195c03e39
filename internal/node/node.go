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

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/civicchain/gipe"
	"github.com/civicchain/gipe/internal/config"
)

// EngineOptions converts the loaded config into engine options
func EngineOptions(
	cfg *config.Config,
	logger *slog.Logger,
	registry prometheus.Registerer,
) ([]gipe.ConfigOptionFunc, error) {
	durations, err := cfg.Durations()
	if err != nil {
		return nil, err
	}
	opts := []gipe.ConfigOptionFunc{
		gipe.WithLogger(logger),
		gipe.WithPrometheusRegistry(registry),
		gipe.WithStorageBackend(cfg.Storage.Backend),
		gipe.WithDataDir(cfg.Storage.DataDir),
		gipe.WithPostgres(cfg.PostgresConfig()),
		gipe.WithLedgerURL(cfg.Ledger.URL),
		gipe.WithLedgerContract(cfg.Ledger.Contract),
		gipe.WithReplayFromWatermark(cfg.Ledger.ReplayFromWatermark),
		gipe.WithWatcherBackoff(durations.BackoffMin, durations.BackoffMax),
		gipe.WithListenAddress(
			net.JoinHostPort(cfg.BindAddr, strconv.FormatUint(uint64(cfg.Port), 10)),
		),
		gipe.WithMaxConnections(cfg.MaxConnections),
		gipe.WithRelayOrigins(cfg.Relay.Origins...),
		gipe.WithRelayQueueSize(cfg.Relay.QueueSize),
		gipe.WithRelayMaxClients(cfg.Relay.MaxClients),
		gipe.WithPriority(cfg.Priority),
		gipe.WithSweepInterval(durations.SweepInterval),
		gipe.WithDevMode(cfg.DevMode),
		gipe.WithTracing(cfg.Tracing),
		gipe.WithTracingStdout(cfg.TracingStdout),
		gipe.WithShutdownTimeout(durations.ShutdownTimeout),
	}
	if cfg.Ledger.StartBlock > 0 {
		opts = append(opts, gipe.WithStartBlock(cfg.Ledger.StartBlock))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		opts = append(
			opts,
			gipe.WithKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Group),
		)
	}
	return opts, nil
}

func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg), "component", "node")
	opts, err := EngineOptions(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	e, err := gipe.New(gipe.NewConfig(opts...))
	if err != nil {
		return err
	}
	durations, err := cfg.Durations()
	if err != nil {
		return err
	}
	shutdownTimeout := durations.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = gipe.DefaultShutdownTimeout
	}

	// Metrics listener
	var metricsServer *http.Server
	metricsErr := make(chan error, 1)
	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsAddr := net.JoinHostPort(
			cfg.BindAddr,
			strconv.FormatUint(uint64(cfg.MetricsPort), 10),
		)
		logger.Info(
			"serving prometheus metrics on "+metricsAddr,
			"component", "node",
		)
		metricsServer = &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 60 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil &&
				!errors.Is(err, http.ErrServerClosed) {
				metricsErr <- fmt.Errorf("metrics listener: %w", err)
			}
		}()
	}

	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	// Run engine in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- e.Run(signalCtx)
	}()

	var runErr error
	select {
	case <-signalCtx.Done():
		logger.Info("signal received, initiating graceful shutdown", "component", "node")
		runErr = <-errChan
	case runErr = <-errChan:
	case err := <-metricsErr:
		logger.Error(err.Error(), "component", "node")
		e.Stop()
		runErr = errors.Join(err, <-errChan)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err, "component", "node")
		}
	}
	if runErr != nil {
		logger.Error("shutdown errors occurred", "error", runErr, "component", "node")
		return runErr
	}
	logger.Info("shutdown complete", "component", "node")
	return nil
}
