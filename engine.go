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

// Package gipe assembles the grievance integrity and priority engine: the
// store, the reconciliation coordinator, the chain watcher, the real-time
// relay, the HTTP API and the optional Kafka mutation consumer.
package gipe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/civicchain/gipe/api"
	"github.com/civicchain/gipe/coordinator"
	"github.com/civicchain/gipe/database"
	"github.com/civicchain/gipe/event"
	"github.com/civicchain/gipe/ingest/kafka"
	"github.com/civicchain/gipe/ledger"
	"github.com/civicchain/gipe/ledger/mock"
	"github.com/civicchain/gipe/ledger/rpc"
	"github.com/civicchain/gipe/priority"
	"github.com/civicchain/gipe/relay"
	"github.com/civicchain/gipe/watcher"
)

var ErrAlreadyRunning = errors.New("engine already running")

type Engine struct {
	tracerProvider trace.TracerProvider
	store          database.Store
	relay          *relay.Relay
	coordinator    *coordinator.Coordinator
	watcher        *watcher.Watcher
	consumer       *kafka.Consumer
	server         *http.Server
	listener       net.Listener
	cancel         context.CancelFunc
	done           chan struct{}
	shutdownFuncs  []func(context.Context) error
	config         Config
	mu             sync.Mutex
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.logger = cfg.logger.With("component", "engine")
	return &Engine{
		config:         cfg,
		tracerProvider: otel.GetTracerProvider(),
	}, nil
}

// Run starts every component and blocks until ctx is cancelled, Stop is
// called or a component fails. Everything is torn down before it returns.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.done != nil {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()
	defer close(e.done)
	defer cancel()

	if err := e.start(ctx); err != nil {
		return errors.Join(err, e.shutdown())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := e.server.Serve(e.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	if e.consumer != nil {
		g.Go(func() error {
			defer e.consumer.Close()
			return e.consumer.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(
			context.Background(),
			e.config.shutdownTimeout,
		)
		defer shutdownCancel()
		if err := e.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})
	err := g.Wait()
	return errors.Join(err, e.shutdown())
}

// Stop cancels a running engine and waits for Run to return
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Addr returns the address the HTTP API listens on, or nil before it is bound
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

func (e *Engine) start(ctx context.Context) error {
	logger := e.config.logger
	if e.config.tracing {
		if err := e.setupTracing(ctx); err != nil {
			return err
		}
	}
	// Store
	store, err := database.New(database.Config{
		Logger:       e.config.logger,
		PromRegistry: e.config.promRegistry,
		Backend:      e.config.storageBackend,
		DataDir:      e.config.dataDir,
		Postgres:     e.config.postgres,
		Tracing:      e.config.tracing,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	e.store = store
	// Relay
	e.relay = relay.New(relay.Config{
		Logger:         e.config.logger,
		PromRegistry:   e.config.promRegistry,
		OriginPatterns: e.config.relayOrigins,
		QueueSize:      e.config.relayQueueSize,
		MaxClients:     e.config.maxClients,
	})
	e.relay.Start()
	// Coordinator
	e.coordinator, err = coordinator.New(coordinator.Config{
		Store:          e.store,
		Broadcaster:    e.relay,
		Scorer:         priority.NewScorer(e.config.priority),
		Logger:         e.config.logger,
		PromRegistry:   e.config.promRegistry,
		TracerProvider: e.tracerProvider,
		SweepInterval:  e.config.sweepInterval,
	})
	if err != nil {
		return err
	}
	if e.config.sweepInterval >= 0 {
		if err := e.coordinator.Start(); err != nil {
			return err
		}
	}
	// Chain watcher
	client, err := e.ledgerClient()
	if err != nil {
		return err
	}
	e.watcher, err = watcher.New(watcher.Config{
		Client:         client,
		Handler:        e.coordinator,
		Logger:         e.config.logger,
		PromRegistry:   e.config.promRegistry,
		WatermarkStore: e.store,
		OnStateChange: func(state watcher.State) {
			e.relay.Broadcast(event.GlobalChannel, relay.NewWatcherMessage(state))
		},
		StartBlock:          e.config.startBlock,
		BackoffMin:          e.config.backoffMin,
		BackoffMax:          e.config.backoffMax,
		ReplayFromWatermark: e.config.replayFromWatermark,
	})
	if err != nil {
		return err
	}
	if err := e.watcher.Start(); err != nil {
		return err
	}
	// Kafka mutation consumer
	if len(e.config.kafkaBrokers) > 0 {
		e.consumer, err = kafka.New(kafka.Config{
			Logger:       e.config.logger,
			PromRegistry: e.config.promRegistry,
			Handler:      e.coordinator,
			Brokers:      e.config.kafkaBrokers,
			Topic:        e.config.kafkaTopic,
			Group:        e.config.kafkaGroup,
		})
		if err != nil {
			return fmt.Errorf("failed to create kafka consumer: %w", err)
		}
	}
	// HTTP API and WebSocket endpoint
	handler := api.New(api.Config{
		Logger:   e.config.logger,
		Service:  e.coordinator,
		Watcher:  e.watcher,
		Realtime: e.relay,
	})
	listener, err := net.Listen("tcp", e.config.listenAddress)
	if err != nil {
		if e.consumer != nil {
			e.consumer.Close()
		}
		return fmt.Errorf("failed to listen on %s: %w", e.config.listenAddress, err)
	}
	if e.config.maxConnections > 0 {
		listener = netutil.LimitListener(listener, e.config.maxConnections)
	}
	e.mu.Lock()
	e.listener = listener
	e.mu.Unlock()
	e.server = &http.Server{
		Handler:           handler.Router(),
		ReadHeaderTimeout: 60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logger.Info(
		"serving API on "+listener.Addr().String(),
		"storage", e.config.storageBackend,
		"kafka", e.consumer != nil,
	)
	return nil
}

func (e *Engine) ledgerClient() (ledger.Client, error) {
	switch {
	case e.config.ledgerClient != nil:
		return e.config.ledgerClient, nil
	case e.config.ledgerURL != "":
		client, err := rpc.New(rpc.Config{
			Logger:   e.config.logger,
			URL:      e.config.ledgerURL,
			Contract: e.config.ledgerContract,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		e.config.logger.Warn("no ledger URL configured, using an in-process ledger")
		return mock.New(), nil
	}
}

// shutdown stops components in dependency order: producers of work first,
// then the relay, then the store
func (e *Engine) shutdown() error {
	ctx, cancel := context.WithTimeout(
		context.Background(),
		e.config.shutdownTimeout,
	)
	defer cancel()

	var err error
	e.config.logger.Debug("starting graceful shutdown")

	if e.watcher != nil {
		e.watcher.Stop()
	}
	if e.coordinator != nil {
		e.coordinator.Stop()
	}
	if e.relay != nil {
		e.relay.Stop()
	}
	if e.store != nil {
		if closeErr := e.store.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("store close: %w", closeErr))
		}
	}
	// Call registered shutdown functions
	for _, fn := range e.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	e.shutdownFuncs = nil

	e.config.logger.Debug("graceful shutdown complete")
	return err
}
