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

// Package kafka consumes grievance mutations published by the persistence
// layer to a Kafka topic. Each record value is a JSON mutation and the record
// key is the grievance id. Offsets are committed only after the records of a
// poll have been handled, so delivery is at least once.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/civicchain/gipe/grievance"
	"github.com/civicchain/gipe/priority"
)

const (
	DefaultGroup = "gipe"

	retryBackoffMin = 500 * time.Millisecond
	retryBackoffMax = 30 * time.Second
)

var (
	ErrMissingBrokers = errors.New("kafka brokers are required")
	ErrMissingTopic   = errors.New("kafka topic is required")
	ErrMissingHandler = errors.New("mutation handler is required")
	ErrKeyMismatch    = errors.New("record key does not match grievance id")
)

// MutationHandler applies a decoded mutation
type MutationHandler interface {
	HandleMutation(ctx context.Context, m grievance.Mutation) (priority.Breakdown, error)
}

type Config struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	Handler      MutationHandler
	Topic        string
	Group        string
	ClientID     string
	Brokers      []string
	// RetryBackoff is the first delay before retrying a failed mutation. It
	// doubles on each attempt up to 30s.
	RetryBackoff time.Duration
}

type Consumer struct {
	config  Config
	client  *kgo.Client
	metrics *ingestMetrics
}

func New(cfg Config) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrMissingBrokers
	}
	if cfg.Topic == "" {
		return nil, ErrMissingTopic
	}
	if cfg.Handler == nil {
		return nil, ErrMissingHandler
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	cfg.Logger = cfg.Logger.With("component", "ingest")
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = retryBackoffMin
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	c := &Consumer{
		config: cfg,
		client: client,
	}
	if cfg.PromRegistry != nil {
		c.initMetrics(cfg.PromRegistry)
	}
	return c, nil
}

// Run polls the topic until ctx is cancelled or the client is closed
func (c *Consumer) Run(ctx context.Context) error {
	c.config.Logger.Info(
		"consuming grievance mutations",
		"topic", c.config.Topic,
		"group", c.config.Group,
	)
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			c.client.AllowRebalance()
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.config.Logger.Warn(
				"fetch failed",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})
		stopped := false
		fetches.EachRecord(func(r *kgo.Record) {
			if stopped {
				return
			}
			if err := c.handleRecord(ctx, r.Key, r.Value); err != nil {
				stopped = true
			}
		})
		if stopped {
			// The remaining records are redelivered after a restart
			c.client.AllowRebalance()
			return nil
		}
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.config.Logger.Error("failed to commit offsets", "error", err)
		}
		c.client.AllowRebalance()
	}
}

// Close leaves the consumer group and closes the client
func (c *Consumer) Close() {
	c.client.Close()
}

// handleRecord applies one record, retrying transient failures until they
// succeed or ctx is cancelled. Records that can never succeed are logged and
// skipped. A non-nil return means ctx was cancelled.
func (c *Consumer) handleRecord(ctx context.Context, key []byte, value []byte) error {
	m, err := DecodeRecord(key, value)
	if err != nil {
		c.config.Logger.Warn("dropping undecodable record", "error", err)
		c.count("invalid")
		return nil
	}
	backoff := c.config.RetryBackoff
	for {
		_, err := c.config.Handler.HandleMutation(ctx, m)
		if err == nil {
			c.count("ok")
			return nil
		}
		switch grievance.KindOf(err) {
		case grievance.KindInvalidInput, grievance.KindIntegrity, grievance.KindNotFound:
			c.config.Logger.Warn(
				"mutation rejected",
				"grievance", m.GrievanceID,
				"error", err,
			)
			c.count("rejected")
			return nil
		}
		c.count("retry")
		c.config.Logger.Error(
			"failed to apply mutation, retrying",
			"grievance", m.GrievanceID,
			"backoff", backoff.String(),
			"error", err,
		)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, retryBackoffMax)
	}
}

// DecodeRecord decodes a record value into a mutation. An empty grievance id
// in the value is taken from the key.
func DecodeRecord(key []byte, value []byte) (grievance.Mutation, error) {
	const op = "decode record"
	var m grievance.Mutation
	if err := json.Unmarshal(value, &m); err != nil {
		return m, grievance.NewError(grievance.KindInvalidInput, op, err)
	}
	if m.GrievanceID == "" {
		m.GrievanceID = string(key)
	}
	if len(key) > 0 && string(key) != m.GrievanceID {
		return m, grievance.NewError(
			grievance.KindInvalidInput,
			op,
			fmt.Errorf("%w: key %q, value %q", ErrKeyMismatch, key, m.GrievanceID),
		)
	}
	return m, nil
}
