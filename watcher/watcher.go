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

// Package watcher keeps a subscription to the ledger open, normalizes the
// contract logs it delivers and forwards each new event exactly once to a
// handler. Provider failures move the watcher into a degraded state that
// retries with exponential backoff until stopped. A handler failure does the
// same, and the next subscription replays from the block of the failed event.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/civicchain/gipe/ledger"
)

const (
	DefaultBackoffMin     = 500 * time.Millisecond
	DefaultBackoffMax     = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultWatermarkName  = "ledger"

	// Shift cap to keep the backoff computation from overflowing
	backoffShiftCap = 30
)

var (
	ErrAlreadyRunning = errors.New("watcher already running")
	ErrMissingClient  = errors.New("watcher: missing ledger client")
	ErrMissingHandler = errors.New("watcher: missing event handler")
)

type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateListening
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Handler receives each new chain event. An event is only recorded as seen
// once the handler returns nil.
type Handler interface {
	HandleChainEvent(context.Context, ledger.ChainEvent) error
}

type HandlerFunc func(context.Context, ledger.ChainEvent) error

func (f HandlerFunc) HandleChainEvent(
	ctx context.Context,
	evt ledger.ChainEvent,
) error {
	return f(ctx, evt)
}

// WatermarkStore persists the highest fully handled block
type WatermarkStore interface {
	GetWatermark(ctx context.Context, name string) (uint64, bool, error)
	SetWatermark(ctx context.Context, name string, blockNumber uint64) error
}

type Config struct {
	Client         ledger.Client
	Handler        Handler
	Logger         *slog.Logger
	PromRegistry   prometheus.Registerer
	WatermarkStore WatermarkStore
	// OnStateChange is called from the watcher goroutine after each state
	// transition and must not block
	OnStateChange  func(State)
	StartBlock     *uint64
	WatermarkName  string
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	ConnectTimeout time.Duration
	DedupeSize     int
	// ReplayFromWatermark resumes from the stored watermark on start and on
	// every reconnect. Without it the watcher only follows new events, apart
	// from an initial StartBlock replay.
	ReplayFromWatermark bool
}

type Stats struct {
	Since           time.Time `json:"since"`
	LastError       string    `json:"lastError,omitempty"`
	State           State     `json:"state"`
	EventsForwarded uint64    `json:"eventsForwarded"`
	EventsDuplicate uint64    `json:"eventsDuplicate"`
	EventsDropped   uint64    `json:"eventsDropped"`
	EventsFailed    uint64    `json:"eventsFailed"`
	Reconnects      uint64    `json:"reconnects"`
	LastBlock       uint64    `json:"lastBlock"`
}

type Watcher struct {
	config    Config
	seen      *ledger.SeenSet
	metrics   *watcherMetrics
	state     atomic.Int32
	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	statsMu   sync.Mutex
	stats     Stats
	connected bool
	// retryFrom is the lowest block with an event the handler failed on.
	// Only the watcher goroutine touches it.
	retryFrom *uint64
}

func New(cfg Config) (*Watcher, error) {
	if cfg.Client == nil {
		return nil, ErrMissingClient
	}
	if cfg.Handler == nil {
		return nil, ErrMissingHandler
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	cfg.Logger = cfg.Logger.With("component", "watcher")
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = DefaultBackoffMin
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	cfg.BackoffMax = max(cfg.BackoffMax, cfg.BackoffMin)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.WatermarkName == "" {
		cfg.WatermarkName = DefaultWatermarkName
	}
	w := &Watcher{
		config: cfg,
		seen:   ledger.NewSeenSet(cfg.DedupeSize),
		stats: Stats{
			Since: time.Now(),
		},
	}
	if cfg.PromRegistry != nil {
		w.initMetrics(cfg.PromRegistry)
	}
	return w, nil
}

// Start launches the watcher goroutine
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.connected = false
	go w.run(ctx, w.done)
	return nil
}

// Stop cancels any connection attempt or backoff wait, releases the
// subscription and waits for the watcher goroutine to exit. It is safe to
// call at any time and more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
	w.done = nil
	w.setState(StateStopped, nil)
}

func (w *Watcher) State() State {
	return State(w.state.Load())
}

func (w *Watcher) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	ret := w.stats
	ret.State = w.State()
	return ret
}

func (w *Watcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		w.setState(StateConnecting, nil)
		sub, err := w.connect(ctx)
		if err == nil {
			failures = 0
			w.setState(StateListening, nil)
			err = w.listen(ctx, sub)
			sub.Unsubscribe()
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		w.setState(StateDegraded, err)
		backoff := w.backoff(failures)
		w.config.Logger.Warn(
			"ledger unavailable, retrying",
			"error", err,
			"attempt", failures,
			"backoff", backoff,
		)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		w.statsMu.Lock()
		w.stats.Reconnects++
		w.statsMu.Unlock()
		if w.metrics != nil {
			w.metrics.reconnects.Inc()
		}
	}
}

// backoff returns the wait before retry attempt n (1-based)
func (w *Watcher) backoff(n int) time.Duration {
	if n <= 0 {
		return w.config.BackoffMin
	}
	exponent := min(n-1, backoffShiftCap)
	return min(w.config.BackoffMin<<exponent, w.config.BackoffMax)
}

func (w *Watcher) connect(ctx context.Context) (ledger.Subscription, error) {
	opts, err := w.subscribeOptions(ctx)
	if err != nil {
		return nil, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, w.config.ConnectTimeout)
	defer cancel()
	sub, err := w.config.Client.Subscribe(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	w.connected = true
	w.retryFrom = nil
	attrs := []any{}
	if opts.FromBlock != nil {
		attrs = append(attrs, "fromBlock", *opts.FromBlock)
	}
	w.config.Logger.Info("subscribed to ledger events", attrs...)
	return sub, nil
}

// subscribeOptions decides where a new subscription starts
func (w *Watcher) subscribeOptions(
	ctx context.Context,
) (ledger.SubscribeOptions, error) {
	var opts ledger.SubscribeOptions
	w.statsMu.Lock()
	lastBlock := w.stats.LastBlock
	w.statsMu.Unlock()
	resume := func(block uint64) {
		next := block + 1
		opts.FromBlock = &next
	}
	switch {
	case w.config.ReplayFromWatermark:
		if w.config.StartBlock != nil {
			start := *w.config.StartBlock
			opts.FromBlock = &start
		}
		if w.config.WatermarkStore != nil {
			block, ok, err := w.config.WatermarkStore.GetWatermark(
				ctx,
				w.config.WatermarkName,
			)
			if err != nil {
				return opts, fmt.Errorf("load watermark: %w", err)
			}
			if ok {
				lastBlock = max(lastBlock, block)
			}
		}
		if lastBlock > 0 {
			resume(lastBlock)
		}
	case w.config.StartBlock != nil:
		if !w.connected {
			start := *w.config.StartBlock
			opts.FromBlock = &start
		}
	}
	if w.retryFrom != nil && (opts.FromBlock == nil || *w.retryFrom < *opts.FromBlock) {
		retry := *w.retryFrom
		opts.FromBlock = &retry
	}
	return opts, nil
}

func (w *Watcher) listen(ctx context.Context, sub ledger.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case l, ok := <-sub.Logs():
			if !ok {
				select {
				case err := <-sub.Err():
					return err
				default:
					return ledger.ErrSubscriptionEnd
				}
			}
			if err := w.handleLog(ctx, l); err != nil {
				return fmt.Errorf("handle chain event: %w", err)
			}
		}
	}
}

// handleLog forwards a single log. Only handler failures are returned, so
// that the caller can resubscribe from the failed block.
func (w *Watcher) handleLog(ctx context.Context, l ledger.Log) error {
	if l.Removed {
		w.config.Logger.Debug(
			"dropping removed log",
			"tx", l.TxHash,
			"logIndex", l.LogIndex,
		)
		w.countDropped("removed")
		return nil
	}
	evt, err := ledger.Decode(l)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, ledger.ErrUnknownEvent) {
			reason = "unknown"
		}
		w.config.Logger.Warn(
			"dropping undecodable log",
			"error", err,
			"tx", l.TxHash,
			"logIndex", l.LogIndex,
		)
		w.countDropped(reason)
		return nil
	}
	key := evt.Key()
	if w.seen.Contains(key) {
		w.config.Logger.Debug(
			"dropping duplicate event",
			"tx", evt.TxHash,
			"logIndex", evt.LogIndex,
		)
		w.statsMu.Lock()
		w.stats.EventsDuplicate++
		w.statsMu.Unlock()
		w.countResult("duplicate")
		return nil
	}
	if err := w.config.Handler.HandleChainEvent(ctx, evt); err != nil {
		w.config.Logger.Error(
			"failed to handle chain event",
			"error", err,
			"kind", evt.Kind(),
			"tx", evt.TxHash,
			"logIndex", evt.LogIndex,
		)
		w.statsMu.Lock()
		w.stats.EventsFailed++
		w.statsMu.Unlock()
		w.countResult("failed")
		if w.retryFrom == nil || evt.BlockNumber < *w.retryFrom {
			block := evt.BlockNumber
			w.retryFrom = &block
		}
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	w.seen.Add(key)
	w.statsMu.Lock()
	w.stats.EventsForwarded++
	advanced := evt.BlockNumber > w.stats.LastBlock
	if advanced {
		w.stats.LastBlock = evt.BlockNumber
	}
	w.statsMu.Unlock()
	w.countResult("forwarded")
	if !advanced {
		return nil
	}
	if w.metrics != nil {
		w.metrics.lastBlock.Set(float64(evt.BlockNumber))
	}
	if w.config.WatermarkStore != nil {
		if err := w.config.WatermarkStore.SetWatermark(
			ctx,
			w.config.WatermarkName,
			evt.BlockNumber,
		); err != nil {
			w.config.Logger.Warn(
				"failed to persist watermark",
				"error", err,
				"block", evt.BlockNumber,
			)
		}
	}
	return nil
}

func (w *Watcher) setState(state State, err error) {
	prev := State(w.state.Swap(int32(state)))
	if prev == state {
		return
	}
	w.statsMu.Lock()
	w.stats.Since = time.Now()
	if err != nil {
		w.stats.LastError = err.Error()
	} else if state == StateListening {
		w.stats.LastError = ""
	}
	w.statsMu.Unlock()
	w.config.Logger.Info(
		"watcher state changed",
		"from", prev.String(),
		"to", state.String(),
	)
	if w.metrics != nil {
		w.metrics.state.Set(float64(state))
	}
	if w.config.OnStateChange != nil {
		w.config.OnStateChange(state)
	}
}

func (w *Watcher) countDropped(reason string) {
	w.statsMu.Lock()
	w.stats.EventsDropped++
	w.statsMu.Unlock()
	w.countResult(reason)
}

func (w *Watcher) countResult(result string) {
	if w.metrics != nil {
		w.metrics.events.WithLabelValues(result).Inc()
	}
}
