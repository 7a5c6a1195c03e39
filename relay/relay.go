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

// Package relay tracks connected real-time clients and their channel
// subscriptions and fans broadcasts out to them. Each client has a bounded
// outbound queue drained by a single writer, so messages on a channel reach
// a client in publish order. A client that cannot keep up is disconnected.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/civicchain/gipe/event"
)

const (
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 10 * time.Second
)

var (
	ErrStopped        = errors.New("relay stopped")
	ErrUnknownClient  = errors.New("unknown client")
	ErrTooManyClients = errors.New("too many clients")
	ErrInvalidChannel = errors.New("invalid channel")
)

type ClientID string

// Sink is the transport half of a client connection
type Sink interface {
	Send(ctx context.Context, msg any) error
	Close(reason string)
}

type Config struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	// OriginPatterns is passed to the WebSocket handshake. Empty allows
	// same-origin requests only.
	OriginPatterns []string
	QueueSize      int
	MaxClients     int
	WriteTimeout   time.Duration
}

type Relay struct {
	config  Config
	bus     *event.EventBus
	metrics *relayMetrics
	clients map[ClientID]*client
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	cfg.Logger = cfg.Logger.With("component", "relay")
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	r := &Relay{
		config:  cfg,
		bus:     event.NewEventBus(cfg.PromRegistry, cfg.Logger),
		clients: make(map[ClientID]*client),
	}
	if cfg.PromRegistry != nil {
		r.initMetrics(cfg.PromRegistry)
	}
	return r
}

// Start allows clients to connect
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
}

// Stop disconnects every client and waits for their writers to exit
func (r *Relay) Stop() {
	r.mu.Lock()
	r.running = false
	ids := make([]ClientID, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.disconnect(id, "server shutting down")
	}
	r.wg.Wait()
	r.bus.Stop()
}

// Connect registers a new client and starts its writer
func (r *Relay) Connect(sink Sink) (ClientID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return "", ErrStopped
	}
	if r.config.MaxClients > 0 && len(r.clients) >= r.config.MaxClients {
		return "", ErrTooManyClients
	}
	c := &client{
		id:    ClientID(uuid.NewString()),
		relay: r,
		sink:  sink,
		queue: make(chan any, r.config.QueueSize),
		done:  make(chan struct{}),
		subs:  make(map[event.Channel]event.SubscriberId),
	}
	r.clients[c.id] = c
	r.wg.Add(1)
	go c.writeLoop()
	if r.metrics != nil {
		r.metrics.clients.Inc()
	}
	r.config.Logger.Debug("client connected", "client", c.id)
	return c.id, nil
}

// Disconnect forgets a client and all of its subscriptions
func (r *Relay) Disconnect(id ClientID) {
	r.disconnect(id, "")
}

func (r *Relay) disconnect(id ClientID, reason string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	for channel, subId := range c.subs {
		r.bus.Detach(channel, subId)
	}
	clear(c.subs)
	c.mu.Unlock()
	c.shutdown(reason)
	if r.metrics != nil {
		r.metrics.clients.Dec()
	}
	r.config.Logger.Debug("client disconnected", "client", id, "reason", reason)
}

func (r *Relay) client(id ClientID) (*client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	return c, nil
}

// Subscribe adds a channel subscription for a client. Subscribing twice is
// a no-op.
func (r *Relay) Subscribe(id ClientID, channel event.Channel) error {
	if !channel.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	c, err := r.client(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	if _, ok := c.subs[channel]; ok {
		return nil
	}
	c.subs[channel] = r.bus.RegisterSubscriber(channel, c)
	return nil
}

// Unsubscribe removes a channel subscription. Unknown subscriptions are
// ignored.
func (r *Relay) Unsubscribe(id ClientID, channel event.Channel) error {
	c, err := r.client(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if subId, ok := c.subs[channel]; ok {
		r.bus.Detach(channel, subId)
		delete(c.subs, channel)
	}
	return nil
}

// Subscriptions returns the channels a client is subscribed to
func (r *Relay) Subscriptions(id ClientID) []event.Channel {
	c, err := r.client(id)
	if err != nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make([]event.Channel, 0, len(c.subs))
	for channel := range c.subs {
		ret = append(ret, channel)
	}
	return ret
}

// Broadcast queues msg for every subscriber of channel and returns how many
// clients it was queued for. Broadcasting to a channel without subscribers
// does nothing.
func (r *Relay) Broadcast(channel event.Channel, msg any) int {
	n := r.bus.Publish(event.NewEvent(channel, msg))
	if r.metrics != nil && n > 0 {
		r.metrics.messages.WithLabelValues(messageType(msg)).Add(float64(n))
	}
	return n
}

// Send queues msg for a single client
func (r *Relay) Send(id ClientID, msg any) error {
	c, err := r.client(id)
	if err != nil {
		return err
	}
	if err := c.enqueue(msg); err != nil {
		c.Close()
		return err
	}
	if r.metrics != nil {
		r.metrics.messages.WithLabelValues(messageType(msg)).Inc()
	}
	return nil
}

// ConnectedClients returns the number of connected clients
func (r *Relay) ConnectedClients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func messageType(msg any) string {
	switch msg.(type) {
	case EventMessage:
		return TypeEvent
	case ConfirmationMessage:
		return TypeConfirmation
	case PriorityMessage:
		return TypePriority
	case WatcherMessage:
		return TypeWatcher
	case AckMessage:
		return TypeAck
	case ErrorMessage:
		return TypeError
	case PongMessage:
		return TypePong
	default:
		return "other"
	}
}

type client struct {
	relay     *Relay
	sink      Sink
	queue     chan any
	done      chan struct{}
	subs      map[event.Channel]event.SubscriberId
	reason    string
	id        ClientID
	mu        sync.Mutex
	closeOnce sync.Once
	closed    bool
}

// Deliver implements event.Subscriber
func (c *client) Deliver(evt event.Event) error {
	return c.enqueue(evt.Data)
}

// Close implements event.Subscriber. The bus calls it when a delivery fails,
// which drops the client.
func (c *client) Close() {
	if c.relay.metrics != nil {
		select {
		case <-c.done:
		default:
			c.relay.metrics.dropped.Inc()
		}
	}
	c.relay.config.Logger.Warn("dropping slow client", "client", c.id)
	c.relay.disconnect(c.id, "slow consumer")
}

func (c *client) enqueue(msg any) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		return event.ErrQueueFull
	}
}

// shutdown stops the writer, which closes the sink
func (c *client) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *client) writeLoop() {
	defer c.relay.wg.Done()
	for {
		select {
		case <-c.done:
			c.mu.Lock()
			reason := c.reason
			c.mu.Unlock()
			c.sink.Close(reason)
			return
		case msg := <-c.queue:
			ctx, cancel := context.WithTimeout(
				context.Background(),
				c.relay.config.WriteTimeout,
			)
			err := c.sink.Send(ctx, msg)
			cancel()
			if err != nil {
				c.relay.config.Logger.Debug(
					"client write failed",
					"client", c.id,
					"error", err,
				)
				c.relay.disconnect(c.id, "write failed")
			}
		}
	}
}
