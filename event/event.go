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

package event

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	EventQueueSize = 20

	GlobalChannel Channel = "global:blockchain"

	grievanceChannelPrefix = "grievance:"
)

var ErrQueueFull = errors.New("subscriber queue full")

// Channel names a broadcast topic
type Channel string

// GrievanceChannel returns the channel carrying updates for one grievance
func GrievanceChannel(grievanceID string) Channel {
	return Channel(grievanceChannelPrefix + grievanceID)
}

// GrievanceID returns the grievance id of a per-grievance channel
func (c Channel) GrievanceID() (string, bool) {
	id, ok := strings.CutPrefix(string(c), grievanceChannelPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func (c Channel) Valid() bool {
	if c == GlobalChannel {
		return true
	}
	_, ok := c.GrievanceID()
	return ok
}

// kind returns a low-cardinality label for metrics
func (c Channel) kind() string {
	if c == GlobalChannel {
		return "global"
	}
	return "grievance"
}

type SubscriberId uint64

type Event struct {
	Timestamp time.Time
	Data      any
	Channel   Channel
}

func NewEvent(channel Channel, data any) Event {
	return Event{
		Channel:   channel,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Subscriber receives events from the bus. Deliver must not block; an error
// causes the bus to unregister and close the subscriber. Close must be
// idempotent.
type Subscriber interface {
	Deliver(Event) error
	Close()
}

// channelSubscriber is the in-memory subscriber adapter. Deliver fails with
// ErrQueueFull when the buffer is full, so a stalled reader is dropped.
type channelSubscriber struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

func newChannelSubscriber(buffer int) *channelSubscriber {
	return &channelSubscriber{
		ch: make(chan Event, buffer),
	}
}

func (c *channelSubscriber) Deliver(evt Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	select {
	case c.ch <- evt:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *channelSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

type EventBus struct {
	logger      *slog.Logger
	subscribers map[Channel]map[SubscriberId]Subscriber
	metrics     *eventMetrics
	lastSubId   SubscriberId
	mu          sync.RWMutex
}

// NewEventBus creates an EventBus. A nil registry disables metrics.
func NewEventBus(
	promRegistry prometheus.Registerer,
	logger *slog.Logger,
) *EventBus {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	e := &EventBus{
		logger:      logger.With("component", "event"),
		subscribers: make(map[Channel]map[SubscriberId]Subscriber),
	}
	if promRegistry != nil {
		e.initMetrics(promRegistry)
	}
	return e
}

// Subscribe returns a buffered channel receiving events for a channel
func (e *EventBus) Subscribe(channel Channel) (SubscriberId, <-chan Event) {
	chSub := newChannelSubscriber(EventQueueSize)
	subId := e.register(channel, chSub, "in-memory")
	return subId, chSub.ch
}

// RegisterSubscriber adds an external subscriber such as a relay client
func (e *EventBus) RegisterSubscriber(
	channel Channel,
	sub Subscriber,
) SubscriberId {
	return e.register(channel, sub, "remote")
}

func (e *EventBus) register(
	channel Channel,
	sub Subscriber,
	kind string,
) SubscriberId {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSubId++
	subId := e.lastSubId
	if _, ok := e.subscribers[channel]; !ok {
		e.subscribers[channel] = make(map[SubscriberId]Subscriber)
	}
	e.subscribers[channel][subId] = sub
	if e.metrics != nil {
		e.metrics.subscribers.WithLabelValues(channel.kind(), kind).Inc()
	}
	return subId
}

// Unsubscribe removes a subscriber from a channel and closes it
func (e *EventBus) Unsubscribe(channel Channel, subId SubscriberId) {
	if sub := e.Detach(channel, subId); sub != nil {
		sub.Close()
	}
}

// Detach removes a subscriber from a channel without closing it and returns
// it, or nil if it was not registered
func (e *EventBus) Detach(channel Channel, subId SubscriberId) Subscriber {
	e.mu.Lock()
	defer e.mu.Unlock()
	chanSubs, ok := e.subscribers[channel]
	if !ok {
		return nil
	}
	sub, ok := chanSubs[subId]
	if !ok {
		return nil
	}
	delete(chanSubs, subId)
	if len(chanSubs) == 0 {
		delete(e.subscribers, channel)
	}
	if e.metrics != nil {
		e.metrics.subscribers.WithLabelValues(channel.kind(), subscriberKind(sub)).
			Dec()
	}
	return sub
}

// SubscriberCount returns the number of subscribers on a channel
func (e *EventBus) SubscriberCount(channel Channel) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers[channel])
}

// Publish delivers evt to every subscriber of its channel in the caller's
// goroutine and returns the number of successful deliveries. Subscribers
// that fail are unregistered and closed.
func (e *EventBus) Publish(evt Event) int {
	e.mu.RLock()
	subs := e.subscribers[evt.Channel]
	type subItem struct {
		sub Subscriber
		id  SubscriberId
	}
	subList := make([]subItem, 0, len(subs))
	for id, sub := range subs {
		subList = append(subList, subItem{id: id, sub: sub})
	}
	e.mu.RUnlock()
	if len(subList) == 0 {
		return 0
	}
	delivered := 0
	for _, item := range subList {
		var deliverErr error
		func() {
			defer func() {
				if r := recover(); r != nil {
					deliverErr = fmt.Errorf("subscriber deliver panic: %v", r)
				}
			}()
			deliverErr = item.sub.Deliver(evt)
		}()
		if deliverErr == nil {
			delivered++
			continue
		}
		e.Unsubscribe(evt.Channel, item.id)
		if e.metrics != nil {
			e.metrics.deliveryErrors.WithLabelValues(
				evt.Channel.kind(),
				subscriberKind(item.sub),
			).Inc()
		}
		e.logger.Debug(
			"event delivery error",
			"channel", evt.Channel,
			"error", deliverErr,
		)
	}
	if e.metrics != nil {
		e.metrics.eventsTotal.WithLabelValues(evt.Channel.kind()).Inc()
	}
	return delivered
}

// Stop closes all subscribers. The bus can be reused afterward.
func (e *EventBus) Stop() {
	e.mu.Lock()
	subsCopy := e.subscribers
	e.subscribers = make(map[Channel]map[SubscriberId]Subscriber)
	e.mu.Unlock()
	for _, chanSubs := range subsCopy {
		for _, sub := range chanSubs {
			sub.Close()
		}
	}
	if e.metrics != nil {
		e.metrics.subscribers.Reset()
	}
}

func subscriberKind(sub Subscriber) string {
	if _, ok := sub.(*channelSubscriber); ok {
		return "in-memory"
	}
	return "remote"
}
