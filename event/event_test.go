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

package event_test

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicchain/gipe/event"
)

func receive(t *testing.T, ch <-chan event.Event) event.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "event channel closed unexpectedly")
		return evt
	case <-time.After(1 * time.Second):
		t.Fatalf("timeout waiting for event")
	}
	return event.Event{}
}

func TestChannelNames(t *testing.T) {
	ch := event.GrievanceChannel("g-1")
	assert.Equal(t, event.Channel("grievance:g-1"), ch)
	id, ok := ch.GrievanceID()
	assert.True(t, ok)
	assert.Equal(t, "g-1", id)
	assert.True(t, ch.Valid())
	assert.True(t, event.GlobalChannel.Valid())
	assert.False(t, event.Channel("grievance:").Valid())
	assert.False(t, event.Channel("other").Valid())
}

func TestEventBusChannelsAreIsolated(t *testing.T) {
	eb := event.NewEventBus(nil, nil)
	_, globalCh := eb.Subscribe(event.GlobalChannel)
	_, g1Ch := eb.Subscribe(event.GrievanceChannel("g1"))
	_, g2Ch := eb.Subscribe(event.GrievanceChannel("g2"))

	n := eb.Publish(event.NewEvent(event.GrievanceChannel("g1"), 999))
	assert.Equal(t, 1, n)
	evt := receive(t, g1Ch)
	assert.Equal(t, 999, evt.Data)
	assert.Equal(t, event.GrievanceChannel("g1"), evt.Channel)
	select {
	case <-globalCh:
		t.Fatal("global subscriber received grievance event")
	case <-g2Ch:
		t.Fatal("other grievance subscriber received event")
	default:
	}
}

func TestEventBusMultipleSubscribersInOrder(t *testing.T) {
	eb := event.NewEventBus(nil, nil)
	_, sub1Ch := eb.Subscribe(event.GlobalChannel)
	_, sub2Ch := eb.Subscribe(event.GlobalChannel)
	for i := range 5 {
		eb.Publish(event.NewEvent(event.GlobalChannel, i))
	}
	for i := range 5 {
		assert.Equal(t, i, receive(t, sub1Ch).Data)
		assert.Equal(t, i, receive(t, sub2Ch).Data)
	}
}

func TestEventBusPublishWithoutSubscribers(t *testing.T) {
	eb := event.NewEventBus(nil, nil)
	assert.Equal(t, 0, eb.Publish(event.NewEvent(event.GrievanceChannel("nobody"), "x")))
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := event.NewEventBus(nil, nil)
	subId, subCh := eb.Subscribe(event.GlobalChannel)
	eb.Unsubscribe(event.GlobalChannel, subId)
	assert.Equal(t, 0, eb.SubscriberCount(event.GlobalChannel))
	eb.Publish(event.NewEvent(event.GlobalChannel, 1))
	select {
	case _, ok := <-subCh:
		assert.False(t, ok, "received unexpected event")
	case <-time.After(1 * time.Second):
		t.Fatalf("subscriber channel was not closed after Unsubscribe")
	}
	// Unknown ids are ignored
	eb.Unsubscribe(event.GlobalChannel, subId)
}

func TestEventBusStop(t *testing.T) {
	eb := event.NewEventBus(nil, nil)
	_, ch1 := eb.Subscribe(event.GlobalChannel)
	_, ch2 := eb.Subscribe(event.GrievanceChannel("g"))
	eb.Stop()
	_, ok := <-ch1
	assert.False(t, ok)
	_, ok = <-ch2
	assert.False(t, ok)
	// Reusable after Stop
	_, ch3 := eb.Subscribe(event.GlobalChannel)
	eb.Publish(event.NewEvent(event.GlobalChannel, "again"))
	assert.Equal(t, "again", receive(t, ch3).Data)
}

func TestEventBusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	eb := event.NewEventBus(reg, nil)
	_, ch := eb.Subscribe(event.GlobalChannel)
	// Overflow the in-memory queue so the subscriber is dropped
	for i := range event.EventQueueSize + 1 {
		eb.Publish(event.NewEvent(event.GlobalChannel, i))
	}
	assert.Equal(t, 0, eb.SubscriberCount(event.GlobalChannel))
	count, err := testutil.GatherAndCount(reg, "gipe_event_delivery_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	drained := 0
	for range ch {
		drained++
	}
	assert.Equal(t, event.EventQueueSize, drained)
}

func TestPublishUnsubscribeRace(t *testing.T) {
	const iters = 200
	for range iters {
		eb := event.NewEventBus(nil, nil)
		subId, ch := eb.Subscribe(event.GlobalChannel)
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := range 10 {
				eb.Publish(event.NewEvent(event.GlobalChannel, j))
			}
		}()
		go func() {
			defer wg.Done()
			eb.Unsubscribe(event.GlobalChannel, subId)
			eb.Stop()
		}()
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		wg.Wait()
	}
}
