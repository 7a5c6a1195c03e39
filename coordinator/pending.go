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

package coordinator

import (
	"container/list"
	"sync"

	"github.com/civicchain/gipe/ledger"
)

const (
	DefaultPendingSize = 1024

	maxPendingPerSubject = 16
)

// pendingEvents holds ledger events whose subject hash has no integrity
// record yet, so that the record picks them up when it is created. The
// oldest subject is evicted once the limit is reached.
type pendingEvents struct {
	mu    sync.Mutex
	order *list.List
	items map[string]*list.Element
	limit int
}

type pendingEntry struct {
	subject string
	events  []ledger.ChainEvent
}

func newPendingEvents(limit int) *pendingEvents {
	if limit <= 0 {
		limit = DefaultPendingSize
	}
	return &pendingEvents{
		order: list.New(),
		items: make(map[string]*list.Element),
		limit: limit,
	}
}

// add stores evt under subject and reports whether it was new
func (p *pendingEvents) add(subject string, evt ledger.ChainEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := evt.Key()
	if elem, ok := p.items[subject]; ok {
		entry := elem.Value.(*pendingEntry)
		for _, tmpEvt := range entry.events {
			if tmpEvt.Key() == key {
				return false
			}
		}
		if len(entry.events) >= maxPendingPerSubject {
			entry.events = entry.events[1:]
		}
		entry.events = append(entry.events, evt)
		p.order.MoveToFront(elem)
		return true
	}
	p.items[subject] = p.order.PushFront(&pendingEntry{
		subject: subject,
		events:  []ledger.ChainEvent{evt},
	})
	p.evict()
	return true
}

// take removes and returns the events held for subject in arrival order
func (p *pendingEvents) take(subject string) []ledger.ChainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	elem, ok := p.items[subject]
	if !ok {
		return nil
	}
	p.order.Remove(elem)
	delete(p.items, subject)
	return elem.Value.(*pendingEntry).events
}

// restore puts events back after a failed apply. Callers hold the lock for
// subject, so no other event can have been added for it meanwhile.
func (p *pendingEvents) restore(subject string, events []ledger.ChainEvent) {
	if len(events) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[subject] = p.order.PushFront(&pendingEntry{
		subject: subject,
		events:  events,
	})
	p.evict()
}

func (p *pendingEvents) evict() {
	for p.order.Len() > p.limit {
		oldest := p.order.Back()
		p.order.Remove(oldest)
		delete(p.items, oldest.Value.(*pendingEntry).subject)
	}
}

// size returns the number of subjects with pending events
func (p *pendingEvents) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}
