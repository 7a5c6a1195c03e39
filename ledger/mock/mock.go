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

// Package mock provides an in-memory ledger for tests and development mode
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/civicchain/gipe/ledger"
)

const subscriptionBuffer = 64

var ErrInjected = errors.New("injected ledger failure")

// Ledger is an in-memory ledger.Client. Emitted logs are kept so that
// subscriptions with a FromBlock replay history.
type Ledger struct {
	mu             sync.Mutex
	subs           map[*subscription]struct{}
	history        []ledger.Log
	failSubscribes int
	subscribeCalls int
}

func New() *Ledger {
	return &Ledger{
		subs: make(map[*subscription]struct{}),
	}
}

func (l *Ledger) Subscribe(
	ctx context.Context,
	opts ledger.SubscribeOptions,
) (ledger.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribeCalls++
	if l.failSubscribes > 0 {
		l.failSubscribes--
		return nil, ErrInjected
	}
	var replay []ledger.Log
	if opts.FromBlock != nil {
		for _, tmpLog := range l.history {
			if tmpLog.BlockNumber >= *opts.FromBlock {
				replay = append(replay, tmpLog)
			}
		}
	}
	sub := &subscription{
		parent: l,
		logs:   make(chan ledger.Log, subscriptionBuffer+len(replay)),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	for _, tmpLog := range replay {
		sub.logs <- tmpLog
	}
	l.subs[sub] = struct{}{}
	return sub, nil
}

// Emit records a log and delivers it to every active subscription. It blocks
// while a subscriber's buffer is full.
func (l *Ledger) Emit(tmpLog ledger.Log) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = append(l.history, tmpLog)
	for sub := range l.subs {
		select {
		case sub.logs <- tmpLog:
		case <-sub.done:
		}
	}
}

// Fail terminates every active subscription with err
func (l *Ledger) Fail(err error) {
	if err == nil {
		err = ErrInjected
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs {
		sub.errs <- err
		close(sub.logs)
		delete(l.subs, sub)
	}
}

// FailNextSubscribes makes the next n Subscribe calls fail
func (l *Ledger) FailNextSubscribes(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failSubscribes = n
}

// ActiveSubscriptions returns the number of open subscriptions
func (l *Ledger) ActiveSubscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// SubscribeCalls returns the number of Subscribe calls so far
func (l *Ledger) SubscribeCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribeCalls
}

type subscription struct {
	parent   *Ledger
	logs     chan ledger.Log
	errs     chan error
	done     chan struct{}
	doneOnce sync.Once
}

func (s *subscription) Logs() <-chan ledger.Log {
	return s.logs
}

func (s *subscription) Err() <-chan error {
	return s.errs
}

func (s *subscription) Unsubscribe() {
	s.doneOnce.Do(func() {
		// Close done first so a blocked Emit can release the lock
		close(s.done)
		s.parent.mu.Lock()
		delete(s.parent.subs, s)
		s.parent.mu.Unlock()
	})
}
