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

package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownEvent    = errors.New("unknown ledger event")
	ErrMalformedLog    = errors.New("malformed ledger log")
	ErrSubscriptionEnd = errors.New("ledger subscription closed")
)

// Log is a raw contract log as delivered by a ledger provider. Hex values
// carry a 0x prefix.
type Log struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        []byte   `json:"-"`
	BlockNumber uint64   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    uint     `json:"logIndex"`
	Removed     bool     `json:"removed"`
}

type SubscribeOptions struct {
	// FromBlock requests historical logs starting at this block before live
	// logs. Nil means live logs only.
	FromBlock *uint64
}

// Client is the external ledger provider
type Client interface {
	Subscribe(ctx context.Context, opts SubscribeOptions) (Subscription, error)
}

// Subscription delivers logs until Unsubscribe is called or the provider
// fails. A provider failure is reported once on Err and Logs is closed.
type Subscription interface {
	Logs() <-chan Log
	Err() <-chan error
	Unsubscribe()
}

type EventKind string

const (
	KindRegistered    EventKind = "registered"
	KindStatusUpdated EventKind = "statusUpdated"
)

// EventKey identifies a log for deduplication
type EventKey struct {
	TxHash   string
	LogIndex uint
}

// Payload is implemented only by the per-kind event payloads in this package
type Payload interface {
	Kind() EventKind
	isPayload()
}

type Registered struct {
	GrievanceID string `json:"grievanceId"`
	Submitter   string `json:"submitter"`
}

func (Registered) Kind() EventKind { return KindRegistered }
func (Registered) isPayload()      {}

type StatusUpdated struct {
	OldStatus string `json:"oldStatus"`
	NewStatus string `json:"newStatus"`
	Updater   string `json:"updater"`
}

func (StatusUpdated) Kind() EventKind { return KindStatusUpdated }
func (StatusUpdated) isPayload()      {}

// ChainEvent is a normalized ledger log
type ChainEvent struct {
	Timestamp   time.Time
	Payload     Payload
	SubjectHash string
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
}

func (e ChainEvent) Kind() EventKind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

func (e ChainEvent) Key() EventKey {
	return EventKey{
		TxHash:   normalizeHex(e.TxHash),
		LogIndex: e.LogIndex,
	}
}
