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

package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/civicchain/gipe/event"
	"github.com/civicchain/gipe/ledger"
	"github.com/civicchain/gipe/priority"
)

// Server to client message types
const (
	TypeEvent        = "event"
	TypeConfirmation = "confirmation"
	TypePriority     = "priority"
	TypeWatcher      = "watcher"
	TypeAck          = "ack"
	TypeError        = "error"
	TypePong         = "pong"
)

// Client to server command types
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandPing        = "ping"

	TargetGlobal = "global"
)

var ErrInvalidCommand = errors.New("invalid command")

type EventMessage struct {
	Payload ChainEventPayload `json:"payload"`
	Type    string            `json:"type"`
	Event   ledger.EventKind  `json:"event"`
}

// ChainEventPayload flattens a chain event for clients
type ChainEventPayload struct {
	Timestamp       time.Time `json:"timestamp"`
	ContentHash     string    `json:"contentHash"`
	TransactionHash string    `json:"transactionHash"`
	GrievanceID     string    `json:"grievanceId,omitempty"`
	Submitter       string    `json:"submitter,omitempty"`
	OldStatus       string    `json:"oldStatus,omitempty"`
	NewStatus       string    `json:"newStatus,omitempty"`
	Updater         string    `json:"updater,omitempty"`
	BlockNumber     uint64    `json:"blockNumber"`
	LogIndex        uint      `json:"logIndex"`
}

// NewEventMessage builds the global broadcast for a chain event. grievanceID
// is the grievance the subject hash resolved to, if any.
func NewEventMessage(evt ledger.ChainEvent, grievanceID string) EventMessage {
	payload := ChainEventPayload{
		Timestamp:       evt.Timestamp,
		ContentHash:     evt.SubjectHash,
		TransactionHash: evt.TxHash,
		GrievanceID:     grievanceID,
		BlockNumber:     evt.BlockNumber,
		LogIndex:        evt.LogIndex,
	}
	switch p := evt.Payload.(type) {
	case ledger.Registered:
		if payload.GrievanceID == "" {
			payload.GrievanceID = p.GrievanceID
		}
		payload.Submitter = p.Submitter
	case ledger.StatusUpdated:
		payload.OldStatus = p.OldStatus
		payload.NewStatus = p.NewStatus
		payload.Updater = p.Updater
	}
	return EventMessage{
		Type:    TypeEvent,
		Event:   evt.Kind(),
		Payload: payload,
	}
}

type ConfirmationMessage struct {
	Timestamp       time.Time `json:"timestamp"`
	Type            string    `json:"type"`
	GrievanceID     string    `json:"grievanceId"`
	ContentHash     string    `json:"contentHash"`
	TransactionHash string    `json:"transactionHash"`
	BlockNumber     uint64    `json:"blockNumber"`
}

func NewConfirmationMessage(
	grievanceID string,
	evt ledger.ChainEvent,
) ConfirmationMessage {
	return ConfirmationMessage{
		Type:            TypeConfirmation,
		GrievanceID:     grievanceID,
		ContentHash:     evt.SubjectHash,
		TransactionHash: evt.TxHash,
		BlockNumber:     evt.BlockNumber,
		Timestamp:       evt.Timestamp,
	}
}

type PriorityMessage struct {
	Type        string             `json:"type"`
	GrievanceID string             `json:"grievanceId"`
	Breakdown   priority.Breakdown `json:"breakdown"`
}

func NewPriorityMessage(
	grievanceID string,
	breakdown priority.Breakdown,
) PriorityMessage {
	return PriorityMessage{
		Type:        TypePriority,
		GrievanceID: grievanceID,
		Breakdown:   breakdown,
	}
}

type WatcherMessage struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

func NewWatcherMessage(state fmt.Stringer) WatcherMessage {
	return WatcherMessage{
		Type:  TypeWatcher,
		State: state.String(),
	}
}

type AckMessage struct {
	Type    string        `json:"type"`
	Command string        `json:"command"`
	Channel event.Channel `json:"channel"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type PongMessage struct {
	Type string `json:"type"`
}

// Command is a client request
type Command struct {
	Type        string `json:"type"`
	Target      string `json:"target,omitempty"`
	GrievanceID string `json:"grievanceId,omitempty"`
}

// Channel resolves the channel a subscribe or unsubscribe command refers to
func (c Command) Channel() (event.Channel, error) {
	switch {
	case c.GrievanceID != "" && c.Target != "":
		return "", fmt.Errorf("%w: both target and grievanceId set", ErrInvalidCommand)
	case c.GrievanceID != "":
		return event.GrievanceChannel(c.GrievanceID), nil
	case c.Target == TargetGlobal:
		return event.GlobalChannel, nil
	case c.Target != "":
		return "", fmt.Errorf("%w: unknown target %q", ErrInvalidCommand, c.Target)
	default:
		return "", fmt.Errorf("%w: missing target", ErrInvalidCommand)
	}
}
