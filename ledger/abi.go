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
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	RegisteredSignature    = "Registered(bytes32,string,address,uint256)"
	StatusUpdatedSignature = "StatusUpdated(bytes32,string,string,address,uint256)"

	eventRegistered    = "Registered"
	eventStatusUpdated = "StatusUpdated"

	// ContractABI describes the events emitted by the grievance registry
	ContractABI = `[
  {"type":"event","name":"Registered","anonymous":false,"inputs":[
    {"name":"contentHash","type":"bytes32","indexed":true},
    {"name":"grievanceId","type":"string","indexed":false},
    {"name":"submitter","type":"address","indexed":true},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"event","name":"StatusUpdated","anonymous":false,"inputs":[
    {"name":"contentHash","type":"bytes32","indexed":true},
    {"name":"oldStatus","type":"string","indexed":false},
    {"name":"newStatus","type":"string","indexed":false},
    {"name":"updater","type":"address","indexed":true},
    {"name":"timestamp","type":"uint256","indexed":false}]}
]`
)

var (
	contractABI = mustParseABI(ContractABI)

	RegisteredTopic    = contractABI.Events[eventRegistered].ID.Hex()
	StatusUpdatedTopic = contractABI.Events[eventStatusUpdated].ID.Hex()
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid contract ABI: %s", err))
	}
	return parsed
}

// EventTopic returns the 0x-prefixed Keccak-256 hash of an event signature
func EventTopic(signature string) string {
	return crypto.Keccak256Hash([]byte(signature)).Hex()
}

// Topics returns the topic0 values of the contract events
func Topics() []common.Hash {
	return []common.Hash{
		contractABI.Events[eventRegistered].ID,
		contractABI.Events[eventStatusUpdated].ID,
	}
}

type registeredData struct {
	GrievanceID string   `abi:"grievanceId"`
	Timestamp   *big.Int `abi:"timestamp"`
}

type statusUpdatedData struct {
	OldStatus string   `abi:"oldStatus"`
	NewStatus string   `abi:"newStatus"`
	Timestamp *big.Int `abi:"timestamp"`
}

// Decode normalizes a raw contract log into a ChainEvent. Logs whose first
// topic is not a known event signature return ErrUnknownEvent.
func Decode(l Log) (ChainEvent, error) {
	if len(l.Topics) == 0 {
		return ChainEvent{}, fmt.Errorf("%w: no topics", ErrUnknownEvent)
	}
	topic0, err := decodeTopic(l.Topics[0])
	if err != nil {
		return ChainEvent{}, err
	}
	abiEvent, err := contractABI.EventByID(topic0)
	if err != nil {
		return ChainEvent{}, fmt.Errorf("%w: topic %s", ErrUnknownEvent, l.Topics[0])
	}
	if len(l.Topics) != 3 {
		return ChainEvent{}, fmt.Errorf(
			"%w: %s expects 3 topics, got %d",
			ErrMalformedLog,
			abiEvent.Name,
			len(l.Topics),
		)
	}
	subject, err := decodeTopic(l.Topics[1])
	if err != nil {
		return ChainEvent{}, err
	}
	actor, err := decodeTopic(l.Topics[2])
	if err != nil {
		return ChainEvent{}, err
	}
	evt := ChainEvent{
		SubjectHash: normalizeHex(subject.Hex()),
		TxHash:      normalizeHex(l.TxHash),
		BlockNumber: l.BlockNumber,
		LogIndex:    l.LogIndex,
	}
	var ts *big.Int
	switch abiEvent.Name {
	case eventRegistered:
		var data registeredData
		if err := contractABI.UnpackIntoInterface(&data, abiEvent.Name, l.Data); err != nil {
			return ChainEvent{}, fmt.Errorf("%w: %w", ErrMalformedLog, err)
		}
		evt.Payload = Registered{
			GrievanceID: data.GrievanceID,
			Submitter:   topicAddress(actor),
		}
		ts = data.Timestamp
	case eventStatusUpdated:
		var data statusUpdatedData
		if err := contractABI.UnpackIntoInterface(&data, abiEvent.Name, l.Data); err != nil {
			return ChainEvent{}, fmt.Errorf("%w: %w", ErrMalformedLog, err)
		}
		evt.Payload = StatusUpdated{
			OldStatus: data.OldStatus,
			NewStatus: data.NewStatus,
			Updater:   topicAddress(actor),
		}
		ts = data.Timestamp
	}
	if ts == nil || !ts.IsInt64() {
		return ChainEvent{}, fmt.Errorf("%w: timestamp out of range", ErrMalformedLog)
	}
	evt.Timestamp = time.Unix(ts.Int64(), 0).UTC()
	return evt, nil
}

// EncodeRegistered builds the contract log for a Registered event
func EncodeRegistered(
	contentHash string,
	grievanceID string,
	submitter string,
	timestamp time.Time,
) (Log, error) {
	return encodeLog(
		eventRegistered,
		contentHash,
		submitter,
		grievanceID,
		big.NewInt(timestamp.Unix()),
	)
}

// EncodeStatusUpdated builds the contract log for a StatusUpdated event
func EncodeStatusUpdated(
	contentHash string,
	oldStatus string,
	newStatus string,
	updater string,
	timestamp time.Time,
) (Log, error) {
	return encodeLog(
		eventStatusUpdated,
		contentHash,
		updater,
		oldStatus,
		newStatus,
		big.NewInt(timestamp.Unix()),
	)
}

func encodeLog(name string, contentHash string, actor string, args ...any) (Log, error) {
	raw, err := hexutil.Decode("0x" + normalizeHex(contentHash))
	if err != nil || len(raw) != common.HashLength {
		return Log{}, fmt.Errorf("%w: bad bytes32 %q", ErrMalformedLog, contentHash)
	}
	if !common.IsHexAddress(actor) {
		return Log{}, fmt.Errorf("%w: bad address %q", ErrMalformedLog, actor)
	}
	abiEvent := contractABI.Events[name]
	data, err := abiEvent.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		return Log{}, fmt.Errorf("%w: %w", ErrMalformedLog, err)
	}
	actorTopic := common.BytesToHash(common.HexToAddress(actor).Bytes())
	return Log{
		Topics: []string{
			abiEvent.ID.Hex(),
			common.BytesToHash(raw).Hex(),
			actorTopic.Hex(),
		},
		Data: data,
	}, nil
}

func decodeTopic(topic string) (common.Hash, error) {
	raw, err := hexutil.Decode("0x" + normalizeHex(topic))
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: bad topic %q", ErrMalformedLog, topic)
	}
	return common.BytesToHash(raw), nil
}

// topicAddress returns the lowercase address held in an indexed topic
func topicAddress(topic common.Hash) string {
	return strings.ToLower(common.BytesToAddress(topic.Bytes()).Hex())
}

// normalizeHex lower-cases and strips a 0x prefix
func normalizeHex(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimPrefix(s, "0x")
}

// NormalizeHash lower-cases a hex hash and strips any 0x prefix
func NormalizeHash(s string) string {
	return normalizeHex(s)
}
