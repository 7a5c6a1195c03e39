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

package ledger_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicchain/gipe/ledger"
)

var (
	testHash      = strings.Repeat("ab", 32)
	testSubmitter = "0x" + strings.Repeat("12", 20)
	testTime      = time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)
)

func TestEventTopics(t *testing.T) {
	// Keccak-256 of the empty string
	assert.Equal(
		t,
		"0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		ledger.EventTopic(""),
	)
	assert.NotEqual(t, ledger.RegisteredTopic, ledger.StatusUpdatedTopic)
	assert.Len(t, ledger.RegisteredTopic, 66)
	assert.Equal(t, ledger.EventTopic(ledger.RegisteredSignature), ledger.RegisteredTopic)
	assert.Equal(t, ledger.EventTopic(ledger.StatusUpdatedSignature), ledger.StatusUpdatedTopic)
	assert.Len(t, ledger.Topics(), 2)
}

func TestDecodeRegistered(t *testing.T) {
	l, err := ledger.EncodeRegistered(
		"0x"+strings.ToUpper(testHash),
		"grievance-42",
		testSubmitter,
		testTime,
	)
	require.NoError(t, err)
	l.TxHash = "0xDEADBEEF"
	l.BlockNumber = 1234
	l.LogIndex = 3

	evt, err := ledger.Decode(l)
	require.NoError(t, err)
	assert.Equal(t, ledger.KindRegistered, evt.Kind())
	assert.Equal(t, testHash, evt.SubjectHash)
	assert.Equal(t, "deadbeef", evt.TxHash)
	assert.Equal(t, uint64(1234), evt.BlockNumber)
	assert.Equal(t, testTime, evt.Timestamp)
	assert.Equal(
		t,
		ledger.EventKey{TxHash: "deadbeef", LogIndex: 3},
		evt.Key(),
	)
	payload, ok := evt.Payload.(ledger.Registered)
	require.True(t, ok)
	assert.Equal(t, "grievance-42", payload.GrievanceID)
	assert.Equal(t, testSubmitter, payload.Submitter)
}

func TestDecodeStatusUpdated(t *testing.T) {
	// Long enough to span multiple words
	newStatus := strings.Repeat("in-progress/", 5)
	l, err := ledger.EncodeStatusUpdated(testHash, "pending", newStatus, testSubmitter, testTime)
	require.NoError(t, err)

	evt, err := ledger.Decode(l)
	require.NoError(t, err)
	payload, ok := evt.Payload.(ledger.StatusUpdated)
	require.True(t, ok)
	assert.Equal(t, "pending", payload.OldStatus)
	assert.Equal(t, newStatus, payload.NewStatus)
	assert.Equal(t, testSubmitter, payload.Updater)
	assert.Equal(t, testTime, evt.Timestamp)
	assert.Equal(t, ledger.KindStatusUpdated, evt.Kind())
}

func TestDecodeRejects(t *testing.T) {
	good, err := ledger.EncodeRegistered(testHash, "g", testSubmitter, testTime)
	require.NoError(t, err)

	unknown := good
	unknown.Topics = append([]string{ledger.EventTopic("Other(uint256)")}, good.Topics[1:]...)
	_, err = ledger.Decode(unknown)
	assert.ErrorIs(t, err, ledger.ErrUnknownEvent)

	_, err = ledger.Decode(ledger.Log{})
	assert.ErrorIs(t, err, ledger.ErrUnknownEvent)

	truncated := good
	truncated.Data = good.Data[:40]
	_, err = ledger.Decode(truncated)
	assert.ErrorIs(t, err, ledger.ErrMalformedLog)

	missingTopic := good
	missingTopic.Topics = good.Topics[:2]
	_, err = ledger.Decode(missingTopic)
	assert.ErrorIs(t, err, ledger.ErrMalformedLog)

	_, err = ledger.EncodeRegistered("xyz", "g", testSubmitter, testTime)
	assert.ErrorIs(t, err, ledger.ErrMalformedLog)
}

func TestSeenSetBounded(t *testing.T) {
	s := ledger.NewSeenSet(3)
	key := func(i uint) ledger.EventKey {
		return ledger.EventKey{TxHash: "aa", LogIndex: i}
	}
	assert.True(t, s.Add(key(1)))
	assert.False(t, s.Add(key(1)))
	s.Add(key(2))
	s.Add(key(3))
	// Refresh 1 so 2 becomes the oldest
	assert.True(t, s.Contains(key(1)))
	s.Add(key(4))
	assert.Equal(t, 3, s.Len())
	assert.False(t, s.Contains(key(2)))
	assert.True(t, s.Contains(key(1)))
	s.Remove(key(1))
	assert.False(t, s.Contains(key(1)))
	assert.Equal(t, 2, s.Len())
}
