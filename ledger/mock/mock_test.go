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

package mock_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicchain/gipe/ledger"
	"github.com/civicchain/gipe/ledger/mock"
)

func TestMockReplayAndLive(t *testing.T) {
	m := mock.New()
	m.Emit(ledger.Log{BlockNumber: 1, TxHash: "0x01"})
	m.Emit(ledger.Log{BlockNumber: 5, TxHash: "0x05"})

	from := uint64(2)
	sub, err := m.Subscribe(context.Background(), ledger.SubscribeOptions{FromBlock: &from})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	replayed := <-sub.Logs()
	assert.Equal(t, "0x05", replayed.TxHash)

	m.Emit(ledger.Log{BlockNumber: 6, TxHash: "0x06"})
	live := <-sub.Logs()
	assert.Equal(t, "0x06", live.TxHash)
	assert.Equal(t, 1, m.ActiveSubscriptions())
}

func TestMockFailures(t *testing.T) {
	m := mock.New()
	m.FailNextSubscribes(1)
	_, err := m.Subscribe(context.Background(), ledger.SubscribeOptions{})
	require.ErrorIs(t, err, mock.ErrInjected)

	sub, err := m.Subscribe(context.Background(), ledger.SubscribeOptions{})
	require.NoError(t, err)
	m.Fail(nil)
	assert.ErrorIs(t, <-sub.Err(), mock.ErrInjected)
	_, ok := <-sub.Logs()
	assert.False(t, ok)
	assert.Equal(t, 0, m.ActiveSubscriptions())
	assert.Equal(t, 2, m.SubscribeCalls())
	// Unsubscribe after failure is harmless
	sub.Unsubscribe()
}
