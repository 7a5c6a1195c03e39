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

package relay_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/civicchain/gipe/event"
	"github.com/civicchain/gipe/ledger"
	"github.com/civicchain/gipe/relay"
)

func dialRelay(t *testing.T, ctx context.Context, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func TestWebSocketProtocol(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newRelay(t, relay.Config{})
	srv := httptest.NewServer(r)
	defer srv.Close()
	defer r.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialRelay(t, ctx, srv)
	defer conn.CloseNow()

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "subscribe", "grievanceId": "g1"}))
	ack := readMessage(t, ctx, conn)
	assert.Equal(t, "ack", ack["type"])
	assert.Equal(t, "subscribe", ack["command"])
	assert.Equal(t, "grievance:g1", ack["channel"])

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "subscribe", "target": "global"}))
	assert.Equal(t, "ack", readMessage(t, ctx, conn)["type"])

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readMessage(t, ctx, conn)["type"])

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "dance"}))
	assert.Equal(t, "error", readMessage(t, ctx, conn)["type"])

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))
	assert.Equal(t, "error", readMessage(t, ctx, conn)["type"])

	evt := ledger.ChainEvent{
		Timestamp:   time.Unix(1700000000, 0).UTC(),
		Payload:     ledger.Registered{GrievanceID: "g1", Submitter: "0xabc"},
		SubjectHash: strings.Repeat("a", 64),
		TxHash:      "beef",
		BlockNumber: 42,
	}
	assert.Equal(t, 1, r.Broadcast(event.GlobalChannel, relay.NewEventMessage(evt, "g1")))
	assert.Equal(t, 1, r.Broadcast(event.GrievanceChannel("g1"), relay.NewConfirmationMessage("g1", evt)))

	var eventMsg relay.EventMessage
	require.NoError(t, wsjson.Read(ctx, conn, &eventMsg))
	assert.Equal(t, "event", eventMsg.Type)
	assert.Equal(t, ledger.KindRegistered, eventMsg.Event)
	assert.Equal(t, "g1", eventMsg.Payload.GrievanceID)
	assert.Equal(t, uint64(42), eventMsg.Payload.BlockNumber)

	var confirmation relay.ConfirmationMessage
	require.NoError(t, wsjson.Read(ctx, conn, &confirmation))
	assert.Equal(t, "confirmation", confirmation.Type)
	assert.Equal(t, "beef", confirmation.TransactionHash)
	assert.Equal(t, strings.Repeat("a", 64), confirmation.ContentHash)

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "unsubscribe", "grievanceId": "g1"}))
	assert.Equal(t, "ack", readMessage(t, ctx, conn)["type"])
	assert.Equal(t, 0, r.Broadcast(event.GrievanceChannel("g1"), relay.PongMessage{Type: "pong"}))

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool {
		return r.ConnectedClients() == 0
	}, waitFor, time.Millisecond)
}

func TestWebSocketMessageShapes(t *testing.T) {
	evt := ledger.ChainEvent{
		Payload:     ledger.StatusUpdated{OldStatus: "pending", NewStatus: "resolved", Updater: "0x1"},
		SubjectHash: "aa",
		TxHash:      "bb",
	}
	data, err := json.Marshal(relay.NewEventMessage(evt, ""))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "event", decoded["type"])
	assert.Equal(t, "statusUpdated", decoded["event"])
	payload := decoded["payload"].(map[string]any)
	assert.Equal(t, "resolved", payload["newStatus"])
	assert.NotContains(t, payload, "grievanceId")
}
