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
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const commandReadLimit = 4096

type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, msg any) error {
	return wsjson.Write(ctx, s.conn, msg)
}

func (s *wsSink) Close(reason string) {
	if reason == "" {
		reason = "closed"
	}
	_ = s.conn.Close(websocket.StatusNormalClosure, reason)
}

// ServeHTTP upgrades the request to a WebSocket connection and serves the
// subscription protocol until either side closes it
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: r.config.OriginPatterns,
	})
	if err != nil {
		r.config.Logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(commandReadLimit)
	id, err := r.Connect(&wsSink{conn: conn})
	if err != nil {
		status := websocket.StatusGoingAway
		if errors.Is(err, ErrTooManyClients) {
			status = websocket.StatusTryAgainLater
		}
		_ = conn.Close(status, err.Error())
		return
	}
	defer r.Disconnect(id)
	ctx := req.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			_ = r.Send(id, ErrorMessage{Type: TypeError, Message: "expected text message"})
			continue
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			_ = r.Send(id, ErrorMessage{Type: TypeError, Message: "malformed command"})
			continue
		}
		if reply := r.handleCommand(id, cmd); reply != nil {
			if err := r.Send(id, reply); err != nil {
				return
			}
		}
	}
}

// handleCommand applies a client command and returns the reply
func (r *Relay) handleCommand(id ClientID, cmd Command) any {
	switch cmd.Type {
	case CommandPing:
		return PongMessage{Type: TypePong}
	case CommandSubscribe, CommandUnsubscribe:
		channel, err := cmd.Channel()
		if err != nil {
			return ErrorMessage{Type: TypeError, Message: err.Error()}
		}
		if cmd.Type == CommandSubscribe {
			err = r.Subscribe(id, channel)
		} else {
			err = r.Unsubscribe(id, channel)
		}
		if err != nil {
			return ErrorMessage{Type: TypeError, Message: err.Error()}
		}
		return AckMessage{Type: TypeAck, Command: cmd.Type, Channel: channel}
	default:
		return ErrorMessage{
			Type:    TypeError,
			Message: "unknown command type " + cmd.Type,
		}
	}
}
