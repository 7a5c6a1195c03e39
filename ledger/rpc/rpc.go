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

// Package rpc implements ledger.Client on top of an Ethereum JSON-RPC node
// reached over WebSocket
package rpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/civicchain/gipe/grievance"
	"github.com/civicchain/gipe/ledger"
)

const (
	DefaultCallTimeout = 10 * time.Second

	liveBuffer = 256
)

var (
	ErrMissingURL      = errors.New("ledger rpc: missing URL")
	ErrInvalidContract = errors.New("ledger rpc: invalid contract address")
)

type Config struct {
	Logger *slog.Logger
	URL    string
	// Contract restricts logs to a single contract address. Empty matches
	// any address.
	Contract    string
	CallTimeout time.Duration
}

type Client struct {
	config Config
	query  ethereum.FilterQuery
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	if cfg.Contract != "" && !common.IsHexAddress(cfg.Contract) {
		return nil, ErrInvalidContract
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	cfg.Logger = cfg.Logger.With("component", "ledger-rpc")
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	c := &Client{
		config: cfg,
		query: ethereum.FilterQuery{
			Topics: [][]common.Hash{ledger.Topics()},
		},
	}
	if cfg.Contract != "" {
		c.query.Addresses = []common.Address{common.HexToAddress(cfg.Contract)}
	}
	return c, nil
}

// Subscribe dials the node, installs a log subscription and, when requested,
// fetches historical logs. The live subscription is installed first so no
// log falls between history and live delivery. The passed context bounds the
// whole setup.
func (c *Client) Subscribe(
	ctx context.Context,
	opts ledger.SubscribeOptions,
) (ledger.Subscription, error) {
	client, err := ethclient.DialContext(ctx, c.config.URL)
	if err != nil {
		return nil, unavailable("dial ledger", err)
	}
	live := make(chan types.Log, liveBuffer)
	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()
	ethSub, err := client.SubscribeFilterLogs(callCtx, c.query, live)
	if err != nil {
		client.Close()
		return nil, unavailable("subscribe logs", err)
	}
	var history []types.Log
	if opts.FromBlock != nil {
		query := c.query
		query.FromBlock = new(big.Int).SetUint64(*opts.FromBlock)
		history, err = client.FilterLogs(callCtx, query)
		if err != nil {
			ethSub.Unsubscribe()
			client.Close()
			return nil, unavailable("fetch logs", err)
		}
	}
	sub := &subscription{
		client: client,
		sub:    ethSub,
		live:   live,
		logs:   make(chan ledger.Log),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		logger: c.config.Logger,
	}
	sub.wg.Add(1)
	go sub.pump(history)
	return sub, nil
}

func unavailable(op string, err error) error {
	return grievance.NewError(grievance.KindLedgerUnavailable, op, err)
}

type subscription struct {
	client    *ethclient.Client
	sub       ethereum.Subscription
	live      chan types.Log
	logs      chan ledger.Log
	errs      chan error
	done      chan struct{}
	logger    *slog.Logger
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (s *subscription) Logs() <-chan ledger.Log {
	return s.logs
}

func (s *subscription) Err() <-chan error {
	return s.errs
}

// Unsubscribe removes the remote subscription and closes the connection
func (s *subscription) Unsubscribe() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.sub.Unsubscribe()
		s.wg.Wait()
		s.client.Close()
	})
}

// pump delivers historical logs followed by live logs until the
// subscription ends
func (s *subscription) pump(history []types.Log) {
	defer s.wg.Done()
	defer close(s.logs)
	for _, tmpLog := range history {
		if !s.deliver(tmpLog) {
			return
		}
	}
	for {
		select {
		case <-s.done:
			return
		case err, ok := <-s.sub.Err():
			// The error channel is closed on a local unsubscribe
			if ok && err != nil {
				s.errs <- unavailable("read ledger", err)
			}
			return
		case tmpLog := <-s.live:
			if !s.deliver(tmpLog) {
				return
			}
		}
	}
}

func (s *subscription) deliver(tmpLog types.Log) bool {
	select {
	case s.logs <- convertLog(tmpLog):
		return true
	case <-s.done:
		return false
	}
}

func convertLog(l types.Log) ledger.Log {
	topics := make([]string, 0, len(l.Topics))
	for _, topic := range l.Topics {
		topics = append(topics, topic.Hex())
	}
	return ledger.Log{
		Address:     strings.ToLower(l.Address.Hex()),
		Topics:      topics,
		Data:        l.Data,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash.Hex(),
		LogIndex:    l.Index,
		Removed:     l.Removed,
	}
}
