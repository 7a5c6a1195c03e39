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

// Package database selects and opens the engine store. The store keeps
// grievance scoring snapshots, integrity records and ledger watermarks.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/civicchain/gipe/database/badger"
	"github.com/civicchain/gipe/database/models"
	"github.com/civicchain/gipe/database/relational"
)

const (
	BackendSqlite   = "sqlite"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

var ErrUnknownBackend = errors.New("unknown storage backend")

// Store is the persistence interface used by the coordinator and the chain
// watcher. Lookups of missing records return an error wrapping
// types.ErrNotFound.
type Store interface {
	PutSnapshot(ctx context.Context, snap models.Snapshot) error
	GetSnapshot(ctx context.Context, grievanceID string) (models.Snapshot, error)
	ListOpenSnapshots(ctx context.Context) ([]models.Snapshot, error)
	CreateIntegrityRecord(ctx context.Context, rec models.IntegrityRecord) error
	GetIntegrityRecord(ctx context.Context, grievanceID string) (models.IntegrityRecord, error)
	GetIntegrityRecordByHash(ctx context.Context, contentHash string) (models.IntegrityRecord, error)
	UpdateIntegrityRecord(ctx context.Context, rec models.IntegrityRecord) error
	GetWatermark(ctx context.Context, name string) (uint64, bool, error)
	SetWatermark(ctx context.Context, name string, block uint64) error
	Close() error
}

// PostgresConfig holds connection settings for the postgres backend. DSN
// takes precedence over the individual fields.
type PostgresConfig struct {
	Host     string
	User     string
	Password string
	Database string
	SSLMode  string
	TimeZone string
	DSN      string
	Port     uint
}

type Config struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	Backend      string
	// DataDir holds sqlite and badger files. Empty keeps data in memory.
	DataDir  string
	Postgres PostgresConfig
	Tracing  bool
}

// New opens the configured backend. The default backend is sqlite.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendSqlite:
		store, err := relational.New(
			relational.WithDriver(relational.DriverSqlite),
			relational.WithLogger(cfg.Logger),
			relational.WithDataDir(cfg.DataDir),
			relational.WithTracing(cfg.Tracing),
		)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendPostgres:
		store, err := relational.New(
			relational.WithDriver(relational.DriverPostgres),
			relational.WithLogger(cfg.Logger),
			relational.WithTracing(cfg.Tracing),
			relational.WithHost(cfg.Postgres.Host),
			relational.WithPort(cfg.Postgres.Port),
			relational.WithUser(cfg.Postgres.User),
			relational.WithPassword(cfg.Postgres.Password),
			relational.WithDatabase(cfg.Postgres.Database),
			relational.WithSSLMode(cfg.Postgres.SSLMode),
			relational.WithTimeZone(cfg.Postgres.TimeZone),
			relational.WithDSN(cfg.Postgres.DSN),
		)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendBadger:
		store, err := badger.New(
			badger.WithLogger(cfg.Logger),
			badger.WithPromRegistry(cfg.PromRegistry),
			badger.WithDataDir(cfg.DataDir),
		)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend)
	}
}
