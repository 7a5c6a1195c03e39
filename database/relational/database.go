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

// Package relational implements the engine store on top of gorm, backed by
// either sqlite or Postgres.
package relational

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/civicchain/gipe/database/models"
)

const (
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"

	sqliteFileName = "gipe.sqlite"
)

var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Store keeps snapshots, integrity records and watermarks in a SQL database
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	driver  string
	dataDir string
	tracing bool

	host     string
	port     uint
	user     string
	password string
	database string
	sslMode  string
	timeZone string
	dsn      string // Data source name (postgres connection string)
}

// New opens the database and applies schema migrations
func New(opts ...OptionFunc) (*Store, error) {
	s := &Store{tracing: true}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s.logger = s.logger.With("component", "database")
	if s.driver == "" {
		s.driver = DriverSqlite
	}
	var err error
	switch s.driver {
	case DriverSqlite:
		err = s.openSqlite()
	case DriverPostgres:
		err = s.openPostgres()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, s.driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.init(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
		TranslateError:         true,
	}
}

func (s *Store) openSqlite() error {
	if s.dataDir == "" {
		// Each in-memory store gets its own named database so that stores in
		// the same process do not share tables
		dsn := fmt.Sprintf(
			"file:%s?mode=memory&cache=shared",
			uuid.NewString(),
		)
		db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
		if err != nil {
			return err
		}
		s.db = db
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		// The database disappears with its last connection
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(0)
		sqlDB.SetConnMaxIdleTime(0)
		return nil
	}
	// Make sure that we can read data dir, and create if it doesn't exist
	if _, err := os.Stat(s.dataDir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to read data dir: %w", err)
		}
		if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	dbPath := filepath.Join(s.dataDir, sqliteFileName)
	connOpts := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := gorm.Open(
		sqlite.Open(fmt.Sprintf("file:%s?%s", dbPath, connOpts)),
		gormConfig(),
	)
	if err != nil {
		return err
	}
	s.db = db
	s.logger.Info("opened sqlite store", "path", dbPath)
	return nil
}

// postgresDSN returns the configured DSN, or builds one from the individual
// connection options with defaults applied
func (s *Store) postgresDSN() string {
	if dsn := strings.TrimSpace(s.dsn); dsn != "" {
		return dsn
	}
	if s.host == "" {
		s.host = "localhost"
	}
	if s.port == 0 {
		s.port = 5432
	}
	if s.user == "" {
		s.user = "postgres"
	}
	if s.database == "" {
		s.database = "postgres"
	}
	if s.sslMode == "" {
		s.sslMode = "disable"
	}
	if s.timeZone == "" {
		s.timeZone = "UTC"
	}
	parts := []string{
		"host=" + s.host,
		"user=" + s.user,
		"password=" + s.password,
		"dbname=" + s.database,
		"port=" + strconv.FormatUint(uint64(s.port), 10),
		"sslmode=" + s.sslMode,
		"TimeZone=" + s.timeZone,
	}
	return strings.Join(parts, " ")
}

func (s *Store) openPostgres() error {
	cfg := gormConfig()
	cfg.PrepareStmt = true
	db, err := gorm.Open(postgres.Open(s.postgresDSN()), cfg)
	if err != nil {
		return err
	}
	s.db = db
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	s.logger.Info(
		"connected to postgres store",
		"host", s.host,
		"port", s.port,
		"database", s.database,
	)
	return nil
}

func (s *Store) init() error {
	// Configure tracing for GORM
	if s.tracing {
		if err := s.db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return err
		}
	}
	for _, model := range models.MigrateModels {
		s.logger.Debug(fmt.Sprintf("creating table: %T", model))
		if err := s.db.AutoMigrate(model); err != nil {
			return fmt.Errorf("migrate %T: %w", model, err)
		}
	}
	return nil
}

// DB returns the underlying GORM database handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get database handle: %w", err)
	}
	return sqlDB.Close()
}
