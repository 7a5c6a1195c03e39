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

package relational

import (
	"log/slog"
)

type OptionFunc func(*Store)

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger *slog.Logger) OptionFunc {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithDriver selects the SQL driver. Supported values are "sqlite" and
// "postgres".
func WithDriver(driver string) OptionFunc {
	return func(s *Store) {
		s.driver = driver
	}
}

// WithDataDir specifies the directory holding the sqlite database file. An
// empty data dir keeps the database in memory.
func WithDataDir(dataDir string) OptionFunc {
	return func(s *Store) {
		s.dataDir = dataDir
	}
}

// WithTracing enables OpenTelemetry spans for queries
func WithTracing(enabled bool) OptionFunc {
	return func(s *Store) {
		s.tracing = enabled
	}
}

// WithHost specifies the Postgres host
func WithHost(host string) OptionFunc {
	return func(s *Store) {
		s.host = host
	}
}

// WithPort specifies the Postgres port
func WithPort(port uint) OptionFunc {
	return func(s *Store) {
		s.port = port
	}
}

// WithUser specifies the Postgres user
func WithUser(user string) OptionFunc {
	return func(s *Store) {
		s.user = user
	}
}

// WithPassword specifies the Postgres password
func WithPassword(password string) OptionFunc {
	return func(s *Store) {
		s.password = password
	}
}

// WithDatabase specifies the Postgres database name
func WithDatabase(database string) OptionFunc {
	return func(s *Store) {
		s.database = database
	}
}

// WithSSLMode specifies the Postgres sslmode
func WithSSLMode(sslMode string) OptionFunc {
	return func(s *Store) {
		s.sslMode = sslMode
	}
}

// WithTimeZone specifies the Postgres TimeZone
func WithTimeZone(timeZone string) OptionFunc {
	return func(s *Store) {
		s.timeZone = timeZone
	}
}

// WithDSN specifies a full Postgres DSN string and takes precedence over
// individual connection options.
func WithDSN(dsn string) OptionFunc {
	return func(s *Store) {
		s.dsn = dsn
	}
}
