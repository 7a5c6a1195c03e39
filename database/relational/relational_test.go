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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresDSN(t *testing.T) {
	testDefs := []struct {
		name     string
		opts     []OptionFunc
		expected string
	}{
		{
			name:     "defaults",
			expected: "host=localhost user=postgres password= dbname=postgres port=5432 sslmode=disable TimeZone=UTC",
		},
		{
			name: "explicit",
			opts: []OptionFunc{
				WithHost("db.internal"),
				WithPort(6543),
				WithUser("gipe"),
				WithPassword("secret"),
				WithDatabase("grievances"),
				WithSSLMode("require"),
				WithTimeZone("Asia/Kolkata"),
			},
			expected: "host=db.internal user=gipe password=secret dbname=grievances port=6543 sslmode=require TimeZone=Asia/Kolkata",
		},
		{
			name: "dsn wins",
			opts: []OptionFunc{
				WithHost("ignored"),
				WithDSN("  postgres://gipe@db/grievances  "),
			},
			expected: "postgres://gipe@db/grievances",
		},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			s := &Store{}
			for _, opt := range testDef.opts {
				opt(s)
			}
			assert.Equal(t, testDef.expected, s.postgresDSN())
		})
	}
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(WithDriver("mysql"))
	require.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestInMemoryStoresAreIsolated(t *testing.T) {
	first, err := New()
	require.NoError(t, err)
	defer first.Close()
	second, err := New()
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.SetWatermark(t.Context(), "ledger", 10))
	_, ok, err := second.GetWatermark(t.Context(), "ledger")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSqliteDataDir(t *testing.T) {
	dir := t.TempDir()
	s, err := New(WithDataDir(dir), WithTracing(false))
	require.NoError(t, err)
	require.NoError(t, s.SetWatermark(t.Context(), "ledger", 42))
	require.NoError(t, s.Close())

	reopened, err := New(WithDataDir(dir))
	require.NoError(t, err)
	defer reopened.Close()
	block, ok, err := reopened.GetWatermark(t.Context(), "ledger")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), block)
}
