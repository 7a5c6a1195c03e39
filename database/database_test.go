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

package database_test

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicchain/gipe/database"
	"github.com/civicchain/gipe/database/models"
	"github.com/civicchain/gipe/database/types"
	"github.com/civicchain/gipe/grievance"
)

const (
	hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// forEachBackend runs fn against a fresh in-memory store of every embedded
// backend
func forEachBackend(t *testing.T, fn func(t *testing.T, store database.Store)) {
	for _, backend := range []string{database.BackendSqlite, database.BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			store, err := database.New(database.Config{Backend: backend})
			require.NoError(t, err)
			defer store.Close()
			fn(t, store)
		})
	}
}

func TestSnapshots(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store database.Store) {
		ctx := t.Context()
		createdAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		g := grievance.Grievance{
			ID:          "g1",
			Category:    "roads",
			SubmitterID: "u1",
			Status:      grievance.StatusPending,
			Severity:    8,
			Upvotes:     12,
			CreatedAt:   createdAt,
		}
		_, err := store.GetSnapshot(ctx, "g1")
		require.ErrorIs(t, err, types.ErrNotFound)

		require.NoError(t, store.PutSnapshot(ctx, models.NewSnapshot(g)))
		snap, err := store.GetSnapshot(ctx, "g1")
		require.NoError(t, err)
		got := snap.Grievance()
		assert.True(t, createdAt.Equal(got.CreatedAt))
		got.CreatedAt = createdAt
		assert.Equal(t, g, got)

		// Upsert replaces the existing row
		g.Upvotes = 40
		g.Status = grievance.StatusInProgress
		require.NoError(t, store.PutSnapshot(ctx, models.NewSnapshot(g)))
		snap, err = store.GetSnapshot(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, 40, snap.Upvotes)
		assert.Equal(t, string(grievance.StatusInProgress), snap.Status)

		resolved := g
		resolved.ID = "g0"
		resolved.Status = grievance.StatusResolved
		require.NoError(t, store.PutSnapshot(ctx, models.NewSnapshot(resolved)))
		other := g
		other.ID = "g2"
		require.NoError(t, store.PutSnapshot(ctx, models.NewSnapshot(other)))

		open, err := store.ListOpenSnapshots(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(open))
		for _, s := range open {
			ids = append(ids, s.GrievanceID)
		}
		assert.Equal(t, []string{"g1", "g2"}, ids)
	})
}

func TestIntegrityRecords(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store database.Store) {
		ctx := t.Context()
		rec := models.IntegrityRecord{
			GrievanceID:   "g1",
			ContentHash:   hashA,
			LastCheckedAt: time.Now().UTC(),
		}
		require.NoError(t, store.CreateIntegrityRecord(ctx, rec))

		// One record per grievance and per content hash
		dupID := rec
		dupID.ContentHash = hashB
		require.ErrorIs(t, store.CreateIntegrityRecord(ctx, dupID), types.ErrAlreadyExists)
		dupHash := rec
		dupHash.GrievanceID = "g2"
		require.ErrorIs(t, store.CreateIntegrityRecord(ctx, dupHash), types.ErrAlreadyExists)

		got, err := store.GetIntegrityRecord(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, hashA, got.ContentHash)
		assert.False(t, got.Anchored())
		assert.False(t, got.Verified)

		byHash, err := store.GetIntegrityRecordByHash(ctx, hashA)
		require.NoError(t, err)
		assert.Equal(t, "g1", byHash.GrievanceID)

		txHash := "0xabc"
		block := uint64(77)
		got.TransactionHash = &txHash
		got.BlockNumber = &block
		got.Verified = true
		got.AnchoredStatus = "resolved"
		require.NoError(t, store.UpdateIntegrityRecord(ctx, got))

		updated, err := store.GetIntegrityRecord(ctx, "g1")
		require.NoError(t, err)
		require.NotNil(t, updated.TransactionHash)
		require.NotNil(t, updated.BlockNumber)
		assert.Equal(t, txHash, *updated.TransactionHash)
		assert.Equal(t, block, *updated.BlockNumber)
		assert.True(t, updated.Verified)
		assert.False(t, updated.Tampered)
		assert.Equal(t, "resolved", updated.AnchoredStatus)

		_, err = store.GetIntegrityRecord(ctx, "missing")
		require.ErrorIs(t, err, types.ErrNotFound)
		_, err = store.GetIntegrityRecordByHash(ctx, hashB)
		require.ErrorIs(t, err, types.ErrNotFound)
		missing := rec
		missing.GrievanceID = "missing"
		missing.ContentHash = hashB
		require.ErrorIs(t, store.UpdateIntegrityRecord(ctx, missing), types.ErrNotFound)
	})
}

func TestWatermarks(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store database.Store) {
		ctx := t.Context()
		_, ok, err := store.GetWatermark(ctx, "ledger")
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, store.SetWatermark(ctx, "ledger", 100))
		require.NoError(t, store.SetWatermark(ctx, "ledger", 101))
		require.NoError(t, store.SetWatermark(ctx, "other", 5))
		block, ok, err := store.GetWatermark(ctx, "ledger")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint64(101), block)
	})
}

func TestConcurrentWrites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store database.Store) {
		ctx := t.Context()
		var wg sync.WaitGroup
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				g := grievance.Grievance{
					ID:        string(rune('a' + i)),
					Status:    grievance.StatusPending,
					CreatedAt: time.Now(),
				}
				assert.NoError(t, store.PutSnapshot(ctx, models.NewSnapshot(g)))
			}()
		}
		wg.Wait()
		open, err := store.ListOpenSnapshots(ctx)
		require.NoError(t, err)
		assert.Len(t, open, 16)
	})
}

func TestPersistentBackends(t *testing.T) {
	for _, backend := range []string{database.BackendSqlite, database.BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			store, err := database.New(database.Config{Backend: backend, DataDir: dir})
			require.NoError(t, err)
			require.NoError(t, store.CreateIntegrityRecord(t.Context(), models.IntegrityRecord{
				GrievanceID: "g1",
				ContentHash: hashA,
			}))
			require.NoError(t, store.Close())

			store, err = database.New(database.Config{Backend: backend, DataDir: dir})
			require.NoError(t, err)
			defer store.Close()
			rec, err := store.GetIntegrityRecordByHash(t.Context(), hashA)
			require.NoError(t, err)
			assert.Equal(t, "g1", rec.GrievanceID)
		})
	}
}

func TestBadgerMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	store, err := database.New(database.Config{
		Backend:      database.BackendBadger,
		PromRegistry: registry,
	})
	require.NoError(t, err)
	defer store.Close()
	count, err := testutil.GatherAndCount(
		registry,
		"gipe_badger_lsm_size_bytes",
		"gipe_badger_vlog_size_bytes",
	)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestUnknownBackend(t *testing.T) {
	_, err := database.New(database.Config{Backend: "etcd"})
	require.ErrorIs(t, err, database.ErrUnknownBackend)
}
