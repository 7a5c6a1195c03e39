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

package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/civicchain/gipe/database/models"
	"github.com/civicchain/gipe/database/types"
	"github.com/civicchain/gipe/grievance"
)

const (
	snapshotKeyPrefix  = "snapshot/"
	integrityKeyPrefix = "integrity/"
	hashKeyPrefix      = "hash/"
	watermarkKeyPrefix = "watermark/"
)

func snapshotKey(grievanceID string) []byte {
	return []byte(snapshotKeyPrefix + grievanceID)
}

func integrityKey(grievanceID string) []byte {
	return []byte(integrityKeyPrefix + grievanceID)
}

func hashKey(contentHash string) []byte {
	return []byte(hashKeyPrefix + contentHash)
}

func watermarkKey(name string) []byte {
	return []byte(watermarkKeyPrefix + name)
}

// PutSnapshot inserts a snapshot, or replaces it if it already exists
func (s *Store) PutSnapshot(ctx context.Context, snap models.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(snap.GrievanceID), data)
	})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", snap.GrievanceID, err)
	}
	return nil
}

func (s *Store) GetSnapshot(
	ctx context.Context,
	grievanceID string,
) (models.Snapshot, error) {
	var ret models.Snapshot
	if err := ctx.Err(); err != nil {
		return ret, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, snapshotKey(grievanceID), &ret)
	})
	if err != nil {
		return ret, fmt.Errorf("snapshot %s: %w", grievanceID, err)
	}
	return ret, nil
}

// ListOpenSnapshots returns every snapshot whose grievance is not resolved,
// ordered by grievance id
func (s *Store) ListOpenSnapshots(ctx context.Context) ([]models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ret []models.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(snapshotKeyPrefix)
		itOpts := badger.DefaultIteratorOptions
		itOpts.Prefix = prefix
		it := txn.NewIterator(itOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var snap models.Snapshot
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			})
			if err != nil {
				return err
			}
			if grievance.Status(snap.Status) == grievance.StatusResolved {
				continue
			}
			ret = append(ret, snap)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return ret, nil
}

// CreateIntegrityRecord inserts a new record. It fails with
// types.ErrAlreadyExists if the grievance or the content hash already has one.
func (s *Store) CreateIntegrityRecord(
	ctx context.Context,
	rec models.IntegrityRecord,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range [][]byte{
			integrityKey(rec.GrievanceID),
			hashKey(rec.ContentHash),
		} {
			_, err := txn.Get(key)
			if err == nil {
				return types.ErrAlreadyExists
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		if err := txn.Set(integrityKey(rec.GrievanceID), data); err != nil {
			return err
		}
		return txn.Set(hashKey(rec.ContentHash), []byte(rec.GrievanceID))
	})
	if err != nil {
		return fmt.Errorf("create integrity record %s: %w", rec.GrievanceID, err)
	}
	return nil
}

func (s *Store) GetIntegrityRecord(
	ctx context.Context,
	grievanceID string,
) (models.IntegrityRecord, error) {
	var ret models.IntegrityRecord
	if err := ctx.Err(); err != nil {
		return ret, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, integrityKey(grievanceID), &ret)
	})
	if err != nil {
		return ret, fmt.Errorf("integrity record %s: %w", grievanceID, err)
	}
	return ret, nil
}

func (s *Store) GetIntegrityRecordByHash(
	ctx context.Context,
	contentHash string,
) (models.IntegrityRecord, error) {
	var ret models.IntegrityRecord
	if err := ctx.Err(); err != nil {
		return ret, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(hashKey(contentHash))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return types.ErrNotFound
			}
			return err
		}
		grievanceID, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, integrityKey(string(grievanceID)), &ret)
	})
	if err != nil {
		return ret, fmt.Errorf("integrity record for hash %s: %w", contentHash, err)
	}
	return ret, nil
}

// UpdateIntegrityRecord overwrites an existing record, moving the hash index
// entry if the content hash changed
func (s *Store) UpdateIntegrityRecord(
	ctx context.Context,
	rec models.IntegrityRecord,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		var current models.IntegrityRecord
		if err := getJSON(txn, integrityKey(rec.GrievanceID), &current); err != nil {
			return err
		}
		rec.CreatedAt = current.CreatedAt
		if current.ContentHash != rec.ContentHash {
			_, err := txn.Get(hashKey(rec.ContentHash))
			if err == nil {
				return types.ErrAlreadyExists
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Delete(hashKey(current.ContentHash)); err != nil {
				return err
			}
			if err := txn.Set(hashKey(rec.ContentHash), []byte(rec.GrievanceID)); err != nil {
				return err
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(integrityKey(rec.GrievanceID), data)
	})
	if err != nil {
		return fmt.Errorf("update integrity record %s: %w", rec.GrievanceID, err)
	}
	return nil
}

// GetWatermark returns the stored block for a watermark. The boolean is false
// when nothing has been stored yet.
func (s *Store) GetWatermark(ctx context.Context, name string) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	var block uint64
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(watermarkKey(name))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("watermark %s: invalid value length %d", name, len(val))
			}
			block = binary.BigEndian.Uint64(val)
			found = true
			return nil
		})
	})
	if err != nil {
		return 0, false, fmt.Errorf("get watermark %s: %w", name, err)
	}
	return block, found, nil
}

func (s *Store) SetWatermark(ctx context.Context, name string, block uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val := binary.BigEndian.AppendUint64(nil, block)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(watermarkKey(name), val)
	})
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", name, err)
	}
	return nil
}

func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return types.ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}
