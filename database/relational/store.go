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
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/civicchain/gipe/database/models"
	"github.com/civicchain/gipe/database/types"
	"github.com/civicchain/gipe/grievance"
)

// PutSnapshot inserts a snapshot, or replaces it if it already exists
func (s *Store) PutSnapshot(ctx context.Context, snap models.Snapshot) error {
	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "grievance_id"}},
		UpdateAll: true,
	}
	result := s.db.WithContext(ctx).Clauses(onConflict).Create(&snap)
	if result.Error != nil {
		return fmt.Errorf("put snapshot %s: %w", snap.GrievanceID, result.Error)
	}
	return nil
}

func (s *Store) GetSnapshot(
	ctx context.Context,
	grievanceID string,
) (models.Snapshot, error) {
	var ret models.Snapshot
	result := s.db.WithContext(ctx).
		Where("grievance_id = ?", grievanceID).
		First(&ret)
	if result.Error != nil {
		return ret, notFound(result.Error, "snapshot", grievanceID)
	}
	return ret, nil
}

// ListOpenSnapshots returns every snapshot whose grievance is not resolved,
// ordered by grievance id
func (s *Store) ListOpenSnapshots(ctx context.Context) ([]models.Snapshot, error) {
	var ret []models.Snapshot
	result := s.db.WithContext(ctx).
		Where("status <> ?", string(grievance.StatusResolved)).
		Order("grievance_id").
		Find(&ret)
	if result.Error != nil {
		return nil, fmt.Errorf("list snapshots: %w", result.Error)
	}
	return ret, nil
}

// CreateIntegrityRecord inserts a new record. It fails with
// types.ErrAlreadyExists if the grievance or the content hash already has one.
func (s *Store) CreateIntegrityRecord(
	ctx context.Context,
	rec models.IntegrityRecord,
) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		result := tx.Model(&models.IntegrityRecord{}).
			Where("grievance_id = ? OR content_hash = ?", rec.GrievanceID, rec.ContentHash).
			Count(&count)
		if result.Error != nil {
			return result.Error
		}
		if count > 0 {
			return types.ErrAlreadyExists
		}
		return tx.Create(&rec).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		err = types.ErrAlreadyExists
	}
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
	result := s.db.WithContext(ctx).
		Where("grievance_id = ?", grievanceID).
		First(&ret)
	if result.Error != nil {
		return ret, notFound(result.Error, "integrity record", grievanceID)
	}
	return ret, nil
}

func (s *Store) GetIntegrityRecordByHash(
	ctx context.Context,
	contentHash string,
) (models.IntegrityRecord, error) {
	var ret models.IntegrityRecord
	result := s.db.WithContext(ctx).
		Where("content_hash = ?", contentHash).
		First(&ret)
	if result.Error != nil {
		return ret, notFound(result.Error, "integrity record for hash", contentHash)
	}
	return ret, nil
}

// UpdateIntegrityRecord overwrites the mutable fields of an existing record
func (s *Store) UpdateIntegrityRecord(
	ctx context.Context,
	rec models.IntegrityRecord,
) error {
	result := s.db.WithContext(ctx).
		Model(&models.IntegrityRecord{}).
		Where("grievance_id = ?", rec.GrievanceID).
		Select(
			"content_hash",
			"transaction_hash",
			"block_number",
			"anchored_status",
			"last_checked_at",
			"verified",
			"tampered",
		).
		Updates(&rec)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return fmt.Errorf(
				"update integrity record %s: %w",
				rec.GrievanceID,
				types.ErrAlreadyExists,
			)
		}
		return fmt.Errorf("update integrity record %s: %w", rec.GrievanceID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("integrity record %s: %w", rec.GrievanceID, types.ErrNotFound)
	}
	return nil
}

// GetWatermark returns the stored block for a watermark. The boolean is false
// when nothing has been stored yet.
func (s *Store) GetWatermark(ctx context.Context, name string) (uint64, bool, error) {
	var ret models.Watermark
	result := s.db.WithContext(ctx).Where("name = ?", name).First(&ret)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get watermark %s: %w", name, result.Error)
	}
	return ret.BlockNumber, true, nil
}

func (s *Store) SetWatermark(ctx context.Context, name string, block uint64) error {
	tmpItem := models.Watermark{
		Name:        name,
		BlockNumber: block,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"block_number", "updated_at"}),
	}).Create(&tmpItem)
	if result.Error != nil {
		return fmt.Errorf("set watermark %s: %w", name, result.Error)
	}
	return nil
}

func notFound(err error, what string, key string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, key, types.ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", what, key, err)
}
