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

package models

import (
	"time"

	"github.com/civicchain/gipe/grievance"
)

// MigrateModels contains a list of model objects that should have DB migrations applied
var MigrateModels = []any{
	&IntegrityRecord{},
	&Snapshot{},
	&Watermark{},
}

// Snapshot is the scoring view of a grievance kept so that periodic sweeps can
// rescore without calling back into the persistence layer
type Snapshot struct {
	SubmittedAt time.Time `json:"submittedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	GrievanceID string    `gorm:"primaryKey;size:255" json:"grievanceId"`
	Category    string    `gorm:"size:255" json:"category"`
	SubmitterID string    `gorm:"size:255" json:"submitterId"`
	Status      string    `gorm:"size:32;index;not null" json:"status"`
	Severity    int       `json:"severity"`
	Upvotes     int       `json:"upvotes"`
}

func (Snapshot) TableName() string {
	return "grievance_snapshot"
}

// NewSnapshot builds a snapshot from the scoring view of a grievance
func NewSnapshot(g grievance.Grievance) Snapshot {
	return Snapshot{
		GrievanceID: g.ID,
		Category:    g.Category,
		SubmitterID: g.SubmitterID,
		Status:      string(g.Status),
		Severity:    g.Severity,
		Upvotes:     g.Upvotes,
		SubmittedAt: g.CreatedAt.UTC(),
	}
}

func (s Snapshot) Grievance() grievance.Grievance {
	return grievance.Grievance{
		ID:          s.GrievanceID,
		Category:    s.Category,
		SubmitterID: s.SubmitterID,
		Status:      grievance.Status(s.Status),
		Severity:    s.Severity,
		Upvotes:     s.Upvotes,
		CreatedAt:   s.SubmittedAt,
	}
}

// IntegrityRecord tracks the anchoring state of one grievance. The content
// hash is unique so that ledger events can be mapped back to a grievance.
type IntegrityRecord struct {
	LastCheckedAt   time.Time `json:"lastCheckedAt"`
	CreatedAt       time.Time `json:"createdAt"`
	TransactionHash *string   `gorm:"size:66" json:"transactionHash,omitempty"`
	BlockNumber     *uint64   `json:"blockNumber,omitempty"`
	GrievanceID     string    `gorm:"primaryKey;size:255" json:"grievanceId"`
	ContentHash     string    `gorm:"size:64;uniqueIndex;not null" json:"contentHash"`
	AnchoredStatus  string    `gorm:"size:32" json:"anchoredStatus,omitempty"`
	Verified        bool      `json:"verified"`
	Tampered        bool      `json:"tampered"`
}

func (IntegrityRecord) TableName() string {
	return "integrity_record"
}

// Anchored returns true once a Registered event has been matched to the record
func (r IntegrityRecord) Anchored() bool {
	return r.TransactionHash != nil
}

// Watermark stores the last ledger block whose events were fully handled
type Watermark struct {
	UpdatedAt   time.Time `json:"updatedAt"`
	Name        string    `gorm:"primaryKey;size:64" json:"name"`
	BlockNumber uint64    `gorm:"not null" json:"blockNumber"`
}

func (Watermark) TableName() string {
	return "ledger_watermark"
}
