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

// Package grievance holds the grievance attributes the engine consumes from
// the persistence layer, along with the typed errors shared by every
// component.
package grievance

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusInProgress   Status = "in-progress"
	StatusResolved     Status = "resolved"
)

// Valid returns true if the Status is one of the known grievance states
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAcknowledged, StatusInProgress, StatusResolved:
		return true
	default:
		return false
	}
}

// Open returns true for any status other than resolved
func (s Status) Open() bool {
	return s != StatusResolved
}

// Grievance is the scoring view of a grievance record. Content fields needed
// for hashing live in Content.
type Grievance struct {
	CreatedAt   time.Time
	ID          string
	Category    string
	SubmitterID string
	Status      Status
	Severity    int
	Upvotes     int
}

// Content is the subset of a grievance that is anchored on the ledger
type Content struct {
	CreatedAt   time.Time `json:"createdAt"`
	GrievanceID string    `json:"grievanceId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	SubmitterID string    `json:"submitterId"`
}

// Validate rejects content that cannot be hashed unambiguously. Invalid
// UTF-8 would be replaced during serialization, so distinct inputs could
// share a digest.
func (c Content) Validate() error {
	fields := []struct {
		name  string
		value string
	}{
		{"grievanceId", c.GrievanceID},
		{"title", c.Title},
		{"description", c.Description},
		{"submitterId", c.SubmitterID},
	}
	for _, field := range fields {
		if !utf8.ValidString(field.value) {
			return NewError(
				KindInvalidInput,
				"validate content",
				fmt.Errorf("%w: %s", ErrInvalidEncoding, field.name),
			)
		}
	}
	return nil
}

type MutationKind string

const (
	MutationCreated MutationKind = "created"
	MutationUpdated MutationKind = "updated"
)

// Mutation is the "grievance created/updated" notification sent by the
// persistence layer. Content is required on creation and optional afterwards;
// when present on an update it triggers a tamper check against the stored hash.
type Mutation struct {
	CreatedAt   time.Time    `json:"createdAt"`
	Content     *Content     `json:"content,omitempty"`
	Kind        MutationKind `json:"kind"`
	GrievanceID string       `json:"grievanceId"`
	Category    string       `json:"category"`
	SubmitterID string       `json:"submitterId,omitempty"`
	Status      Status       `json:"status"`
	Severity    int          `json:"severity"`
	Upvotes     int          `json:"upvotes"`
}

// Validate checks the fields the engine cannot repair by clamping
func (m Mutation) Validate() error {
	const op = "validate mutation"
	if strings.TrimSpace(m.GrievanceID) == "" {
		return NewError(KindInvalidInput, op, ErrMissingID)
	}
	if !m.Status.Valid() {
		return NewError(
			KindInvalidInput,
			op,
			fmt.Errorf("%w: %q", ErrInvalidStatus, m.Status),
		)
	}
	if m.CreatedAt.IsZero() {
		return NewError(KindInvalidInput, op, ErrMissingCreatedAt)
	}
	if m.Content != nil {
		if err := m.Content.Validate(); err != nil {
			return err
		}
	}
	if m.Content != nil && m.Content.GrievanceID != "" &&
		m.Content.GrievanceID != m.GrievanceID {
		return NewError(
			KindInvalidInput,
			op,
			fmt.Errorf(
				"%w: content for %q attached to %q",
				ErrContentMismatch,
				m.Content.GrievanceID,
				m.GrievanceID,
			),
		)
	}
	return nil
}

// Grievance returns the scoring view described by the mutation
func (m Mutation) Grievance() Grievance {
	return Grievance{
		ID:          m.GrievanceID,
		Category:    m.Category,
		SubmitterID: m.SubmitterID,
		Status:      m.Status,
		Severity:    m.Severity,
		Upvotes:     m.Upvotes,
		CreatedAt:   m.CreatedAt,
	}
}

// NormalizedContent fills the identifying fields of the attached content
// from the mutation so callers may omit them
func (m Mutation) NormalizedContent() (Content, bool) {
	if m.Content == nil {
		return Content{}, false
	}
	c := *m.Content
	if c.GrievanceID == "" {
		c.GrievanceID = m.GrievanceID
	}
	if c.SubmitterID == "" {
		c.SubmitterID = m.SubmitterID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.CreatedAt
	}
	return c, true
}
