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

package grievance_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicchain/gipe/grievance"
)

func validMutation() grievance.Mutation {
	return grievance.Mutation{
		Kind:        grievance.MutationCreated,
		GrievanceID: "g1",
		Category:    "roads",
		SubmitterID: "u1",
		Status:      grievance.StatusPending,
		Severity:    5,
		CreatedAt:   time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestMutationValidate(t *testing.T) {
	testDefs := []struct {
		name   string
		mutate func(*grievance.Mutation)
		target error
	}{
		{name: "valid", mutate: func(*grievance.Mutation) {}},
		{
			name:   "missing id",
			mutate: func(m *grievance.Mutation) { m.GrievanceID = "  " },
			target: grievance.ErrMissingID,
		},
		{
			name:   "bad status",
			mutate: func(m *grievance.Mutation) { m.Status = "closed" },
			target: grievance.ErrInvalidStatus,
		},
		{
			name:   "missing created at",
			mutate: func(m *grievance.Mutation) { m.CreatedAt = time.Time{} },
			target: grievance.ErrMissingCreatedAt,
		},
		{
			name: "content for another grievance",
			mutate: func(m *grievance.Mutation) {
				m.Content = &grievance.Content{GrievanceID: "g2"}
			},
			target: grievance.ErrContentMismatch,
		},
		{
			name: "content with invalid utf-8",
			mutate: func(m *grievance.Mutation) {
				m.Content = &grievance.Content{Description: "pothole \xff"}
			},
			target: grievance.ErrInvalidEncoding,
		},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			m := validMutation()
			testDef.mutate(&m)
			err := m.Validate()
			if testDef.target == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, testDef.target)
			assert.True(t, grievance.IsKind(err, grievance.KindInvalidInput))
		})
	}
}

func TestContentValidateEncoding(t *testing.T) {
	valid := grievance.Content{
		GrievanceID: "g1",
		Title:       "Straßenlaterne defekt",
		Description: "पानी की आपूर्ति बंद",
		SubmitterID: "u1",
	}
	require.NoError(t, valid.Validate())
	// Both would serialize to the same replacement character
	for _, desc := range []string{"pothole \xff", "pothole \xfe"} {
		c := valid
		c.Description = desc
		err := c.Validate()
		require.ErrorIs(t, err, grievance.ErrInvalidEncoding)
		assert.True(t, grievance.IsKind(err, grievance.KindInvalidInput))
	}
	bad := valid
	bad.Title = string([]byte{0xc3, 0x28})
	assert.ErrorIs(t, bad.Validate(), grievance.ErrInvalidEncoding)
}

func TestNormalizedContentFillsIdentity(t *testing.T) {
	m := validMutation()
	_, ok := m.NormalizedContent()
	assert.False(t, ok)

	m.Content = &grievance.Content{Title: "Pothole", Description: "Deep"}
	c, ok := m.NormalizedContent()
	require.True(t, ok)
	assert.Equal(t, "g1", c.GrievanceID)
	assert.Equal(t, "u1", c.SubmitterID)
	assert.Equal(t, m.CreatedAt, c.CreatedAt)
	// The mutation's own content pointer is left alone
	assert.Empty(t, m.Content.GrievanceID)
}

func TestErrorKindSurvivesWrapping(t *testing.T) {
	base := grievance.NewError(
		grievance.KindLedgerUnavailable,
		"subscribe",
		errors.New("dial tcp: refused"),
	)
	wrapped := fmt.Errorf("watcher: %w", base)
	assert.Equal(t, grievance.KindLedgerUnavailable, grievance.KindOf(wrapped))
	assert.False(t, grievance.IsKind(wrapped, grievance.KindIntegrity))
	assert.Equal(
		t,
		grievance.ErrorKind(0),
		grievance.KindOf(errors.New("plain")),
	)
	assert.Contains(t, wrapped.Error(), "LedgerUnavailable")
}

func TestStatusOpen(t *testing.T) {
	assert.True(t, grievance.StatusInProgress.Open())
	assert.False(t, grievance.StatusResolved.Open())
	assert.False(t, grievance.Status("").Valid())
}
