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

package priority_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicchain/gipe/grievance"
	"github.com/civicchain/gipe/priority"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testGrievance(severity, upvotes int, age time.Duration, category string) grievance.Grievance {
	return grievance.Grievance{
		ID:        "g1",
		Category:  category,
		Status:    grievance.StatusPending,
		Severity:  severity,
		Upvotes:   upvotes,
		CreatedAt: testNow.Add(-age),
	}
}

// Severity 8, 12 upvotes, 50 hours old, category weight 1.2
func TestScoreGoldenScenario(t *testing.T) {
	s := priority.NewScorer(priority.Config{})
	b := s.Score(testGrievance(8, 12, 50*time.Hour, "roads"), testNow)
	assert.Equal(t, 32.0, b.SeverityScore)
	assert.Equal(t, 11.43, b.UpvoteScore)
	assert.Equal(t, 7.44, b.TimeScore)
	assert.Equal(t, 6.0, b.CategoryScore)
	assert.Equal(t, 56.87, b.TotalScore)
	assert.Equal(t, priority.UrgencyMedium, b.UrgencyLevel)
	assert.Equal(t, testNow, b.ComputedAt)
}

func TestScoreDeterministic(t *testing.T) {
	s := priority.NewScorer(priority.Config{})
	g := testGrievance(6, 40, 90*time.Hour, "water")
	first, err := json.Marshal(s.Score(g, testNow))
	require.NoError(t, err)
	second, err := json.Marshal(s.Score(g, testNow))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSeverityMonotonic(t *testing.T) {
	s := priority.NewScorer(priority.Config{})
	prev := -1.0
	for sev := -3; sev <= 13; sev++ {
		b := s.Score(testGrievance(sev, 3, time.Hour, "roads"), testNow)
		assert.GreaterOrEqual(t, b.SeverityScore, prev, "severity %d", sev)
		prev = b.SeverityScore
	}
	assert.Equal(t, 0.0, s.SeverityScore(-5))
	assert.Equal(t, priority.SeverityBand, s.SeverityScore(99))
}

func TestUpvoteScoreSaturates(t *testing.T) {
	s := priority.NewScorer(priority.Config{})
	assert.Equal(t, 0.0, s.UpvoteScore(-10))
	assert.Equal(t, 0.0, s.UpvoteScore(0))
	assert.Equal(t, 12.5, s.UpvoteScore(priority.DefaultUpvoteHalfSaturation))
	prev := 0.0
	for _, n := range []int{1, 10, 100, 1000, 10000} {
		score := s.UpvoteScore(n)
		assert.Greater(t, score, prev)
		assert.Less(t, score, priority.UpvoteBand)
		prev = score
	}
	// Each additional upvote is worth less than the one before
	prevGain := priority.UpvoteBand
	for n := range 5 {
		gain := s.UpvoteScore(n+1) - s.UpvoteScore(n)
		assert.Greater(t, gain, 0.0)
		assert.Less(t, gain, prevGain)
		prevGain = gain
	}
}

func TestTimeScoreSaturates(t *testing.T) {
	s := priority.NewScorer(priority.Config{AgeSaturationDays: 2})
	assert.Equal(t, 0.0, s.TimeScore(-time.Hour))
	assert.Equal(t, 12.5, s.TimeScore(24*time.Hour))
	assert.Equal(t, priority.TimeBand, s.TimeScore(48*time.Hour))
	assert.Equal(t, priority.TimeBand, s.TimeScore(400*time.Hour))
}

func TestCategoryScore(t *testing.T) {
	s := priority.NewScorer(priority.Config{
		CategoryWeights:       map[string]float64{"Flooding": 3.0, "noise": 0.4},
		DefaultCategoryWeight: 0.8,
	})
	assert.Equal(t, priority.CategoryBand, s.CategoryScore("flooding"))
	assert.Equal(t, 2.0, s.CategoryScore(" NOISE "))
	assert.Equal(t, 4.0, s.CategoryScore("unknown"))

	defaults := priority.NewScorer(priority.Config{})
	assert.Equal(t, 5.0, defaults.CategoryScore("something-new"))
	assert.Equal(t, priority.CategoryBand, defaults.CategoryScore("health"))
}

func TestTotalBoundsAndUrgency(t *testing.T) {
	s := priority.NewScorer(priority.Config{})
	worst := s.Score(testGrievance(10, 1_000_000, 1000*time.Hour, "health"), testNow)
	assert.LessOrEqual(t, worst.TotalScore, priority.TotalBand)
	assert.Equal(t, priority.UrgencyCritical, worst.UrgencyLevel)

	least := s.Score(testGrievance(0, 0, 0, "other"), testNow)
	assert.Equal(t, 5.0, least.TotalScore)
	assert.Equal(t, priority.UrgencyLow, least.UrgencyLevel)

	assert.Equal(t, priority.UrgencyCritical, priority.Urgency(80))
	assert.Equal(t, priority.UrgencyHigh, priority.Urgency(79.99))
	assert.Equal(t, priority.UrgencyHigh, priority.Urgency(60))
	assert.Equal(t, priority.UrgencyMedium, priority.Urgency(40))
	assert.Equal(t, priority.UrgencyLow, priority.Urgency(39.99))
}

func TestSortBreaksTiesById(t *testing.T) {
	items := []priority.Ranked{
		{GrievanceID: "c", Breakdown: priority.Breakdown{TotalScore: 50}},
		{GrievanceID: "a", Breakdown: priority.Breakdown{TotalScore: 50}},
		{GrievanceID: "b", Breakdown: priority.Breakdown{TotalScore: 70}},
	}
	priority.Sort(items)
	ids := []string{items[0].GrievanceID, items[1].GrievanceID, items[2].GrievanceID}
	assert.Equal(t, []string{"b", "a", "c"}, ids)
}
