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

// Package priority implements the deterministic multi-factor grievance
// scorer. Scoring has no side effects and no hidden clock: the caller passes
// "now" explicitly.
package priority

import (
	"math"
	"strings"
	"time"

	"github.com/civicchain/gipe/grievance"
)

// Band ceilings for each sub-score
const (
	SeverityBand = 40.0
	UpvoteBand   = 25.0
	TimeBand     = 25.0
	CategoryBand = 10.0
	TotalBand    = 100.0

	MaxSeverity = 10
)

const (
	DefaultUpvoteHalfSaturation = 20
	DefaultAgeSaturationDays    = 7
	DefaultCategoryWeight       = 1.0
	categoryWeightToScoreFactor = 5.0
	criticalThreshold           = 80.0
	highThreshold               = 60.0
	mediumThreshold             = 40.0
	hoursPerDay                 = 24.0
	roundingScale               = 100.0
)

type UrgencyLevel string

const (
	UrgencyCritical UrgencyLevel = "critical"
	UrgencyHigh     UrgencyLevel = "high"
	UrgencyMedium   UrgencyLevel = "medium"
	UrgencyLow      UrgencyLevel = "low"
)

// DefaultCategoryWeights is used when no weight table is configured
var DefaultCategoryWeights = map[string]float64{
	"health":      2.0,
	"safety":      1.8,
	"water":       1.5,
	"electricity": 1.4,
	"sanitation":  1.3,
	"roads":       1.2,
	"transport":   1.1,
	"education":   1.1,
	"other":       1.0,
}

type Breakdown struct {
	ComputedAt    time.Time    `json:"computedAt"`
	UrgencyLevel  UrgencyLevel `json:"urgencyLevel"`
	SeverityScore float64      `json:"severityScore"`
	UpvoteScore   float64      `json:"upvoteScore"`
	TimeScore     float64      `json:"timeScore"`
	CategoryScore float64      `json:"categoryScore"`
	TotalScore    float64      `json:"totalScore"`
}

type Config struct {
	// CategoryWeights maps lower-case category names to weights. A weight of
	// 2.0 or more earns the full category band.
	CategoryWeights       map[string]float64 `yaml:"categoryWeights"`
	DefaultCategoryWeight float64            `yaml:"defaultCategoryWeight"`
	UpvoteHalfSaturation  int                `yaml:"upvoteHalfSaturation"`
	AgeSaturationDays     int                `yaml:"ageSaturationDays"`
}

type Scorer struct {
	weights       map[string]float64
	defaultWeight float64
	upvoteK       float64
	ageSaturation float64
}

// NewScorer creates a Scorer, filling unset config values with defaults
func NewScorer(cfg Config) *Scorer {
	s := &Scorer{
		weights:       make(map[string]float64),
		defaultWeight: cfg.DefaultCategoryWeight,
	}
	weights := cfg.CategoryWeights
	if weights == nil {
		weights = DefaultCategoryWeights
	}
	for k, v := range weights {
		s.weights[strings.ToLower(strings.TrimSpace(k))] = v
	}
	if s.defaultWeight <= 0 {
		s.defaultWeight = DefaultCategoryWeight
	}
	halfSaturation := cfg.UpvoteHalfSaturation
	if halfSaturation <= 0 {
		halfSaturation = DefaultUpvoteHalfSaturation
	}
	s.upvoteK = math.Log1p(float64(halfSaturation))
	days := cfg.AgeSaturationDays
	if days <= 0 {
		days = DefaultAgeSaturationDays
	}
	s.ageSaturation = float64(days) * hoursPerDay
	return s
}

// Score computes the priority breakdown for a grievance as of now
func (s *Scorer) Score(g grievance.Grievance, now time.Time) Breakdown {
	b := Breakdown{
		ComputedAt:    now,
		SeverityScore: s.SeverityScore(g.Severity),
		UpvoteScore:   s.UpvoteScore(g.Upvotes),
		TimeScore:     s.TimeScore(now.Sub(g.CreatedAt)),
		CategoryScore: s.CategoryScore(g.Category),
	}
	b.TotalScore = clamp(
		round2(b.SeverityScore+b.UpvoteScore+b.TimeScore+b.CategoryScore),
		0,
		TotalBand,
	)
	b.UrgencyLevel = Urgency(b.TotalScore)
	return b
}

func (s *Scorer) SeverityScore(severity int) float64 {
	sev := min(max(severity, 0), MaxSeverity)
	return clamp(round2(float64(sev)/MaxSeverity*SeverityBand), 0, SeverityBand)
}

// UpvoteScore grows with ln(1+upvotes) and approaches the band ceiling
// asymptotically, reaching half the band at the configured half-saturation
func (s *Scorer) UpvoteScore(upvotes int) float64 {
	l := math.Log1p(float64(max(upvotes, 0)))
	return clamp(round2(UpvoteBand*l/(l+s.upvoteK)), 0, UpvoteBand)
}

// TimeScore grows linearly with age until the saturation horizon
func (s *Scorer) TimeScore(age time.Duration) float64 {
	hours := max(age.Hours(), 0)
	ratio := min(hours/s.ageSaturation, 1)
	return clamp(round2(TimeBand*ratio), 0, TimeBand)
}

func (s *Scorer) CategoryScore(category string) float64 {
	return clamp(
		round2(categoryWeightToScoreFactor*s.CategoryWeight(category)),
		0,
		CategoryBand,
	)
}

// CategoryWeight returns the configured weight, or the baseline for unknown
// categories
func (s *Scorer) CategoryWeight(category string) float64 {
	if w, ok := s.weights[strings.ToLower(strings.TrimSpace(category))]; ok {
		return w
	}
	return s.defaultWeight
}

// Urgency maps a total score onto its urgency tier
func Urgency(total float64) UrgencyLevel {
	switch {
	case total >= criticalThreshold:
		return UrgencyCritical
	case total >= highThreshold:
		return UrgencyHigh
	case total >= mediumThreshold:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

func round2(v float64) float64 {
	return math.Round(v*roundingScale) / roundingScale
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}
