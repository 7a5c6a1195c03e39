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

package coordinator

import (
	"context"
	"time"

	"github.com/civicchain/gipe/database/models"
	"github.com/civicchain/gipe/grievance"
	"github.com/civicchain/gipe/priority"
)

// Verification is the integrity view of a grievance served to clients
type Verification struct {
	LastCheckedAt   time.Time `json:"lastCheckedAt"`
	TransactionHash *string   `json:"transactionHash,omitempty"`
	BlockNumber     *uint64   `json:"blockNumber,omitempty"`
	GrievanceID     string    `json:"grievanceId"`
	ContentHash     string    `json:"contentHash"`
	AnchoredStatus  string    `json:"anchoredStatus,omitempty"`
	// Check is the outcome of an explicit content check, when one was made
	Check    string `json:"check,omitempty"`
	Verified bool   `json:"verified"`
	Tampered bool   `json:"tampered"`
}

func newVerification(rec models.IntegrityRecord) Verification {
	return Verification{
		GrievanceID:     rec.GrievanceID,
		ContentHash:     rec.ContentHash,
		TransactionHash: rec.TransactionHash,
		BlockNumber:     rec.BlockNumber,
		AnchoredStatus:  rec.AnchoredStatus,
		LastCheckedAt:   rec.LastCheckedAt,
		Verified:        rec.Verified,
		Tampered:        rec.Tampered,
	}
}

// Breakdown scores the stored snapshot of a grievance at the current time
func (c *Coordinator) Breakdown(
	ctx context.Context,
	grievanceID string,
) (priority.Breakdown, error) {
	snap, err := c.config.Store.GetSnapshot(ctx, grievanceID)
	if err != nil {
		return priority.Breakdown{}, notFound("get breakdown", grievanceID, err)
	}
	return c.config.Scorer.Score(snap.Grievance(), c.now()), nil
}

// VerificationStatus returns the integrity record of a grievance
func (c *Coordinator) VerificationStatus(
	ctx context.Context,
	grievanceID string,
) (Verification, error) {
	rec, err := c.config.Store.GetIntegrityRecord(ctx, grievanceID)
	if err != nil {
		return Verification{}, notFound("get verification", grievanceID, err)
	}
	return newVerification(rec), nil
}

// Ranking returns open grievances ordered by priority, highest first. A
// limit of zero or less returns all of them.
func (c *Coordinator) Ranking(ctx context.Context, limit int) ([]priority.Ranked, error) {
	snaps, err := c.config.Store.ListOpenSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	ret := make([]priority.Ranked, 0, len(snaps))
	for _, snap := range snaps {
		ret = append(ret, priority.Ranked{
			GrievanceID: snap.GrievanceID,
			Breakdown:   c.config.Scorer.Score(snap.Grievance(), now),
		})
	}
	priority.Sort(ret)
	if limit > 0 && len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}

// Recalculate rescores a grievance from its stored snapshot and broadcasts
// the result
func (c *Coordinator) Recalculate(
	ctx context.Context,
	grievanceID string,
) (priority.Breakdown, error) {
	ctx, span := c.tracer.Start(ctx, "recalculate")
	defer span.End()
	unlock := c.locks.Lock(grievanceID)
	defer unlock()
	snap, err := c.config.Store.GetSnapshot(ctx, grievanceID)
	if err != nil {
		return priority.Breakdown{}, notFound("recalculate", grievanceID, err)
	}
	return c.rescore(snap.Grievance()), nil
}

// VerifyContent checks content against the anchored digest of a grievance.
// A mismatch marks the record as tampered.
func (c *Coordinator) VerifyContent(
	ctx context.Context,
	grievanceID string,
	content grievance.Content,
) (Verification, error) {
	const op = "verify content"
	ctx, span := c.tracer.Start(ctx, op)
	defer span.End()
	if content.GrievanceID == "" {
		content.GrievanceID = grievanceID
	}
	if content.GrievanceID != grievanceID {
		return Verification{}, grievance.NewError(
			grievance.KindInvalidInput,
			op,
			grievance.ErrContentMismatch,
		)
	}
	if err := content.Validate(); err != nil {
		return Verification{}, err
	}
	unlock := c.locks.Lock(grievanceID)
	defer unlock()
	rec, err := c.config.Store.GetIntegrityRecord(ctx, grievanceID)
	if err != nil {
		return Verification{}, notFound(op, grievanceID, err)
	}
	res, err := c.checkContent(ctx, rec, content)
	if err != nil {
		return Verification{}, err
	}
	rec, err = c.config.Store.GetIntegrityRecord(ctx, grievanceID)
	if err != nil {
		return Verification{}, notFound(op, grievanceID, err)
	}
	ret := newVerification(rec)
	ret.Check = res.Status.String()
	return ret, nil
}

// Sweep rescores every open grievance so that time-based sub-scores stay
// current. It returns the number of grievances rescored.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	ctx, span := c.tracer.Start(ctx, "sweep")
	defer span.End()
	start := time.Now()
	snaps, err := c.config.Store.ListOpenSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		rescored, err := c.sweepOne(ctx, snap.GrievanceID)
		if err != nil {
			c.config.Logger.Warn(
				"failed to rescore grievance",
				"grievance", snap.GrievanceID,
				"error", err,
			)
			continue
		}
		if rescored {
			count++
		}
	}
	if c.metrics != nil {
		c.metrics.sweepRescored.Add(float64(count))
		c.metrics.sweepDuration.Observe(time.Since(start).Seconds())
	}
	c.config.Logger.Debug("priority sweep complete", "rescored", count)
	return count, nil
}

func (c *Coordinator) sweepOne(ctx context.Context, grievanceID string) (bool, error) {
	unlock := c.locks.Lock(grievanceID)
	defer unlock()
	// The grievance may have changed since the listing
	snap, err := c.config.Store.GetSnapshot(ctx, grievanceID)
	if err != nil {
		return false, err
	}
	g := snap.Grievance()
	if !g.Status.Open() {
		return false, nil
	}
	c.rescore(g)
	return true, nil
}
