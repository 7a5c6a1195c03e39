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

// Package coordinator reconciles grievance mutations from the persistence
// layer with ledger confirmations. It owns the integrity records, scores
// grievances on demand, and broadcasts every state change through the
// relay. All state changes for one grievance are serialized by a per-id lock
// and persisted before they are broadcast. Resolving a content hash and
// creating the record for it are serialized by a per-hash lock, taken after
// the id lock when both are held.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/civicchain/gipe/database"
	"github.com/civicchain/gipe/database/models"
	"github.com/civicchain/gipe/database/types"
	"github.com/civicchain/gipe/event"
	"github.com/civicchain/gipe/grievance"
	"github.com/civicchain/gipe/ledger"
	"github.com/civicchain/gipe/notary"
	"github.com/civicchain/gipe/priority"
	"github.com/civicchain/gipe/relay"
)

const (
	DefaultSweepInterval = 15 * time.Minute

	tracerName = "github.com/civicchain/gipe/coordinator"
)

var (
	ErrMissingStore       = errors.New("coordinator requires a store")
	ErrMissingBroadcaster = errors.New("coordinator requires a broadcaster")
	ErrAlreadyRunning     = errors.New("sweep loop already running")
)

// Broadcaster fans a message out to the subscribers of a channel
type Broadcaster interface {
	Broadcast(channel event.Channel, msg any) int
}

type Config struct {
	Store          database.Store
	Broadcaster    Broadcaster
	Scorer         *priority.Scorer
	Logger         *slog.Logger
	PromRegistry   prometheus.Registerer
	TracerProvider trace.TracerProvider
	// Now returns the current time. It defaults to time.Now.
	Now           func() time.Time
	SweepInterval time.Duration
	DedupeSize    int
	// PendingSize bounds the number of content hashes for which ledger
	// events are held until their integrity record exists
	PendingSize int
}

type Coordinator struct {
	config  Config
	locks   *keyedMutex
	seen    *ledger.SeenSet
	tracer  trace.Tracer
	metrics *coordinatorMetrics
	pending *pendingEvents
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	if cfg.Broadcaster == nil {
		return nil, ErrMissingBroadcaster
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	cfg.Logger = cfg.Logger.With("component", "coordinator")
	if cfg.Scorer == nil {
		cfg.Scorer = priority.NewScorer(priority.Config{})
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	c := &Coordinator{
		config:  cfg,
		locks:   newKeyedMutex(),
		seen:    ledger.NewSeenSet(cfg.DedupeSize),
		tracer:  cfg.TracerProvider.Tracer(tracerName),
		pending: newPendingEvents(cfg.PendingSize),
	}
	if cfg.PromRegistry != nil {
		c.initMetrics(cfg.PromRegistry)
	}
	return c, nil
}

func (c *Coordinator) now() time.Time {
	return c.config.Now().UTC()
}

func hashLockKey(contentHash string) string {
	return "hash:" + contentHash
}

// HandleMutation applies a grievance created/updated notification. The
// scoring snapshot is stored, the integrity record is created on first
// submission or checked against attached content afterwards, and the
// grievance is rescored and broadcast on its channel.
func (c *Coordinator) HandleMutation(
	ctx context.Context,
	m grievance.Mutation,
) (priority.Breakdown, error) {
	const op = "handle mutation"
	ctx, span := c.tracer.Start(
		ctx,
		op,
		trace.WithAttributes(
			attribute.String("grievance.id", m.GrievanceID),
			attribute.String("mutation.kind", string(m.Kind)),
		),
	)
	defer span.End()
	breakdown, err := c.handleMutation(ctx, m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.countMutation(resultLabel(err))
		return priority.Breakdown{}, err
	}
	c.countMutation("ok")
	return breakdown, nil
}

func (c *Coordinator) handleMutation(
	ctx context.Context,
	m grievance.Mutation,
) (priority.Breakdown, error) {
	const op = "handle mutation"
	if err := m.Validate(); err != nil {
		return priority.Breakdown{}, err
	}
	unlock := c.locks.Lock(m.GrievanceID)
	defer unlock()

	rec, err := c.config.Store.GetIntegrityRecord(ctx, m.GrievanceID)
	hasRecord := true
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			return priority.Breakdown{}, err
		}
		hasRecord = false
	}
	content, hasContent := m.NormalizedContent()
	if !hasRecord && !hasContent && m.Kind == grievance.MutationCreated {
		return priority.Breakdown{}, grievance.NewError(
			grievance.KindInvalidInput,
			op,
			grievance.ErrMissingContent,
		)
	}

	if err := c.config.Store.PutSnapshot(
		ctx,
		models.NewSnapshot(m.Grievance()),
	); err != nil {
		return priority.Breakdown{}, err
	}

	switch {
	case !hasRecord && hasContent:
		if rec, err = c.createRecord(ctx, content); err != nil {
			return priority.Breakdown{}, err
		}
		hasRecord = true
	case hasRecord && hasContent:
		if _, err := c.checkContent(ctx, rec, content); err != nil {
			return priority.Breakdown{}, err
		}
	case !hasRecord:
		c.config.Logger.Debug(
			"grievance has no integrity record",
			"grievance", m.GrievanceID,
		)
	}
	if hasRecord {
		if err := c.applyPending(ctx, rec.GrievanceID, rec.ContentHash); err != nil {
			return priority.Breakdown{}, err
		}
	}

	breakdown := c.rescore(m.Grievance())
	return breakdown, nil
}

// createRecord stores the integrity record for new content. Callers hold
// the lock for the grievance id.
func (c *Coordinator) createRecord(
	ctx context.Context,
	content grievance.Content,
) (models.IntegrityRecord, error) {
	rec := models.IntegrityRecord{
		GrievanceID:   content.GrievanceID,
		ContentHash:   notary.Hash(content),
		LastCheckedAt: c.now(),
	}
	unlock := c.locks.Lock(hashLockKey(rec.ContentHash))
	defer unlock()
	if err := c.config.Store.CreateIntegrityRecord(ctx, rec); err != nil {
		if errors.Is(err, types.ErrAlreadyExists) {
			return rec, grievance.NewError(
				grievance.KindIntegrity,
				"create integrity record",
				err,
			)
		}
		return rec, err
	}
	c.config.Logger.Info(
		"integrity record created",
		"grievance", rec.GrievanceID,
		"hash", rec.ContentHash,
	)
	return rec, nil
}

// applyPending applies ledger events that arrived before the record for
// contentHash existed. Callers hold the lock for the grievance id. Events
// that could not be applied stay pending.
func (c *Coordinator) applyPending(
	ctx context.Context,
	grievanceID string,
	contentHash string,
) error {
	unlock := c.locks.Lock(hashLockKey(contentHash))
	defer unlock()
	events := c.pending.take(contentHash)
	if len(events) == 0 {
		return nil
	}
	c.updatePendingGauge()
	rec, err := c.config.Store.GetIntegrityRecord(ctx, grievanceID)
	if err != nil {
		c.pending.restore(contentHash, events)
		c.updatePendingGauge()
		return err
	}
	for i, evt := range events {
		if c.seen.Contains(evt.Key()) {
			continue
		}
		// The global broadcast went out when the event was first held
		rec, err = c.applyEvent(ctx, rec, evt, false)
		if err != nil {
			c.pending.restore(contentHash, events[i:])
			c.updatePendingGauge()
			return err
		}
		c.countChainEvent("applied")
	}
	return nil
}

// checkContent verifies content against the stored digest and records the
// outcome. A malformed stored digest leaves the record untouched.
func (c *Coordinator) checkContent(
	ctx context.Context,
	rec models.IntegrityRecord,
	content grievance.Content,
) (notary.Result, error) {
	res := notary.Verify(rec.ContentHash, notary.Canonical(content))
	switch res.Status {
	case notary.StatusError:
		c.config.Logger.Error(
			"stored digest is malformed",
			"grievance", rec.GrievanceID,
			"error", res.Err,
		)
		return res, res.Err
	case notary.StatusMismatch:
		rec.Verified = false
		rec.Tampered = true
		c.countTampered()
		c.config.Logger.Warn(
			"grievance content does not match its anchored digest",
			"grievance", rec.GrievanceID,
			"stored", res.Stored,
			"computed", res.Computed,
		)
	}
	rec.LastCheckedAt = c.now()
	if err := c.config.Store.UpdateIntegrityRecord(ctx, rec); err != nil {
		return res, err
	}
	return res, nil
}

// rescore computes and broadcasts the breakdown of g. Callers hold the lock
// for g.
func (c *Coordinator) rescore(g grievance.Grievance) priority.Breakdown {
	breakdown := c.config.Scorer.Score(g, c.now())
	c.config.Broadcaster.Broadcast(
		event.GrievanceChannel(g.ID),
		relay.NewPriorityMessage(g.ID, breakdown),
	)
	return breakdown
}

// HandleChainEvent applies a ledger event. Events are idempotent by
// transaction hash and log index. The event is broadcast on the global
// channel and confirmed on the grievance channel. An event whose subject
// hash has no integrity record yet is broadcast globally right away and
// held until a mutation creates the record.
func (c *Coordinator) HandleChainEvent(ctx context.Context, evt ledger.ChainEvent) error {
	ctx, span := c.tracer.Start(
		ctx,
		"handle chain event",
		trace.WithAttributes(
			attribute.String("event.kind", string(evt.Kind())),
			attribute.String("event.tx", evt.TxHash),
			attribute.Int64("event.block", int64(evt.BlockNumber)), // #nosec G115
		),
	)
	defer span.End()
	result, err := c.handleChainEvent(ctx, evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.countChainEvent("failed")
		return err
	}
	span.SetAttributes(attribute.String("event.result", result))
	c.countChainEvent(result)
	return nil
}

func (c *Coordinator) handleChainEvent(
	ctx context.Context,
	evt ledger.ChainEvent,
) (string, error) {
	const op = "handle chain event"
	if evt.Payload == nil {
		return "", grievance.NewError(grievance.KindInvalidInput, op, ledger.ErrUnknownEvent)
	}
	key := evt.Key()
	if c.seen.Contains(key) {
		return "duplicate", nil
	}
	grievanceID, found, err := c.resolveSubject(ctx, evt)
	if err != nil {
		return "", err
	}
	if !found {
		return "pending", nil
	}
	unlock := c.locks.Lock(grievanceID)
	defer unlock()
	if c.seen.Contains(key) {
		return "duplicate", nil
	}
	rec, err := c.config.Store.GetIntegrityRecord(ctx, grievanceID)
	if err != nil {
		return "", err
	}
	if _, err := c.applyEvent(ctx, rec, evt, true); err != nil {
		return "", err
	}
	return "applied", nil
}

// resolveSubject maps the subject hash of evt to a grievance id. An event
// for a hash without a record is held until the record is created, and
// broadcast on the global channel the first time it is seen.
func (c *Coordinator) resolveSubject(
	ctx context.Context,
	evt ledger.ChainEvent,
) (string, bool, error) {
	subject := ledger.NormalizeHash(evt.SubjectHash)
	unlock := c.locks.Lock(hashLockKey(subject))
	defer unlock()
	rec, err := c.config.Store.GetIntegrityRecordByHash(ctx, subject)
	if err == nil {
		return rec.GrievanceID, true, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return "", false, err
	}
	if c.pending.add(subject, evt) {
		c.updatePendingGauge()
		c.config.Broadcaster.Broadcast(
			event.GlobalChannel,
			relay.NewEventMessage(evt, ""),
		)
		c.config.Logger.Debug(
			"holding ledger event for unknown content",
			"kind", evt.Kind(),
			"hash", subject,
		)
	}
	return "", false, nil
}

// applyEvent records evt on rec, persists it and broadcasts the outcome.
// Callers hold the lock for the grievance id.
func (c *Coordinator) applyEvent(
	ctx context.Context,
	rec models.IntegrityRecord,
	evt ledger.ChainEvent,
	announce bool,
) (models.IntegrityRecord, error) {
	switch p := evt.Payload.(type) {
	case ledger.Registered:
		txHash := evt.TxHash
		block := evt.BlockNumber
		rec.TransactionHash = &txHash
		rec.BlockNumber = &block
		rec.Verified = !rec.Tampered
	case ledger.StatusUpdated:
		rec.AnchoredStatus = p.NewStatus
	}
	rec.LastCheckedAt = c.now()
	if err := c.config.Store.UpdateIntegrityRecord(ctx, rec); err != nil {
		return rec, err
	}
	if announce {
		c.config.Broadcaster.Broadcast(
			event.GlobalChannel,
			relay.NewEventMessage(evt, rec.GrievanceID),
		)
	}
	c.config.Broadcaster.Broadcast(
		event.GrievanceChannel(rec.GrievanceID),
		relay.NewConfirmationMessage(rec.GrievanceID, evt),
	)
	c.seen.Add(evt.Key())
	c.config.Logger.Info(
		"ledger event applied",
		"kind", evt.Kind(),
		"grievance", rec.GrievanceID,
		"block", evt.BlockNumber,
		"verified", rec.Verified,
	)
	return rec, nil
}

// notFound converts a store miss into a NotFound error
func notFound(op string, grievanceID string, err error) error {
	if errors.Is(err, types.ErrNotFound) {
		return grievance.NewError(
			grievance.KindNotFound,
			op,
			fmt.Errorf("%w: %s", grievance.ErrNotFound, grievanceID),
		)
	}
	return err
}

func resultLabel(err error) string {
	if kind := grievance.KindOf(err); kind != 0 {
		return kind.String()
	}
	return "error"
}
