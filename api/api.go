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

// Package api exposes the engine over HTTP. The persistence layer posts
// grievance mutations here, and the UI reads priority breakdowns, integrity
// status and rankings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/civicchain/gipe/coordinator"
	"github.com/civicchain/gipe/grievance"
	"github.com/civicchain/gipe/priority"
	"github.com/civicchain/gipe/watcher"
)

const (
	DefaultRankingLimit = 50
	MaxRankingLimit     = 1000
	DefaultMaxBodyBytes = 1 << 20
)

var (
	ErrInvalidLimit  = errors.New("limit must be a positive integer")
	ErrMalformedBody = errors.New("malformed request body")
)

// Service is the coordinator surface used by the handlers
type Service interface {
	HandleMutation(ctx context.Context, m grievance.Mutation) (priority.Breakdown, error)
	Breakdown(ctx context.Context, grievanceID string) (priority.Breakdown, error)
	VerificationStatus(ctx context.Context, grievanceID string) (coordinator.Verification, error)
	Recalculate(ctx context.Context, grievanceID string) (priority.Breakdown, error)
	VerifyContent(
		ctx context.Context,
		grievanceID string,
		content grievance.Content,
	) (coordinator.Verification, error)
	Ranking(ctx context.Context, limit int) ([]priority.Ranked, error)
}

// WatcherStatus reports the chain watcher state
type WatcherStatus interface {
	Stats() watcher.Stats
}

type Config struct {
	Logger  *slog.Logger
	Service Service
	Watcher WatcherStatus
	// Realtime serves the WebSocket endpoint. It is not mounted when nil.
	Realtime     http.Handler
	MaxBodyBytes int64
}

type Handler struct {
	config Config
}

func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	cfg.Logger = cfg.Logger.With("component", "api")
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{config: cfg}
}

// Router returns a router with every endpoint mounted
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	h.Register(r)
	return r
}

// Register mounts the endpoints on r
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/grievances/{id}", func(g chi.Router) {
			g.Post("/mutations", h.handleMutation)
			g.Get("/priority", h.handlePriority)
			g.Get("/verification", h.handleVerification)
			g.Post("/recalculate", h.handleRecalculate)
			g.Post("/verify", h.handleVerify)
		})
		api.Get("/priority/ranking", h.handleRanking)
		if h.config.Watcher != nil {
			api.Get("/watcher", h.handleWatcher)
		}
	})
	if h.config.Realtime != nil {
		r.Handle("/ws", h.config.Realtime)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleMutation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var m grievance.Mutation
	if !h.decode(w, r, &m) {
		return
	}
	if m.GrievanceID == "" {
		m.GrievanceID = id
	}
	if m.GrievanceID != id {
		h.writeError(w, r, grievance.NewError(
			grievance.KindInvalidInput,
			"handle mutation",
			fmt.Errorf("%w: body is for %q", grievance.ErrContentMismatch, m.GrievanceID),
		))
		return
	}
	breakdown, err := h.config.Service.HandleMutation(r.Context(), m)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

func (h *Handler) handlePriority(w http.ResponseWriter, r *http.Request) {
	breakdown, err := h.config.Service.Breakdown(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

func (h *Handler) handleVerification(w http.ResponseWriter, r *http.Request) {
	ver, err := h.config.Service.VerificationStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ver)
}

func (h *Handler) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	breakdown, err := h.config.Service.Recalculate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var content grievance.Content
	if !h.decode(w, r, &content) {
		return
	}
	ver, err := h.config.Service.VerifyContent(r.Context(), chi.URLParam(r, "id"), content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ver)
}

func (h *Handler) handleRanking(w http.ResponseWriter, r *http.Request) {
	limit := DefaultRankingLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, r, grievance.NewError(
				grievance.KindInvalidInput,
				"ranking",
				fmt.Errorf("%w: %q", ErrInvalidLimit, raw),
			))
			return
		}
		limit = min(parsed, MaxRankingLimit)
	}
	ranking, err := h.config.Service.Ranking(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ranking)
}

func (h *Handler) handleWatcher(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Watcher.Stats())
}

// decode reads a JSON body into dst and writes a 400 response on failure
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		h.writeError(w, r, grievance.NewError(
			grievance.KindInvalidInput,
			"decode request",
			fmt.Errorf("%w: %w", ErrMalformedBody, err),
		))
		return false
	}
	return true
}
