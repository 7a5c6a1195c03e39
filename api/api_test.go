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

package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/civicchain/gipe/api"
	"github.com/civicchain/gipe/coordinator"
	"github.com/civicchain/gipe/database"
	"github.com/civicchain/gipe/event"
	"github.com/civicchain/gipe/grievance"
	"github.com/civicchain/gipe/priority"
	"github.com/civicchain/gipe/watcher"
)

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(event.Channel, any) int { return 0 }

type staticWatcher struct {
	stats watcher.Stats
}

func (s staticWatcher) Stats() watcher.Stats { return s.stats }

// APISuite runs the handlers against a real coordinator backed by an
// in-memory store
type APISuite struct {
	suite.Suite
	store  database.Store
	router http.Handler
}

func (s *APISuite) SetupTest() {
	store, err := database.New(database.Config{})
	s.Require().NoError(err)
	s.store = store
	coord, err := coordinator.New(coordinator.Config{
		Store:       store,
		Broadcaster: nopBroadcaster{},
	})
	s.Require().NoError(err)
	realtime := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	s.router = api.New(api.Config{
		Service:  coord,
		Watcher:  staticWatcher{stats: watcher.Stats{State: watcher.StateListening, LastBlock: 12}},
		Realtime: realtime,
	}).Router()
}

func (s *APISuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func (s *APISuite) do(method string, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		s.Require().NoError(err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func mutation(id string) grievance.Mutation {
	return grievance.Mutation{
		Kind:      grievance.MutationCreated,
		Category:  "health",
		Status:    grievance.StatusPending,
		Severity:  10,
		Upvotes:   3,
		CreatedAt: time.Now().Add(-time.Hour),
		Content: &grievance.Content{
			Title:       "No water supply",
			Description: "Ward 4 has had no water for three days",
		},
		SubmitterID: "citizen-1",
		GrievanceID: id,
	}
}

func (s *APISuite) TestMutationAndQueries() {
	rec := s.do(http.MethodPost, "/api/v1/grievances/g1/mutations", mutation(""))
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var breakdown priority.Breakdown
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&breakdown))
	s.InDelta(40, breakdown.SeverityScore, 0)
	s.InDelta(10, breakdown.CategoryScore, 0)

	rec = s.do(http.MethodGet, "/api/v1/grievances/g1/priority", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var cached priority.Breakdown
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&cached))
	s.InDelta(breakdown.TotalScore, cached.TotalScore, 0)

	rec = s.do(http.MethodGet, "/api/v1/grievances/g1/verification", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var ver map[string]any
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&ver))
	s.Equal(false, ver["verified"])
	s.Len(ver["contentHash"], 64)
	s.NotContains(ver, "transactionHash")

	rec = s.do(http.MethodPost, "/api/v1/grievances/g1/recalculate", nil)
	s.Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/grievances/g1/verify", grievance.Content{
		Title:       "No water supply",
		Description: "Edited",
		SubmitterID: "citizen-1",
		CreatedAt:   time.Now(),
	})
	s.Require().Equal(http.StatusOK, rec.Code)
	var checked coordinator.Verification
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&checked))
	s.Equal("mismatch", checked.Check)
	s.True(checked.Tampered)
}

func (s *APISuite) TestRanking() {
	for _, id := range []string{"a", "b", "c"} {
		m := mutation(id)
		rec := s.do(http.MethodPost, "/api/v1/grievances/"+id+"/mutations", m)
		s.Require().Equal(http.StatusOK, rec.Code)
	}
	rec := s.do(http.MethodGet, "/api/v1/priority/ranking?limit=2", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var ranking []priority.Ranked
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&ranking))
	s.Require().Len(ranking, 2)
	s.Equal("a", ranking[0].GrievanceID)

	for _, limit := range []string{"0", "-1", "abc"} {
		rec = s.do(http.MethodGet, "/api/v1/priority/ranking?limit="+limit, nil)
		s.Equal(http.StatusBadRequest, rec.Code, limit)
	}
}

func (s *APISuite) TestErrorMapping() {
	testDefs := []struct {
		method   string
		path     string
		body     any
		expected int
	}{
		{method: http.MethodGet, path: "/api/v1/grievances/missing/priority", expected: http.StatusNotFound},
		{method: http.MethodGet, path: "/api/v1/grievances/missing/verification", expected: http.StatusNotFound},
		{method: http.MethodPost, path: "/api/v1/grievances/missing/recalculate", expected: http.StatusNotFound},
		{method: http.MethodPost, path: "/api/v1/grievances/g1/mutations", body: "not json", expected: http.StatusBadRequest},
		{method: http.MethodPost, path: "/api/v1/grievances/g1/mutations", body: mutation("g2"), expected: http.StatusBadRequest},
		{method: http.MethodPost, path: "/api/v1/grievances/g1/verify", body: "{", expected: http.StatusBadRequest},
	}
	for _, testDef := range testDefs {
		rec := s.do(testDef.method, testDef.path, testDef.body)
		s.Equal(testDef.expected, rec.Code, testDef.path)
		var resp map[string]string
		s.Require().NoError(json.NewDecoder(rec.Body).Decode(&resp))
		s.NotEmpty(resp["error"])
	}

	noContent := mutation("")
	noContent.Content = nil
	rec := s.do(http.MethodPost, "/api/v1/grievances/g1/mutations", noContent)
	s.Equal(http.StatusBadRequest, rec.Code)
	var resp map[string]string
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&resp))
	s.Equal("InvalidInput", resp["kind"])
}

func (s *APISuite) TestWatcherAndRealtime() {
	rec := s.do(http.MethodGet, "/api/v1/watcher", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var stats map[string]any
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&stats))
	s.Equal("listening", stats["state"])
	s.InDelta(12, stats["lastBlock"], 0)

	rec = s.do(http.MethodGet, "/ws", nil)
	s.Equal(http.StatusTeapot, rec.Code)

	rec = s.do(http.MethodGet, "/healthz", nil)
	s.Equal(http.StatusOK, rec.Code)
}

func TestStatusForKind(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, api.StatusForKind(grievance.KindInvalidInput))
	assert.Equal(t, http.StatusUnprocessableEntity, api.StatusForKind(grievance.KindIntegrity))
	assert.Equal(t, http.StatusServiceUnavailable, api.StatusForKind(grievance.KindLedgerUnavailable))
	assert.Equal(t, http.StatusNotFound, api.StatusForKind(grievance.KindNotFound))
	assert.Equal(t, http.StatusInternalServerError, api.StatusForKind(0))
}

func TestWatcherRouteOptional(t *testing.T) {
	store, err := database.New(database.Config{})
	require.NoError(t, err)
	defer store.Close()
	coord, err := coordinator.New(coordinator.Config{Store: store, Broadcaster: nopBroadcaster{}})
	require.NoError(t, err)
	router := api.New(api.Config{Service: coord}).Router()
	for _, path := range []string{"/api/v1/watcher", "/ws"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}
