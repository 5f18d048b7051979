// Copyright (C) 2025 AvisosHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package queryapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avisoshq/pubcache/internal/rebuild"
	"github.com/avisoshq/pubcache/pubdb"
)

// memStore backs the rebuild service and job reader in handler tests with
// plain maps.
type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]pubdb.RebuildJob
	gen  int64
}

func newMemStore() *memStore {
	return &memStore{jobs: map[uuid.UUID]pubdb.RebuildJob{}, gen: 1}
}

func (m *memStore) EnsureSegment(_ context.Context, params pubdb.EnsureSegmentParams) (string, error) {
	return "publish_test", nil
}

func (m *memStore) MarkRebuildStarted(_ context.Context, _, _ int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	return m.gen, nil
}

func (m *memStore) MarkRebuildFinished(_ context.Context, _ pubdb.MarkRebuildFinishedParams) error {
	return nil
}

func (m *memStore) MarkRebuildFailed(_ context.Context, _, _, _ int64) error {
	return nil
}

func (m *memStore) InsertPublishRows(_ context.Context, _ pubdb.InsertPublishRowsParams) error {
	return nil
}

func (m *memStore) InsertRebuildJob(_ context.Context, params pubdb.InsertRebuildJobParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[params.ID] = pubdb.RebuildJob{
		ID:         params.ID,
		CountryID:  params.CountryID,
		CategoryID: params.CategoryID,
		Status:     pubdb.JobStatusQueued,
		CreatedAt:  time.Now(),
	}
	return nil
}

func (m *memStore) MarkJobRunning(_ context.Context, id uuid.UUID, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status = pubdb.JobStatusRunning
	j.StartedAt = &startedAt
	m.jobs[id] = j
	return nil
}

func (m *memStore) MarkJobCompleted(_ context.Context, id uuid.UUID, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status = pubdb.JobStatusCompleted
	j.FinishedAt = &finishedAt
	m.jobs[id] = j
	return nil
}

func (m *memStore) MarkJobFailed(_ context.Context, id uuid.UUID, finishedAt time.Time, jobErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status = pubdb.JobStatusFailed
	j.FinishedAt = &finishedAt
	j.Error = &jobErr
	m.jobs[id] = j
	return nil
}

func (m *memStore) ListSegments(_ context.Context) ([]pubdb.Segment, error) {
	return []pubdb.Segment{{CountryID: 1, CategoryID: 5}}, nil
}

func (m *memStore) GetRebuildJob(_ context.Context, id uuid.UUID) (pubdb.RebuildJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return pubdb.RebuildJob{}, pubdb.ErrJobNotFound
	}
	return j, nil
}

type staticBuilder struct{}

func (staticBuilder) BuildSegment(_ context.Context, _, _ int64) ([]pubdb.PublishRow, error) {
	return []pubdb.PublishRow{{ListingID: 1, Title: "a"}}, nil
}

func newTestService(t *testing.T, rowCount int) (*Service, *memStore) {
	t.Helper()
	pub, src := testFixture(rowCount)
	gateway := newTestGateway(t, pub, src)

	store := newMemStore()
	rebuilds := rebuild.NewService(rebuild.NewOrchestrator(store, staticBuilder{}), store, 2)
	return NewService(gateway, rebuilds, store, ":0"), store
}

func TestHandleListings(t *testing.T) {
	svc, _ := newTestService(t, 3)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/listings?country=Colombia&category=Para+la+Venta")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body listingsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, int64(3), body.Total)
	assert.Len(t, body.Listings, 3)
	assert.Equal(t, 1, body.Page)
	assert.Equal(t, 100, body.PageSize)
}

func TestHandleListings_BadRequests(t *testing.T) {
	svc, _ := newTestService(t, 1)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	tests := []struct {
		name string
		url  string
		want int
	}{
		{"missing country", "/api/v1/listings?category=x", http.StatusBadRequest},
		{"missing category", "/api/v1/listings?country=x", http.StatusBadRequest},
		{"page not a number", "/api/v1/listings?country=Colombia&category=Para+la+Venta&page=abc", http.StatusBadRequest},
		{"page zero", "/api/v1/listings?country=Colombia&category=Para+la+Venta&page=0", http.StatusBadRequest},
		{"neighborhood without city", "/api/v1/listings?country=Colombia&category=Para+la+Venta&neighborhood=Chapinero", http.StatusBadRequest},
		{"unknown city", "/api/v1/listings?country=Colombia&category=Para+la+Venta&city=Atlantis", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.url)
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestHandleRebuild(t *testing.T) {
	svc, store := newTestService(t, 1)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/rebuild", "application/json",
		strings.NewReader(`{"country_id":1,"category_id":5,"country":"Colombia","category":"Para la Venta"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	jobID, err := uuid.Parse(body["job_id"])
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := store.GetRebuildJob(context.Background(), jobID)
		return err == nil && job.Status == pubdb.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandleRebuild_BadRequests(t *testing.T) {
	svc, _ := newTestService(t, 1)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	for name, payload := range map[string]string{
		"not json":    "{",
		"missing ids": `{"country":"Colombia"}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/v1/rebuild", "application/json", strings.NewReader(payload))
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestHandleRebuildAll(t *testing.T) {
	svc, store := newTestService(t, 1)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/rebuild-all", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body struct {
		JobIDs []string `json:"job_ids"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.JobIDs, 1)

	jobID := uuid.MustParse(body.JobIDs[0])
	require.Eventually(t, func() bool {
		job, err := store.GetRebuildJob(context.Background(), jobID)
		return err == nil && job.Status == pubdb.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandleGetJob(t *testing.T) {
	svc, store := newTestService(t, 1)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	id := uuid.New()
	require.NoError(t, store.InsertRebuildJob(context.Background(), pubdb.InsertRebuildJobParams{
		ID: id, CountryID: 1, CategoryID: 5,
	}))

	resp, err := http.Get(srv.URL + "/api/v1/rebuild/jobs/" + id.String())
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body jobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, id.String(), body.ID)
	assert.Equal(t, "queued", body.Status)
}

func TestHandleGetJob_NotFound(t *testing.T) {
	svc, _ := newTestService(t, 1)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/rebuild/jobs/" + uuid.NewString())
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/rebuild/jobs/not-a-uuid")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
