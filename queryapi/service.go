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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/avisoshq/pubcache/internal/logctx"
	"github.com/avisoshq/pubcache/internal/rebuild"
	"github.com/avisoshq/pubcache/pubdb"
)

// JobReader looks up recorded rebuild jobs. *pubdb.Store satisfies it.
type JobReader interface {
	GetRebuildJob(ctx context.Context, id uuid.UUID) (pubdb.RebuildJob, error)
}

// Service exposes the publish cache over HTTP: the listings read endpoint
// plus the fire-and-forget rebuild triggers and their job ledger.
type Service struct {
	gateway  *Gateway
	rebuilds *rebuild.Service
	jobs     JobReader
	addr     string
}

func NewService(gateway *Gateway, rebuilds *rebuild.Service, jobs JobReader, addr string) *Service {
	return &Service{gateway: gateway, rebuilds: rebuilds, jobs: jobs, addr: addr}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/listings", s.handleListings)
	mux.HandleFunc("POST /api/v1/rebuild", s.handleRebuild)
	mux.HandleFunc("POST /api/v1/rebuild-all", s.handleRebuildAll)
	mux.HandleFunc("GET /api/v1/rebuild/jobs/{id}", s.handleGetJob)
	return mux
}

// Run serves until doneCtx is cancelled, then drains in-flight requests.
func (s *Service) Run(doneCtx context.Context) error {
	ll := logctx.FromContext(doneCtx)
	ll.Info("Starting query API", slog.String("addr", s.addr))

	handler := s.Handler()
	srv := &http.Server{
		Addr: s.addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handler.ServeHTTP(w, r.WithContext(logctx.WithLogger(r.Context(), ll)))
		}),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ll.Error("Failed to start HTTP server", slog.Any("error", err))
		}
	}()

	<-doneCtx.Done()

	ll.Info("Shutting down query API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

type listingJSON struct {
	ListingID    int64   `json:"listing_id"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	Price        float64 `json:"price"`
	Thumbnail    *string `json:"thumbnail"`
	Subcategory  *string `json:"subcategory"`
	Category     *string `json:"category"`
	Coordinates  *string `json:"coordinates"`
	Neighborhood *string `json:"neighborhood"`
	City         *string `json:"city"`
	Country      *string `json:"country"`
}

type listingsResponse struct {
	Listings []listingJSON `json:"listings"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

func (s *Service) handleListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := QueryParams{
		Country:      q.Get("country"),
		Category:     q.Get("category"),
		City:         q.Get("city"),
		Neighborhood: q.Get("neighborhood"),
		Page:         1,
	}
	if params.Country == "" || params.Category == "" {
		http.Error(w, "country and category are required", http.StatusBadRequest)
		return
	}
	if p := q.Get("page"); p != "" {
		page, err := strconv.Atoi(p)
		if err != nil {
			http.Error(w, "page must be an integer", http.StatusBadRequest)
			return
		}
		params.Page = page
	}

	result, err := s.gateway.Query(r.Context(), params)
	switch {
	case errors.Is(err, ErrInvalidPage), errors.Is(err, ErrNeighborhoodNeedsCity):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrFilterNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		logctx.FromContext(r.Context()).Error("Listings query failed", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := listingsResponse{
		Listings: make([]listingJSON, 0, len(result.Rows)),
		Total:    result.Total,
		Page:     result.Page,
		PageSize: result.PageSize,
	}
	for _, row := range result.Rows {
		resp.Listings = append(resp.Listings, listingJSON{
			ListingID:    row.ListingID,
			Title:        row.Title,
			Description:  row.Description,
			Price:        row.Price,
			Thumbnail:    row.Thumbnail,
			Subcategory:  row.Subcategory,
			Category:     row.Category,
			Coordinates:  row.Coordinates,
			Neighborhood: row.Neighborhood,
			City:         row.City,
			Country:      row.Country,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type rebuildRequest struct {
	CountryID  int64  `json:"country_id"`
	CategoryID int64  `json:"category_id"`
	Country    string `json:"country"`
	Category   string `json:"category"`
}

func (s *Service) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.CountryID == 0 || req.CategoryID == 0 {
		http.Error(w, "country_id and category_id are required", http.StatusBadRequest)
		return
	}

	id, err := s.rebuilds.Submit(r.Context(), rebuild.SegmentParams{
		CountryID:    req.CountryID,
		CategoryID:   req.CategoryID,
		CountryName:  req.Country,
		CategoryName: req.Category,
	})
	if err != nil {
		logctx.FromContext(r.Context()).Error("Failed to submit rebuild", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id.String()})
}

func (s *Service) handleRebuildAll(w http.ResponseWriter, r *http.Request) {
	ids, err := s.rebuilds.SubmitAll(r.Context())
	if err != nil {
		logctx.FromContext(r.Context()).Error("Failed to submit rebuild-all", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": out})
}

type jobResponse struct {
	ID         string     `json:"id"`
	CountryID  int64      `json:"country_id"`
	CategoryID int64      `json:"category_id"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (s *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	job, err := s.jobs.GetRebuildJob(r.Context(), id)
	if errors.Is(err, pubdb.ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logctx.FromContext(r.Context()).Error("Failed to load rebuild job", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, jobResponse{
		ID:         job.ID.String(),
		CountryID:  job.CountryID,
		CategoryID: job.CategoryID,
		Status:     string(job.Status),
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
