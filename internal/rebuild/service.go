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

package rebuild

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/avisoshq/pubcache/internal/logctx"
	"github.com/avisoshq/pubcache/pubdb"
)

// JobStore records the lifecycle of asynchronous rebuild requests.
// *pubdb.Store satisfies it.
type JobStore interface {
	InsertRebuildJob(ctx context.Context, params pubdb.InsertRebuildJobParams) error
	MarkJobRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	MarkJobCompleted(ctx context.Context, id uuid.UUID, finishedAt time.Time) error
	MarkJobFailed(ctx context.Context, id uuid.UUID, finishedAt time.Time, jobErr string) error
	ListSegments(ctx context.Context) ([]pubdb.Segment, error)
}

// Service is the trigger surface over the orchestrator. Submit and
// SubmitAll return as soon as the request is recorded; the rebuild itself
// runs in a detached goroutine with its own context so that an HTTP
// caller disconnecting does not abort it.
type Service struct {
	orch        *Orchestrator
	jobs        JobStore
	concurrency int
}

func NewService(orch *Orchestrator, jobs JobStore, concurrency int) *Service {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Service{orch: orch, jobs: jobs, concurrency: concurrency}
}

// Submit queues a rebuild for one segment and returns its job id. The
// caller polls the job to learn the outcome.
func (s *Service) Submit(ctx context.Context, params SegmentParams) (uuid.UUID, error) {
	id := uuid.New()
	if err := s.jobs.InsertRebuildJob(ctx, pubdb.InsertRebuildJobParams{
		ID:         id,
		CountryID:  params.CountryID,
		CategoryID: params.CategoryID,
	}); err != nil {
		return uuid.Nil, fmt.Errorf("failed to record rebuild job: %w", err)
	}

	ll := logctx.FromContext(ctx).With(slog.String("jobID", id.String()))
	go s.runJob(logctx.WithLogger(context.Background(), ll), id, params)

	return id, nil
}

// SubmitAll queues a rebuild for every known segment and returns the job
// ids. The rebuilds run in the background with bounded concurrency; per
// segment failures are recorded on their jobs and logged, never returned
// here.
func (s *Service) SubmitAll(ctx context.Context) ([]uuid.UUID, error) {
	segments, err := s.jobs.ListSegments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}

	type queued struct {
		id     uuid.UUID
		params SegmentParams
	}
	jobs := make([]queued, 0, len(segments))
	ids := make([]uuid.UUID, 0, len(segments))
	for _, seg := range segments {
		id := uuid.New()
		if err := s.jobs.InsertRebuildJob(ctx, pubdb.InsertRebuildJobParams{
			ID:         id,
			CountryID:  seg.CountryID,
			CategoryID: seg.CategoryID,
		}); err != nil {
			return nil, fmt.Errorf("failed to record rebuild job: %w", err)
		}
		jobs = append(jobs, queued{id: id, params: SegmentParams{CountryID: seg.CountryID, CategoryID: seg.CategoryID}})
		ids = append(ids, id)
	}

	ll := logctx.FromContext(ctx)
	go func() {
		group, gctx := errgroup.WithContext(logctx.WithLogger(context.Background(), ll))
		group.SetLimit(s.concurrency)
		for _, j := range jobs {
			group.Go(func() error {
				s.runJob(logctx.WithLogger(gctx, ll.With(slog.String("jobID", j.id.String()))), j.id, j.params)
				return nil
			})
		}
		_ = group.Wait()
		ll.Info("Rebuild-all sweep finished", slog.Int("segments", len(jobs)))
	}()

	return ids, nil
}

// RebuildAll rebuilds every known segment synchronously with bounded
// concurrency. Used by the one-shot CLI and the periodic sweep; segments
// that are already mid-rebuild fail with pubdb.ErrRebuildInProgress and
// the remaining segments still run. All failures come back aggregated.
func (s *Service) RebuildAll(ctx context.Context) error {
	segments, err := s.jobs.ListSegments(ctx)
	if err != nil {
		return fmt.Errorf("failed to list segments: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)

	errs := make([]error, len(segments))
	for i, seg := range segments {
		group.Go(func() error {
			params := SegmentParams{CountryID: seg.CountryID, CategoryID: seg.CategoryID}
			errs[i] = s.orch.RebuildSegment(gctx, params)
			return nil
		})
	}
	_ = group.Wait()

	var merr *multierror.Error
	for i, segErr := range errs {
		if segErr != nil {
			merr = multierror.Append(merr, fmt.Errorf("segment (%d,%d): %w", segments[i].CountryID, segments[i].CategoryID, segErr))
		}
	}
	return merr.ErrorOrNil()
}

func (s *Service) runJob(ctx context.Context, id uuid.UUID, params SegmentParams) {
	ll := logctx.FromContext(ctx)

	if err := s.jobs.MarkJobRunning(ctx, id, time.Now()); err != nil {
		ll.Error("Failed to mark rebuild job running", slog.Any("error", err))
	}

	if err := s.orch.RebuildSegment(ctx, params); err != nil {
		ll.Warn("Rebuild job failed",
			slog.Int64("countryID", params.CountryID),
			slog.Int64("categoryID", params.CategoryID),
			slog.Any("error", err))
		if jerr := s.jobs.MarkJobFailed(ctx, id, time.Now(), err.Error()); jerr != nil {
			ll.Error("Failed to mark rebuild job failed", slog.Any("error", jerr))
		}
		return
	}

	if err := s.jobs.MarkJobCompleted(ctx, id, time.Now()); err != nil {
		ll.Error("Failed to mark rebuild job completed", slog.Any("error", err))
	}
}
