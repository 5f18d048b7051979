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

// Package rebuild drives segment rebuilds: it claims the segment, runs the
// denormalization engine, writes the new generation in batches, and flips
// readers over. The Service wraps the orchestrator with an asynchronous,
// job-tracked trigger surface.
package rebuild

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avisoshq/pubcache/config"
	"github.com/avisoshq/pubcache/internal/logctx"
	"github.com/avisoshq/pubcache/pubdb"
	"github.com/avisoshq/pubcache/sourcedb"
)

// SegmentStore is the slice of the publish store the orchestrator writes
// through. *pubdb.Store satisfies it.
type SegmentStore interface {
	EnsureSegment(ctx context.Context, params pubdb.EnsureSegmentParams) (string, error)
	MarkRebuildStarted(ctx context.Context, countryID, categoryID int64) (int64, error)
	MarkRebuildFinished(ctx context.Context, params pubdb.MarkRebuildFinishedParams) error
	MarkRebuildFailed(ctx context.Context, countryID, categoryID, abortedGeneration int64) error
	InsertPublishRows(ctx context.Context, params pubdb.InsertPublishRowsParams) error
}

// Builder produces the full denormalized row set for one segment.
type Builder interface {
	BuildSegment(ctx context.Context, countryID, categoryID int64) ([]pubdb.PublishRow, error)
}

type Orchestrator struct {
	store   SegmentStore
	builder Builder
}

func NewOrchestrator(store SegmentStore, builder Builder) *Orchestrator {
	return &Orchestrator{store: store, builder: builder}
}

type SegmentParams struct {
	CountryID    int64
	CategoryID   int64
	CountryName  string
	CategoryName string
}

// RebuildSegment rebuilds one segment end to end: ensure the metadata
// record exists, claim the segment, build the rows, write them under the
// next generation in batches, and flip. Returns
// pubdb.ErrRebuildInProgress without side effects when another rebuild
// holds the segment. On any later failure the claim is released, the
// partial generation is discarded, and the previous generation stays
// visible to readers.
//
// An empty row set is a valid rebuild: the segment flips to an empty
// generation and last_rebuilt_at still advances.
func (o *Orchestrator) RebuildSegment(ctx context.Context, params SegmentParams) error {
	ll := logctx.FromContext(ctx)

	if _, err := o.store.EnsureSegment(ctx, pubdb.EnsureSegmentParams{
		CountryID:    params.CountryID,
		CategoryID:   params.CategoryID,
		CountryName:  params.CountryName,
		CategoryName: params.CategoryName,
	}); err != nil {
		return fmt.Errorf("failed to ensure segment (%d,%d): %w", params.CountryID, params.CategoryID, err)
	}

	generation, err := o.store.MarkRebuildStarted(ctx, params.CountryID, params.CategoryID)
	if err != nil {
		return err
	}

	start := time.Now()
	rows, err := o.builder.BuildSegment(ctx, params.CountryID, params.CategoryID)
	if err != nil {
		o.abort(ctx, params, generation)
		return fmt.Errorf("failed to build segment (%d,%d): %w", params.CountryID, params.CategoryID, err)
	}

	for offset := 0; offset < len(rows); offset += config.InsertBatchSize {
		end := min(offset+config.InsertBatchSize, len(rows))
		if err := o.store.InsertPublishRows(ctx, pubdb.InsertPublishRowsParams{
			CountryID:  params.CountryID,
			CategoryID: params.CategoryID,
			Generation: generation,
			Rows:       rows[offset:end],
		}); err != nil {
			o.abort(ctx, params, generation)
			return fmt.Errorf("failed to insert publish rows for segment (%d,%d): %w", params.CountryID, params.CategoryID, err)
		}
	}

	if err := o.store.MarkRebuildFinished(ctx, pubdb.MarkRebuildFinishedParams{
		CountryID:  params.CountryID,
		CategoryID: params.CategoryID,
		Generation: generation,
		FinishedAt: time.Now(),
	}); err != nil {
		o.abort(ctx, params, generation)
		return fmt.Errorf("failed to finish rebuild for segment (%d,%d): %w", params.CountryID, params.CategoryID, err)
	}

	ll.Info("Segment rebuilt",
		slog.Int64("countryID", params.CountryID),
		slog.Int64("categoryID", params.CategoryID),
		slog.Int64("generation", generation),
		slog.Int("rows", len(rows)),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// DiscoverySource lists the live country and category sets from the
// normalized source. *sourcedb.Store satisfies it.
type DiscoverySource interface {
	ListCountries(ctx context.Context) ([]sourcedb.Country, error)
	ListCategories(ctx context.Context) ([]sourcedb.Category, error)
}

// DiscoverSegments ensures a segment record exists for every
// country x category pair in the source, so that a following rebuild-all
// covers pairs that have never been built. Returns the number of pairs
// seen.
func (o *Orchestrator) DiscoverSegments(ctx context.Context, src DiscoverySource) (int, error) {
	countries, err := src.ListCountries(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list countries: %w", err)
	}
	categories, err := src.ListCategories(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list categories: %w", err)
	}

	for _, country := range countries {
		for _, category := range categories {
			if _, err := o.store.EnsureSegment(ctx, pubdb.EnsureSegmentParams{
				CountryID:    country.ID,
				CategoryID:   category.ID,
				CountryName:  country.Name,
				CategoryName: category.Name,
			}); err != nil {
				return 0, fmt.Errorf("failed to ensure segment (%d,%d): %w", country.ID, category.ID, err)
			}
		}
	}
	return len(countries) * len(categories), nil
}

func (o *Orchestrator) abort(ctx context.Context, params SegmentParams, generation int64) {
	if err := o.store.MarkRebuildFailed(ctx, params.CountryID, params.CategoryID, generation); err != nil {
		logctx.FromContext(ctx).Error("Failed to release segment after aborted rebuild",
			slog.Int64("countryID", params.CountryID),
			slog.Int64("categoryID", params.CategoryID),
			slog.Any("error", err))
	}
}
