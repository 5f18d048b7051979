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

package pubdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/avisoshq/pubcache/internal/segmentid"
)

var (
	// ErrSegmentNotFound is returned when no metadata record exists for a
	// (country, category) pair.
	ErrSegmentNotFound = errors.New("publish segment not found")

	// ErrRebuildInProgress is returned by MarkRebuildStarted when another
	// rebuild already holds the segment.
	ErrRebuildInProgress = errors.New("segment rebuild already in progress")
)

// Segment is the metadata record for one (country, category) cache unit.
// CurrentGeneration points at the generation of publish rows readers should
// see; rows under any other generation are either superseded or still being
// written by an in-flight rebuild.
type Segment struct {
	CountryID         int64
	CategoryID        int64
	TableName         string
	CurrentGeneration int64
	RebuildInProgress bool
	LastRebuiltAt     *time.Time
	CreatedAt         time.Time
}

const segmentColumns = `country_id, category_id, table_name, current_generation, rebuild_in_progress, last_rebuilt_at, created_at`

func scanSegment(row pgx.Row) (Segment, error) {
	var s Segment
	err := row.Scan(&s.CountryID, &s.CategoryID, &s.TableName, &s.CurrentGeneration, &s.RebuildInProgress, &s.LastRebuiltAt, &s.CreatedAt)
	return s, err
}

type EnsureSegmentParams struct {
	CountryID    int64
	CategoryID   int64
	CountryName  string
	CategoryName string
}

// EnsureSegment inserts the metadata record for the pair if it does not
// exist and returns the segment's table name. Calling it again with the
// same ids is a no-op that returns the stored name; the display names are
// only consulted on first creation. Physical storage is the shared
// publish_rows table owned by migrations, so no provisioning call is made.
func (q *Queries) EnsureSegment(ctx context.Context, params EnsureSegmentParams) (string, error) {
	tableName := segmentid.TableName(params.CountryName, params.CategoryName)

	_, err := q.db.Exec(ctx, `
		INSERT INTO publish_segments (country_id, category_id, table_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (country_id, category_id) DO NOTHING`,
		params.CountryID, params.CategoryID, tableName)
	if err != nil {
		return "", fmt.Errorf("failed to ensure segment (%d,%d): %w", params.CountryID, params.CategoryID, err)
	}

	row := q.db.QueryRow(ctx, `
		SELECT table_name FROM publish_segments
		WHERE country_id = $1 AND category_id = $2`,
		params.CountryID, params.CategoryID)
	var stored string
	if err := row.Scan(&stored); err != nil {
		return "", fmt.Errorf("failed to read back segment (%d,%d): %w", params.CountryID, params.CategoryID, err)
	}
	return stored, nil
}

func (q *Queries) GetSegment(ctx context.Context, countryID, categoryID int64) (Segment, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+segmentColumns+` FROM publish_segments
		WHERE country_id = $1 AND category_id = $2`,
		countryID, categoryID)
	s, err := scanSegment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Segment{}, ErrSegmentNotFound
	}
	return s, err
}

// GetSegmentByTableName resolves a segment by its derived identifier. The
// read path uses this so that a lookup needs only the display names, not
// the source ids.
func (q *Queries) GetSegmentByTableName(ctx context.Context, tableName string) (Segment, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+segmentColumns+` FROM publish_segments
		WHERE table_name = $1`,
		tableName)
	s, err := scanSegment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Segment{}, ErrSegmentNotFound
	}
	return s, err
}

func (q *Queries) ListSegments(ctx context.Context) ([]Segment, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+segmentColumns+` FROM publish_segments
		ORDER BY country_id, category_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		s, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, s)
	}
	return segments, rows.Err()
}

// MarkRebuildStarted claims the segment for a rebuild via a conditional
// update and returns the generation the rebuild should write under. The
// claim is atomic: of two concurrent callers exactly one wins, the other
// gets ErrRebuildInProgress.
func (q *Queries) MarkRebuildStarted(ctx context.Context, countryID, categoryID int64) (int64, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE publish_segments
		SET rebuild_in_progress = TRUE
		WHERE country_id = $1 AND category_id = $2 AND NOT rebuild_in_progress
		RETURNING current_generation + 1`,
		countryID, categoryID)

	var nextGeneration int64
	err := row.Scan(&nextGeneration)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the segment is missing or another rebuild holds it.
		if _, getErr := q.GetSegment(ctx, countryID, categoryID); getErr != nil {
			return 0, getErr
		}
		return 0, ErrRebuildInProgress
	}
	if err != nil {
		return 0, fmt.Errorf("failed to mark rebuild started for segment (%d,%d): %w", countryID, categoryID, err)
	}
	return nextGeneration, nil
}

type MarkRebuildFinishedParams struct {
	CountryID  int64
	CategoryID int64
	Generation int64
	FinishedAt time.Time
}

// MarkRebuildFinished flips the segment to the freshly-written generation,
// clears the in-progress flag, stamps last_rebuilt_at, and sweeps rows of
// every other generation — all in one transaction, so readers move from the
// old row set to the new one atomically.
func (store *Store) MarkRebuildFinished(ctx context.Context, params MarkRebuildFinishedParams) error {
	return store.execTx(ctx, func(q *Queries) error {
		tag, err := q.db.Exec(ctx, `
			UPDATE publish_segments
			SET current_generation = $3, rebuild_in_progress = FALSE, last_rebuilt_at = $4
			WHERE country_id = $1 AND category_id = $2`,
			params.CountryID, params.CategoryID, params.Generation, params.FinishedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrSegmentNotFound
		}

		_, err = q.db.Exec(ctx, `
			DELETE FROM publish_rows
			WHERE country_id = $1 AND category_id = $2 AND generation <> $3`,
			params.CountryID, params.CategoryID, params.Generation)
		return err
	})
}

// MarkRebuildFailed clears the in-progress flag without touching
// last_rebuilt_at and discards any rows the aborted rebuild managed to
// write. The discard is best-effort: leftover rows of an uncommitted
// generation are invisible to readers and swept by the next successful
// rebuild anyway.
func (store *Store) MarkRebuildFailed(ctx context.Context, countryID, categoryID, abortedGeneration int64) error {
	_, err := store.db.Exec(ctx, `
		UPDATE publish_segments
		SET rebuild_in_progress = FALSE
		WHERE country_id = $1 AND category_id = $2`,
		countryID, categoryID)
	if err != nil {
		return fmt.Errorf("failed to clear rebuild flag for segment (%d,%d): %w", countryID, categoryID, err)
	}

	if abortedGeneration > 0 {
		_, err = store.db.Exec(ctx, `
			DELETE FROM publish_rows
			WHERE country_id = $1 AND category_id = $2 AND generation = $3`,
			countryID, categoryID, abortedGeneration)
		if err != nil {
			return fmt.Errorf("failed to sweep aborted generation %d for segment (%d,%d): %w", abortedGeneration, countryID, categoryID, err)
		}
	}
	return nil
}

// ClearStaleRebuildFlags resets rebuild_in_progress on every segment.
// Rebuilds do not survive the process that runs them, so at startup a set
// flag can only be a leftover from a crash.
func (q *Queries) ClearStaleRebuildFlags(ctx context.Context) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE publish_segments
		SET rebuild_in_progress = FALSE
		WHERE rebuild_in_progress`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
