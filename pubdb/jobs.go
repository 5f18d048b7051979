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
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrJobNotFound is returned when a rebuild job id is unknown.
var ErrJobNotFound = errors.New("rebuild job not found")

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// RebuildJob tracks one asynchronous rebuild request so that callers can
// poll its outcome instead of relying on server-side logs.
type RebuildJob struct {
	ID         uuid.UUID
	CountryID  int64
	CategoryID int64
	Status     JobStatus
	Error      *string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

type InsertRebuildJobParams struct {
	ID         uuid.UUID
	CountryID  int64
	CategoryID int64
}

func (q *Queries) InsertRebuildJob(ctx context.Context, params InsertRebuildJobParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO rebuild_jobs (id, country_id, category_id, status)
		VALUES ($1, $2, $3, $4)`,
		params.ID, params.CountryID, params.CategoryID, JobStatusQueued)
	return err
}

func (q *Queries) MarkJobRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE rebuild_jobs SET status = $2, started_at = $3
		WHERE id = $1`,
		id, JobStatusRunning, startedAt)
	return err
}

func (q *Queries) MarkJobCompleted(ctx context.Context, id uuid.UUID, finishedAt time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE rebuild_jobs SET status = $2, finished_at = $3
		WHERE id = $1`,
		id, JobStatusCompleted, finishedAt)
	return err
}

func (q *Queries) MarkJobFailed(ctx context.Context, id uuid.UUID, finishedAt time.Time, jobErr string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE rebuild_jobs SET status = $2, finished_at = $3, error = $4
		WHERE id = $1`,
		id, JobStatusFailed, finishedAt, jobErr)
	return err
}

func (q *Queries) GetRebuildJob(ctx context.Context, id uuid.UUID) (RebuildJob, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, country_id, category_id, status, error, created_at, started_at, finished_at
		FROM rebuild_jobs WHERE id = $1`,
		id)

	var j RebuildJob
	err := row.Scan(&j.ID, &j.CountryID, &j.CategoryID, &j.Status, &j.Error, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RebuildJob{}, ErrJobNotFound
	}
	return j, err
}

// FailAbandonedJobs marks jobs left queued or running by a previous process
// as failed. Called once at service startup; a rebuild cannot survive its
// process, so anything still in-flight in the ledger is dead.
func (q *Queries) FailAbandonedJobs(ctx context.Context, finishedAt time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE rebuild_jobs
		SET status = $1, finished_at = $2, error = 'abandoned by process restart'
		WHERE status IN ($3, $4)`,
		JobStatusFailed, finishedAt, JobStatusQueued, JobStatusRunning)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
