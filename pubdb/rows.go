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
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PublishRow is one denormalized listing inside a segment. The display
// fields flattened from the place and category chains are nullable: a
// broken link in the source data nulls that field and everything downstream
// of it, but the listing is still published.
type PublishRow struct {
	ListingID      int64
	Title          string
	Description    string
	Price          float64
	Thumbnail      *string
	Subcategory    *string
	Category       *string
	Coordinates    *string
	Neighborhood   *string
	City           *string
	Country        *string
	CountryID      int64
	CategoryID     int64
	SubcategoryID  *int64
	CityID         *int64
	NeighborhoodID *int64
}

const insertPublishRowSQL = `
	INSERT INTO publish_rows (
		country_id, category_id, generation, listing_id,
		title, description, price, thumbnail,
		subcategory, category, coordinates,
		neighborhood, city, country,
		subcategory_id, city_id, neighborhood_id
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

type InsertPublishRowsParams struct {
	CountryID  int64
	CategoryID int64
	Generation int64
	Rows       []PublishRow
}

// InsertPublishRows writes the given rows under the segment and generation
// in a single pgx batch. Callers chunk the full row set before calling;
// this method does not split further.
func (q *Queries) InsertPublishRows(ctx context.Context, params InsertPublishRowsParams) error {
	if len(params.Rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range params.Rows {
		batch.Queue(insertPublishRowSQL,
			params.CountryID, params.CategoryID, params.Generation, r.ListingID,
			r.Title, r.Description, r.Price, r.Thumbnail,
			r.Subcategory, r.Category, r.Coordinates,
			r.Neighborhood, r.City, r.Country,
			r.SubcategoryID, r.CityID, r.NeighborhoodID)
	}

	results := q.db.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()

	for i := range params.Rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert publish row %d/%d: %w", i+1, len(params.Rows), err)
		}
	}
	return nil
}

type QueryPublishRowsParams struct {
	CountryID      int64
	CategoryID     int64
	Generation     int64
	CityID         *int64
	NeighborhoodID *int64
	Limit          int32
	Offset         int32
}

func publishRowFilter(params QueryPublishRowsParams) (string, []any) {
	where := `country_id = $1 AND category_id = $2 AND generation = $3`
	args := []any{params.CountryID, params.CategoryID, params.Generation}
	if params.CityID != nil {
		args = append(args, *params.CityID)
		where += fmt.Sprintf(" AND city_id = $%d", len(args))
	}
	if params.NeighborhoodID != nil {
		args = append(args, *params.NeighborhoodID)
		where += fmt.Sprintf(" AND neighborhood_id = $%d", len(args))
	}
	return where, args
}

// QueryPublishRows returns one page of rows for the segment's generation,
// ordered by title ascending.
func (q *Queries) QueryPublishRows(ctx context.Context, params QueryPublishRowsParams) ([]PublishRow, error) {
	where, args := publishRowFilter(params)
	args = append(args, params.Limit, params.Offset)
	sql := fmt.Sprintf(`
		SELECT listing_id, title, description, price, thumbnail,
		       subcategory, category, coordinates,
		       neighborhood, city, country,
		       country_id, category_id, subcategory_id, city_id, neighborhood_id
		FROM publish_rows
		WHERE %s
		ORDER BY title ASC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PublishRow
	for rows.Next() {
		var r PublishRow
		if err := rows.Scan(
			&r.ListingID, &r.Title, &r.Description, &r.Price, &r.Thumbnail,
			&r.Subcategory, &r.Category, &r.Coordinates,
			&r.Neighborhood, &r.City, &r.Country,
			&r.CountryID, &r.CategoryID, &r.SubcategoryID, &r.CityID, &r.NeighborhoodID,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountPublishRows returns the total number of rows matching the same
// filter QueryPublishRows pages over.
func (q *Queries) CountPublishRows(ctx context.Context, params QueryPublishRowsParams) (int64, error) {
	where, args := publishRowFilter(params)
	sql := `SELECT COUNT(*) FROM publish_rows WHERE ` + where

	var total int64
	if err := q.db.QueryRow(ctx, sql, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}
