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

package sourcedb

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a name lookup matches no source row.
var ErrNotFound = errors.New("source entity not found")

// Store executes read-only queries against the normalized source schema.
type Store struct {
	connPool *pgxpool.Pool
}

func NewStore(connPool *pgxpool.Pool) *Store {
	return &Store{connPool: connPool}
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.connPool
}

func (s *Store) Close() {
	if s.connPool != nil {
		s.connPool.Close()
	}
}

func (s *Store) listIDs(ctx context.Context, sql string, args ...any) ([]int64, error) {
	rows, err := s.connPool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListSubcategoryIDsByCategory returns the ids of all subcategories that
// belong to the category.
func (s *Store) ListSubcategoryIDsByCategory(ctx context.Context, categoryID int64) ([]int64, error) {
	return s.listIDs(ctx, `SELECT id FROM subcategories WHERE category_id = $1`, categoryID)
}

// ListCityIDsByCountry returns the ids of all cities in the country.
func (s *Store) ListCityIDsByCountry(ctx context.Context, countryID int64) ([]int64, error) {
	return s.listIDs(ctx, `SELECT id FROM cities WHERE country_id = $1`, countryID)
}

// ListNeighborhoodIDsByCities returns the ids of all neighborhoods in any
// of the given cities.
func (s *Store) ListNeighborhoodIDsByCities(ctx context.Context, cityIDs []int64) ([]int64, error) {
	if len(cityIDs) == 0 {
		return nil, nil
	}
	return s.listIDs(ctx, `SELECT id FROM neighborhoods WHERE city_id = ANY($1)`, cityIDs)
}

// ListAddressesByNeighborhoods returns the address records located in any
// of the given neighborhoods.
func (s *Store) ListAddressesByNeighborhoods(ctx context.Context, neighborhoodIDs []int64) ([]Address, error) {
	if len(neighborhoodIDs) == 0 {
		return nil, nil
	}
	rows, err := s.connPool.Query(ctx, `
		SELECT listing_id, neighborhood_id, coordinates
		FROM addresses WHERE neighborhood_id = ANY($1)`,
		neighborhoodIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addresses []Address
	for rows.Next() {
		var a Address
		if err := rows.Scan(&a.ListingID, &a.NeighborhoodID, &a.Coordinates); err != nil {
			return nil, err
		}
		addresses = append(addresses, a)
	}
	return addresses, rows.Err()
}

// ListActiveListings returns listings with status=active whose id is in
// listingIDs and whose subcategory is in subcategoryIDs.
func (s *Store) ListActiveListings(ctx context.Context, listingIDs, subcategoryIDs []int64) ([]Listing, error) {
	if len(listingIDs) == 0 || len(subcategoryIDs) == 0 {
		return nil, nil
	}
	rows, err := s.connPool.Query(ctx, `
		SELECT id, title, description, price, thumbnail, subcategory_id, status
		FROM listings
		WHERE status = $1 AND id = ANY($2) AND subcategory_id = ANY($3)`,
		ListingStatusActive, listingIDs, subcategoryIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []Listing
	for rows.Next() {
		var l Listing
		if err := rows.Scan(&l.ID, &l.Title, &l.Description, &l.Price, &l.Thumbnail, &l.SubcategoryID, &l.Status); err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// GetNeighborhoodsByIDs fetches the given neighborhoods; missing ids are
// simply absent from the result map.
func (s *Store) GetNeighborhoodsByIDs(ctx context.Context, ids []int64) (map[int64]Neighborhood, error) {
	out := make(map[int64]Neighborhood, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.connPool.Query(ctx, `
		SELECT id, city_id, name FROM neighborhoods WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var n Neighborhood
		if err := rows.Scan(&n.ID, &n.CityID, &n.Name); err != nil {
			return nil, err
		}
		out[n.ID] = n
	}
	return out, rows.Err()
}

func (s *Store) GetCitiesByIDs(ctx context.Context, ids []int64) (map[int64]City, error) {
	out := make(map[int64]City, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.connPool.Query(ctx, `
		SELECT id, country_id, name FROM cities WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var c City
		if err := rows.Scan(&c.ID, &c.CountryID, &c.Name); err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

func (s *Store) GetCountriesByIDs(ctx context.Context, ids []int64) (map[int64]Country, error) {
	out := make(map[int64]Country, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.connPool.Query(ctx, `
		SELECT id, name FROM countries WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var c Country
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

func (s *Store) GetSubcategoriesByIDs(ctx context.Context, ids []int64) (map[int64]Subcategory, error) {
	out := make(map[int64]Subcategory, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.connPool.Query(ctx, `
		SELECT id, category_id, name FROM subcategories WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var sc Subcategory
		if err := rows.Scan(&sc.ID, &sc.CategoryID, &sc.Name); err != nil {
			return nil, err
		}
		out[sc.ID] = sc
	}
	return out, rows.Err()
}

func (s *Store) GetCategoriesByIDs(ctx context.Context, ids []int64) (map[int64]Category, error) {
	out := make(map[int64]Category, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.connPool.Query(ctx, `
		SELECT id, name FROM categories WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

// LookupCityByName resolves a city display name within a country,
// case-insensitively.
func (s *Store) LookupCityByName(ctx context.Context, countryID int64, name string) (City, error) {
	row := s.connPool.QueryRow(ctx, `
		SELECT id, country_id, name FROM cities
		WHERE country_id = $1 AND LOWER(name) = LOWER($2)`,
		countryID, name)
	var c City
	err := row.Scan(&c.ID, &c.CountryID, &c.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return City{}, ErrNotFound
	}
	return c, err
}

// LookupNeighborhoodByName resolves a neighborhood display name within a
// city, case-insensitively.
func (s *Store) LookupNeighborhoodByName(ctx context.Context, cityID int64, name string) (Neighborhood, error) {
	row := s.connPool.QueryRow(ctx, `
		SELECT id, city_id, name FROM neighborhoods
		WHERE city_id = $1 AND LOWER(name) = LOWER($2)`,
		cityID, name)
	var n Neighborhood
	err := row.Scan(&n.ID, &n.CityID, &n.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Neighborhood{}, ErrNotFound
	}
	return n, err
}

// ListCountries returns every country; used for rebuild-all discovery.
func (s *Store) ListCountries(ctx context.Context) ([]Country, error) {
	rows, err := s.connPool.Query(ctx, `SELECT id, name FROM countries ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Country
	for rows.Next() {
		var c Country
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListCategories returns every category; used for rebuild-all discovery.
func (s *Store) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.connPool.Query(ctx, `SELECT id, name FROM categories ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
