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

// Package denorm computes the full denormalized row set for one publish
// segment. The pipeline narrows the source data in stages, each stage a
// set-membership query over the previous stage's output; any empty stage
// ends the build early with zero rows, which is a valid result rather than
// an error.
package denorm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/avisoshq/pubcache/internal/logctx"
	"github.com/avisoshq/pubcache/pubdb"
	"github.com/avisoshq/pubcache/sourcedb"
)

// SourceStore is the slice of sourcedb used by the engine.
type SourceStore interface {
	ListSubcategoryIDsByCategory(ctx context.Context, categoryID int64) ([]int64, error)
	ListCityIDsByCountry(ctx context.Context, countryID int64) ([]int64, error)
	ListNeighborhoodIDsByCities(ctx context.Context, cityIDs []int64) ([]int64, error)
	ListAddressesByNeighborhoods(ctx context.Context, neighborhoodIDs []int64) ([]sourcedb.Address, error)
	ListActiveListings(ctx context.Context, listingIDs, subcategoryIDs []int64) ([]sourcedb.Listing, error)
	GetNeighborhoodsByIDs(ctx context.Context, ids []int64) (map[int64]sourcedb.Neighborhood, error)
	GetCitiesByIDs(ctx context.Context, ids []int64) (map[int64]sourcedb.City, error)
	GetCountriesByIDs(ctx context.Context, ids []int64) (map[int64]sourcedb.Country, error)
	GetSubcategoriesByIDs(ctx context.Context, ids []int64) (map[int64]sourcedb.Subcategory, error)
	GetCategoriesByIDs(ctx context.Context, ids []int64) (map[int64]sourcedb.Category, error)
}

var _ SourceStore = (*sourcedb.Store)(nil)

type Engine struct {
	src SourceStore
}

func NewEngine(src SourceStore) *Engine {
	return &Engine{src: src}
}

// BuildSegment resolves every active listing belonging to the
// (country, category) segment and flattens each into a publish row. Rows
// come back in no particular order; the read path imposes ordering.
//
// The per-listing place and category chains are resolved with one batched
// lookup per entity type. A link missing at lookup time (for example an
// address pointing at a deleted neighborhood) nulls that display field and
// everything downstream of it; the listing is still emitted.
func (e *Engine) BuildSegment(ctx context.Context, countryID, categoryID int64) ([]pubdb.PublishRow, error) {
	ll := logctx.FromContext(ctx)

	subcategoryIDs, err := e.src.ListSubcategoryIDsByCategory(ctx, categoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subcategories for category %d: %w", categoryID, err)
	}
	if len(subcategoryIDs) == 0 {
		ll.Debug("No subcategories for category, segment is empty", slog.Int64("categoryID", categoryID))
		return nil, nil
	}

	cityIDs, err := e.src.ListCityIDsByCountry(ctx, countryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cities for country %d: %w", countryID, err)
	}
	if len(cityIDs) == 0 {
		ll.Debug("No cities for country, segment is empty", slog.Int64("countryID", countryID))
		return nil, nil
	}

	neighborhoodIDs, err := e.src.ListNeighborhoodIDsByCities(ctx, cityIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list neighborhoods: %w", err)
	}
	if len(neighborhoodIDs) == 0 {
		return nil, nil
	}

	addresses, err := e.src.ListAddressesByNeighborhoods(ctx, neighborhoodIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	if len(addresses) == 0 {
		return nil, nil
	}

	addressByListing := make(map[int64]sourcedb.Address, len(addresses))
	listingIDs := make([]int64, 0, len(addresses))
	for _, a := range addresses {
		if _, seen := addressByListing[a.ListingID]; seen {
			continue
		}
		addressByListing[a.ListingID] = a
		listingIDs = append(listingIDs, a.ListingID)
	}

	listings, err := e.src.ListActiveListings(ctx, listingIDs, subcategoryIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list active listings: %w", err)
	}
	if len(listings) == 0 {
		return nil, nil
	}

	chains, err := e.resolveChains(ctx, listings, addressByListing)
	if err != nil {
		return nil, err
	}

	rows := make([]pubdb.PublishRow, 0, len(listings))
	for _, l := range listings {
		rows = append(rows, e.flatten(countryID, categoryID, l, addressByListing[l.ID], chains))
	}

	ll.Debug("Built segment rows",
		slog.Int64("countryID", countryID),
		slog.Int64("categoryID", categoryID),
		slog.Int("rows", len(rows)))
	return rows, nil
}

// chainMaps holds the batched point lookups for the denormalization chain:
// address → neighborhood → city → country and subcategory → category.
type chainMaps struct {
	neighborhoods map[int64]sourcedb.Neighborhood
	cities        map[int64]sourcedb.City
	countries     map[int64]sourcedb.Country
	subcategories map[int64]sourcedb.Subcategory
	categories    map[int64]sourcedb.Category
}

func (e *Engine) resolveChains(ctx context.Context, listings []sourcedb.Listing, addressByListing map[int64]sourcedb.Address) (chainMaps, error) {
	var m chainMaps
	var err error

	neighborhoodIDs := make([]int64, 0, len(listings))
	subcategoryIDs := make([]int64, 0, len(listings))
	seenNb := map[int64]struct{}{}
	seenSc := map[int64]struct{}{}
	for _, l := range listings {
		if a, ok := addressByListing[l.ID]; ok {
			if _, dup := seenNb[a.NeighborhoodID]; !dup {
				seenNb[a.NeighborhoodID] = struct{}{}
				neighborhoodIDs = append(neighborhoodIDs, a.NeighborhoodID)
			}
		}
		if _, dup := seenSc[l.SubcategoryID]; !dup {
			seenSc[l.SubcategoryID] = struct{}{}
			subcategoryIDs = append(subcategoryIDs, l.SubcategoryID)
		}
	}

	if m.neighborhoods, err = e.src.GetNeighborhoodsByIDs(ctx, neighborhoodIDs); err != nil {
		return m, fmt.Errorf("failed to resolve neighborhoods: %w", err)
	}

	cityIDs := distinctKeys(m.neighborhoods, func(n sourcedb.Neighborhood) int64 { return n.CityID })
	if m.cities, err = e.src.GetCitiesByIDs(ctx, cityIDs); err != nil {
		return m, fmt.Errorf("failed to resolve cities: %w", err)
	}

	countryIDs := distinctKeys(m.cities, func(c sourcedb.City) int64 { return c.CountryID })
	if m.countries, err = e.src.GetCountriesByIDs(ctx, countryIDs); err != nil {
		return m, fmt.Errorf("failed to resolve countries: %w", err)
	}

	if m.subcategories, err = e.src.GetSubcategoriesByIDs(ctx, subcategoryIDs); err != nil {
		return m, fmt.Errorf("failed to resolve subcategories: %w", err)
	}

	categoryIDs := distinctKeys(m.subcategories, func(sc sourcedb.Subcategory) int64 { return sc.CategoryID })
	if m.categories, err = e.src.GetCategoriesByIDs(ctx, categoryIDs); err != nil {
		return m, fmt.Errorf("failed to resolve categories: %w", err)
	}

	return m, nil
}

func (e *Engine) flatten(countryID, categoryID int64, l sourcedb.Listing, addr sourcedb.Address, chains chainMaps) pubdb.PublishRow {
	row := pubdb.PublishRow{
		ListingID:     l.ID,
		Title:         l.Title,
		Description:   l.Description,
		Price:         l.Price,
		Thumbnail:     l.Thumbnail,
		Coordinates:   addr.Coordinates,
		CountryID:     countryID,
		CategoryID:    categoryID,
		SubcategoryID: ptr(l.SubcategoryID),
	}

	// Place chain: each missing hop nulls itself and everything after it.
	row.NeighborhoodID = ptr(addr.NeighborhoodID)
	if nb, ok := chains.neighborhoods[addr.NeighborhoodID]; ok {
		row.Neighborhood = ptr(nb.Name)
		row.CityID = ptr(nb.CityID)
		if city, ok := chains.cities[nb.CityID]; ok {
			row.City = ptr(city.Name)
			if country, ok := chains.countries[city.CountryID]; ok {
				row.Country = ptr(country.Name)
			}
		}
	}

	// Category chain.
	if sc, ok := chains.subcategories[l.SubcategoryID]; ok {
		row.Subcategory = ptr(sc.Name)
		if cat, ok := chains.categories[sc.CategoryID]; ok {
			row.Category = ptr(cat.Name)
		}
	}

	return row
}

func distinctKeys[V any](m map[int64]V, key func(V) int64) []int64 {
	seen := make(map[int64]struct{}, len(m))
	out := make([]int64, 0, len(m))
	for _, v := range m {
		k := key(v)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func ptr[T any](v T) *T {
	return &v
}
