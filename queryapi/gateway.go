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

// Package queryapi is the read surface over the publish cache. Reads are
// resolved entirely against the cache plus a cached filter-name lookup;
// a segment that has never been built answers with an empty page rather
// than an error.
package queryapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jellydator/ttlcache/v3"

	"github.com/avisoshq/pubcache/config"
	"github.com/avisoshq/pubcache/internal/logctx"
	"github.com/avisoshq/pubcache/internal/segmentid"
	"github.com/avisoshq/pubcache/pubdb"
	"github.com/avisoshq/pubcache/sourcedb"
)

var (
	// ErrInvalidPage is returned for page numbers below 1. Pages are
	// 1-based.
	ErrInvalidPage = errors.New("page numbers start at 1")

	// ErrFilterNotFound is returned when a city or neighborhood filter
	// names a place that does not exist under the queried segment.
	ErrFilterNotFound = errors.New("place filter not found")

	// ErrNeighborhoodNeedsCity is returned when a neighborhood filter is
	// given without the city that scopes it.
	ErrNeighborhoodNeedsCity = errors.New("neighborhood filter requires a city filter")
)

// PublishStore is the slice of the publish store the gateway reads from.
// *pubdb.Store satisfies it.
type PublishStore interface {
	GetSegmentByTableName(ctx context.Context, tableName string) (pubdb.Segment, error)
	QueryPublishRows(ctx context.Context, params pubdb.QueryPublishRowsParams) ([]pubdb.PublishRow, error)
	CountPublishRows(ctx context.Context, params pubdb.QueryPublishRowsParams) (int64, error)
}

// FilterSource resolves place filter names against the normalized source.
// *sourcedb.Store satisfies it.
type FilterSource interface {
	LookupCityByName(ctx context.Context, countryID int64, name string) (sourcedb.City, error)
	LookupNeighborhoodByName(ctx context.Context, cityID int64, name string) (sourcedb.Neighborhood, error)
}

type Gateway struct {
	pub PublishStore
	src FilterSource

	// filterCache maps "city:<countryID>:<name>" and
	// "nb:<cityID>:<name>" to resolved ids. Segment generations are
	// never cached: a stale generation would read an already-swept row
	// set.
	filterCache *ttlcache.Cache[string, int64]
}

func NewGateway(pub PublishStore, src FilterSource, filterTTL time.Duration) *Gateway {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, int64](filterTTL),
		ttlcache.WithDisableTouchOnHit[string, int64](),
	)
	go cache.Start()
	return &Gateway{pub: pub, src: src, filterCache: cache}
}

func (g *Gateway) Close() {
	g.filterCache.Stop()
}

type QueryParams struct {
	Country  string
	Category string

	// Optional place filters, by display name. Neighborhood requires
	// City.
	City         string
	Neighborhood string

	// Page is 1-based.
	Page int
}

type QueryResult struct {
	Rows     []pubdb.PublishRow
	Total    int64
	Page     int
	PageSize int
}

// Query returns one page of published listings for the (country, category)
// segment, ordered by title. Country and category arrive as display names
// and are reduced to the segment slug, so casing and punctuation do not
// matter. A segment that does not exist or has never finished a rebuild
// yields an empty result with total 0.
func (g *Gateway) Query(ctx context.Context, params QueryParams) (QueryResult, error) {
	if params.Page < 1 {
		return QueryResult{}, ErrInvalidPage
	}
	empty := QueryResult{Page: params.Page, PageSize: config.PageSize}

	tableName := segmentid.TableName(params.Country, params.Category)
	seg, err := g.pub.GetSegmentByTableName(ctx, tableName)
	if errors.Is(err, pubdb.ErrSegmentNotFound) {
		logctx.FromContext(ctx).Debug("Query for unknown segment, serving empty page",
			slog.String("tableName", tableName))
		return empty, nil
	}
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to resolve segment %q: %w", tableName, err)
	}

	rowParams := pubdb.QueryPublishRowsParams{
		CountryID:  seg.CountryID,
		CategoryID: seg.CategoryID,
		Generation: seg.CurrentGeneration,
		Limit:      config.PageSize,
		Offset:     int32((params.Page - 1) * config.PageSize),
	}
	if err := g.resolveFilters(ctx, seg.CountryID, params, &rowParams); err != nil {
		return QueryResult{}, err
	}

	rows, err := g.pub.QueryPublishRows(ctx, rowParams)
	if err != nil {
		if isMissingRelation(err) {
			return empty, nil
		}
		return QueryResult{}, fmt.Errorf("failed to query segment %q: %w", tableName, err)
	}

	total, err := g.pub.CountPublishRows(ctx, rowParams)
	if err != nil {
		if isMissingRelation(err) {
			return empty, nil
		}
		return QueryResult{}, fmt.Errorf("failed to count segment %q: %w", tableName, err)
	}

	return QueryResult{Rows: rows, Total: total, Page: params.Page, PageSize: config.PageSize}, nil
}

func (g *Gateway) resolveFilters(ctx context.Context, countryID int64, params QueryParams, rowParams *pubdb.QueryPublishRowsParams) error {
	if params.Neighborhood != "" && params.City == "" {
		return ErrNeighborhoodNeedsCity
	}
	if params.City == "" {
		return nil
	}

	cityID, err := g.cached(ctx, fmt.Sprintf("city:%d:%s", countryID, params.City), func(ctx context.Context) (int64, error) {
		city, err := g.src.LookupCityByName(ctx, countryID, params.City)
		if err != nil {
			return 0, err
		}
		return city.ID, nil
	})
	if errors.Is(err, sourcedb.ErrNotFound) {
		return fmt.Errorf("%w: city %q", ErrFilterNotFound, params.City)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve city filter %q: %w", params.City, err)
	}
	rowParams.CityID = &cityID

	if params.Neighborhood == "" {
		return nil
	}

	neighborhoodID, err := g.cached(ctx, fmt.Sprintf("nb:%d:%s", cityID, params.Neighborhood), func(ctx context.Context) (int64, error) {
		nb, err := g.src.LookupNeighborhoodByName(ctx, cityID, params.Neighborhood)
		if err != nil {
			return 0, err
		}
		return nb.ID, nil
	})
	if errors.Is(err, sourcedb.ErrNotFound) {
		return fmt.Errorf("%w: neighborhood %q in city %q", ErrFilterNotFound, params.Neighborhood, params.City)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve neighborhood filter %q: %w", params.Neighborhood, err)
	}
	rowParams.NeighborhoodID = &neighborhoodID

	return nil
}

// cached answers the lookup from the filter cache, falling through to
// resolve on miss. Misses of the not-found kind are not cached, so a place
// added to the source becomes filterable immediately.
func (g *Gateway) cached(ctx context.Context, key string, resolve func(context.Context) (int64, error)) (int64, error) {
	if item := g.filterCache.Get(key); item != nil {
		return item.Value(), nil
	}
	v, err := resolve(ctx)
	if err != nil {
		return 0, err
	}
	g.filterCache.Set(key, v, ttlcache.DefaultTTL)
	return v, nil
}

// isMissingRelation reports whether the error is postgres complaining that
// a relation does not exist, which on the read path means the cache schema
// is absent and the right answer is an empty page, not a 500.
func isMissingRelation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable
}
