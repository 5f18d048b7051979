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
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avisoshq/pubcache/pubdb"
	"github.com/avisoshq/pubcache/sourcedb"
)

type fakePublishStore struct {
	segments map[string]pubdb.Segment
	rows     []pubdb.PublishRow

	queryErr error
	queries  []pubdb.QueryPublishRowsParams
}

func (f *fakePublishStore) GetSegmentByTableName(_ context.Context, tableName string) (pubdb.Segment, error) {
	seg, ok := f.segments[tableName]
	if !ok {
		return pubdb.Segment{}, pubdb.ErrSegmentNotFound
	}
	return seg, nil
}

// matching mirrors the store's filter: segment key, generation, optional
// place ids.
func (f *fakePublishStore) matching(params pubdb.QueryPublishRowsParams) []pubdb.PublishRow {
	var out []pubdb.PublishRow
	for _, r := range f.rows {
		if params.CityID != nil && (r.CityID == nil || *r.CityID != *params.CityID) {
			continue
		}
		if params.NeighborhoodID != nil && (r.NeighborhoodID == nil || *r.NeighborhoodID != *params.NeighborhoodID) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

func (f *fakePublishStore) QueryPublishRows(_ context.Context, params pubdb.QueryPublishRowsParams) ([]pubdb.PublishRow, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	f.queries = append(f.queries, params)
	out := f.matching(params)
	start := int(params.Offset)
	if start >= len(out) {
		return nil, nil
	}
	end := min(start+int(params.Limit), len(out))
	return out[start:end], nil
}

func (f *fakePublishStore) CountPublishRows(_ context.Context, params pubdb.QueryPublishRowsParams) (int64, error) {
	if f.queryErr != nil {
		return 0, f.queryErr
	}
	return int64(len(f.matching(params))), nil
}

type fakeFilterSource struct {
	cities        map[string]sourcedb.City         // keyed by lowercase name
	neighborhoods map[string]sourcedb.Neighborhood // keyed by lowercase name
	cityLookups   int
}

func (f *fakeFilterSource) LookupCityByName(_ context.Context, countryID int64, name string) (sourcedb.City, error) {
	f.cityLookups++
	city, ok := f.cities[strings.ToLower(name)]
	if !ok || city.CountryID != countryID {
		return sourcedb.City{}, sourcedb.ErrNotFound
	}
	return city, nil
}

func (f *fakeFilterSource) LookupNeighborhoodByName(_ context.Context, cityID int64, name string) (sourcedb.Neighborhood, error) {
	nb, ok := f.neighborhoods[strings.ToLower(name)]
	if !ok || nb.CityID != cityID {
		return sourcedb.Neighborhood{}, sourcedb.ErrNotFound
	}
	return nb, nil
}

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }

func testFixture(rowCount int) (*fakePublishStore, *fakeFilterSource) {
	pub := &fakePublishStore{
		segments: map[string]pubdb.Segment{
			"publish_colombia_para_la_venta": {
				CountryID:         1,
				CategoryID:        5,
				TableName:         "publish_colombia_para_la_venta",
				CurrentGeneration: 3,
			},
		},
	}
	for i := 0; i < rowCount; i++ {
		pub.rows = append(pub.rows, pubdb.PublishRow{
			ListingID:      int64(i + 1),
			Title:          "listing " + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26)),
			City:           strPtr("Bogota"),
			CityID:         int64Ptr(10),
			Neighborhood:   strPtr("Chapinero"),
			NeighborhoodID: int64Ptr(100),
		})
	}
	src := &fakeFilterSource{
		cities:        map[string]sourcedb.City{"bogota": {ID: 10, CountryID: 1, Name: "Bogota"}},
		neighborhoods: map[string]sourcedb.Neighborhood{"chapinero": {ID: 100, CityID: 10, Name: "Chapinero"}},
	}
	return pub, src
}

func newTestGateway(t *testing.T, pub *fakePublishStore, src *fakeFilterSource) *Gateway {
	t.Helper()
	g := NewGateway(pub, src, time.Minute)
	t.Cleanup(g.Close)
	return g
}

func TestQuery_SlugMatchingIgnoresCaseAndPunctuation(t *testing.T) {
	pub, src := testFixture(1)
	g := newTestGateway(t, pub, src)

	for _, country := range []string{"Colombia", "colombia", "COLOMBIA"} {
		for _, category := range []string{"Para la Venta", "para-la-venta", "para la venta"} {
			result, err := g.Query(context.Background(), QueryParams{Country: country, Category: category, Page: 1})
			require.NoError(t, err)
			assert.Equal(t, int64(1), result.Total, "%s / %s", country, category)
		}
	}
}

func TestQuery_UnknownSegmentServesEmptyPage(t *testing.T) {
	pub, src := testFixture(1)
	g := newTestGateway(t, pub, src)

	result, err := g.Query(context.Background(), QueryParams{Country: "Peru", Category: "Para la Venta", Page: 1})
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
	assert.Zero(t, result.Total)
	assert.Equal(t, 1, result.Page)
}

func TestQuery_Pagination(t *testing.T) {
	pub, src := testFixture(150)
	g := newTestGateway(t, pub, src)

	page1, err := g.Query(context.Background(), QueryParams{Country: "Colombia", Category: "Para la Venta", Page: 1})
	require.NoError(t, err)
	assert.Len(t, page1.Rows, 100)
	assert.Equal(t, int64(150), page1.Total)

	page2, err := g.Query(context.Background(), QueryParams{Country: "Colombia", Category: "Para la Venta", Page: 2})
	require.NoError(t, err)
	assert.Len(t, page2.Rows, 50)
	assert.Equal(t, int64(150), page2.Total)

	// No overlap across the page boundary.
	assert.NotEqual(t, page1.Rows[99].ListingID, page2.Rows[0].ListingID)

	page3, err := g.Query(context.Background(), QueryParams{Country: "Colombia", Category: "Para la Venta", Page: 3})
	require.NoError(t, err)
	assert.Empty(t, page3.Rows)
	assert.Equal(t, int64(150), page3.Total, "total keeps counting past the last page")
}

func TestQuery_PageBelowOneRejected(t *testing.T) {
	pub, src := testFixture(1)
	g := newTestGateway(t, pub, src)

	for _, page := range []int{0, -1} {
		_, err := g.Query(context.Background(), QueryParams{Country: "Colombia", Category: "Para la Venta", Page: page})
		assert.ErrorIs(t, err, ErrInvalidPage)
	}
}

func TestQuery_ReadsCurrentGenerationOnly(t *testing.T) {
	pub, src := testFixture(5)
	g := newTestGateway(t, pub, src)

	_, err := g.Query(context.Background(), QueryParams{Country: "Colombia", Category: "Para la Venta", Page: 1})
	require.NoError(t, err)

	require.NotEmpty(t, pub.queries)
	assert.Equal(t, int64(3), pub.queries[0].Generation)
}

func TestQuery_CityFilterResolvedAndCached(t *testing.T) {
	pub, src := testFixture(5)
	g := newTestGateway(t, pub, src)

	params := QueryParams{Country: "Colombia", Category: "Para la Venta", City: "Bogota", Page: 1}
	result, err := g.Query(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Total)

	_, err = g.Query(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 1, src.cityLookups, "second query hits the filter cache")

	require.NotEmpty(t, pub.queries)
	require.NotNil(t, pub.queries[0].CityID)
	assert.Equal(t, int64(10), *pub.queries[0].CityID)
}

func TestQuery_NeighborhoodFilterRequiresCity(t *testing.T) {
	pub, src := testFixture(1)
	g := newTestGateway(t, pub, src)

	_, err := g.Query(context.Background(), QueryParams{
		Country: "Colombia", Category: "Para la Venta",
		Neighborhood: "Chapinero", Page: 1,
	})
	assert.ErrorIs(t, err, ErrNeighborhoodNeedsCity)
}

func TestQuery_UnknownFilters(t *testing.T) {
	pub, src := testFixture(1)
	g := newTestGateway(t, pub, src)

	_, err := g.Query(context.Background(), QueryParams{
		Country: "Colombia", Category: "Para la Venta",
		City: "Atlantis", Page: 1,
	})
	assert.ErrorIs(t, err, ErrFilterNotFound)

	_, err = g.Query(context.Background(), QueryParams{
		Country: "Colombia", Category: "Para la Venta",
		City: "Bogota", Neighborhood: "Nowhere", Page: 1,
	})
	assert.ErrorIs(t, err, ErrFilterNotFound)
}

func TestQuery_NeighborhoodMustBelongToCity(t *testing.T) {
	pub, src := testFixture(1)
	src.cities["medellin"] = sourcedb.City{ID: 11, CountryID: 1, Name: "Medellin"}
	g := newTestGateway(t, pub, src)

	_, err := g.Query(context.Background(), QueryParams{
		Country: "Colombia", Category: "Para la Venta",
		City: "Medellin", Neighborhood: "Chapinero", Page: 1,
	})
	assert.ErrorIs(t, err, ErrFilterNotFound)
}

func TestQuery_MissingRelationDegradesToEmpty(t *testing.T) {
	pub, src := testFixture(5)
	pub.queryErr = &pgconn.PgError{Code: pgerrcode.UndefinedTable}
	g := newTestGateway(t, pub, src)

	result, err := g.Query(context.Background(), QueryParams{Country: "Colombia", Category: "Para la Venta", Page: 1})
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
	assert.Zero(t, result.Total)
}
