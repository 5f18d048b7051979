//go:build integration

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

package pubdb_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avisoshq/pubcache/pubdb"
	"github.com/avisoshq/pubcache/testhelpers"
)

func ensureTestSegment(t *testing.T, store *pubdb.Store) string {
	t.Helper()
	name, err := store.EnsureSegment(context.Background(), pubdb.EnsureSegmentParams{
		CountryID:    1,
		CategoryID:   5,
		CountryName:  "Colombia",
		CategoryName: "Para la Venta",
	})
	require.NoError(t, err)
	return name
}

func TestEnsureSegment_Idempotent(t *testing.T) {
	store := testhelpers.NewTestPubDBStore(t)
	ctx := context.Background()

	name := ensureTestSegment(t, store)
	assert.Equal(t, "publish_colombia_para_la_venta", name)

	// Second call with different display names must not change anything.
	again, err := store.EnsureSegment(ctx, pubdb.EnsureSegmentParams{
		CountryID:    1,
		CategoryID:   5,
		CountryName:  "COLOMBIA",
		CategoryName: "para-la-venta",
	})
	require.NoError(t, err)
	assert.Equal(t, name, again)

	segments, err := store.ListSegments(ctx)
	require.NoError(t, err)
	assert.Len(t, segments, 1)
}

func TestGetSegmentByTableName(t *testing.T) {
	store := testhelpers.NewTestPubDBStore(t)
	ctx := context.Background()

	name := ensureTestSegment(t, store)

	seg, err := store.GetSegmentByTableName(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seg.CountryID)
	assert.Equal(t, int64(5), seg.CategoryID)
	assert.Zero(t, seg.CurrentGeneration)
	assert.Nil(t, seg.LastRebuiltAt)

	_, err = store.GetSegmentByTableName(ctx, "publish_peru_autos")
	assert.ErrorIs(t, err, pubdb.ErrSegmentNotFound)
}

func TestMarkRebuildStarted_MutualExclusion(t *testing.T) {
	store := testhelpers.NewTestPubDBStore(t)
	ctx := context.Background()

	ensureTestSegment(t, store)

	generation, err := store.MarkRebuildStarted(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), generation)

	// Second claim while the first holds the segment.
	_, err = store.MarkRebuildStarted(ctx, 1, 5)
	assert.ErrorIs(t, err, pubdb.ErrRebuildInProgress)

	// Unknown segments are reported as missing, not busy.
	_, err = store.MarkRebuildStarted(ctx, 99, 99)
	assert.ErrorIs(t, err, pubdb.ErrSegmentNotFound)
}

func TestRebuildLifecycle_FlipAndSweep(t *testing.T) {
	store := testhelpers.NewTestPubDBStore(t)
	ctx := context.Background()

	ensureTestSegment(t, store)

	// First rebuild: two rows under generation 1.
	gen1, err := store.MarkRebuildStarted(ctx, 1, 5)
	require.NoError(t, err)
	require.NoError(t, store.InsertPublishRows(ctx, pubdb.InsertPublishRowsParams{
		CountryID: 1, CategoryID: 5, Generation: gen1,
		Rows: []pubdb.PublishRow{
			{ListingID: 10, Title: "bicicleta"},
			{ListingID: 11, Title: "armario"},
		},
	}))
	finished1 := time.Now()
	require.NoError(t, store.MarkRebuildFinished(ctx, pubdb.MarkRebuildFinishedParams{
		CountryID: 1, CategoryID: 5, Generation: gen1, FinishedAt: finished1,
	}))

	seg, err := store.GetSegment(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, gen1, seg.CurrentGeneration)
	assert.False(t, seg.RebuildInProgress)
	require.NotNil(t, seg.LastRebuiltAt)

	// Second rebuild replaces the row set.
	gen2, err := store.MarkRebuildStarted(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, gen1+1, gen2)
	require.NoError(t, store.InsertPublishRows(ctx, pubdb.InsertPublishRowsParams{
		CountryID: 1, CategoryID: 5, Generation: gen2,
		Rows: []pubdb.PublishRow{{ListingID: 12, Title: "cama"}},
	}))
	require.NoError(t, store.MarkRebuildFinished(ctx, pubdb.MarkRebuildFinishedParams{
		CountryID: 1, CategoryID: 5, Generation: gen2, FinishedAt: time.Now(),
	}))

	// Old generation is swept; only the new rows remain under any
	// generation.
	rows, err := store.QueryPublishRows(ctx, pubdb.QueryPublishRowsParams{
		CountryID: 1, CategoryID: 5, Generation: gen2, Limit: 100,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(12), rows[0].ListingID)

	old, err := store.CountPublishRows(ctx, pubdb.QueryPublishRowsParams{
		CountryID: 1, CategoryID: 5, Generation: gen1,
	})
	require.NoError(t, err)
	assert.Zero(t, old)
}

func TestMarkRebuildFailed_PreservesPreviousGeneration(t *testing.T) {
	store := testhelpers.NewTestPubDBStore(t)
	ctx := context.Background()

	ensureTestSegment(t, store)

	gen1, err := store.MarkRebuildStarted(ctx, 1, 5)
	require.NoError(t, err)
	require.NoError(t, store.InsertPublishRows(ctx, pubdb.InsertPublishRowsParams{
		CountryID: 1, CategoryID: 5, Generation: gen1,
		Rows: []pubdb.PublishRow{{ListingID: 10, Title: "bicicleta"}},
	}))
	require.NoError(t, store.MarkRebuildFinished(ctx, pubdb.MarkRebuildFinishedParams{
		CountryID: 1, CategoryID: 5, Generation: gen1, FinishedAt: time.Now(),
	}))

	segBefore, err := store.GetSegment(ctx, 1, 5)
	require.NoError(t, err)

	// Second rebuild writes some rows, then aborts.
	gen2, err := store.MarkRebuildStarted(ctx, 1, 5)
	require.NoError(t, err)
	require.NoError(t, store.InsertPublishRows(ctx, pubdb.InsertPublishRowsParams{
		CountryID: 1, CategoryID: 5, Generation: gen2,
		Rows: []pubdb.PublishRow{{ListingID: 99, Title: "half-written"}},
	}))
	require.NoError(t, store.MarkRebuildFailed(ctx, 1, 5, gen2))

	seg, err := store.GetSegment(ctx, 1, 5)
	require.NoError(t, err)
	assert.False(t, seg.RebuildInProgress)
	assert.Equal(t, gen1, seg.CurrentGeneration, "readers keep the last good generation")
	require.NotNil(t, seg.LastRebuiltAt)
	assert.Equal(t, segBefore.LastRebuiltAt.Unix(), seg.LastRebuiltAt.Unix(), "a failed rebuild does not advance last_rebuilt_at")

	// The aborted generation's rows are gone, the good ones remain.
	aborted, err := store.CountPublishRows(ctx, pubdb.QueryPublishRowsParams{
		CountryID: 1, CategoryID: 5, Generation: gen2,
	})
	require.NoError(t, err)
	assert.Zero(t, aborted)

	good, err := store.CountPublishRows(ctx, pubdb.QueryPublishRowsParams{
		CountryID: 1, CategoryID: 5, Generation: gen1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), good)

	// The segment is claimable again.
	_, err = store.MarkRebuildStarted(ctx, 1, 5)
	require.NoError(t, err)
}

func TestQueryPublishRows_OrderingAndFilters(t *testing.T) {
	store := testhelpers.NewTestPubDBStore(t)
	ctx := context.Background()

	ensureTestSegment(t, store)
	gen, err := store.MarkRebuildStarted(ctx, 1, 5)
	require.NoError(t, err)

	city10 := int64(10)
	city11 := int64(11)
	nb100 := int64(100)
	require.NoError(t, store.InsertPublishRows(ctx, pubdb.InsertPublishRowsParams{
		CountryID: 1, CategoryID: 5, Generation: gen,
		Rows: []pubdb.PublishRow{
			{ListingID: 1, Title: "cama", CityID: &city10, NeighborhoodID: &nb100},
			{ListingID: 2, Title: "armario", CityID: &city11},
			{ListingID: 3, Title: "bicicleta", CityID: &city10},
		},
	}))
	require.NoError(t, store.MarkRebuildFinished(ctx, pubdb.MarkRebuildFinishedParams{
		CountryID: 1, CategoryID: 5, Generation: gen, FinishedAt: time.Now(),
	}))

	rows, err := store.QueryPublishRows(ctx, pubdb.QueryPublishRowsParams{
		CountryID: 1, CategoryID: 5, Generation: gen, Limit: 100,
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "armario", rows[0].Title)
	assert.Equal(t, "bicicleta", rows[1].Title)
	assert.Equal(t, "cama", rows[2].Title)

	rows, err = store.QueryPublishRows(ctx, pubdb.QueryPublishRowsParams{
		CountryID: 1, CategoryID: 5, Generation: gen, CityID: &city10, Limit: 100,
	})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = store.QueryPublishRows(ctx, pubdb.QueryPublishRowsParams{
		CountryID: 1, CategoryID: 5, Generation: gen, CityID: &city10, NeighborhoodID: &nb100, Limit: 100,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].ListingID)

	total, err := store.CountPublishRows(ctx, pubdb.QueryPublishRowsParams{
		CountryID: 1, CategoryID: 5, Generation: gen, CityID: &city10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestClearStaleRebuildFlags(t *testing.T) {
	store := testhelpers.NewTestPubDBStore(t)
	ctx := context.Background()

	ensureTestSegment(t, store)
	_, err := store.MarkRebuildStarted(ctx, 1, 5)
	require.NoError(t, err)

	cleared, err := store.ClearStaleRebuildFlags(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)

	_, err = store.MarkRebuildStarted(ctx, 1, 5)
	require.NoError(t, err, "the segment is claimable after the sweep")
}
