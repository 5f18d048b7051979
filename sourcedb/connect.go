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
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avisoshq/pubcache/internal/dbopen"
)

// ConnectToSourceDB opens a pool against the normalized classifieds
// database using the SOURCEDB_* environment variables. The schema belongs
// to the marketplace application, so there is no migration check here.
func ConnectToSourceDB(ctx context.Context) (*pgxpool.Pool, error) {
	connectionString, err := dbopen.GetDatabaseURLFromEnv("SOURCEDB")
	if err != nil {
		return nil, errors.Join(dbopen.ErrDatabaseNotConfigured, fmt.Errorf("failed to get SOURCEDB connection string: %w", err))
	}

	cfg, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// SourceDBStore connects and wraps the pool in a Store.
func SourceDBStore(ctx context.Context) (*Store, error) {
	pool, err := ConnectToSourceDB(ctx)
	if err != nil {
		return nil, err
	}
	return NewStore(pool), nil
}
