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

package testhelpers

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avisoshq/pubcache/pubdb"
	pubdbmigrations "github.com/avisoshq/pubcache/pubdb/migrations"
)

// sourceSchema is a minimal copy of the normalized site schema, enough for
// the denormalization pipeline's queries. The real source database is owned
// by another system and never migrated from here.
const sourceSchema = `
CREATE TABLE countries (
	id BIGINT PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE cities (
	id BIGINT PRIMARY KEY,
	country_id BIGINT NOT NULL,
	name TEXT NOT NULL
);
CREATE TABLE neighborhoods (
	id BIGINT PRIMARY KEY,
	city_id BIGINT NOT NULL,
	name TEXT NOT NULL
);
CREATE TABLE categories (
	id BIGINT PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE subcategories (
	id BIGINT PRIMARY KEY,
	category_id BIGINT NOT NULL,
	name TEXT NOT NULL
);
CREATE TABLE listings (
	id BIGINT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	price DOUBLE PRECISION NOT NULL DEFAULT 0,
	thumbnail TEXT,
	subcategory_id BIGINT NOT NULL,
	status TEXT NOT NULL
);
CREATE TABLE addresses (
	id BIGSERIAL PRIMARY KEY,
	listing_id BIGINT NOT NULL,
	neighborhood_id BIGINT NOT NULL,
	coordinates TEXT
);
`

// SetupTestPubDB creates a clean test publish database with migrations
// applied. Returns a connection pool and registers cleanup with t.Cleanup.
func SetupTestPubDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool := setupTestDB(t, "PUBDB", "pubdb", "testing_pubdb")

	if err := pubdbmigrations.RunMigrationsUp(context.Background(), pool); err != nil {
		t.Fatalf("Failed to run pubdb migrations: %v", err)
	}
	return pool
}

// SetupTestSourceDB creates a test database carrying the normalized source
// schema the denormalization pipeline reads from.
func SetupTestSourceDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool := setupTestDB(t, "SOURCEDB", "sourcedb", "testing_sourcedb")

	if _, err := pool.Exec(context.Background(), sourceSchema); err != nil {
		t.Fatalf("Failed to create source schema: %v", err)
	}
	return pool
}

// NewTestPubDBStore creates a pubdb store connected to a fresh test
// database.
func NewTestPubDBStore(t *testing.T) *pubdb.Store {
	pool := SetupTestPubDB(t)
	store := pubdb.NewStore(pool)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func setupTestDB(t *testing.T, envPrefix, kind, defaultBaseDB string) *pgxpool.Pool {
	t.Helper()

	ctx := context.Background()
	dbName := fmt.Sprintf("test_%s_%d_%d", kind, time.Now().Unix(), rand.Intn(10000))

	// Get connection details from environment
	host := getEnvOrDefault(envPrefix+"_HOST", "localhost")
	port := getEnvOrDefault(envPrefix+"_PORT", "5432")
	user := getEnvOrDefault(envPrefix+"_USER", os.Getenv("USER"))
	baseDB := getEnvOrDefault(envPrefix+"_DBNAME", defaultBaseDB)
	password := os.Getenv(envPrefix + "_PASSWORD")

	basePool, err := pgxpool.New(ctx, connString(user, password, host, port, baseDB))
	if err != nil {
		t.Fatalf("Failed to connect to base %s database: %v", kind, err)
	}

	_, err = basePool.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", dbName))
	if err != nil {
		t.Fatalf("Failed to create test database %s: %v", dbName, err)
	}

	testPool, err := pgxpool.New(ctx, connString(user, password, host, port, dbName))
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	t.Cleanup(func() {
		testPool.Close()

		_, err := basePool.Exec(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s", dbName))
		if err != nil {
			slog.Error("Failed to drop test database", slog.String("dbName", dbName), slog.Any("error", err))
		}

		basePool.Close()
	})

	return testPool
}

func connString(user, password, host, port, dbName string) string {
	if password != "" {
		return fmt.Sprintf("postgresql://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, dbName)
	}
	return fmt.Sprintf("postgresql://%s@%s:%s/%s", user, host, port, dbName)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
