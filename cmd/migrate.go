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

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/avisoshq/pubcache/internal/dbopen"
	"github.com/avisoshq/pubcache/internal/logctx"
	"github.com/avisoshq/pubcache/pubdb"
	pubdbmigrations "github.com/avisoshq/pubcache/pubdb/migrations"
)

func init() {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run publish database migrations",
		Long:  "Bring the publish database schema up to the version this binary expects. The source database is read-only and never migrated.",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger := setupLogging("pubcache-migrate")

			ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(5*time.Minute))
			defer cancel()
			ctx = logctx.WithLogger(ctx, logger)

			pool, err := pubdb.ConnectToPubDB(ctx, dbopen.SkipMigrationCheck())
			if err != nil {
				return fmt.Errorf("failed to connect to publish database: %w", err)
			}
			defer pool.Close()

			if err := pubdbmigrations.RunMigrationsUp(ctx, pool); err != nil {
				return fmt.Errorf("failed to migrate publish database: %w", err)
			}

			logger.Info("Publish database migrations completed successfully")
			return nil
		},
	}

	rootCmd.AddCommand(cmd)
}
