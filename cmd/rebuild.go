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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/avisoshq/pubcache/config"
	"github.com/avisoshq/pubcache/internal/denorm"
	"github.com/avisoshq/pubcache/internal/logctx"
	"github.com/avisoshq/pubcache/internal/rebuild"
	"github.com/avisoshq/pubcache/pubdb"
	"github.com/avisoshq/pubcache/sourcedb"
)

func init() {
	var (
		all          bool
		discover     bool
		countryID    int64
		categoryID   int64
		countryName  string
		categoryName string
	)

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "rebuild publish segments and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger := setupLogging("pubcache-rebuild")

			ctx, cancel := handleSignals(context.Background())
			defer cancel()
			ctx = logctx.WithLogger(ctx, logger)

			if !all && (countryID == 0 || categoryID == 0) {
				return fmt.Errorf("either --all or both --country-id and --category-id are required")
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			pdb, err := pubdb.PubDBStore(ctx)
			if err != nil {
				return fmt.Errorf("failed to connect to publish database: %w", err)
			}
			defer pdb.Close()

			sdb, err := sourcedb.SourceDBStore(ctx)
			if err != nil {
				return fmt.Errorf("failed to connect to source database: %w", err)
			}
			defer sdb.Close()

			orch := rebuild.NewOrchestrator(pdb, denorm.NewEngine(sdb))

			if all {
				if discover {
					seen, err := orch.DiscoverSegments(ctx, sdb)
					if err != nil {
						return fmt.Errorf("failed to discover segments: %w", err)
					}
					logger.Info("Discovered segments from source", slog.Int("pairs", seen))
				}
				rebuilds := rebuild.NewService(orch, pdb, cfg.Rebuild.Concurrency)
				return rebuilds.RebuildAll(ctx)
			}

			return orch.RebuildSegment(ctx, rebuild.SegmentParams{
				CountryID:    countryID,
				CategoryID:   categoryID,
				CountryName:  countryName,
				CategoryName: categoryName,
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Rebuild every known segment")
	cmd.Flags().BoolVar(&discover, "discover", false, "With --all, first create segments for every country x category pair in the source")
	cmd.Flags().Int64Var(&countryID, "country-id", 0, "Country id of the segment to rebuild")
	cmd.Flags().Int64Var(&categoryID, "category-id", 0, "Category id of the segment to rebuild")
	cmd.Flags().StringVar(&countryName, "country", "", "Country display name, used when the segment is first created")
	cmd.Flags().StringVar(&categoryName, "category", "", "Category display name, used when the segment is first created")

	rootCmd.AddCommand(cmd)
}
