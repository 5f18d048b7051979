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
	"time"

	"github.com/spf13/cobra"

	"github.com/avisoshq/pubcache/config"
	"github.com/avisoshq/pubcache/internal/denorm"
	"github.com/avisoshq/pubcache/internal/healthcheck"
	"github.com/avisoshq/pubcache/internal/logctx"
	"github.com/avisoshq/pubcache/internal/rebuild"
	"github.com/avisoshq/pubcache/pubdb"
	"github.com/avisoshq/pubcache/queryapi"
	"github.com/avisoshq/pubcache/sourcedb"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the publish cache server",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger := setupLogging("pubcache")

			ctx, cancel := handleSignals(context.Background())
			defer cancel()
			ctx = logctx.WithLogger(ctx, logger)

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			// Start health check server
			healthConfig := healthcheck.GetConfigFromEnv()
			healthServer := healthcheck.NewServer(healthConfig)

			go func() {
				if err := healthServer.Start(ctx); err != nil {
					logger.Error("Health check server stopped", slog.Any("error", err))
				}
			}()

			// Mark as healthy immediately - health is not dependent on database readiness
			healthServer.SetStatus(healthcheck.StatusHealthy)

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

			// A rebuild cannot outlive its process, so anything still
			// flagged or queued from a previous run is dead.
			if cleared, err := pdb.ClearStaleRebuildFlags(ctx); err != nil {
				return fmt.Errorf("failed to clear stale rebuild flags: %w", err)
			} else if cleared > 0 {
				logger.Warn("Cleared stale rebuild flags from previous run", slog.Int64("count", cleared))
			}
			if failed, err := pdb.FailAbandonedJobs(ctx, time.Now()); err != nil {
				return fmt.Errorf("failed to sweep abandoned rebuild jobs: %w", err)
			} else if failed > 0 {
				logger.Warn("Failed abandoned rebuild jobs from previous run", slog.Int64("count", failed))
			}

			engine := denorm.NewEngine(sdb)
			orch := rebuild.NewOrchestrator(pdb, engine)
			rebuilds := rebuild.NewService(orch, pdb, cfg.Rebuild.Concurrency)

			gateway := queryapi.NewGateway(pdb, sdb, cfg.Query.FilterCacheTTL)
			defer gateway.Close()

			healthServer.SetReady(true)

			if cfg.Rebuild.PeriodicEnabled {
				go periodicRebuildLoop(ctx, rebuilds, cfg.Rebuild.PeriodicInterval)
			}

			api := queryapi.NewService(gateway, rebuilds, pdb, cfg.API.Addr)
			return api.Run(ctx)
		},
	}

	rootCmd.AddCommand(cmd)
}

// periodicRebuildLoop rebuilds every segment on a fixed interval until the
// context ends. Per-segment failures are logged and the loop keeps going;
// the next tick retries everything.
func periodicRebuildLoop(ctx context.Context, rebuilds *rebuild.Service, interval time.Duration) {
	ll := logctx.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ll.Info("Starting periodic rebuild of all segments")
			if err := rebuilds.RebuildAll(ctx); err != nil {
				ll.Warn("Periodic rebuild finished with failures", slog.Any("error", err))
			}
		}
	}
}
