package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/srxops/srxops/pkg/engine"
)

func newServeCommand() *cobra.Command {
	var (
		noBeat      bool
		queues      []string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool and scheduler",
		Long: `Run the job worker pool, the backup and health-check scheduler and the
metrics endpoint until interrupted.

Several workers may share one database; with worker.lease_backend set to
redis they may also run on different hosts. On shutdown no new jobs are
claimed and running jobs are allowed to finish.`,
		Example: `  # Run everything
  srxops serve -c /etc/srxops/srxops.yaml

  # Dedicated change/upgrade worker without the scheduler
  srxops serve --queues change --no-beat --concurrency 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			runner, gate, err := a.newRunner(ctx)
			if err != nil {
				return err
			}
			if a.cfg.Policy.Watch {
				if err := gate.Watch(ctx); err != nil {
					log.Warn().Err(err).Msg("policy watch unavailable")
				}
			}
			if err := a.tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			poolCfg := a.cfg.Worker.PoolConfig()
			if cmd.Flags().Changed("queues") {
				poolCfg.Queues = nil
				for _, q := range queues {
					poolCfg.Queues = append(poolCfg.Queues, engine.Queue(q))
				}
			}
			if concurrency > 0 {
				poolCfg.MaxConcurrent = concurrency
			}

			g, gctx := errgroup.WithContext(ctx)
			pool := engine.NewPool(runner, a.store, poolCfg)
			g.Go(func() error { return pool.Run(gctx) })

			if a.cfg.Beat.Enabled && !noBeat {
				beat := engine.NewBeat(a.store, a.store, a.cfg.Beat.Schedule(), engine.RealClock{}, a.tel)
				g.Go(func() error { return beat.Run(gctx) })
			}

			log.Info().
				Str("owner", runner.Owner()).
				Int("max_concurrent", poolCfg.MaxConcurrent).
				Str("lease_backend", a.cfg.Worker.LeaseBackend).
				Msg("srxops worker running")

			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&noBeat, "no-beat", false, "do not run the scheduler")
	cmd.Flags().StringSliceVar(&queues, "queues", nil, "queues to serve: backup, health, change (default all)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "override worker.max_concurrent")

	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			version, dirty, err := a.store.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, map[string]any{"path": a.cfg.Database.Path, "version": version, "dirty": dirty})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database %s at schema version %d\n", a.cfg.Database.Path, version)
			if dirty {
				fmt.Fprintln(cmd.OutOrStdout(), "warning: schema is marked dirty")
			}
			return nil
		},
	}
}
