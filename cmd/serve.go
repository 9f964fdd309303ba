package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dealer-analytics/recon-cli/internal/api"
	"github.com/dealer-analytics/recon-cli/internal/apply"
	"github.com/dealer-analytics/recon-cli/internal/audit"
	"github.com/dealer-analytics/recon-cli/internal/detect"
	"github.com/dealer-analytics/recon-cli/internal/report"
)

var (
	servePort  int
	serveDaily string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST facade",
	Long:  "Serves the reconciliation API for the controlling dashboard. With --daily HH:MM it also runs the scheduler loop in the same process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		pool, err := warehousePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		rules := detect.RulesFromConfig(cfg.Detect)
		runner := buildRunner(pool, rules)
		server := api.NewServer(
			pool,
			audit.NewQuery(pool),
			apply.New(pool, audit.NewLedger(pool)),
			runner,
			report.NewWriter(cfg.Report.OutputDir),
			cfg.Server,
		)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.ListenAndServe(ctx)
		})
		if serveDaily != "" {
			g.Go(func() error {
				return runner.Schedule(ctx, serveDaily)
			})
		}

		if err := g.Wait(); err != nil && !eris.Is(err, context.Canceled) {
			return eris.Wrap(err, "serve")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "listen port")
	serveCmd.Flags().StringVar(&serveDaily, "daily", "", "also run a daily auto session at HH:MM")
	rootCmd.AddCommand(serveCmd)
}
