package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/dealer-analytics/recon-cli/internal/detect"
)

var scheduleAt string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the daily auto session on a schedule",
	Long:  "Blocks and runs a full auto-mode reconciliation session every day at the given wall-clock time.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("schedule"); err != nil {
			return err
		}

		pool, err := warehousePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		runner := buildRunner(pool, detect.RulesFromConfig(cfg.Detect))
		if err := runner.Schedule(ctx, scheduleAt); err != nil && !eris.Is(err, context.Canceled) {
			return eris.Wrap(err, "schedule")
		}
		return nil
	},
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleAt, "at", "06:00", "daily run time (HH:MM)")
	rootCmd.AddCommand(scheduleCmd)
}
