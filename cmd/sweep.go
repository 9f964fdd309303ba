package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dealer-analytics/recon-cli/internal/audit"
	"github.com/dealer-analytics/recon-cli/internal/model"
)

var sweepOlderThan time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reconcile dangling PENDING operations",
	Long:  "Marks PENDING operations older than the cutoff as ROLLED_BACK. These are orphans left behind by crashed runs; their transactions never committed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("sweep"); err != nil {
			return err
		}

		pool, err := warehousePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		query := audit.NewQuery(pool)
		ledger := audit.NewLedger(pool)

		stale, err := query.StalePendingOperations(ctx, sweepOlderThan)
		if err != nil {
			return eris.Wrap(err, "sweep")
		}
		if len(stale) == 0 {
			fmt.Println("No stale PENDING operations.")
			return nil
		}

		swept := 0
		for _, op := range stale {
			err := ledger.EndOperation(ctx, op.ID, audit.OperationEnd{
				Status:       model.OpRolledBack,
				ErrorMessage: "swept: operation never completed",
			})
			if err != nil {
				zap.L().Error("sweep failed for operation", zap.Int64("id", op.ID), zap.Error(err))
				continue
			}
			swept++
		}

		fmt.Printf("Swept %d of %d stale operation(s).\n", swept, len(stale))
		if swept < len(stale) {
			return eris.Errorf("sweep: %d operation(s) could not be updated", len(stale)-swept)
		}
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepOlderThan, "older-than", 24*time.Hour, "age cutoff for PENDING operations")
	rootCmd.AddCommand(sweepCmd)
}
