package main

import (
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/dealer-analytics/recon-cli/internal/apply"
	"github.com/dealer-analytics/recon-cli/internal/audit"
	"github.com/dealer-analytics/recon-cli/internal/model"
)

var (
	approveActor string
	approveValue float64

	rejectActor  string
	rejectReason string
)

var approveCmd = &cobra.Command{
	Use:   "approve <id>...",
	Short: "Approve detected divergences and apply their corrections",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("audit"); err != nil {
			return err
		}
		if cmd.Flags().Changed("value") && len(args) > 1 {
			return eris.New("approve: --value only applies to a single id")
		}

		pool, err := warehousePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		query := audit.NewQuery(pool)
		applier := apply.New(pool, audit.NewLedger(pool))

		var customValue *float64
		if cmd.Flags().Changed("value") {
			customValue = &approveValue
		}

		failed := 0
		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				fmt.Printf("  %s: invalid id\n", arg)
				failed++
				continue
			}

			rec, err := query.GetDivergence(ctx, id)
			if err == nil {
				err = applier.Approve(ctx, *rec, approveActor, customValue, model.SourceManual)
			}
			if err != nil {
				fmt.Printf("  %d: %v\n", id, err)
				failed++
				continue
			}
			fmt.Printf("  %d: approved\n", id)
		}

		if failed > 0 {
			return eris.Errorf("approve: %d of %d failed", failed, len(args))
		}
		return nil
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a detected divergence as a false positive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("audit"); err != nil {
			return err
		}

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Errorf("reject: invalid id %q", args[0])
		}

		pool, err := warehousePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		applier := apply.New(pool, audit.NewLedger(pool))
		if err := applier.Reject(ctx, id, rejectActor, rejectReason); err != nil {
			return eris.Wrap(err, "reject")
		}

		fmt.Printf("Divergence %d rejected.\n", id)
		return nil
	},
}

func init() {
	approveCmd.Flags().StringVar(&approveActor, "actor", "", "reviewer recorded in the audit ledger (required)")
	approveCmd.Flags().Float64Var(&approveValue, "value", 0, "override the corrected value")
	_ = approveCmd.MarkFlagRequired("actor")

	rejectCmd.Flags().StringVar(&rejectActor, "actor", "", "reviewer recorded in the audit ledger (required)")
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "why this divergence is a false positive (required)")
	_ = rejectCmd.MarkFlagRequired("actor")
	_ = rejectCmd.MarkFlagRequired("reason")

	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
}
