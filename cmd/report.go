package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/dealer-analytics/recon-cli/internal/audit"
	"github.com/dealer-analytics/recon-cli/internal/model"
	"github.com/dealer-analytics/recon-cli/internal/report"
)

var (
	reportFormat string
	reportStatus string
	reportFrom   string
	reportTo     string
	reportOut    string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export divergences from the ledger to CSV or XLSX",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("audit"); err != nil {
			return err
		}

		format, err := report.ParseFormat(reportFormat)
		if err != nil {
			return err
		}

		filter := audit.DivergenceFilter{Status: model.DivergenceStatus(reportStatus)}
		if reportFrom != "" {
			t, err := time.Parse("2006-01-02", reportFrom)
			if err != nil {
				return eris.Errorf("invalid --from %q (want YYYY-MM-DD)", reportFrom)
			}
			filter.Since = t
		}
		if reportTo != "" {
			t, err := time.Parse("2006-01-02", reportTo)
			if err != nil {
				return eris.Errorf("invalid --to %q (want YYYY-MM-DD)", reportTo)
			}
			filter.Until = t.AddDate(0, 0, 1)
		}

		pool, err := warehousePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		records, err := audit.NewQuery(pool).ListDivergences(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "report")
		}

		path, err := report.NewWriter(cfg.Report.OutputDir).ExportRows(records, format, reportOut)
		if err != nil {
			return err
		}

		fmt.Printf("Exported %d divergence(s) to %s\n", len(records), path)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportFormat, "format", "xlsx", "output format: csv or xlsx")
	reportCmd.Flags().StringVar(&reportStatus, "status", "", "filter by divergence status")
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "detected on or after (YYYY-MM-DD)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "detected on or before (YYYY-MM-DD)")
	reportCmd.Flags().StringVarP(&reportOut, "output", "o", "", "output path (default: generated under report.output_dir)")
	rootCmd.AddCommand(reportCmd)
}
