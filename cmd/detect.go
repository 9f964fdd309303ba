package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/dealer-analytics/recon-cli/internal/detect"
	"github.com/dealer-analytics/recon-cli/internal/model"
	"github.com/dealer-analytics/recon-cli/internal/report"
)

var (
	detectStart         string
	detectEnd           string
	detectKind          string
	detectMinConfidence float64
	detectRules         string
	detectReport        string
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect divergences without writing anything",
	Long:  "Runs the reconciliation rules against the warehouse and prints what they find. The warehouse and the ledger are never modified.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("detect"); err != nil {
			return err
		}

		start, end, err := parseDateRange(detectStart, detectEnd)
		if err != nil {
			return err
		}
		rules, err := buildRules(detectRules)
		if err != nil {
			return err
		}

		pool, err := warehousePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		minConfidence := detectMinConfidence
		if !cmd.Flags().Changed("min-confidence") {
			minConfidence = cfg.Detect.MinConfidence
		}

		detector := detect.New(pool, rules)
		divergences, err := detector.Detect(ctx, detect.Options{
			Start:         start,
			End:           end,
			Kind:          model.Kind(detectKind),
			MinConfidence: minConfidence,
		})
		if err != nil {
			return eris.Wrap(err, "detect")
		}

		if len(divergences) == 0 {
			fmt.Println("No divergences found.")
			return nil
		}

		formatDivergences(os.Stdout, divergences)

		if detectReport != "" {
			format, err := report.ParseFormat(detectReport)
			if err != nil {
				return err
			}
			path, err := report.NewWriter(cfg.Report.OutputDir).Write(divergences, format, "")
			if err != nil {
				return err
			}
			fmt.Printf("\nReport written to %s\n", path)
		}
		return nil
	},
}

func init() {
	detectCmd.Flags().StringVar(&detectStart, "start", "", "start of date range (YYYY-MM-DD)")
	detectCmd.Flags().StringVar(&detectEnd, "end", "", "end of date range (YYYY-MM-DD, inclusive)")
	detectCmd.Flags().StringVar(&detectKind, "kind", "", "restrict to one divergence kind")
	detectCmd.Flags().Float64Var(&detectMinConfidence, "min-confidence", 0.8, "minimum confidence to report")
	detectCmd.Flags().StringVar(&detectRules, "rules", "", "YAML file overriding detection tunables")
	detectCmd.Flags().StringVar(&detectReport, "report", "", "also write a report: csv or xlsx")
	rootCmd.AddCommand(detectCmd)
}

// formatDivergences writes a tabular representation of divergences to w.
func formatDivergences(out io.Writer, divergences []model.Divergence) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "INVOICE\tKIND\tFIELD\tCURRENT\tEXPECTED\tCONF\tRULES")
	_, _ = fmt.Fprintln(w, "-------\t----\t-----\t-------\t--------\t----\t-----")

	for _, d := range divergences {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.2f\t%s\n",
			d.InvoiceID,
			d.Kind,
			d.AffectedField,
			formatValue(d.CurrentValue),
			formatValue(d.ExpectedValue),
			d.Confidence,
			strings.Join(d.ViolatedRules, ","),
		)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\n%d divergence(s) found\n", len(divergences))
}

func formatValue(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
