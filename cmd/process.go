package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dealer-analytics/recon-cli/internal/apply"
	"github.com/dealer-analytics/recon-cli/internal/model"
	"github.com/dealer-analytics/recon-cli/internal/report"
	"github.com/dealer-analytics/recon-cli/internal/session"
)

var (
	processStart  string
	processEnd    string
	processMode   string
	processActor  string
	processRules  string
	processFormat string
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run a full reconciliation session",
	Long:  "Detects divergences, applies eligible corrections, writes a report, and sends alerts. Every stage is recorded in the audit ledger.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("process"); err != nil {
			return err
		}

		mode := apply.Mode(processMode)
		if mode != apply.ModeAuto && mode != apply.ModeManual {
			return eris.Errorf("process: mode must be auto or manual, got %q", processMode)
		}
		format, err := report.ParseFormat(processFormat)
		if err != nil {
			return err
		}
		start, end, err := parseDateRange(processStart, processEnd)
		if err != nil {
			return err
		}
		rules, err := buildRules(processRules)
		if err != nil {
			return err
		}

		pool, err := warehousePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		runner := buildRunner(pool, rules)
		result, err := runner.Run(ctx, session.RunOpts{
			Start:         start,
			End:           end,
			Mode:          mode,
			Actor:         processActor,
			Source:        model.SourceManual,
			Kind:          model.SessionManualRun,
			MinConfidence: cfg.Detect.MinConfidence,
			AutoThreshold: cfg.Apply.AutoThreshold,
			ReportFormat:  format,
		})
		if err != nil {
			return eris.Wrap(err, "process")
		}

		fmt.Printf("Session #%d finished: %s\n", result.SessionID, result.Status)
		if result.Summary != nil {
			fmt.Printf("  detected: %d  auto-applied: %d  pending: %d  errors: %d\n",
				result.Detected, result.Summary.AutoApplied, result.Summary.Pending, result.Summary.Errors)
		}
		if result.ReportPath != "" {
			fmt.Printf("  report: %s\n", result.ReportPath)
		}
		for _, e := range result.Errors {
			fmt.Printf("  warning: %s\n", e)
		}

		zap.L().Info("process finished",
			zap.Int64("session_id", result.SessionID),
			zap.String("status", string(result.Status)))
		return nil
	},
}

func init() {
	processCmd.Flags().StringVar(&processStart, "start", "", "start of date range (YYYY-MM-DD)")
	processCmd.Flags().StringVar(&processEnd, "end", "", "end of date range (YYYY-MM-DD, inclusive)")
	processCmd.Flags().StringVar(&processMode, "mode", "manual", "correction mode: auto or manual")
	processCmd.Flags().StringVar(&processActor, "actor", "recon-cli", "actor recorded in the audit ledger")
	processCmd.Flags().StringVar(&processRules, "rules", "", "YAML file overriding detection tunables")
	processCmd.Flags().StringVar(&processFormat, "report-format", "xlsx", "report format: csv or xlsx")
	rootCmd.AddCommand(processCmd)
}

// parseDateRange parses optional YYYY-MM-DD bounds. The end date is
// inclusive.
func parseDateRange(startStr, endStr string) (*time.Time, *time.Time, error) {
	var start, end *time.Time
	if startStr != "" {
		t, err := time.Parse("2006-01-02", startStr)
		if err != nil {
			return nil, nil, eris.Errorf("invalid --start %q (want YYYY-MM-DD)", startStr)
		}
		start = &t
	}
	if endStr != "" {
		t, err := time.Parse("2006-01-02", endStr)
		if err != nil {
			return nil, nil, eris.Errorf("invalid --end %q (want YYYY-MM-DD)", endStr)
		}
		t = t.AddDate(0, 0, 1)
		end = &t
	}
	if start != nil && end != nil && end.Before(*start) {
		return nil, nil, eris.New("--end must not be before --start")
	}
	return start, end, nil
}
