package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/dealer-analytics/recon-cli/internal/audit"
	"github.com/dealer-analytics/recon-cli/internal/model"
)

var (
	auditStatus string
	auditKind   string
	auditLimit  int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit ledger",
}

var auditOperationsCmd = &cobra.Command{
	Use:   "operations",
	Short: "List audited operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("audit"); err != nil {
			return err
		}

		pool, err := warehousePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		ops, err := audit.NewQuery(pool).ListOperations(ctx, audit.OperationFilter{
			Status: model.OperationStatus(auditStatus),
			Kind:   auditKind,
			Limit:  auditLimit,
		})
		if err != nil {
			return eris.Wrap(err, "audit operations")
		}

		if len(ops) == 0 {
			fmt.Println("No operations found.")
			return nil
		}
		formatOperations(os.Stdout, ops)
		return nil
	},
}

var auditSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List processing sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("audit"); err != nil {
			return err
		}

		pool, err := warehousePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		sessions, err := audit.NewQuery(pool).ListSessions(ctx, auditLimit)
		if err != nil {
			return eris.Wrap(err, "audit sessions")
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		formatSessions(os.Stdout, sessions)
		return nil
	},
}

func init() {
	auditCmd.PersistentFlags().StringVar(&auditStatus, "status", "", "filter by status")
	auditCmd.PersistentFlags().StringVar(&auditKind, "kind", "", "filter by kind")
	auditCmd.PersistentFlags().IntVar(&auditLimit, "limit", 50, "maximum rows to list")
	auditCmd.AddCommand(auditOperationsCmd)
	auditCmd.AddCommand(auditSessionsCmd)
	rootCmd.AddCommand(auditCmd)
}

func formatOperations(out io.Writer, ops []model.Operation) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tACTOR\tSOURCE\tSTATUS\tSTARTED\tDURATION\tROWS\tERROR")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t------\t------\t-------\t--------\t----\t-----")

	for _, op := range ops {
		dur := "-"
		if op.DurationSecs != nil {
			dur = (time.Duration(*op.DurationSecs * float64(time.Second))).Round(time.Millisecond).String()
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			op.ID, op.Kind, op.Actor, op.Source, op.Status,
			op.StartedAt.Format("2006-01-02 15:04:05"),
			dur, op.RowsAffected, truncate(op.ErrorMessage, 50))
	}
	_ = w.Flush()
}

func formatSessions(out io.Writer, sessions []model.Session) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tSTATUS\tSTARTED\tANALYZED\tDETECTED\tAPPLIED\tPENDING\tERRORS")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-------\t--------\t--------\t-------\t-------\t------")

	for _, s := range sessions {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			s.ID, s.Kind, s.Status,
			s.StartedAt.Format("2006-01-02 15:04:05"),
			s.Metrics.RecordsAnalyzed, s.Metrics.DivergencesDetected,
			s.Metrics.CorrectionsApplied, s.Metrics.CorrectionsPending,
			s.Metrics.ErrorsFound)
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
