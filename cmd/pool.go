package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dealer-analytics/recon-cli/internal/apply"
	"github.com/dealer-analytics/recon-cli/internal/audit"
	"github.com/dealer-analytics/recon-cli/internal/db"
	"github.com/dealer-analytics/recon-cli/internal/detect"
	"github.com/dealer-analytics/recon-cli/internal/notify"
	"github.com/dealer-analytics/recon-cli/internal/report"
	"github.com/dealer-analytics/recon-cli/internal/session"
)

// warehousePool opens the shared connection pool from configuration.
func warehousePool(ctx context.Context) (*pgxpool.Pool, error) {
	return db.Connect(ctx, cfg.Warehouse.DatabaseURL, cfg.Warehouse.MaxConns, cfg.Warehouse.MinConns)
}

// buildRules resolves the detection tunables, applying an optional
// --rules override file.
func buildRules(rulesFile string) (detect.Rules, error) {
	rules := detect.RulesFromConfig(cfg.Detect)
	if rulesFile == "" {
		return rules, nil
	}
	return detect.LoadRules(rulesFile, rules)
}

// buildRunner assembles the full pipeline over one pool.
func buildRunner(pool db.Pool, rules detect.Rules) *session.Runner {
	ledger := audit.NewLedger(pool)
	return session.NewRunner(
		pool,
		ledger,
		detect.New(pool, rules),
		apply.New(pool, ledger),
		report.NewWriter(cfg.Report.OutputDir),
		notify.NewMailer(cfg.SMTP),
		cfg.Environment,
	)
}
