package database

import (
	"context"
	"fmt"
	"strings"
)

// Schema holds the DDL for the alert and action tables. Statements are
// idempotent so migrate can run on every deploy.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
		id                    VARCHAR(32) PRIMARY KEY,
		strategy_id           BIGINT NOT NULL,
		item_id               BIGINT NOT NULL,
		bk_biz_id             BIGINT NOT NULL DEFAULT 0,
		dimensions_md5        VARCHAR(64) NOT NULL,
		dimensions            JSONB NOT NULL DEFAULT '{}'::jsonb,
		severity              INT NOT NULL,
		status                VARCHAR(16) NOT NULL,
		first_anomaly_time    BIGINT NOT NULL,
		latest_anomaly_time   BIGINT NOT NULL,
		recovered_time        BIGINT NOT NULL DEFAULT 0,
		closed_time           BIGINT NOT NULL DEFAULT 0,
		anomaly_message       TEXT NOT NULL DEFAULT '',
		strategy_snapshot_key VARCHAR(128) NOT NULL DEFAULT '',
		is_blocked            BOOLEAN NOT NULL DEFAULT FALSE,
		is_shielded           BOOLEAN NOT NULL DEFAULT FALSE,
		dedupe_keys           TEXT[] NOT NULL DEFAULT '{}',
		tags                  JSONB NOT NULL DEFAULT '{}'::jsonb,
		extra_info            JSONB,
		created_at            BIGINT NOT NULL,
		updated_at            BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_series
		ON alerts (strategy_id, dimensions_md5, status)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_recovered
		ON alerts (status, recovered_time)`,
	`CREATE TABLE IF NOT EXISTS action_instances (
		id           VARCHAR(64) PRIMARY KEY,
		alert_ids    TEXT[] NOT NULL DEFAULT '{}',
		converge_key VARCHAR(64) NOT NULL,
		strategy_id  BIGINT NOT NULL,
		severity     INT NOT NULL,
		signal       VARCHAR(32) NOT NULL,
		status       VARCHAR(16) NOT NULL,
		failure_type VARCHAR(32) NOT NULL DEFAULT '',
		retry_count  INT NOT NULL DEFAULT 0,
		timeout      INTERVAL NOT NULL DEFAULT '60 seconds',
		created_at   BIGINT NOT NULL,
		updated_at   BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_action_instances_status
		ON action_instances (status, updated_at)`,
}

// Migrate applies the schema. With dryRun it only renders the statements.
func (db *Database) Migrate(ctx context.Context, dryRun bool) (string, error) {
	var b strings.Builder
	for _, stmt := range Schema {
		b.WriteString(stmt)
		b.WriteString(";\n\n")
		if dryRun {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return b.String(), fmt.Errorf("migrate: %w", err)
		}
	}
	return b.String(), nil
}
