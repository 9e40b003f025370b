package alert

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/database"
)

// ErrNotFound is returned when no alert matches the lookup.
var ErrNotFound = errors.New("alert not found")

// Store is the alert document surface. Production uses PgStore; tests use
// Memory.
type Store interface {
	Create(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)

	// GetOpen returns the single non-terminal alert for a series, or
	// ErrNotFound.
	GetOpen(ctx context.Context, strategyID int64, dimensionsMD5 string) (*Alert, error)

	// Update persists the alert, enforcing monotonic status transitions
	// against the stored row.
	Update(ctx context.Context, a *Alert) error

	// ListOpenByStrategy returns every ABNORMAL alert of a strategy. The
	// recovery sweep reads this.
	ListOpenByStrategy(ctx context.Context, strategyID int64) ([]*Alert, error)

	// ListRecoveredBefore returns RECOVERED alerts whose recovery time is
	// older than the cutoff, for the close sweep.
	ListRecoveredBefore(ctx context.Context, cutoff int64, limit int) ([]*Alert, error)
}

// PgStore persists alerts in PostgreSQL.
type PgStore struct {
	DB *database.Database
}

var _ Store = (*PgStore)(nil)

func NewPgStore(db *database.Database) *PgStore { return &PgStore{DB: db} }

const alertColumns = `id, strategy_id, item_id, bk_biz_id, dimensions_md5, dimensions,
	severity, status, first_anomaly_time, latest_anomaly_time, recovered_time, closed_time,
	anomaly_message, strategy_snapshot_key, is_blocked, is_shielded, dedupe_keys, tags,
	extra_info, created_at, updated_at`

func (s *PgStore) Create(ctx context.Context, a *Alert) error {
	dims, _ := json.Marshal(a.Dimensions)
	tags, _ := json.Marshal(a.Tags)
	const q = `
	INSERT INTO alerts(` + alertColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18::jsonb,$19,$20,$21)`
	_, err := s.DB.ExecContext(ctx, q,
		a.ID, a.StrategyID, a.ItemID, a.BkBizID, a.DimensionsMD5, string(dims),
		a.Severity, string(a.Status), a.FirstAnomalyTime, a.LatestAnomalyTime,
		a.RecoveredTime, a.ClosedTime, a.AnomalyMessage, a.StrategySnapshotKey,
		a.IsBlocked, a.IsShielded, pq.Array(a.DedupeKeys), string(tags),
		nullableJSON(a.ExtraInfo), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, id string) (*Alert, error) {
	const q = `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`
	return s.queryOne(ctx, q, id)
}

func (s *PgStore) GetOpen(ctx context.Context, strategyID int64, dimensionsMD5 string) (*Alert, error) {
	const q = `SELECT ` + alertColumns + ` FROM alerts
	WHERE strategy_id = $1 AND dimensions_md5 = $2 AND status != $3
	ORDER BY created_at DESC LIMIT 1`
	return s.queryOne(ctx, q, strategyID, dimensionsMD5, string(StatusClosed))
}

func (s *PgStore) Update(ctx context.Context, a *Alert) error {
	stored, err := s.Get(ctx, a.ID)
	if err != nil {
		return err
	}
	if stored.Status != a.Status && !CanTransition(stored.Status, a.Status) {
		return fmt.Errorf("alert %s: illegal transition %s -> %s", a.ID, stored.Status, a.Status)
	}
	dims, _ := json.Marshal(a.Dimensions)
	tags, _ := json.Marshal(a.Tags)
	const q = `
	UPDATE alerts SET dimensions=$2::jsonb, severity=$3, status=$4,
		first_anomaly_time=$5, latest_anomaly_time=$6, recovered_time=$7, closed_time=$8,
		anomaly_message=$9, strategy_snapshot_key=$10, is_blocked=$11, is_shielded=$12,
		dedupe_keys=$13, tags=$14::jsonb, extra_info=$15, updated_at=$16
	WHERE id=$1`
	_, err = s.DB.ExecContext(ctx, q,
		a.ID, string(dims), a.Severity, string(a.Status),
		a.FirstAnomalyTime, a.LatestAnomalyTime, a.RecoveredTime, a.ClosedTime,
		a.AnomalyMessage, a.StrategySnapshotKey, a.IsBlocked, a.IsShielded,
		pq.Array(a.DedupeKeys), string(tags), nullableJSON(a.ExtraInfo), a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *PgStore) ListOpenByStrategy(ctx context.Context, strategyID int64) ([]*Alert, error) {
	const q = `SELECT ` + alertColumns + ` FROM alerts
	WHERE strategy_id = $1 AND status = $2 ORDER BY created_at`
	return s.queryMany(ctx, q, strategyID, string(StatusAbnormal))
}

func (s *PgStore) ListRecoveredBefore(ctx context.Context, cutoff int64, limit int) ([]*Alert, error) {
	const q = `SELECT ` + alertColumns + ` FROM alerts
	WHERE status = $1 AND recovered_time < $2 ORDER BY recovered_time LIMIT $3`
	return s.queryMany(ctx, q, string(StatusRecovered), cutoff, limit)
}

func (s *PgStore) queryOne(ctx context.Context, query string, args ...any) (*Alert, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alert: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanAlert(rows)
}

func (s *PgStore) queryMany(ctx context.Context, query string, args ...any) ([]*Alert, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()
	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAlert(rows *sql.Rows) (*Alert, error) {
	var (
		a          Alert
		status     string
		dims, tags string
		extra      sql.NullString
		keys       pq.StringArray
	)
	err := rows.Scan(&a.ID, &a.StrategyID, &a.ItemID, &a.BkBizID, &a.DimensionsMD5, &dims,
		&a.Severity, &status, &a.FirstAnomalyTime, &a.LatestAnomalyTime, &a.RecoveredTime,
		&a.ClosedTime, &a.AnomalyMessage, &a.StrategySnapshotKey, &a.IsBlocked, &a.IsShielded,
		&keys, &tags, &extra, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.Status = Status(status)
	a.DedupeKeys = keys
	if err := json.Unmarshal([]byte(dims), &a.Dimensions); err != nil {
		return nil, fmt.Errorf("alert %s: malformed dimensions: %w", a.ID, err)
	}
	if tags != "" && tags != "null" {
		_ = json.Unmarshal([]byte(tags), &a.Tags)
	}
	if extra.Valid {
		a.ExtraInfo = json.RawMessage(extra.String)
	}
	return &a, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// Now is split out so tests can pin time.
var Now = func() int64 { return time.Now().Unix() }
