package action

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/database"
)

// ErrNotFound is returned when no action matches the lookup.
var ErrNotFound = errors.New("action not found")

// Store is the action document surface.
type Store interface {
	Create(ctx context.Context, i *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	Update(ctx context.Context, i *Instance) error

	// ListByStatus returns up to limit instances in the given status, oldest
	// first. Operators use this to inspect terminal failures.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Instance, error)
}

// PgStore persists actions in PostgreSQL. The handoff timeout is stored as a
// native interval column.
type PgStore struct {
	DB *database.Database
}

var _ Store = (*PgStore)(nil)

func NewPgStore(db *database.Database) *PgStore { return &PgStore{DB: db} }

const actionColumns = `id, alert_ids, converge_key, strategy_id, severity, signal,
	status, failure_type, retry_count, timeout, created_at, updated_at`

func (s *PgStore) Create(ctx context.Context, i *Instance) error {
	const q = `
	INSERT INTO action_instances(` + actionColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := s.DB.ExecContext(ctx, q,
		i.ID, pq.Array(i.AlertIDs), i.ConvergeKey, i.StrategyID, i.Severity, i.Signal,
		string(i.Status), string(i.FailureType), i.RetryCount, durationToInterval(i.Timeout),
		i.CreatedAt, i.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create action %s: %w", i.ID, err)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, id string) (*Instance, error) {
	const q = `SELECT ` + actionColumns + ` FROM action_instances WHERE id = $1`
	rows, err := s.DB.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("get action %s: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanInstance(rows)
}

func (s *PgStore) Update(ctx context.Context, i *Instance) error {
	const q = `
	UPDATE action_instances SET status=$2, failure_type=$3, retry_count=$4, updated_at=$5
	WHERE id=$1`
	_, err := s.DB.ExecContext(ctx, q,
		i.ID, string(i.Status), string(i.FailureType), i.RetryCount, i.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update action %s: %w", i.ID, err)
	}
	return nil
}

func (s *PgStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Instance, error) {
	const q = `SELECT ` + actionColumns + ` FROM action_instances
	WHERE status = $1 ORDER BY created_at LIMIT $2`
	rows, err := s.DB.QueryContext(ctx, q, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()
	var out []*Instance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func scanInstance(rows *sql.Rows) (*Instance, error) {
	var (
		i        Instance
		status   string
		failure  string
		alertIDs pq.StringArray
		timeout  pgtype.Interval
	)
	err := rows.Scan(&i.ID, &alertIDs, &i.ConvergeKey, &i.StrategyID, &i.Severity, &i.Signal,
		&status, &failure, &i.RetryCount, &timeout, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan action: %w", err)
	}
	i.Status = Status(status)
	i.FailureType = FailureType(failure)
	i.AlertIDs = alertIDs
	i.Timeout = intervalToDuration(timeout)
	return &i, nil
}

func durationToInterval(d time.Duration) pgtype.Interval {
	return pgtype.Interval{Microseconds: d.Microseconds(), Valid: true}
}

func intervalToDuration(iv pgtype.Interval) time.Duration {
	if !iv.Valid {
		return 0
	}
	d := time.Duration(iv.Microseconds) * time.Microsecond
	d += time.Duration(iv.Days) * 24 * time.Hour
	d += time.Duration(iv.Months) * 30 * 24 * time.Hour
	return d
}
