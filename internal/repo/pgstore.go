package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"defectline/internal/domain"
)

// PgStore is a PostgreSQL-backed persistence transport for the defect log.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// OpenPg connects to dsn and makes sure the defects table exists.
func OpenPg(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewPgStore(pool)
	if err := s.EnsureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgStore) Close() {
	s.pool.Close()
}

// EnsureTable creates the defects table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS defects (
			seq                INTEGER PRIMARY KEY,
			id                 TEXT NOT NULL,
			task_name          TEXT NOT NULL DEFAULT '',
			description        TEXT NOT NULL DEFAULT '',
			logged_by          TEXT NOT NULL DEFAULT '',
			severity           TEXT NOT NULL CHECK (severity IN ('minor','critical')),
			detail             TEXT NOT NULL DEFAULT '',
			resolved           BOOLEAN NOT NULL DEFAULT FALSE,
			resolved_by        TEXT NOT NULL DEFAULT '',
			resolution_details TEXT NOT NULL DEFAULT 'Pending',
			logged_at          TIMESTAMPTZ NOT NULL,
			resolved_at        TIMESTAMPTZ
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_defects_lower_id ON defects(lower(id))`)
	return err
}

// Save replaces the stored log with defects inside one transaction.
func (s *PgStore) Save(ctx context.Context, defects []domain.Defect) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM defects`); err != nil {
		return fmt.Errorf("clear defects: %w", err)
	}
	batch := &pgx.Batch{}
	for i, d := range defects {
		batch.Queue(`
			INSERT INTO defects (seq, id, task_name, description, logged_by, severity, detail, resolved, resolved_by, resolution_details, logged_at, resolved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			i, d.ID, d.TaskName, d.Description, d.LoggedBy, string(d.Severity), d.Detail,
			d.Resolved, d.ResolvedBy, d.ResolutionDetails, d.LoggedAt, d.ResolvedAt)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert defects: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// Load returns the stored log in insertion order.
func (s *PgStore) Load(ctx context.Context) ([]domain.Defect, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_name, description, logged_by, severity, detail, resolved, resolved_by, resolution_details, logged_at, resolved_at
		FROM defects ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("load defects: %w", err)
	}
	defer rows.Close()

	var res []domain.Defect
	for rows.Next() {
		var (
			d          domain.Defect
			severity   string
			resolvedAt *time.Time
		)
		if err := rows.Scan(&d.ID, &d.TaskName, &d.Description, &d.LoggedBy, &severity, &d.Detail,
			&d.Resolved, &d.ResolvedBy, &d.ResolutionDetails, &d.LoggedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan defect: %w", err)
		}
		sev, err := domain.ValidateSeverity(severity)
		if err != nil {
			return nil, fmt.Errorf("defect %s: %w", d.ID, err)
		}
		d.Severity = sev
		d.ResolvedAt = resolvedAt
		if err := d.CheckResolution(); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
