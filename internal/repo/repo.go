package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"defectline/internal/domain"
)

// Repo is the SQLite persistence transport for the defect log.
type Repo struct {
	DB *sql.DB
}

const (
	defectColumns = `id,task_name,description,logged_by,severity,detail,resolved,COALESCE(resolved_by,''),resolution_details,logged_at,resolved_at`
	insertDefect  = `INSERT INTO defects(seq,id,task_name,description,logged_by,severity,detail,resolved,resolved_by,resolution_details,logged_at,resolved_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`
)

// Save replaces the stored log with defects, preserving their order.
func (r Repo) Save(ctx context.Context, defects []domain.Defect) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM defects`); err != nil {
		return fmt.Errorf("clear defects: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertDefect)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, d := range defects {
		if _, err := stmt.ExecContext(ctx, i,
			d.ID, d.TaskName, d.Description, d.LoggedBy, string(d.Severity), d.Detail,
			boolToInt(d.Resolved), nullable(d.ResolvedBy), d.ResolutionDetails,
			formatTime(d.LoggedAt), nullableTime(d.ResolvedAt)); err != nil {
			return fmt.Errorf("insert defect %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

// Load returns the stored log in insertion order.
func (r Repo) Load(ctx context.Context) ([]domain.Defect, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+defectColumns+` FROM defects ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Defect
	for rows.Next() {
		d, err := scanDefect(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func scanDefect(rows *sql.Rows) (domain.Defect, error) {
	var (
		d          domain.Defect
		severity   string
		resolved   int
		loggedAt   string
		resolvedAt sql.NullString
	)
	if err := rows.Scan(&d.ID, &d.TaskName, &d.Description, &d.LoggedBy, &severity, &d.Detail,
		&resolved, &d.ResolvedBy, &d.ResolutionDetails, &loggedAt, &resolvedAt); err != nil {
		return d, err
	}
	sev, err := domain.ValidateSeverity(severity)
	if err != nil {
		return d, fmt.Errorf("defect %s: %w", d.ID, err)
	}
	d.Severity = sev
	d.Resolved = resolved != 0
	if d.LoggedAt, err = parseTime(loggedAt); err != nil {
		return d, fmt.Errorf("defect %s logged_at: %w", d.ID, err)
	}
	if resolvedAt.Valid {
		at, err := parseTime(resolvedAt.String)
		if err != nil {
			return d, fmt.Errorf("defect %s resolved_at: %w", d.ID, err)
		}
		d.ResolvedAt = &at
	}
	if err := d.CheckResolution(); err != nil {
		return d, err
	}
	return d, nil
}

// EventFilters narrows LatestEvents.
type EventFilters struct {
	Type     string
	EntityID string
	Level    string
	Cursor   int64
	Limit    int
}

// LatestEvents returns audit events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=? COLLATE NOCASE")
		args = append(args, f.EntityID)
	}
	if f.Level != "" {
		clauses = append(clauses, "level=?")
		args = append(args, strings.ToUpper(f.Level))
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,level,type,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Level, &e.Type, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
