package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
)

// RecordError stores the last error for a project.
func (s *Store) RecordError(ctx context.Context, projectID, msg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_diagnostics(project_id, last_error, last_error_at, failures) VALUES(?,?,?,1)
		 ON CONFLICT(project_id) DO UPDATE SET
		   last_error = excluded.last_error,
		   last_error_at = excluded.last_error_at,
		   failures = failures + 1`,
		projectID, nullStr(msg), at.UnixMilli())
	return errors.Wrapf(err, "record error %s", projectID)
}

// RecordSuccess stamps the last successful write for a project.
func (s *Store) RecordSuccess(ctx context.Context, projectID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_diagnostics(project_id, last_success_at) VALUES(?,?)
		 ON CONFLICT(project_id) DO UPDATE SET last_success_at = excluded.last_success_at`,
		projectID, at.UnixMilli())
	return errors.Wrapf(err, "record success %s", projectID)
}

func (s *Store) GetDiagnostic(ctx context.Context, projectID string) (Diagnostic, error) {
	var (
		d       Diagnostic
		lastErr sql.NullString
		errAt   sql.NullInt64
		okAt    sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, last_error, last_error_at, last_success_at, failures
		 FROM project_diagnostics WHERE project_id = ?`, projectID).
		Scan(&d.ProjectID, &lastErr, &errAt, &okAt, &d.Failures)
	if errors.Is(err, sql.ErrNoRows) {
		return Diagnostic{}, errors.Wrapf(ErrNotFound, "diagnostic %s", projectID)
	}
	if err != nil {
		return Diagnostic{}, errors.Wrapf(err, "get diagnostic %s", projectID)
	}
	d.LastError = lastErr.String
	d.LastErrorAt = fromMs(errAt)
	d.LastSuccessAt = fromMs(okAt)
	return d, nil
}
