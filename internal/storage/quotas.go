package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
)

const quotaColumns = `project_id, day, target, written, next_due_at, status, retry_count, last_error, updated_at`

func scanQuota(r rowScanner) (DailyQuota, error) {
	var (
		q       DailyQuota
		due     sql.NullInt64
		status  string
		lastErr sql.NullString
		updated int64
	)
	if err := r.Scan(&q.ProjectID, &q.Day, &q.Target, &q.Written, &due, &status, &q.RetryCount, &lastErr, &updated); err != nil {
		return DailyQuota{}, err
	}
	q.NextDueAt = fromMs(due)
	q.Status = QuotaStatus(status)
	q.LastError = lastErr.String
	q.UpdatedAt = time.UnixMilli(updated)
	return q, nil
}

// InsertQuotaIfAbsent creates the (project, day) row unless one exists.
// Returns true when this call created it.
func (s *Store) InsertQuotaIfAbsent(ctx context.Context, q DailyQuota) (bool, error) {
	if q.Status == "" {
		q.Status = QuotaActive
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_quotas(`+quotaColumns+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(project_id, day) DO NOTHING`,
		q.ProjectID, q.Day, q.Target, q.Written, msOrNil(q.NextDueAt), string(q.Status),
		q.RetryCount, nullStr(q.LastError), s.now().UnixMilli())
	if err != nil {
		return false, errors.Wrapf(err, "insert quota %s/%s", q.ProjectID, q.Day)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) GetQuota(ctx context.Context, projectID, day string) (DailyQuota, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+quotaColumns+` FROM daily_quotas WHERE project_id = ? AND day = ?`, projectID, day)
	q, err := scanQuota(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DailyQuota{}, errors.Wrapf(ErrNotFound, "quota %s/%s", projectID, day)
	}
	if err != nil {
		return DailyQuota{}, errors.Wrapf(err, "get quota %s/%s", projectID, day)
	}
	return q, nil
}

// ListQuotas returns all quota rows for day keyed by project id.
func (s *Store) ListQuotas(ctx context.Context, day string) (map[string]DailyQuota, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+quotaColumns+` FROM daily_quotas WHERE day = ?`, day)
	if err != nil {
		return nil, errors.Wrapf(err, "list quotas %s", day)
	}
	defer rows.Close()

	out := make(map[string]DailyQuota)
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan quota")
		}
		out[q.ProjectID] = q
	}
	return out, errors.Wrapf(rows.Err(), "list quotas %s", day)
}

// IncrementQuota bumps written from expectedWritten to expectedWritten+1.
// The update is compare-and-set on written so concurrent increments can
// neither double count nor push written past target. When the new count
// reaches target the row is completed and next_due cleared; otherwise next_due
// becomes nextDue. Returns false if the row moved underneath the caller.
func (s *Store) IncrementQuota(ctx context.Context, projectID, day string, expectedWritten int, nextDue time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE daily_quotas SET
		   written = written + 1,
		   status = CASE WHEN written + 1 >= target THEN 'completed' ELSE status END,
		   next_due_at = CASE WHEN written + 1 >= target THEN NULL ELSE ? END,
		   updated_at = ?
		 WHERE project_id = ? AND day = ? AND written = ? AND written < target`,
		msOrNil(nextDue), s.now().UnixMilli(), projectID, day, expectedWritten)
	if err != nil {
		return false, errors.Wrapf(err, "increment quota %s/%s", projectID, day)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecordQuotaFailure bumps retry_count, pushes next_due to nextDue and keeps
// the last error. The row turns failed once retry_count reaches maxRetries
// (maxRetries <= 0 disables the cap). It reports false when no active row
// matched.
func (s *Store) RecordQuotaFailure(ctx context.Context, projectID, day string, nextDue time.Time, msg string, maxRetries int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE daily_quotas SET
		   retry_count = retry_count + 1,
		   next_due_at = ?,
		   last_error = ?,
		   status = CASE WHEN ? > 0 AND retry_count + 1 >= ? THEN 'failed' ELSE status END,
		   updated_at = ?
		 WHERE project_id = ? AND day = ? AND status = 'active'`,
		msOrNil(nextDue), nullStr(msg), maxRetries, maxRetries, s.now().UnixMilli(), projectID, day)
	if err != nil {
		return false, errors.Wrapf(err, "record quota failure %s/%s", projectID, day)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
