package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const projectColumns = `id, title, output_id, params, cursor, target, status, completion_reason, last_touched_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(r rowScanner) (Project, error) {
	var (
		p       Project
		status  string
		reason  sql.NullString
		touched sql.NullInt64
		created int64
		updated int64
	)
	if err := r.Scan(&p.ID, &p.Title, &p.OutputID, &p.Params, &p.Cursor, &p.Target, &status, &reason, &touched, &created, &updated); err != nil {
		return Project{}, err
	}
	p.Status = ProjectStatus(status)
	p.CompletionReason = reason.String
	p.LastTouchedAt = fromMs(touched)
	p.CreatedAt = time.UnixMilli(created)
	p.UpdatedAt = time.UnixMilli(updated)
	return p, nil
}

// CreateProject inserts a new project. Projects normally come from the
// upstream planner; the scheduler only mutates them.
func (s *Store) CreateProject(ctx context.Context, p Project) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("project id is required")
	}
	if p.Target <= 0 {
		return errors.Newf("project %s: target must be > 0", p.ID)
	}
	if p.Status == "" {
		p.Status = ProjectActive
	}
	if p.Params == "" {
		p.Params = "{}"
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects(`+projectColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Title, p.OutputID, p.Params, p.Cursor, p.Target, string(p.Status),
		nullStr(p.CompletionReason), msOrNil(p.LastTouchedAt), p.CreatedAt.UnixMilli(), now.UnixMilli(),
	)
	return errors.Wrapf(err, "insert project %s", p.ID)
}

func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, errors.Wrapf(ErrNotFound, "project %s", id)
	}
	if err != nil {
		return Project{}, errors.Wrapf(err, "get project %s", id)
	}
	return p, nil
}

// ListActiveProjects returns every project in status active, ordered by id.
func (s *Store) ListActiveProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list active projects")
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan project")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "list active projects")
}

// TouchStale is the claim fence: it stamps last_touched_at = now on every
// active project in ids whose stamp is missing or older than staleBefore, and
// returns exactly the ids it stamped. Concurrent callers can never both get
// the same id inside one staleness window.
func (s *Store) TouchStale(ctx context.Context, ids []string, now, staleBefore time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, now.UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, staleBefore.UnixMilli())

	rows, err := s.db.QueryContext(ctx,
		`UPDATE projects SET last_touched_at = ?
		 WHERE id IN (`+placeholders(len(ids))+`)
		   AND status = 'active'
		   AND (last_touched_at IS NULL OR last_touched_at < ?)
		 RETURNING id`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "claim projects")
	}
	defer rows.Close()

	var claimed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan claimed id")
		}
		claimed = append(claimed, id)
	}
	return claimed, errors.Wrap(rows.Err(), "claim projects")
}

// Touch stamps last_touched_at unconditionally. Used when a non-fence claimer
// (e.g. the Redis lease) owns the project.
func (s *Store) Touch(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET last_touched_at = ? WHERE id = ?`, now.UnixMilli(), id)
	return errors.Wrapf(err, "touch project %s", id)
}

// AdvanceCursor moves the cursor forward to seq. It never moves it backwards
// and never touches a project that left the active state. Returns whether a
// row changed.
func (s *Store) AdvanceCursor(ctx context.Context, id string, seq int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET cursor = ?, updated_at = ?
		 WHERE id = ? AND status = 'active' AND cursor < ?`,
		seq, s.now().UnixMilli(), id, seq)
	if err != nil {
		return false, errors.Wrapf(err, "advance cursor %s", id)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CorrectCursor lowers the cursor from expected to seq. It is conditional on
// the cursor still being expected so a concurrent advance is never undone.
func (s *Store) CorrectCursor(ctx context.Context, id string, expected, seq int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET cursor = ?, updated_at = ?
		 WHERE id = ? AND status = 'active' AND cursor = ?`,
		seq, s.now().UnixMilli(), id, expected)
	if err != nil {
		return false, errors.Wrapf(err, "correct cursor %s", id)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteProject marks an active project completed with reason.
func (s *Store) CompleteProject(ctx context.Context, id, reason string) (bool, error) {
	return s.finishProject(ctx, id, ProjectCompleted, reason)
}

// FailProject marks an active project failed with reason.
func (s *Store) FailProject(ctx context.Context, id, reason string) (bool, error) {
	return s.finishProject(ctx, id, ProjectFailed, reason)
}

func (s *Store) finishProject(ctx context.Context, id string, status ProjectStatus, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = ?, completion_reason = ?, updated_at = ?
		 WHERE id = ? AND status = 'active'`,
		string(status), nullStr(reason), s.now().UnixMilli(), id)
	if err != nil {
		return false, errors.Wrapf(err, "set project %s %s", id, status)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
