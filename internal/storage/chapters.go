package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// UpsertChapter writes a chapter keyed by (output id, seq). Writing the same
// key twice keeps one row holding the latest title and content.
func (s *Store) UpsertChapter(ctx context.Context, c Chapter) error {
	if strings.TrimSpace(c.OutputID) == "" || c.Seq <= 0 {
		return errors.Newf("invalid chapter key (%q, %d)", c.OutputID, c.Seq)
	}
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chapters(output_id, seq, title, content, created_at, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(output_id, seq) DO UPDATE SET
		   title = excluded.title,
		   content = excluded.content,
		   updated_at = excluded.updated_at`,
		c.OutputID, c.Seq, c.Title, c.Content, now, now)
	return errors.Wrapf(err, "upsert chapter %s#%d", c.OutputID, c.Seq)
}

func (s *Store) GetChapter(ctx context.Context, outputID string, seq int) (Chapter, error) {
	var (
		c                Chapter
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT output_id, seq, title, content, created_at, updated_at FROM chapters WHERE output_id = ? AND seq = ?`,
		outputID, seq).Scan(&c.OutputID, &c.Seq, &c.Title, &c.Content, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Chapter{}, errors.Wrapf(ErrNotFound, "chapter %s#%d", outputID, seq)
	}
	if err != nil {
		return Chapter{}, errors.Wrapf(err, "get chapter %s#%d", outputID, seq)
	}
	c.CreatedAt = time.UnixMilli(created)
	c.UpdatedAt = time.UnixMilli(updated)
	return c, nil
}

// ChapterSeqs lists persisted sequence numbers <= upTo in ascending order.
func (s *Store) ChapterSeqs(ctx context.Context, outputID string, upTo int) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq FROM chapters WHERE output_id = ? AND seq <= ? ORDER BY seq`, outputID, upTo)
	if err != nil {
		return nil, errors.Wrapf(err, "list chapter seqs %s", outputID)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var seq int
		if err := rows.Scan(&seq); err != nil {
			return nil, errors.Wrap(err, "scan seq")
		}
		out = append(out, seq)
	}
	return out, errors.Wrapf(rows.Err(), "list chapter seqs %s", outputID)
}

func (s *Store) CountChapters(ctx context.Context, outputID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chapters WHERE output_id = ?`, outputID).Scan(&n)
	return n, errors.Wrapf(err, "count chapters %s", outputID)
}

// UpsertSummary stores the compact summary for a chapter.
func (s *Store) UpsertSummary(ctx context.Context, sum ChapterSummary) error {
	if strings.TrimSpace(sum.Summary) == "" {
		return errors.Newf("empty summary for %s#%d", sum.OutputID, sum.Seq)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chapter_summaries(output_id, seq, summary, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(output_id, seq) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at`,
		sum.OutputID, sum.Seq, sum.Summary, s.now().UnixMilli())
	return errors.Wrapf(err, "upsert summary %s#%d", sum.OutputID, sum.Seq)
}

// RecentSummaries returns up to limit summaries with seq < before, oldest first.
func (s *Store) RecentSummaries(ctx context.Context, outputID string, before, limit int) ([]ChapterSummary, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT output_id, seq, summary FROM (
		   SELECT output_id, seq, summary FROM chapter_summaries
		   WHERE output_id = ? AND seq < ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq`, outputID, before, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list summaries %s", outputID)
	}
	defer rows.Close()

	var out []ChapterSummary
	for rows.Next() {
		var cs ChapterSummary
		if err := rows.Scan(&cs.OutputID, &cs.Seq, &cs.Summary); err != nil {
			return nil, errors.Wrap(err, "scan summary")
		}
		out = append(out, cs)
	}
	return out, errors.Wrapf(rows.Err(), "list summaries %s", outputID)
}

// PutContext upserts a story context entry.
func (s *Store) PutContext(ctx context.Context, c StoryContext) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO story_context(project_id, kind, block, content, finale, updated_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(project_id, kind, block) DO UPDATE SET
		   content = excluded.content, finale = excluded.finale, updated_at = excluded.updated_at`,
		c.ProjectID, string(c.Kind), c.Block, c.Content, boolInt(c.Finale), s.now().UnixMilli())
	return errors.Wrapf(err, "put %s context %s", c.Kind, c.ProjectID)
}

// GetContext returns the entry of kind whose block is the greatest <= block.
// For synopsis and bible pass block 0.
func (s *Store) GetContext(ctx context.Context, projectID string, kind ContextKind, block int) (StoryContext, error) {
	var (
		c       StoryContext
		k       string
		finale  int
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, kind, block, content, finale, updated_at FROM story_context
		 WHERE project_id = ? AND kind = ? AND block <= ?
		 ORDER BY block DESC LIMIT 1`,
		projectID, string(kind), block).Scan(&c.ProjectID, &k, &c.Block, &c.Content, &finale, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return StoryContext{}, errors.Wrapf(ErrNotFound, "%s context %s", kind, projectID)
	}
	if err != nil {
		return StoryContext{}, errors.Wrapf(err, "get %s context %s", kind, projectID)
	}
	c.Kind = ContextKind(k)
	c.Finale = finale != 0
	c.UpdatedAt = time.UnixMilli(updated)
	return c, nil
}
