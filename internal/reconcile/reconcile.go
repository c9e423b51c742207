// Package reconcile compares a project's cursor with the chapters actually
// persisted and decides where the next write goes.
package reconcile

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"

	"storyloom/internal/storage"
	logx "storyloom/pkg/logx"
)

// ErrCursorMoved is returned when the cursor changed between the read and
// the correction; the attempt should be skipped.
var ErrCursorMoved = errors.New("reconcile: cursor moved concurrently")

// Plan says which sequence to write next (RunFrom+1) and what the stored
// cursor should be.
//
// Backfill means RunFrom+1 is a hole below the cursor: write it without
// advancing the cursor. Corrected means the cursor was ahead of the persisted
// chapters and must be lowered to PersistedCursor.
type Plan struct {
	RunFrom         int
	PersistedCursor int
	Backfill        bool
	Corrected       bool
}

// Next is the sequence number the plan writes.
func (p Plan) Next() int { return p.RunFrom + 1 }

// Reconcile is the pure decision. persisted holds the stored sequence
// numbers up to cursor+1 in any order.
func Reconcile(cursor int, persisted []int) Plan {
	seqs := append([]int(nil), persisted...)
	sort.Ints(seqs)

	expected := 1
	maxSeq := 0
	for _, s := range seqs {
		if s <= 0 || s > cursor+1 {
			continue
		}
		if s > expected {
			return Plan{RunFrom: expected - 1, PersistedCursor: cursor, Backfill: true}
		}
		if s == expected {
			expected++
		}
		if s > maxSeq {
			maxSeq = s
		}
	}
	if maxSeq < cursor {
		return Plan{RunFrom: maxSeq, PersistedCursor: maxSeq, Corrected: true}
	}
	return Plan{RunFrom: cursor, PersistedCursor: cursor}
}

type Store interface {
	ChapterSeqs(ctx context.Context, outputID string, upTo int) ([]int, error)
	CorrectCursor(ctx context.Context, id string, expected, seq int) (bool, error)
}

type Reconciler struct {
	store Store
	log   logx.Logger
}

func New(store Store, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{store: store, log: log.With(logx.String("comp", "reconcile"))}
}

// Check loads the persisted range for p and applies a downward cursor
// correction when needed. Only resume-tier projects (cursor > 0) are checked.
func (r *Reconciler) Check(ctx context.Context, p storage.Project) (Plan, error) {
	if p.Cursor <= 0 {
		return Plan{}, nil
	}
	seqs, err := r.store.ChapterSeqs(ctx, p.OutputID, p.Cursor+1)
	if err != nil {
		return Plan{}, err
	}
	plan := Reconcile(p.Cursor, seqs)
	switch {
	case plan.Backfill:
		r.log.Warn("chapter gap detected",
			logx.String("project", p.ID), logx.Int("cursor", p.Cursor), logx.Int("missing", plan.Next()))
	case plan.Corrected:
		ok, err := r.store.CorrectCursor(ctx, p.ID, p.Cursor, plan.PersistedCursor)
		if err != nil {
			return Plan{}, err
		}
		if !ok {
			return Plan{}, errors.Wrapf(ErrCursorMoved, "project %s", p.ID)
		}
		r.log.Warn("cursor ahead of persisted chapters; corrected",
			logx.String("project", p.ID), logx.Int("from", p.Cursor), logx.Int("to", plan.PersistedCursor))
	}
	return plan, nil
}
