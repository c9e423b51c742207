// Package pipeline runs the steps that follow a generated chapter: the
// critical persistence steps that gate cursor advancement and the cadence
// steps that keep the long-lived story context fresh.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"storyloom/internal/generation"
	"storyloom/internal/retry"
	"storyloom/internal/storage"
	logx "storyloom/pkg/logx"
)

// ErrCritical marks a failure of a step that must succeed before the cursor
// may advance.
var ErrCritical = errors.New("pipeline: critical step failed")

type Store interface {
	UpsertChapter(ctx context.Context, c storage.Chapter) error
	UpsertSummary(ctx context.Context, sum storage.ChapterSummary) error
	RecentSummaries(ctx context.Context, outputID string, before, limit int) ([]storage.ChapterSummary, error)
	PutContext(ctx context.Context, c storage.StoryContext) error
	GetContext(ctx context.Context, projectID string, kind storage.ContextKind, block int) (storage.StoryContext, error)
}

type Options struct {
	CriticalRetries   int
	RetryBase         time.Duration
	SynopsisEvery     int
	ArcSize           int
	BibleAfter        int
	BibleRefreshEvery int
	// FinaleLookahead flags an outline block as the last one when fewer than
	// this many chapters would remain after it.
	FinaleLookahead int
	RecentSummaries int
}

func (o Options) withDefaults() Options {
	if o.CriticalRetries <= 0 {
		o.CriticalRetries = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.SynopsisEvery <= 0 {
		o.SynopsisEvery = 5
	}
	if o.ArcSize <= 0 {
		o.ArcSize = 20
	}
	if o.BibleAfter <= 0 {
		o.BibleAfter = 3
	}
	if o.BibleRefreshEvery <= 0 {
		o.BibleRefreshEvery = 50
	}
	if o.FinaleLookahead <= 0 {
		o.FinaleLookahead = o.ArcSize
	}
	if o.RecentSummaries <= 0 {
		o.RecentSummaries = 3
	}
	return o
}

type Pipeline struct {
	store  Store
	engine generation.Engine
	opts   Options
	log    logx.Logger
}

func New(store Store, engine generation.Engine, opts Options, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		store:  store,
		engine: engine,
		opts:   opts.withDefaults(),
		log:    log.With(logx.String("comp", "pipeline")),
	}
}

func (p *Pipeline) policy() retry.Policy {
	return retry.Policy{Attempts: p.opts.CriticalRetries, Base: p.opts.RetryBase}
}

// Persist stores the chapter and its summary. Both are upserts, so a
// duplicate attempt overwrites rather than duplicates. Any failure is marked
// with ErrCritical; the content may already be stored when the summary fails.
func (p *Pipeline) Persist(ctx context.Context, proj storage.Project, seq int, ch generation.Chapter) error {
	err := retry.Do(ctx, p.policy(), p.log, "persist chapter", func(ctx context.Context) error {
		return p.store.UpsertChapter(ctx, storage.Chapter{
			OutputID: proj.OutputID, Seq: seq, Title: ch.Title, Content: ch.Content,
		})
	})
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "persist %s#%d", proj.ID, seq), ErrCritical)
	}

	err = retry.Do(ctx, p.policy(), p.log, "persist summary", func(ctx context.Context) error {
		sum, err := p.engine.Summarize(ctx, generation.SummaryRequest{
			ProjectID: proj.ID, Seq: seq, Title: ch.Title, Content: ch.Content,
		})
		if err != nil {
			return err
		}
		return p.store.UpsertSummary(ctx, storage.ChapterSummary{OutputID: proj.OutputID, Seq: seq, Summary: sum})
	})
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "summarize %s#%d", proj.ID, seq), ErrCritical)
	}
	return nil
}

// Step names reported by Enrich.
const (
	StepSynopsis     = "synopsis"
	StepOutline      = "outline"
	StepBible        = "bible"
	StepBibleRefresh = "bible_refresh"
)

// Report lists the cadence steps that ran and those that failed.
type Report struct {
	Ran    []string
	Failed []string
}

// Enrich runs the cadence steps due after chapter seq. Failures are logged
// and reported, never returned.
func (p *Pipeline) Enrich(ctx context.Context, proj storage.Project, seq int) Report {
	var rep Report
	run := func(step string, fn func() error) {
		rep.Ran = append(rep.Ran, step)
		if err := fn(); err != nil {
			rep.Failed = append(rep.Failed, step)
			p.log.Warn("context step failed",
				logx.String("project", proj.ID), logx.String("step", step), logx.Int("seq", seq), logx.Err(err))
		}
	}

	o := p.opts
	if seq%o.SynopsisEvery == 0 {
		run(StepSynopsis, func() error { return p.plan(ctx, proj, generation.PlanSynopsis, seq, 0, 0, false) })
	}
	if seq%o.ArcSize == 0 {
		start, end := seq+1, seq+o.ArcSize
		run(StepOutline, func() error {
			return p.plan(ctx, proj, generation.PlanOutline, seq, start, end, p.isFinale(proj.Target, end))
		})
	}
	if seq == o.BibleAfter {
		if _, err := p.store.GetContext(ctx, proj.ID, storage.ContextBible, 0); errors.Is(err, storage.ErrNotFound) {
			run(StepBible, func() error { return p.plan(ctx, proj, generation.PlanBible, seq, 0, 0, false) })
		}
	}
	if seq > o.BibleAfter && seq%o.BibleRefreshEvery == 0 {
		run(StepBibleRefresh, func() error { return p.plan(ctx, proj, generation.PlanBible, seq, 0, 0, false) })
	}
	return rep
}

// Foundation writes the first outline block for a project about to get its
// first chapter. It is a no-op when one already exists.
func (p *Pipeline) Foundation(ctx context.Context, proj storage.Project) error {
	_, err := p.store.GetContext(ctx, proj.ID, storage.ContextOutline, 1)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	end := p.opts.ArcSize
	return p.plan(ctx, proj, generation.PlanOutline, 0, 1, end, p.isFinale(proj.Target, end))
}

func (p *Pipeline) isFinale(target, blockEnd int) bool {
	return target > 0 && target-blockEnd < p.opts.FinaleLookahead
}

func (p *Pipeline) plan(ctx context.Context, proj storage.Project, kind generation.PlanKind, upTo, start, end int, finale bool) error {
	sc := p.Context(ctx, proj, upTo+1)
	text, err := p.engine.Plan(ctx, generation.PlanRequest{
		Kind:       kind,
		ProjectID:  proj.ID,
		Title:      proj.Title,
		Params:     proj.Params,
		UpTo:       upTo,
		Target:     proj.Target,
		BlockStart: start,
		BlockEnd:   end,
		Finale:     finale,
		Context:    sc,
	})
	if err != nil {
		return err
	}
	entry := storage.StoryContext{ProjectID: proj.ID, Content: text}
	switch kind {
	case generation.PlanSynopsis:
		entry.Kind = storage.ContextSynopsis
	case generation.PlanBible:
		entry.Kind = storage.ContextBible
	case generation.PlanOutline:
		entry.Kind, entry.Block, entry.Finale = storage.ContextOutline, start, finale
		if finale {
			p.log.Info("finale block planned",
				logx.String("project", proj.ID), logx.Int("from", start), logx.Int("to", end), logx.Int("target", proj.Target))
		}
	}
	return p.store.PutContext(ctx, entry)
}

// Context assembles the generation context for chapter seq. Missing pieces
// are left empty; read errors are logged.
func (p *Pipeline) Context(ctx context.Context, proj storage.Project, seq int) generation.StoryContext {
	var sc generation.StoryContext
	get := func(kind storage.ContextKind, block int) (storage.StoryContext, bool) {
		c, err := p.store.GetContext(ctx, proj.ID, kind, block)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				p.log.Warn("context read failed", logx.String("project", proj.ID), logx.String("kind", string(kind)), logx.Err(err))
			}
			return storage.StoryContext{}, false
		}
		return c, true
	}
	if c, ok := get(storage.ContextSynopsis, 0); ok {
		sc.Synopsis = c.Content
	}
	if c, ok := get(storage.ContextBible, 0); ok {
		sc.Bible = c.Content
	}
	if c, ok := get(storage.ContextOutline, seq); ok {
		sc.Outline, sc.FinalBlock = c.Content, c.Finale
	}
	sums, err := p.store.RecentSummaries(ctx, proj.OutputID, seq, p.opts.RecentSummaries)
	if err != nil {
		p.log.Warn("summary read failed", logx.String("project", proj.ID), logx.Err(err))
	}
	for _, s := range sums {
		if t := strings.TrimSpace(s.Summary); t != "" {
			sc.RecentSummaries = append(sc.RecentSummaries, t)
		}
	}
	return sc
}
