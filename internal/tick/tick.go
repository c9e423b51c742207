// Package tick runs one scheduler invocation: select, claim, execute, and
// account for every outcome.
package tick

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"storyloom/internal/claim"
	"storyloom/internal/completion"
	"storyloom/internal/eventbus"
	"storyloom/internal/executor"
	"storyloom/internal/generation"
	"storyloom/internal/pipeline"
	"storyloom/internal/quota"
	"storyloom/internal/reconcile"
	"storyloom/internal/selector"
	"storyloom/internal/storage"
	logx "storyloom/pkg/logx"
)

type Store interface {
	ListActiveProjects(ctx context.Context) ([]storage.Project, error)
	ListQuotas(ctx context.Context, day string) (map[string]storage.DailyQuota, error)
	AdvanceCursor(ctx context.Context, id string, seq int) (bool, error)
	CompleteProject(ctx context.Context, id, reason string) (bool, error)
	RecordError(ctx context.Context, projectID, msg string, at time.Time) error
	RecordSuccess(ctx context.Context, projectID string, at time.Time) error
}

// Deps are the collaborators of an Orchestrator. Bus, Clock and Log are
// optional.
type Deps struct {
	Store      Store
	Quota      *quota.Manager
	Claimer    claim.Claimer
	Reconciler *reconcile.Reconciler
	Pipeline   *pipeline.Pipeline
	Detector   *completion.Detector
	Engine     generation.Engine
	Bus        eventbus.Bus
	Clock      func() time.Time
	Log        logx.Logger
}

type Options struct {
	Selector         selector.Options
	Budget           time.Duration
	Concurrency      int
	ResumeTimeout    time.Duration
	ColdStartTimeout time.Duration
	// FlushTimeout bounds the bookkeeping done after the budget expired.
	FlushTimeout time.Duration
}

type Orchestrator struct {
	d Deps

	mu   sync.RWMutex
	opts Options
}

func New(d Deps, opts Options) *Orchestrator {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	d.Log = d.Log.With(logx.String("comp", "tick"))
	return &Orchestrator{d: d, opts: opts}
}

// SetOptions swaps scheduler tuning; the next tick picks it up.
func (o *Orchestrator) SetOptions(opts Options) {
	o.mu.Lock()
	o.opts = opts
	o.mu.Unlock()
}

func (o *Orchestrator) options() Options {
	o.mu.RLock()
	defer o.mu.RUnlock()
	opts := o.opts
	if opts.Budget <= 0 {
		opts.Budget = 280 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.ResumeTimeout <= 0 {
		opts.ResumeTimeout = 150 * time.Second
	}
	if opts.ColdStartTimeout <= 0 {
		opts.ColdStartTimeout = 240 * time.Second
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 15 * time.Second
	}
	return opts
}

// Run executes one tick. It always returns a summary; Summary.Error is set
// when the tick could not schedule anything.
func (o *Orchestrator) Run(parent context.Context) (sum Summary) {
	opts := o.options()
	start := o.d.Clock()
	sum = Summary{TickID: uuid.NewString(), StartedAt: start, Results: []ProjectResult{}}
	log := o.d.Log.With(logx.String("tick", sum.TickID))

	ctx, cancel := context.WithTimeout(parent, opts.Budget)
	defer cancel()
	defer func() {
		sum.DurationMS = o.d.Clock().Sub(start).Milliseconds()
		o.finish(log, sum)
	}()

	sum.Day = o.d.Quota.Day(start)
	projects, err := o.d.Store.ListActiveProjects(ctx)
	if err != nil {
		sum.Error = errors.Wrap(err, "list active projects").Error()
		log.Error("tick aborted", logx.Err(err))
		return sum
	}
	sum.ActiveProjects = len(projects)

	ids := make([]string, len(projects))
	for i, p := range projects {
		ids[i] = p.ID
	}
	created, failed := o.d.Quota.EnsureQuotas(ctx, ids, sum.Day, start)
	sum.QuotasCreated = created
	if failed > 0 {
		log.Warn("quota rows not ensured", logx.Int("failed", failed))
	}
	quotas, err := o.d.Store.ListQuotas(ctx, sum.Day)
	if err != nil {
		// a missing row reads as due with nothing written
		log.Warn("quota listing failed; treating all as due", logx.Err(err))
		quotas = nil
	}

	sel := selector.Select(projects, quotas, start, opts.Selector)
	sum.SweptCompleted = o.sweep(ctx, log, sum.TickID, sel.Overdue)
	sum.Candidates = TierCounts{Resume: len(sel.Resume), ColdStart: len(sel.ColdStart)}

	resume := o.claim(ctx, log, sel.Resume, start)
	cold := o.claim(ctx, log, sel.ColdStart, start)
	sum.Claimed = TierCounts{Resume: len(resume), ColdStart: len(cold)}
	log.Info("tick scheduled",
		logx.Int("active", sum.ActiveProjects),
		logx.Int("eligible", sel.Eligible),
		logx.Int("due", sel.Due),
		logx.Int("batch", sel.BatchSize),
		logx.Int("claimed_resume", len(resume)),
		logx.Int("claimed_cold", len(cold)),
	)

	tasks := make([]executor.Task[ProjectResult], 0, len(resume)+len(cold))
	for _, c := range resume {
		tasks = append(tasks, o.task(c, sum.Day, opts.ResumeTimeout, log))
	}
	for _, c := range cold {
		tasks = append(tasks, o.task(c, sum.Day, opts.ColdStartTimeout, log))
	}
	results := executor.Run(ctx, tasks, opts.Concurrency, log)

	// bookkeeping outlives the budget so partial results are still recorded
	flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(parent), opts.FlushTimeout)
	defer flushCancel()
	for i, r := range results {
		pr := r.Value
		pr.DurationMS = r.Duration.Milliseconds()
		if r.Err != nil && pr.Status == "" {
			pr.ProjectID, pr.Status, pr.Error = tasks[i].Name, StatusFailed, r.Err.Error()
		}
		o.account(flushCtx, log, sum.TickID, sum.Day, pr)
		sum.add(pr)
	}
	return sum
}

func (o *Orchestrator) finish(log logx.Logger, sum Summary) {
	fields := []logx.Field{
		logx.Int64("took_ms", sum.DurationMS),
		logx.Int("succeeded", sum.Succeeded),
		logx.Int("failed", sum.Failed),
		logx.Int("timed_out", sum.TimedOut),
		logx.Int("completed", sum.Completed),
	}
	if sum.Aborted() {
		log.Error("tick finished with error", append(fields, logx.String("error", sum.Error))...)
	} else {
		log.Info("tick finished", fields...)
	}
	o.d.Bus.Publish(eventbus.Event{Type: eventbus.TickFinished, Data: eventbus.TickData{
		TickID:    sum.TickID,
		Claimed:   sum.Claimed.Resume + sum.Claimed.ColdStart,
		Succeeded: sum.Succeeded,
		Failed:    sum.Failed,
		TimedOut:  sum.TimedOut,
		Completed: sum.Completed,
		Duration:  time.Duration(sum.DurationMS) * time.Millisecond,
		Err:       sum.Error,
	}})
}

func (o *Orchestrator) sweep(ctx context.Context, log logx.Logger, tickID string, overdue []storage.Project) int {
	n := 0
	for _, p := range overdue {
		ok, err := o.d.Store.CompleteProject(ctx, p.ID, string(completion.ReasonHardStop))
		if err != nil {
			log.Warn("overdue sweep failed", logx.String("project", p.ID), logx.Err(err))
			continue
		}
		if ok {
			n++
			o.publishCompleted(tickID, p, p.Cursor, string(completion.ReasonHardStop))
		}
	}
	return n
}

func (o *Orchestrator) claim(ctx context.Context, log logx.Logger, cs []selector.Candidate, now time.Time) []selector.Candidate {
	if len(cs) == 0 {
		return nil
	}
	claimed, err := o.d.Claimer.Claim(ctx, selector.IDs(cs), now)
	if err != nil {
		log.Error("claim failed", logx.String("tier", string(cs[0].Tier)), logx.Err(err))
		return nil
	}
	byID := make(map[string]selector.Candidate, len(cs))
	for _, c := range cs {
		byID[c.Project.ID] = c
	}
	out := make([]selector.Candidate, 0, len(claimed))
	for _, id := range claimed {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (o *Orchestrator) task(c selector.Candidate, day string, timeout time.Duration, log logx.Logger) executor.Task[ProjectResult] {
	return executor.Task[ProjectResult]{
		Name:    c.Project.ID,
		Timeout: timeout,
		Run: func(ctx context.Context) (ProjectResult, error) {
			return o.process(ctx, c, log), nil
		},
		OnTimeout: func(elapsed time.Duration) ProjectResult {
			return ProjectResult{
				ProjectID: c.Project.ID,
				Tier:      c.Tier,
				Status:    StatusTimedOut,
				Error:     fmt.Sprintf("timed out after %s", elapsed.Round(time.Millisecond)),
				title:     c.Project.Title,
			}
		},
	}
}

// process does the work for one claimed project. It never returns an error;
// every failure is folded into the result.
func (o *Orchestrator) process(ctx context.Context, c selector.Candidate, log logx.Logger) ProjectResult {
	p := c.Project
	res := ProjectResult{ProjectID: p.ID, Tier: c.Tier, title: p.Title}
	fail := func(err error) ProjectResult {
		res.Status, res.Error = StatusFailed, err.Error()
		return res
	}
	log = log.With(logx.String("project", p.ID))

	// The selector sweeps at target+grace, so this only trips when the two
	// boundaries are configured apart.
	if d := o.d.Detector.Precheck(p.Cursor, p.Target); d.Complete {
		if _, err := o.d.Store.CompleteProject(ctx, p.ID, string(d.Reason)); err != nil {
			return fail(err)
		}
		res.Status, res.Reason = StatusCompleted, string(d.Reason)
		return res
	}

	plan := reconcile.Plan{RunFrom: p.Cursor, PersistedCursor: p.Cursor}
	if c.Tier == selector.TierResume {
		var err error
		plan, err = o.d.Reconciler.Check(ctx, p)
		if errors.Is(err, reconcile.ErrCursorMoved) {
			res.Status, res.Error = StatusSkipped, err.Error()
			return res
		}
		if err != nil {
			return fail(errors.Wrap(err, "reconcile"))
		}
		p.Cursor = plan.PersistedCursor
	} else if err := o.d.Pipeline.Foundation(ctx, p); err != nil {
		return fail(errors.Wrap(err, "foundation outline"))
	}

	seq := plan.Next()
	res.Sequence, res.Backfill = seq, plan.Backfill

	ch, err := o.generate(ctx, log, p, seq)
	if err != nil {
		return fail(err)
	}
	if err := o.d.Pipeline.Persist(ctx, p, seq, ch); err != nil {
		return fail(err)
	}
	res.Status = StatusWritten
	if plan.Backfill {
		log.Info("gap backfilled", logx.Int("seq", seq))
		return res
	}

	ok, err := o.d.Store.AdvanceCursor(ctx, p.ID, seq)
	if err != nil {
		return fail(errors.Wrap(err, "advance cursor"))
	}
	if !ok {
		log.Warn("cursor not advanced; project changed concurrently", logx.Int("seq", seq))
		return res
	}
	o.d.Pipeline.Enrich(ctx, p, seq)

	if d := o.d.Detector.Evaluate(seq, p.Target, ch.Title, ch.Content); d.Complete {
		if _, err := o.d.Store.CompleteProject(ctx, p.ID, string(d.Reason)); err != nil {
			log.Warn("completion not recorded", logx.String("reason", string(d.Reason)), logx.Err(err))
		} else {
			res.Reason = string(d.Reason)
		}
	}
	return res
}

// generate calls the engine once and, when no content came back, once more
// in fallback mode.
func (o *Orchestrator) generate(ctx context.Context, log logx.Logger, p storage.Project, seq int) (generation.Chapter, error) {
	req := generation.ChapterRequest{
		ProjectID: p.ID,
		Title:     p.Title,
		Params:    p.Params,
		Seq:       seq,
		Target:    p.Target,
		Context:   o.d.Pipeline.Context(ctx, p, seq),
		Mode:      generation.ModePrimary,
	}
	ch, err := o.d.Engine.Generate(ctx, req)
	if err == nil {
		return ch, nil
	}
	if ctx.Err() != nil {
		return generation.Chapter{}, errors.Wrap(err, "generate")
	}
	log.Warn("generation failed; retrying in fallback mode", logx.Int("seq", seq), logx.Err(err))
	req.Mode = generation.ModeFallback
	ch, ferr := o.d.Engine.Generate(ctx, req)
	if ferr != nil {
		return generation.Chapter{}, errors.Wrapf(ferr, "generate (fallback after: %v)", err)
	}
	return ch, nil
}

// account applies quota and diagnostic bookkeeping for one result. Errors
// here are logged only.
func (o *Orchestrator) account(ctx context.Context, log logx.Logger, tickID, day string, r ProjectResult) {
	now := o.d.Clock()
	switch r.Status {
	case StatusWritten:
		if _, err := o.d.Quota.RecordSuccess(ctx, r.ProjectID, day, now); err != nil {
			log.Warn("quota success not recorded", logx.String("project", r.ProjectID), logx.Err(err))
		}
		if err := o.d.Store.RecordSuccess(ctx, r.ProjectID, now); err != nil {
			log.Warn("diagnostic not recorded", logx.String("project", r.ProjectID), logx.Err(err))
		}
		if r.Reason != "" {
			o.publishCompleted(tickID, storage.Project{ID: r.ProjectID, Title: r.title}, r.Sequence, r.Reason)
		}
	case StatusCompleted:
		o.publishCompleted(tickID, storage.Project{ID: r.ProjectID, Title: r.title}, r.Sequence, r.Reason)
	case StatusFailed, StatusTimedOut:
		if err := o.d.Quota.RecordFailure(ctx, r.ProjectID, day, r.Error, now); err != nil {
			log.Warn("quota failure not recorded", logx.String("project", r.ProjectID), logx.Err(err))
		}
		if err := o.d.Store.RecordError(ctx, r.ProjectID, r.Error, now); err != nil {
			log.Warn("diagnostic not recorded", logx.String("project", r.ProjectID), logx.Err(err))
		}
		log.Warn("task failed",
			logx.String("project", r.ProjectID),
			logx.String("tier", string(r.Tier)),
			logx.String("status", string(r.Status)),
			logx.String("error", r.Error))
		o.d.Bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: eventbus.ProjectData{
			TickID: tickID, ProjectID: r.ProjectID, Title: r.title, Seq: r.Sequence, Err: r.Error,
		}})
	}
}

func (o *Orchestrator) publishCompleted(tickID string, p storage.Project, seq int, reason string) {
	o.d.Bus.Publish(eventbus.Event{Type: eventbus.ProjectCompleted, Data: eventbus.ProjectData{
		TickID: tickID, ProjectID: p.ID, Title: p.Title, Seq: seq, Reason: reason,
	}})
}
