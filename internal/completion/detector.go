// Package completion decides after each chapter whether a project is done.
package completion

type Reason string

const (
	ReasonNone               Reason = ""
	ReasonHardStop           Reason = "hard_stop"
	ReasonExactTarget        Reason = "exact_target"
	ReasonArcBoundary        Reason = "arc_boundary"
	ReasonNaturalEnding      Reason = "natural_ending"
	ReasonNaturalEndingEarly Reason = "natural_ending_early"
)

type Options struct {
	Grace      int
	ArcSize    int
	TailWindow int
	TailChars  int
}

type Decision struct {
	Complete bool
	Reason   Reason
	Score    int
}

type Detector struct {
	opts   Options
	scorer Scorer
}

func NewDetector(opts Options, scorer Scorer) *Detector {
	if opts.Grace <= 0 {
		opts.Grace = 20
	}
	if opts.ArcSize <= 0 {
		opts.ArcSize = 20
	}
	if opts.TailChars <= 0 {
		opts.TailChars = 800
	}
	if scorer == nil {
		scorer = DefaultRules()
	}
	return &Detector{opts: opts, scorer: scorer}
}

// HardStop is the sequence at which completion is forced regardless of
// content: two grace increments past target. Scheduling already stops one
// grace increment past target, so this only triggers for projects that were
// in flight across that line.
func (d *Detector) HardStop(target int) int { return target + 2*d.opts.Grace }

// Evaluate applies the completion rules to the chapter just written.
//
//  1. lastWritten >= HardStop(target): hard_stop.
//  2. lastWritten >= target: exact_target on target, arc_boundary on a
//     multiple of ArcSize, natural_ending when the scorer fires.
//  3. lastWritten >= target-TailWindow and the scorer fires:
//     natural_ending_early.
func (d *Detector) Evaluate(lastWritten, target int, title, content string) Decision {
	if lastWritten <= 0 || target <= 0 {
		return Decision{}
	}
	if lastWritten >= d.HardStop(target) {
		return Decision{Complete: true, Reason: ReasonHardStop}
	}
	if lastWritten >= target {
		if lastWritten == target {
			return Decision{Complete: true, Reason: ReasonExactTarget}
		}
		if lastWritten%d.opts.ArcSize == 0 {
			return Decision{Complete: true, Reason: ReasonArcBoundary}
		}
		tail := Tail(content, d.opts.TailChars)
		score := d.scorer.Score(title, tail)
		if d.scorer.Fires(title, tail) {
			return Decision{Complete: true, Reason: ReasonNaturalEnding, Score: score}
		}
		return Decision{Score: score}
	}
	if lastWritten >= target-d.opts.TailWindow {
		tail := Tail(content, d.opts.TailChars)
		score := d.scorer.Score(title, tail)
		if d.scorer.Fires(title, tail) {
			return Decision{Complete: true, Reason: ReasonNaturalEndingEarly, Score: score}
		}
		return Decision{Score: score}
	}
	return Decision{}
}

// Precheck reports whether a project whose cursor already sits at or past
// the hard stop should be completed without writing.
func (d *Detector) Precheck(cursor, target int) Decision {
	if cursor > 0 && cursor >= d.HardStop(target) {
		return Decision{Complete: true, Reason: ReasonHardStop}
	}
	return Decision{}
}
