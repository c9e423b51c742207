// Package selector decides which active projects are offered work in a tick
// and in which order.
package selector

import (
	"math"
	"sort"
	"time"

	"storyloom/internal/storage"
)

type Tier string

const (
	TierResume    Tier = "resume"
	TierColdStart Tier = "cold_start"
)

type Options struct {
	Grace        int
	DailyTarget  int
	TickInterval time.Duration
	SafetyFactor float64
	BatchMin     int
	BatchMax     int
	ColdCap      int
}

// Candidate is a due project together with today's quota view. Quota is
// synthesized (written 0, due now) when the row is missing.
type Candidate struct {
	Project storage.Project
	Quota   storage.DailyQuota
	Tier    Tier
}

type Selection struct {
	Resume    []Candidate
	ColdStart []Candidate
	// Overdue are active projects already at or past target+grace. They are
	// never scheduled; the caller completes them.
	Overdue []storage.Project

	Eligible  int
	Due       int
	BatchSize int
}

// HardStop is the first cursor value a project may no longer be scheduled at.
func HardStop(target, grace int) int { return target + grace }

// BatchSize sizes the resume tier so every project can hit its daily target:
// clamp(ceil(active * dailyTarget / ticksPerDay * safety), min, max).
func BatchSize(active int, o Options) int {
	ticksPerDay := 1.0
	if o.TickInterval > 0 {
		ticksPerDay = float64(24*time.Hour) / float64(o.TickInterval)
	}
	safety := o.SafetyFactor
	if safety <= 0 {
		safety = 1
	}
	n := int(math.Ceil(float64(active) * float64(o.DailyTarget) / ticksPerDay * safety))
	if n < o.BatchMin {
		n = o.BatchMin
	}
	if o.BatchMax > 0 && n > o.BatchMax {
		n = o.BatchMax
	}
	return n
}

// Select filters projects to eligible-and-due, splits them into tiers, sorts
// each tier least-served first then earliest-due, and applies tier caps.
func Select(projects []storage.Project, quotas map[string]storage.DailyQuota, now time.Time, o Options) Selection {
	var (
		sel    Selection
		resume []Candidate
		cold   []Candidate
	)
	for _, p := range projects {
		if p.Status != storage.ProjectActive {
			continue
		}
		if p.Cursor >= HardStop(p.Target, o.Grace) {
			sel.Overdue = append(sel.Overdue, p)
			continue
		}
		if p.OutputID == "" {
			continue
		}
		sel.Eligible++

		q, ok := quotas[p.ID]
		if !ok {
			q = storage.DailyQuota{ProjectID: p.ID, Target: o.DailyTarget, Status: storage.QuotaActive}
		}
		if !isDue(q, now) {
			continue
		}
		c := Candidate{Project: p, Quota: q, Tier: TierResume}
		if p.Cursor == 0 {
			c.Tier = TierColdStart
			cold = append(cold, c)
		} else {
			resume = append(resume, c)
		}
	}
	sel.Due = len(resume) + len(cold)
	sel.BatchSize = BatchSize(sel.Eligible, o)

	sortFair(resume)
	sortFair(cold)
	sel.Resume = capAt(resume, sel.BatchSize)
	sel.ColdStart = capAt(cold, o.ColdCap)
	return sel
}

func isDue(q storage.DailyQuota, now time.Time) bool {
	if q.Status != storage.QuotaActive || q.Written >= q.Target {
		return false
	}
	return q.NextDueAt.IsZero() || !q.NextDueAt.After(now)
}

func sortFair(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].Quota, cs[j].Quota
		if a.Written != b.Written {
			return a.Written < b.Written
		}
		if !a.NextDueAt.Equal(b.NextDueAt) {
			// unset next_due sorts first
			if a.NextDueAt.IsZero() || b.NextDueAt.IsZero() {
				return a.NextDueAt.IsZero()
			}
			return a.NextDueAt.Before(b.NextDueAt)
		}
		return cs[i].Project.ID < cs[j].Project.ID
	})
}

func capAt(cs []Candidate, n int) []Candidate {
	if n < 0 {
		n = 0
	}
	if len(cs) > n {
		return cs[:n]
	}
	return cs
}

// IDs returns the project ids of cs in order.
func IDs(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Project.ID
	}
	return out
}
