package tick

import (
	"time"

	"storyloom/internal/selector"
)

type Status string

const (
	StatusWritten   Status = "written"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusSkipped   Status = "skipped"
)

// ProjectResult is the outcome of one claimed project in one tick.
type ProjectResult struct {
	ProjectID  string        `json:"project_id"`
	Tier       selector.Tier `json:"tier"`
	Sequence   int           `json:"sequence,omitempty"`
	Status     Status        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	DurationMS int64         `json:"duration_ms"`
	Backfill   bool          `json:"backfill,omitempty"`

	title string
}

type TierCounts struct {
	Resume    int `json:"resume"`
	ColdStart int `json:"cold_start"`
}

// Summary is the JSON body returned by the trigger endpoint and the tick
// command. Error is set only when the tick aborted before scheduling work.
type Summary struct {
	TickID         string          `json:"tick_id"`
	StartedAt      time.Time       `json:"started_at"`
	DurationMS     int64           `json:"duration_ms"`
	Day            string          `json:"day"`
	ActiveProjects int             `json:"active_projects"`
	QuotasCreated  int             `json:"quotas_created"`
	SweptCompleted int             `json:"swept_completed"`
	Candidates     TierCounts      `json:"candidates"`
	Claimed        TierCounts      `json:"claimed"`
	Succeeded      int             `json:"succeeded"`
	Failed         int             `json:"failed"`
	TimedOut       int             `json:"timed_out"`
	Completed      int             `json:"completed"`
	Backfilled     int             `json:"backfilled"`
	Results        []ProjectResult `json:"results"`
	Error          string          `json:"error,omitempty"`
}

// Aborted reports whether the tick stopped before running its tasks.
func (s Summary) Aborted() bool { return s.Error != "" }

func (s *Summary) add(r ProjectResult) {
	s.Results = append(s.Results, r)
	switch r.Status {
	case StatusWritten:
		s.Succeeded++
		if r.Backfill {
			s.Backfilled++
		}
		if r.Reason != "" {
			s.Completed++
		}
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusTimedOut:
		s.TimedOut++
	}
}
