// Package generation is the boundary to the external content engine.
package generation

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	ErrEmptyContent  = errors.New("generation: empty content")
	ErrNotConfigured = errors.New("generation: engine not configured")
)

// Mode selects the engine configuration. Fallback is the cheaper setting
// used for the single same-tick retry after a primary failure.
type Mode string

const (
	ModePrimary  Mode = "primary"
	ModeFallback Mode = "fallback"
)

// StoryContext is the long-lived context handed to every chapter call.
type StoryContext struct {
	Synopsis        string
	Outline         string
	FinalBlock      bool // advisory: the current outline block ends the story
	Bible           string
	RecentSummaries []string
}

type ChapterRequest struct {
	ProjectID string
	Title     string // project title
	Params    string // opaque JSON: genre, style, length target
	Seq       int
	Target    int
	Context   StoryContext
	Mode      Mode
}

type Chapter struct {
	Title   string
	Content string
}

type SummaryRequest struct {
	ProjectID string
	Seq       int
	Title     string
	Content   string
}

type PlanKind string

const (
	PlanSynopsis PlanKind = "synopsis"
	PlanOutline  PlanKind = "outline"
	PlanBible    PlanKind = "bible"
)

// PlanRequest asks for a piece of story context. For outlines, BlockStart
// and BlockEnd bound the chapters covered and Finale marks the last block.
type PlanRequest struct {
	Kind       PlanKind
	ProjectID  string
	Title      string
	Params     string
	UpTo       int
	Target     int
	BlockStart int
	BlockEnd   int
	Finale     bool
	Context    StoryContext
}

// Engine produces chapters and derived context. Implementations must honour
// ctx cancellation; callers still treat them as possibly slow and flaky.
type Engine interface {
	Generate(ctx context.Context, req ChapterRequest) (Chapter, error)
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
	Plan(ctx context.Context, req PlanRequest) (string, error)
}
