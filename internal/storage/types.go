package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectFailed    ProjectStatus = "failed"
)

// Project is one independently progressing story.
//
// Cursor is the highest chapter the project is considered to have reached.
// OutputID links the project to its chapter destination; projects without one
// are never scheduled. Params is opaque JSON handed to the generation engine.
type Project struct {
	ID               string
	Title            string
	OutputID         string
	Params           string
	Cursor           int
	Target           int
	Status           ProjectStatus
	CompletionReason string
	LastTouchedAt    time.Time // zero when never claimed
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Chapter struct {
	OutputID  string
	Seq       int
	Title     string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ChapterSummary struct {
	OutputID string
	Seq      int
	Summary  string
}

type ContextKind string

const (
	ContextSynopsis ContextKind = "synopsis"
	ContextOutline  ContextKind = "outline"
	ContextBible    ContextKind = "bible"
)

// StoryContext is a piece of long-lived generation context.
// Block is the first chapter an outline covers; 0 for synopsis and bible.
type StoryContext struct {
	ProjectID string
	Kind      ContextKind
	Block     int
	Content   string
	Finale    bool
	UpdatedAt time.Time
}

type QuotaStatus string

const (
	QuotaActive    QuotaStatus = "active"
	QuotaCompleted QuotaStatus = "completed"
	QuotaFailed    QuotaStatus = "failed"
)

// DailyQuota is the per (project, day) production allowance.
// Day is formatted as YYYY-MM-DD in the scheduler's reference timezone.
type DailyQuota struct {
	ProjectID  string
	Day        string
	Target     int
	Written    int
	NextDueAt  time.Time // zero means "due now"
	Status     QuotaStatus
	RetryCount int
	LastError  string
	UpdatedAt  time.Time
}

type Diagnostic struct {
	ProjectID     string
	LastError     string
	LastErrorAt   time.Time
	LastSuccessAt time.Time
	Failures      int
}
