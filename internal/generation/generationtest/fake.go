// Package generationtest provides a scriptable in-memory Engine.
package generationtest

import (
	"context"
	"fmt"
	"sync"

	"storyloom/internal/generation"
)

// Engine is a deterministic fake. Unset hooks produce canned text. Calls
// are recorded for assertions.
type Engine struct {
	GenerateFunc  func(ctx context.Context, req generation.ChapterRequest) (generation.Chapter, error)
	SummarizeFunc func(ctx context.Context, req generation.SummaryRequest) (string, error)
	PlanFunc      func(ctx context.Context, req generation.PlanRequest) (string, error)

	mu        sync.Mutex
	chapters  []generation.ChapterRequest
	summaries []generation.SummaryRequest
	plans     []generation.PlanRequest
}

func (e *Engine) Generate(ctx context.Context, req generation.ChapterRequest) (generation.Chapter, error) {
	e.mu.Lock()
	e.chapters = append(e.chapters, req)
	e.mu.Unlock()
	if e.GenerateFunc != nil {
		return e.GenerateFunc(ctx, req)
	}
	return generation.Chapter{
		Title:   fmt.Sprintf("Chapter %d", req.Seq),
		Content: fmt.Sprintf("%s chapter %d: the road goes on.", req.ProjectID, req.Seq),
	}, nil
}

func (e *Engine) Summarize(ctx context.Context, req generation.SummaryRequest) (string, error) {
	e.mu.Lock()
	e.summaries = append(e.summaries, req)
	e.mu.Unlock()
	if e.SummarizeFunc != nil {
		return e.SummarizeFunc(ctx, req)
	}
	return fmt.Sprintf("summary of %d", req.Seq), nil
}

func (e *Engine) Plan(ctx context.Context, req generation.PlanRequest) (string, error) {
	e.mu.Lock()
	e.plans = append(e.plans, req)
	e.mu.Unlock()
	if e.PlanFunc != nil {
		return e.PlanFunc(ctx, req)
	}
	return fmt.Sprintf("%s up to %d", req.Kind, req.UpTo), nil
}

func (e *Engine) ChapterCalls() []generation.ChapterRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]generation.ChapterRequest(nil), e.chapters...)
}

func (e *Engine) SummaryCalls() []generation.SummaryRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]generation.SummaryRequest(nil), e.summaries...)
}

func (e *Engine) PlanCalls() []generation.PlanRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]generation.PlanRequest(nil), e.plans...)
}
