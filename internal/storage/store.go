package storage

import (
	"context"

	"spikenet/internal/model"
)

// Store persists classification outcomes: one conclusion per concluded
// sample and one summary per run.
type Store interface {
	Init(ctx context.Context) error
	SaveConclusion(ctx context.Context, record model.ConclusionRecord) error
	ListConclusions(ctx context.Context, runID string) ([]model.ConclusionRecord, error)
	SaveRunSummary(ctx context.Context, summary model.RunSummary) error
	GetRunSummary(ctx context.Context, runID string) (model.RunSummary, bool, error)
	ListRunSummaries(ctx context.Context) ([]model.RunSummary, error)
}
