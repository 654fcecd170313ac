package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"spikenet/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	conclusions map[string][]model.ConclusionRecord
	sessions    map[string]struct{}
	summaries   map[string]model.RunSummary
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Init prepares the store; calling it again keeps what was stored.
func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.conclusions = make(map[string][]model.ConclusionRecord)
	s.sessions = make(map[string]struct{})
	s.summaries = make(map[string]model.RunSummary)
	return nil
}

// SaveConclusion appends a record to its run. A session id that was already
// stored is ignored.
func (s *MemoryStore) SaveConclusion(_ context.Context, record model.ConclusionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	if record.SessionID != "" {
		if _, seen := s.sessions[record.SessionID]; seen {
			return nil
		}
		s.sessions[record.SessionID] = struct{}{}
	}
	s.conclusions[record.RunID] = append(s.conclusions[record.RunID], record)
	return nil
}

func (s *MemoryStore) ListConclusions(_ context.Context, runID string) ([]model.ConclusionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.ConclusionRecord(nil), s.conclusions[runID]...), nil
}

func (s *MemoryStore) SaveRunSummary(_ context.Context, summary model.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.summaries[summary.RunID] = summary
	return nil
}

func (s *MemoryStore) GetRunSummary(_ context.Context, runID string) (model.RunSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.summaries[runID]
	return summary, ok, nil
}

// ListRunSummaries returns runs oldest first.
func (s *MemoryStore) ListRunSummaries(_ context.Context) ([]model.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RunSummary, 0, len(s.summaries))
	for _, summary := range s.summaries {
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtUTC != out[j].CreatedAtUTC {
			return out[i].CreatedAtUTC < out[j].CreatedAtUTC
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}
