package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// RunStore keeps the crawl run ledger in memory.
type RunStore struct {
	mu    sync.RWMutex
	clock syllabus.Clock
	runs  map[string]syllabus.Run
}

// NewRunStore constructs a RunStore.
func NewRunStore(clock syllabus.Clock) *RunStore {
	return &RunStore{
		clock: clock,
		runs:  make(map[string]syllabus.Run),
	}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run syllabus.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.Generation]; exists {
		return errors.New("run already exists")
	}
	s.runs[run.Generation] = run
	return nil
}

// UpdateRun moves a run to a new state.
func (s *RunStore) UpdateRun(
	_ context.Context,
	generation string,
	state syllabus.RunState,
	page int,
	errText string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[generation]
	if !ok {
		return fmt.Errorf("run %s: %w", generation, syllabus.ErrNotFound)
	}
	run.State = state
	run.Page = page
	run.Error = errText
	run.UpdatedAt = s.clock.Now()
	s.runs[generation] = run
	return nil
}

// GetRun fetches a run by generation.
func (s *RunStore) GetRun(_ context.Context, generation string) (syllabus.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[generation]
	if !ok {
		return syllabus.Run{}, fmt.Errorf("run %s: %w", generation, syllabus.ErrNotFound)
	}
	return run, nil
}

// ListRuns returns the most recently started runs first.
func (s *RunStore) ListRuns(_ context.Context, limit int) ([]syllabus.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]syllabus.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Generation > out[j].Generation
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
