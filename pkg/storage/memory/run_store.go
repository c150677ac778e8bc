// Package memory holds run history in process memory for single-host use and
// tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"dtrunner/pkg/models"
	"dtrunner/pkg/storage"
)

type RunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]models.RunRecord
}

func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[uuid.UUID]models.RunRecord)}
}

func (s *RunStore) CreateRun(_ context.Context, run *models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if _, ok := s.runs[run.ID]; ok {
		return storage.ErrConflict
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *RunStore) GetRun(_ context.Context, id uuid.UUID) (*models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &run, nil
}

func (s *RunStore) ListRuns(_ context.Context, filter storage.RunFilter) ([]models.RunRecord, error) {
	s.mu.RLock()
	out := make([]models.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Scenario != "" && run.Scenario != filter.Scenario {
			continue
		}
		if filter.Outcome != "" && run.Outcome != filter.Outcome {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	if filter.Offset >= len(out) {
		return []models.RunRecord{}, nil
	}
	out = out[filter.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ storage.RunStore = (*RunStore)(nil)
