package memory

import (
	"context"
	"sync"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/model"
)

// Schedules is an in-memory schedule catalogue.
type Schedules struct {
	mu   sync.RWMutex
	byID map[uint64]model.Schedule
}

// NewSchedules returns a catalogue seeded with the given schedules.
func NewSchedules(seed ...model.Schedule) *Schedules {
	s := &Schedules{byID: map[uint64]model.Schedule{}}
	for _, sc := range seed {
		s.Add(sc)
	}
	return s
}

// Add inserts or replaces a schedule.  An empty status defaults to ACTIVE.
func (s *Schedules) Add(sc model.Schedule) {
	if sc.Status == "" {
		sc.Status = model.ScheduleActive
	}
	s.mu.Lock()
	s.byID[sc.ID] = sc
	s.mu.Unlock()
}

// GetSchedule returns the active schedule with the given id.
func (s *Schedules) GetSchedule(_ context.Context, id uint64) (model.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.byID[id]
	if !ok || sc.Status != model.ScheduleActive {
		return model.Schedule{}, apperr.New(apperr.CodeNotFound, "schedule not found")
	}
	return sc, nil
}
