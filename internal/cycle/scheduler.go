package cycle

import (
	"context"
	"fmt"
	"time"

	"labtracker/internal/source"
	"labtracker/internal/store"
)

// Scheduler owns the loaded source list and decides which sources are due.
// The due set is computed once at cycle start and returned in source-list
// order, never reordered, so cycle logs stay deterministic.
type Scheduler struct {
	sources []source.Source
	store   store.Store
}

func NewScheduler(sources []source.Source, st store.Store) *Scheduler {
	return &Scheduler{sources: sources, store: st}
}

// Due returns the enabled sources whose cadence fires in (lastChecked, now].
// Sources never checked before are due immediately, as are sources without a
// cadence. The last-checked time comes from the change record, which only
// advances on successful fetches, so a transiently failing source stays due
// until a fetch lands.
func (s *Scheduler) Due(ctx context.Context, now time.Time) ([]source.Source, error) {
	due := make([]source.Source, 0, len(s.sources))
	for _, src := range s.sources {
		if !src.Enabled {
			continue
		}
		cad := src.CadenceSchedule()
		if cad == nil {
			due = append(due, src)
			continue
		}
		rec, ok, err := s.store.Last(ctx, src.Name)
		if err != nil {
			return nil, fmt.Errorf("cycle: last check for %s: %w", src.Name, err)
		}
		if !ok || cad.DueAt(rec.CheckedAt, now) {
			due = append(due, src)
		}
	}
	return due, nil
}
