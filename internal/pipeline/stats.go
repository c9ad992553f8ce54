package pipeline

import (
	"context"
	"time"

	"github.com/randalmurphal/tweetkb/internal/db"
)

// Stats tracks rolling per-phase timing averages used for the ETC
// estimates in phase events.
type Stats struct {
	store *db.Store
}

// NewStats creates a stats tracker backed by the state store.
func NewStats(store *db.Store) *Stats {
	return &Stats{store: store}
}

// Update records a phase run. Runs that processed no items contribute
// nothing.
func (s *Stats) Update(ctx context.Context, phaseID string, items int, duration time.Duration) error {
	if items <= 0 {
		return nil
	}
	return s.store.UpsertPhaseStats(ctx, phaseID, items, duration)
}

// GetAverage returns the historical seconds-per-item for a phase, or
// zero when no samples exist.
func (s *Stats) GetAverage(ctx context.Context, phaseID string) float64 {
	p, err := s.store.GetPhaseStats(ctx, phaseID)
	if err != nil {
		return 0
	}
	return p.AvgSecondsPerItem()
}
