package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PhaseStats is the rolling per-phase timing record used for ETCs.
type PhaseStats struct {
	PhaseID              string
	ItemsProcessedTotal  int
	DurationSecondsTotal float64
	UpdatedAt            time.Time
}

// AvgSecondsPerItem returns the derived average, or 0 with no samples.
func (p *PhaseStats) AvgSecondsPerItem() float64 {
	if p.ItemsProcessedTotal == 0 {
		return 0
	}
	return p.DurationSecondsTotal / float64(p.ItemsProcessedTotal)
}

// UpsertPhaseStats accumulates a run's item count and duration into the
// phase's rolling totals. Runs that processed zero items are ignored.
func (s *Store) UpsertPhaseStats(ctx context.Context, phaseID string, items int, duration time.Duration) error {
	if items <= 0 {
		return nil
	}
	_, err := s.Exec(ctx, `
		INSERT INTO phase_stats (phase_id, items_processed_total, duration_seconds_total, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(phase_id) DO UPDATE SET
			items_processed_total = phase_stats.items_processed_total + excluded.items_processed_total,
			duration_seconds_total = phase_stats.duration_seconds_total + excluded.duration_seconds_total,
			updated_at = excluded.updated_at
	`, phaseID, items, duration.Seconds(), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert phase stats %s: %w", phaseID, err)
	}
	return nil
}

// GetPhaseStats reads the rolling record for one phase.
// Returns a zero-valued record if the phase has no samples yet.
func (s *Store) GetPhaseStats(ctx context.Context, phaseID string) (*PhaseStats, error) {
	var p PhaseStats
	var updatedAt string
	err := s.QueryRow(ctx, `
		SELECT phase_id, items_processed_total, duration_seconds_total, updated_at
		FROM phase_stats WHERE phase_id = ?
	`, phaseID).Scan(&p.PhaseID, &p.ItemsProcessedTotal, &p.DurationSecondsTotal, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &PhaseStats{PhaseID: phaseID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get phase stats %s: %w", phaseID, err)
	}
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}
