package pipeline

import (
	"context"
	"time"

	"callscribe/internal/models"
	"callscribe/internal/service/library"
)

const (
	defaultSweepInterval = 5 * time.Minute
	// Runs older than this with a non-terminal status were interrupted
	// by a crash or restart; nothing will ever finish them.
	stuckRunMaxAge = 30 * time.Minute
)

// StartSweeper periodically fails records stuck in a non-terminal
// status with no run in flight. It returns after ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.WithField("interval", interval.String()).Info("pipeline sweeper started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info("pipeline sweeper stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-stuckRunMaxAge)
	files, err := m.records.ListUnfinished(ctx, cutoff)
	if err != nil {
		m.log.WithError(err).Warn("sweep query failed")
		return
	}

	for _, f := range files {
		if m.inFlight(f.ID) {
			continue
		}
		status := models.StatusFailed
		msg := "processing interrupted"
		if err := m.records.UpdateFile(ctx, f.ID, library.FileUpdate{Status: &status, Error: &msg}); err != nil {
			m.log.WithFile(f.ID).WithError(err).Warn("sweep update failed")
			continue
		}
		m.notify(f.OwnerID, f.ID, status, msg, nil)
		m.log.WithFile(f.ID).Warn("stuck run marked failed")
	}
}
