package lock

import (
	"context"
	"time"

	"github.com/teranos/rollout/db"
	"github.com/teranos/rollout/logger"
)

// RunReaper calls Reap every interval until ctx is done or the database is
// closed underneath it
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, err := m.Reap(ctx)
		switch {
		case err == nil, ctx.Err() != nil:
		case db.IsDatabaseClosed(err):
			m.logger.Debugw("Database closed, stopping lock reaper")
			return
		default:
			m.logger.Warnw("Lock reaping failed", logger.FieldError, err)
		}
	}
}
