package lifecycle

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/testroom-dev/testroom/internal/session"
)

// Sweep finds sessions whose time is up and hands them to teardown:
// running sessions past expiry, expired or stopping sessions that lost
// their teardown job, and setup states stuck past the grace period. It
// returns the number of sessions acted on.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	logger := logr.FromContextOrDiscard(ctx)

	sessions, err := m.Store.ListByStatus(ctx,
		session.StatusRunning,
		session.StatusExpired,
		session.StatusStopping,
		session.StatusProvisioning,
		session.StatusAwaitingCredentials,
		session.StatusRegistering,
	)
	if err != nil {
		return 0, err
	}

	acted := 0
	for _, sess := range sessions {
		switch {
		case sess.Status == session.StatusRunning:
			if !sess.Expired(m.now()) {
				continue
			}
			if _, err := m.expireIfDue(ctx, sess); err != nil {
				logger.Error(err, "expiring session failed", "session", sess.ID)
				continue
			}
			acted++

		case sess.Status == session.StatusExpired || sess.Status == session.StatusStopping:
			job, err := m.Store.OpenJob(ctx, sess.ID, session.JobTeardown)
			if err != nil {
				logger.Error(err, "checking teardown job failed", "session", sess.ID)
				continue
			}
			if job != nil {
				continue
			}
			logger.Info("re-enqueueing teardown", "session", sess.ID, "status", sess.Status)
			if err := m.enqueueTeardown(ctx, sess.ID); err != nil {
				logger.Error(err, "enqueue teardown failed", "session", sess.ID)
				continue
			}
			acted++

		default:
			stuck, err := m.stuck(ctx, sess)
			if err != nil {
				logger.Error(err, "checking stuck session failed", "session", sess.ID)
				continue
			}
			if !stuck {
				continue
			}
			if err := m.forceStop(ctx, sess); err != nil {
				logger.Error(err, "forcing teardown failed", "session", sess.ID)
				continue
			}
			acted++
		}
	}

	if acted > 0 {
		logger.Info("sweep complete", "sessions", acted)
	}
	return acted, nil
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
					logr.FromContextOrDiscard(ctx).Error(err, "sweep failed")
				}
			}
		}
	}()
}
