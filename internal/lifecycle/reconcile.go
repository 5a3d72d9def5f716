package lifecycle

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/testroom-dev/testroom/internal/session"
)

// Reconcile resets a stuck session so it can be launched again. The
// stored instance must be gone (neither running nor pending in the cloud)
// and no job may be open for the session. Broker and instance references
// are released and the session returns to pending. With unlock the gate
// lockout is cleared as well.
func (m *Manager) Reconcile(ctx context.Context, id string, unlock bool) (*session.Session, error) {
	logger := logr.FromContextOrDiscard(ctx).WithValues("session", id)
	ctx = logr.NewContext(ctx, logger)

	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, ErrTerminated
	}

	if unlock {
		if err := m.Gate.Reset(ctx, id); err != nil {
			return nil, err
		}
		logger.Info("gate lockout cleared")
	}

	if sess.Status == session.StatusPending && !sess.HasInstance() {
		return m.load(ctx, id)
	}

	for _, kind := range []session.JobKind{session.JobProvision, session.JobTeardown} {
		job, err := m.Store.OpenJob(ctx, id, kind)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return nil, ErrInProgress
		}
	}

	if sess.HasInstance() {
		state, err := m.Provisioner.InstanceState(ctx, sess.InstanceID)
		if err != nil {
			return nil, err
		}
		if state == "running" || state == "pending" {
			return nil, ErrInstanceLive
		}
		if err := m.Broker.Deregister(ctx, sess.InstanceID); err != nil {
			logger.Error(err, "deregister during reset failed")
		}
		logger.Info("releasing vanished instance", "instanceID", sess.InstanceID, "state", state)
	}

	from := sess.Status
	sess.InstanceID = ""
	sess.PublicIP = ""
	sess.ConnectionID = 0
	sess.SealedPassword = ""
	sess.Verdict = ""
	sess.SnapshotImageID = ""
	sess.StartedAt = time.Time{}
	sess.ExpiresAt = time.Time{}
	sess.LastError = ""
	sess.Status = session.StatusPending
	if err := m.Store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	if from != session.StatusPending {
		m.observeTransition(ctx, id, from, session.StatusPending)
	}
	return sess, nil
}
