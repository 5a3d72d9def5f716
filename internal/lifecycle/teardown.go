package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/testroom-dev/testroom/internal/log"
	"github.com/testroom-dev/testroom/internal/metrics"
	"github.com/testroom-dev/testroom/internal/probe"
	"github.com/testroom-dev/testroom/internal/session"
)

// HandleTeardown is the job handler for teardown jobs.
func (m *Manager) HandleTeardown(ctx context.Context, job *session.Job) error {
	return m.Teardown(ctx, job.SessionID)
}

// Teardown runs the end-of-session chain for an expired or stopping
// session: probe, snapshot, terminate, deregister, archive. Only terminate
// is fatal; its failure leaves the session where it is and the error makes
// the job retry. The verdict is persisted before terminate, so a retry
// resumes at terminate.
func (m *Manager) Teardown(ctx context.Context, id string) error {
	logger := logr.FromContextOrDiscard(ctx).WithValues("session", id)
	ctx = logr.NewContext(ctx, logger)

	sess, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusExpired && sess.Status != session.StatusStopping {
		logger.Info("nothing to tear down", "status", sess.Status)
		return nil
	}

	began := time.Now()
	ran := !sess.StartedAt.IsZero()
	firstPass := sess.Verdict == ""

	if firstPass {
		sess.Verdict = session.VerdictNA
		if ran {
			sess.Verdict = m.probe(ctx, sess)
		}
		metrics.ObserveVerdict(string(sess.Verdict))
		m.step(ctx, sess, "probe", string(sess.Verdict), nil)

		if ran && sess.HasInstance() {
			start := time.Now()
			imageID, ok := m.Provisioner.Snapshot(ctx, sess.InstanceID, nameTag(sess))
			// An image that is still pending when the waiter gives up usually
			// completes later, so its id is kept.
			if imageID != "" {
				sess.SnapshotImageID = imageID
			}
			switch {
			case ok:
				m.step(ctx, sess, "snapshot", imageID, nil)
			case imageID != "":
				logger.Info("snapshot not yet available, continuing teardown", "imageID", imageID)
				m.step(ctx, sess, "snapshot", "pending", nil)
			default:
				logger.Info("snapshot failed, continuing teardown", "instanceID", sess.InstanceID)
				m.step(ctx, sess, "snapshot", "skipped", nil)
			}
			metrics.ObserveStep("snapshot", start, nil)
		}

		if err := m.Store.UpdateSession(ctx, sess); err != nil {
			return fmt.Errorf("persist verdict: %w", err)
		}
	}

	if sess.HasInstance() {
		start := time.Now()
		err := m.Provisioner.Terminate(ctx, sess.InstanceID)
		metrics.ObserveStep("terminate", start, err)
		if err != nil {
			m.step(ctx, sess, "terminate", "error", err)
			sess.LastError = err.Error()
			if uerr := m.Store.UpdateSession(ctx, sess); uerr != nil {
				logger.Error(uerr, "persisting terminate failure failed")
			}
			return fmt.Errorf("terminate %s: %w", sess.InstanceID, err)
		}
		m.step(ctx, sess, "terminate", "ok", nil)

		start = time.Now()
		err = m.Broker.Deregister(ctx, sess.InstanceID)
		metrics.ObserveStep("deregister", start, err)
		if err != nil {
			logger.Error(err, "deregister failed, continuing teardown")
			m.step(ctx, sess, "deregister", "error", err)
		} else {
			m.step(ctx, sess, "deregister", "ok", nil)
		}
	}

	if ran && m.Archiver != nil && sess.RecordingPath == "" {
		start := time.Now()
		key, err := m.Archiver.Archive(ctx, sess.ID)
		metrics.ObserveStep("archive", start, err)
		if err != nil {
			logger.Error(err, "archiving recording failed")
			m.step(ctx, sess, "archive", "error", err)
		} else {
			sess.RecordingPath = key
			m.step(ctx, sess, "archive", key, nil)
		}
	}

	from := sess.Status
	sess.InstanceID = ""
	sess.PublicIP = ""
	sess.ConnectionID = 0
	sess.SealedPassword = ""
	sess.LastError = ""
	sess.Status = session.StatusTerminated
	if err := m.Store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("persist terminated: %w", err)
	}
	m.observeTransition(ctx, sess.ID, from, session.StatusTerminated)
	m.audit(ctx, log.LogEvent{
		Event:      log.EventTeardownComplete,
		SessionID:  sess.ID,
		Outcome:    string(sess.Verdict),
		DurationMs: time.Since(began).Milliseconds(),
		Data:       map[string]interface{}{"snapshot": sess.SnapshotImageID, "recording": sess.RecordingPath},
	})
	logger.Info("test room torn down", "verdict", sess.Verdict, "snapshot", sess.SnapshotImageID)
	return nil
}

// probe runs the session's script. No script means no verdict to give.
func (m *Manager) probe(ctx context.Context, sess *session.Session) session.Verdict {
	if sess.ProbeScript == "" {
		return session.VerdictNA
	}
	strategy, err := m.Strategies.For(sess.OS)
	if err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "no strategy for probe")
		return session.VerdictFail
	}

	var secret []byte
	if sess.SealedPassword != "" && m.Sealer != nil {
		secret, err = m.Sealer.Unseal(sess.SealedPassword)
		if err != nil {
			logr.FromContextOrDiscard(ctx).Error(err, "unsealing password for probe failed")
			return session.VerdictFail
		}
	}

	start := time.Now()
	cred := strategy.RestoreCredential(sess.PublicIP, secret)
	verdict := strategy.Probe(ctx, sess.ProbeScript, sess.PublicIP, cred)
	metrics.ObserveStep("probe", start, nil)
	if verdict == probe.Pass {
		return session.VerdictPass
	}
	return session.VerdictFail
}

func (m *Manager) step(ctx context.Context, sess *session.Session, step, outcome string, err error) {
	ev := log.LogEvent{
		Event:      log.EventTeardownStep,
		SessionID:  sess.ID,
		InstanceID: sess.InstanceID,
		Step:       step,
		Outcome:    outcome,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	m.audit(ctx, ev)
}
