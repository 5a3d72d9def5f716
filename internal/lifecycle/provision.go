package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/testroom-dev/testroom/internal/broker"
	"github.com/testroom-dev/testroom/internal/cloud"
	"github.com/testroom-dev/testroom/internal/credential"
	"github.com/testroom-dev/testroom/internal/log"
	"github.com/testroom-dev/testroom/internal/metrics"
	"github.com/testroom-dev/testroom/internal/remote"
	"github.com/testroom-dev/testroom/internal/session"
)

// HandleProvision is the job handler for provision jobs.
func (m *Manager) HandleProvision(ctx context.Context, job *session.Job) error {
	return m.Provision(ctx, job.SessionID)
}

// Provision takes a claimed session from provisioning to running. Each step
// is persisted before the next begins, so a job re-run after a crash
// resumes from the recorded instance and sealed password instead of
// launching again. On failure the partial instance is released and the
// session is terminated; the error is returned without retry.
func (m *Manager) Provision(ctx context.Context, id string) error {
	logger := logr.FromContextOrDiscard(ctx).WithValues("session", id)
	ctx = logr.NewContext(ctx, logger)

	sess, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if !isSetup(sess.Status) {
		logger.Info("nothing to provision", "status", sess.Status)
		return nil
	}

	strategy, err := m.Strategies.For(sess.OS)
	if err != nil {
		return m.failProvision(ctx, sess, 0, err)
	}

	connectionID, err := m.provision(ctx, sess, strategy)
	if err != nil {
		return m.failProvision(ctx, sess, connectionID, err)
	}
	return nil
}

func (m *Manager) provision(ctx context.Context, sess *session.Session, strategy remote.Strategy) (int64, error) {
	logger := logr.FromContextOrDiscard(ctx)
	resumed := sess.HasInstance()

	if !resumed {
		start := time.Now()
		instanceID, err := m.Provisioner.Launch(ctx, cloud.LaunchInput{
			ImageID:         sess.ImageID,
			InstanceType:    m.opts.InstanceType,
			KeyName:         m.opts.KeyName,
			SecurityGroupID: m.opts.SecurityGroupID,
			Tags:            map[string]string{"TestID": sess.ID, "Name": nameTag(sess)},
		})
		metrics.ObserveStep("launch", start, err)
		if err != nil {
			return 0, err
		}
		sess.InstanceID = instanceID
		if err := m.Store.UpdateSession(ctx, sess); err != nil {
			return 0, fmt.Errorf("persist instance id: %w", err)
		}
	} else {
		logger.Info("resuming provisioning", "instanceID", sess.InstanceID, "status", sess.Status)
	}

	start := time.Now()
	address, err := m.Provisioner.AwaitReady(ctx, sess.InstanceID, m.opts.ReadyTimeout, m.opts.ReadyInterval)
	metrics.ObserveStep("await_ready", start, err)
	if err != nil {
		return 0, err
	}
	sess.PublicIP = address
	if err := m.advance(ctx, sess, session.StatusAwaitingCredentials); err != nil {
		return 0, err
	}

	start = time.Now()
	cred, err := m.credential(ctx, sess, strategy)
	metrics.ObserveStep("credentials", start, err)
	if err != nil {
		return 0, err
	}
	if err := m.advance(ctx, sess, session.StatusRegistering); err != nil {
		return 0, err
	}

	if resumed {
		// A previous attempt may have registered before crashing.
		if err := m.Broker.Deregister(ctx, sess.InstanceID); err != nil {
			return 0, err
		}
	}
	start = time.Now()
	connectionID, err := m.Broker.Register(ctx, broker.RegisterInput{
		InstanceID: sess.InstanceID,
		Protocol:   strategy.Protocol(),
		Port:       strategy.DefaultPort(),
		Credential: cred,
		SessionID:  sess.ID,
	})
	metrics.ObserveStep("register", start, err)
	if err != nil {
		return 0, err
	}

	now := m.now().UTC()
	sess.ConnectionID = connectionID
	sess.StartedAt = now
	sess.ExpiresAt = now.Add(sess.TimeLimit)
	sess.LastError = ""
	if err := m.advance(ctx, sess, session.StatusRunning); err != nil {
		return connectionID, err
	}

	logger.Info("test room running", "instanceID", sess.InstanceID, "address", address, "expiresAt", sess.ExpiresAt)
	return connectionID, nil
}

// credential resolves the remote credential, reusing a sealed password
// from an earlier attempt when there is one.
func (m *Manager) credential(ctx context.Context, sess *session.Session, strategy remote.Strategy) (credential.Credential, error) {
	if sess.SealedPassword != "" && m.Sealer != nil {
		secret, err := m.Sealer.Unseal(sess.SealedPassword)
		if err == nil {
			return strategy.RestoreCredential(sess.PublicIP, secret), nil
		}
		logr.FromContextOrDiscard(ctx).Info("sealed password unusable, resolving again", "error", err.Error())
	}

	cred, err := strategy.ResolveCredential(ctx, sess.InstanceID, sess.PublicIP)
	if err != nil {
		return credential.Credential{}, err
	}
	if cred.HasPassword() && m.Sealer == nil {
		logr.FromContextOrDiscard(ctx).Error(nil, "no encryption key, password is not kept for restarts or teardown probes",
			"os", sess.OS, "instanceID", sess.InstanceID)
	}
	if cred.HasPassword() && m.Sealer != nil {
		sealed, err := m.Sealer.Seal([]byte(cred.Secret))
		if err != nil {
			return credential.Credential{}, fmt.Errorf("seal password: %w", err)
		}
		sess.SealedPassword = sealed
	}
	return cred, nil
}

// advance persists sess with a new status in one write.
func (m *Manager) advance(ctx context.Context, sess *session.Session, to session.Status) error {
	from := sess.Status
	sess.Status = to
	if err := m.Store.UpdateSession(ctx, sess); err != nil {
		sess.Status = from
		return fmt.Errorf("persist %s: %w", to, err)
	}
	if from != to {
		m.observeTransition(ctx, sess.ID, from, to)
	}
	return nil
}

// failProvision releases whatever the failed attempt acquired. If the
// instance cannot be terminated the session is handed to teardown, which
// retries, so no instance is ever left without an owner.
func (m *Manager) failProvision(ctx context.Context, sess *session.Session, connectionID int64, cause error) error {
	logger := logr.FromContextOrDiscard(ctx)
	logger.Error(cause, "provisioning failed", "status", sess.Status, "instanceID", sess.InstanceID)

	m.audit(ctx, log.LogEvent{
		Event:      log.EventProvisionFailed,
		SessionID:  sess.ID,
		InstanceID: sess.InstanceID,
		From:       string(sess.Status),
		Error:      cause.Error(),
	})

	if sess.HasInstance() && (connectionID != 0 || sess.ConnectionID != 0) {
		if err := m.Broker.Deregister(ctx, sess.InstanceID); err != nil {
			logger.Error(err, "deregistering partial connection failed")
		}
	}

	from := sess.Status
	sess.LastError = cause.Error()

	if sess.HasInstance() {
		if err := m.Provisioner.Terminate(ctx, sess.InstanceID); err != nil {
			logger.Error(err, "terminating partial instance failed, handing to teardown")
			sess.Status = session.StatusStopping
			if uerr := m.Store.UpdateSession(ctx, sess); uerr != nil {
				return fmt.Errorf("%w (and persisting failure: %v)", cause, uerr)
			}
			m.observeTransition(ctx, sess.ID, from, session.StatusStopping)
			if err := m.enqueueTeardown(ctx, sess.ID); err != nil {
				logger.Error(err, "enqueue teardown failed")
			}
			return cause
		}
	}

	sess.InstanceID = ""
	sess.PublicIP = ""
	sess.ConnectionID = 0
	sess.SealedPassword = ""
	sess.Status = session.StatusTerminated
	if err := m.Store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("%w (and persisting failure: %v)", cause, err)
	}
	m.observeTransition(ctx, sess.ID, from, session.StatusTerminated)
	return cause
}

func nameTag(sess *session.Session) string {
	if sess.TestName != "" {
		return sess.TestName
	}
	if sess.Title != "" {
		return sess.Title
	}
	return "testroom-" + sess.ID
}
