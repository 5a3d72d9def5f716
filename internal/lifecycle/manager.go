// Package lifecycle drives a test room session from creation to teardown:
// provisioning, credential resolution, broker registration, the time box
// and the teardown chain.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/testroom-dev/testroom/internal/broker"
	"github.com/testroom-dev/testroom/internal/cloud"
	"github.com/testroom-dev/testroom/internal/gate"
	"github.com/testroom-dev/testroom/internal/log"
	"github.com/testroom-dev/testroom/internal/metrics"
	"github.com/testroom-dev/testroom/internal/poll"
	"github.com/testroom-dev/testroom/internal/remote"
	"github.com/testroom-dev/testroom/internal/session"
)

var (
	ErrNotFound   = errors.New("lifecycle: session not found")
	ErrExpired    = errors.New("lifecycle: session expired")
	ErrTerminated = errors.New("lifecycle: session terminated")
	// ErrStartFailed is returned to a waiting caller whose provisioning
	// ended in failure. Detail is in the session's LastError.
	ErrStartFailed = errors.New("lifecycle: could not start test room")
	// ErrInstanceLive is returned by Reconcile while the instance still
	// runs; stop the session instead.
	ErrInstanceLive = errors.New("lifecycle: instance still live")
	ErrInvalid      = errors.New("lifecycle: invalid request")

	ErrInProgress = gate.ErrInProgress
	ErrDenied     = gate.ErrDenied
	ErrLocked     = gate.ErrLocked
)

// Provisioner is the compute side of the lifecycle. *cloud.Provisioner
// implements it.
type Provisioner interface {
	Launch(ctx context.Context, in cloud.LaunchInput) (string, error)
	AwaitReady(ctx context.Context, instanceID string, timeout, interval time.Duration) (string, error)
	InstanceState(ctx context.Context, instanceID string) (string, error)
	Snapshot(ctx context.Context, instanceID, nameHint string) (string, bool)
	Terminate(ctx context.Context, instanceID string) error
}

// Broker registers and removes remote-access connections. *broker.Store
// implements it.
type Broker interface {
	Register(ctx context.Context, in broker.RegisterInput) (int64, error)
	Deregister(ctx context.Context, instanceID string) error
}

// TokenMinter issues broker API tokens and opens tunnels with them.
// *broker.TokenClient implements it.
type TokenMinter interface {
	MintToken(ctx context.Context) (string, error)
	OpenTunnel(ctx context.Context, token, identifier string) (string, error)
	Server() string
}

// Strategies looks up the remote access strategy for an OS.
type Strategies interface {
	For(os session.OS) (remote.Strategy, error)
}

// Sealer protects the Windows password at rest.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Unseal(ciphertext string) ([]byte, error)
}

// Archiver uploads a session recording and returns its object key.
type Archiver interface {
	Archive(ctx context.Context, sessionID string) (string, error)
}

// Notifier wakes the job workers after an enqueue.
type Notifier interface {
	Notify()
}

// Deps are the collaborators of a Manager. Archiver, Notifier, Sealer and
// Audit are optional.
type Deps struct {
	Store       *session.Store
	Gate        *gate.Gate
	Provisioner Provisioner
	Broker      Broker
	Tokens      TokenMinter
	Strategies  Strategies
	Sealer      Sealer
	Archiver    Archiver
	Notifier    Notifier
	Audit       *log.Logger
}

// Options tunes a Manager.
type Options struct {
	InstanceType    string
	KeyName         string
	SecurityGroupID string

	ReadyTimeout  time.Duration
	ReadyInterval time.Duration

	// SyncBudget is how long Open waits for a fresh session to come up
	// before returning ErrInProgress.
	SyncBudget time.Duration
	SyncPoll   time.Duration

	// StuckGrace is how long a setup state may sit without a provision
	// job before the sweeper forces teardown.
	StuckGrace time.Duration

	TeardownMaxAttempts int
	AuthProvider        string
	DefaultTimeLimit    time.Duration
}

func (o *Options) setDefaults() {
	if o.InstanceType == "" {
		o.InstanceType = "t3.medium"
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 300 * time.Second
	}
	if o.ReadyInterval <= 0 {
		o.ReadyInterval = 10 * time.Second
	}
	if o.SyncPoll <= 0 {
		o.SyncPoll = 500 * time.Millisecond
	}
	if o.TeardownMaxAttempts <= 0 {
		o.TeardownMaxAttempts = 8
	}
	if o.AuthProvider == "" {
		o.AuthProvider = broker.DefaultAuthProvider
	}
	if o.DefaultTimeLimit <= 0 {
		o.DefaultTimeLimit = 30 * time.Minute
	}
}

// Manager owns every state change of every session.
type Manager struct {
	Deps
	opts Options
	now  func() time.Time
}

// New returns a Manager.
func New(deps Deps, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{Deps: deps, opts: opts, now: time.Now}
}

// AccessRequest is what a participant submits to open a room.
type AccessRequest struct {
	Password string
	Name     string
	Email    string
}

// Descriptor is everything a browser client needs to join a running room.
type Descriptor struct {
	BrokerServer         string    `json:"broker_server"`
	BrokerToken          string    `json:"broker_token"`
	ConnectionIdentifier string    `json:"connection_identifier"`
	InstanceID           string    `json:"instance_id"`
	Address              string    `json:"address"`
	ExpiresAt            time.Time `json:"expires_at"`
}

// CreateRequest describes a new session.
type CreateRequest struct {
	Title       string
	TestName    string
	OS          session.OS
	ImageID     string
	ProbeScript string
	Password    string
	TimeLimit   time.Duration
}

// Create persists a new pending session.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*session.Session, error) {
	if !req.OS.Valid() {
		return nil, fmt.Errorf("%w: unsupported os %q", ErrInvalid, req.OS)
	}
	if req.ImageID == "" {
		return nil, fmt.Errorf("%w: image id is required", ErrInvalid)
	}
	if req.TimeLimit <= 0 {
		req.TimeLimit = m.opts.DefaultTimeLimit
	}

	sess := &session.Session{
		Title:       req.Title,
		TestName:    req.TestName,
		OS:          req.OS,
		ImageID:     req.ImageID,
		ProbeScript: req.ProbeScript,
		TimeLimit:   req.TimeLimit,
	}
	if req.Password != "" {
		hash, err := gate.HashPassword(req.Password)
		if err != nil {
			return nil, err
		}
		sess.PasswordHash = hash
	}
	if err := m.Store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	m.audit(ctx, log.LogEvent{
		Event:     log.EventSessionCreated,
		SessionID: sess.ID,
		Data:      map[string]interface{}{"os": string(sess.OS), "image": sess.ImageID, "title": sess.Title},
	})
	logr.FromContextOrDiscard(ctx).Info("session created", "session", sess.ID, "os", sess.OS)
	return sess, nil
}

// Open is the single guarded start path. It checks the gate, applies lazy
// expiry and then returns a descriptor for a running room, starts a
// pending one, or reports that setup is under way.
func (m *Manager) Open(ctx context.Context, id string, req AccessRequest) (*Descriptor, error) {
	logger := logr.FromContextOrDiscard(ctx).WithValues("session", id)
	ctx = logr.NewContext(ctx, logger)

	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := m.admit(ctx, sess, req); err != nil {
		return nil, err
	}
	if req.Name != "" || req.Email != "" {
		if err := m.Store.SetAccessedBy(ctx, id, req.Name, req.Email); err != nil {
			logger.Error(err, "recording accessed-by failed")
		}
	}

	sess, err = m.expireIfDue(ctx, sess)
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case session.StatusRunning:
		return m.Descriptor(ctx, sess)
	case session.StatusPending:
		if err := m.claim(ctx, sess); err != nil {
			return nil, err
		}
		return m.awaitRunning(ctx, id)
	case session.StatusExpired:
		return nil, ErrExpired
	case session.StatusTerminated:
		return nil, ErrTerminated
	default:
		return nil, ErrInProgress
	}
}

// Finish is the participant's stop: it passes the same gate as Open and
// then stops the room.
func (m *Manager) Finish(ctx context.Context, id string, req AccessRequest) error {
	sess, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if err := m.admit(ctx, sess, req); err != nil {
		return err
	}
	return m.Stop(ctx, id)
}

// admit runs the password gate and records its outcome.
func (m *Manager) admit(ctx context.Context, sess *session.Session, req AccessRequest) error {
	if err := m.Gate.Check(ctx, sess.ID, sess.PasswordHash, req.Password); err != nil {
		event, outcome := log.EventAccessDenied, "denied"
		if errors.Is(err, gate.ErrLocked) {
			event, outcome = log.EventAccessLocked, "locked"
		}
		metrics.ObserveAccess(outcome)
		m.audit(ctx, log.LogEvent{Event: event, SessionID: sess.ID, Actor: req.Email})
		return err
	}
	if sess.PasswordHash != "" {
		metrics.ObserveAccess("granted")
		m.audit(ctx, log.LogEvent{Event: log.EventAccessGranted, SessionID: sess.ID, Actor: req.Email})
	}
	return nil
}

// Launch starts a pending session without the password gate or the
// synchronous wait. It is the operator path.
func (m *Manager) Launch(ctx context.Context, id string) error {
	sess, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	switch sess.Status {
	case session.StatusPending:
		return m.claim(ctx, sess)
	case session.StatusTerminated:
		return ErrTerminated
	default:
		return ErrInProgress
	}
}

// claim moves a pending session to provisioning and enqueues the provision
// job. The in-process single flight and the conditional row update both
// have to be won.
func (m *Manager) claim(ctx context.Context, sess *session.Session) error {
	return m.Gate.SingleFlight(sess.ID, func() error {
		ok, err := m.Store.ClaimProvisioning(ctx, sess.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInProgress
		}
		m.observeTransition(ctx, sess.ID, session.StatusPending, session.StatusProvisioning)

		if _, err := m.Store.EnqueueJob(ctx, session.JobProvision, sess.ID, 1); err != nil {
			if _, rerr := m.Store.Transition(ctx, sess.ID, session.StatusPending, session.StatusProvisioning); rerr != nil {
				logr.FromContextOrDiscard(ctx).Error(rerr, "releasing claim failed")
			}
			return fmt.Errorf("enqueue provision: %w", err)
		}
		m.notify()
		return nil
	})
}

// awaitRunning waits up to the sync budget for provisioning to finish.
func (m *Manager) awaitRunning(ctx context.Context, id string) (*Descriptor, error) {
	if m.opts.SyncBudget <= 0 {
		return nil, ErrInProgress
	}

	var sess *session.Session
	err := poll.Until(ctx, m.opts.SyncBudget, m.opts.SyncPoll, func(ctx context.Context) (bool, error) {
		s, err := m.Store.GetSession(ctx, id)
		if err != nil {
			return false, err
		}
		if s != nil && (s.Status == session.StatusRunning || s.Status.Terminal()) {
			sess = s
			return true, nil
		}
		return false, nil
	}, nil)
	if errors.Is(err, poll.ErrTimeout) {
		return nil, ErrInProgress
	}
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, ErrStartFailed
	}
	return m.Descriptor(ctx, sess)
}

// Descriptor builds the join descriptor for a running session with a
// freshly minted broker token.
func (m *Manager) Descriptor(ctx context.Context, sess *session.Session) (*Descriptor, error) {
	if sess.Status != session.StatusRunning {
		return nil, fmt.Errorf("%w: session is %s", ErrInProgress, sess.Status)
	}
	token, err := m.Tokens.MintToken(ctx)
	if err != nil {
		return nil, err
	}
	return &Descriptor{
		BrokerServer:         m.Tokens.Server(),
		BrokerToken:          token,
		ConnectionIdentifier: broker.EncodeIdentifier(sess.ConnectionID, m.opts.AuthProvider),
		InstanceID:           sess.InstanceID,
		Address:              sess.PublicIP,
		ExpiresAt:            sess.ExpiresAt,
	}, nil
}

// Tunnel is a join descriptor with a broker tunnel already open to the
// connection.
type Tunnel struct {
	Descriptor
	TunnelID string `json:"tunnel_id"`
}

// Tunnel passes the same gate as Open and opens a broker tunnel to a
// running room. It never starts a room.
func (m *Manager) Tunnel(ctx context.Context, id string, req AccessRequest) (*Tunnel, error) {
	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.admit(ctx, sess, req); err != nil {
		return nil, err
	}
	sess, err = m.expireIfDue(ctx, sess)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case session.StatusRunning:
	case session.StatusExpired:
		return nil, ErrExpired
	case session.StatusTerminated:
		return nil, ErrTerminated
	default:
		return nil, fmt.Errorf("%w: session is %s", ErrInProgress, sess.Status)
	}

	d, err := m.Descriptor(ctx, sess)
	if err != nil {
		return nil, err
	}
	tunnelID, err := m.Tokens.OpenTunnel(ctx, d.BrokerToken, d.ConnectionIdentifier)
	if err != nil {
		return nil, err
	}
	logr.FromContextOrDiscard(ctx).V(1).Info("tunnel opened", "session", id, "tunnel", tunnelID)
	return &Tunnel{Descriptor: *d, TunnelID: tunnelID}, nil
}

// Status returns the session with lazy expiry applied.
func (m *Manager) Status(ctx context.Context, id string) (*session.Session, error) {
	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.expireIfDue(ctx, sess)
}

// Stop ends a running session early. Stopping an expired or stopping
// session only makes sure a teardown job exists. A pending session is
// cancelled outright. Setup states can only be forced once stuck.
func (m *Manager) Stop(ctx context.Context, id string) error {
	sess, err := m.load(ctx, id)
	if err != nil {
		return err
	}

	switch {
	case sess.Status.Terminal():
		return nil
	case sess.Status == session.StatusPending:
		ok, err := m.Store.Transition(ctx, id, session.StatusTerminated, session.StatusPending)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInProgress
		}
		m.observeTransition(ctx, id, session.StatusPending, session.StatusTerminated)
		return nil
	case sess.Status == session.StatusRunning:
		ok, err := m.Store.Transition(ctx, id, session.StatusStopping, session.StatusRunning)
		if err != nil {
			return err
		}
		if !ok {
			// Lost a race with expiry or another stop.
			return m.Stop(ctx, id)
		}
		m.observeTransition(ctx, id, session.StatusRunning, session.StatusStopping)
		return m.enqueueTeardown(ctx, id)
	case sess.Status == session.StatusExpired || sess.Status == session.StatusStopping:
		return m.enqueueTeardown(ctx, id)
	default:
		stuck, err := m.stuck(ctx, sess)
		if err != nil {
			return err
		}
		if !stuck {
			return ErrInProgress
		}
		return m.forceStop(ctx, sess)
	}
}

// expireIfDue moves a running session past its limit to expired and
// enqueues teardown.
func (m *Manager) expireIfDue(ctx context.Context, sess *session.Session) (*session.Session, error) {
	if sess.Status != session.StatusRunning || !sess.Expired(m.now()) {
		return sess, nil
	}
	ok, err := m.Store.Transition(ctx, sess.ID, session.StatusExpired, session.StatusRunning)
	if err != nil {
		return nil, err
	}
	if ok {
		m.observeTransition(ctx, sess.ID, session.StatusRunning, session.StatusExpired)
		logr.FromContextOrDiscard(ctx).Info("session expired", "session", sess.ID, "expiresAt", sess.ExpiresAt)
		if err := m.enqueueTeardown(ctx, sess.ID); err != nil {
			return nil, err
		}
	}
	return m.load(ctx, sess.ID)
}

// stuck reports whether a setup-state session has no provision job, no
// launch running in this process and has not moved for longer than the
// grace period.
func (m *Manager) stuck(ctx context.Context, sess *session.Session) (bool, error) {
	if !isSetup(sess.Status) || m.Gate.InFlight(sess.ID) {
		return false, nil
	}
	if m.now().Sub(sess.UpdatedAt) < m.opts.StuckGrace {
		return false, nil
	}
	job, err := m.Store.OpenJob(ctx, sess.ID, session.JobProvision)
	if err != nil {
		return false, err
	}
	return job == nil, nil
}

func (m *Manager) forceStop(ctx context.Context, sess *session.Session) error {
	ok, err := m.Store.Transition(ctx, sess.ID, session.StatusStopping, setupStates...)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInProgress
	}
	m.observeTransition(ctx, sess.ID, sess.Status, session.StatusStopping)
	logr.FromContextOrDiscard(ctx).Info("forcing teardown of stuck session", "session", sess.ID, "status", sess.Status)
	return m.enqueueTeardown(ctx, sess.ID)
}

func (m *Manager) enqueueTeardown(ctx context.Context, id string) error {
	if _, err := m.Store.EnqueueJob(ctx, session.JobTeardown, id, m.opts.TeardownMaxAttempts); err != nil {
		return fmt.Errorf("enqueue teardown: %w", err)
	}
	m.notify()
	return nil
}

func (m *Manager) load(ctx context.Context, id string) (*session.Session, error) {
	sess, err := m.Store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (m *Manager) notify() {
	if m.Notifier != nil {
		m.Notifier.Notify()
	}
}

func (m *Manager) observeTransition(ctx context.Context, id string, from, to session.Status) {
	if !CanTransition(from, to) {
		logr.FromContextOrDiscard(ctx).Info("unexpected state change", "session", id, "from", from, "to", to)
	}
	metrics.ObserveTransition(string(from), string(to))
	m.audit(ctx, log.LogEvent{Event: log.EventStateChanged, SessionID: id, From: string(from), To: string(to)})
}

func (m *Manager) audit(ctx context.Context, ev log.LogEvent) {
	if err := m.Audit.Append(ev); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "audit append failed", "event", ev.Event)
	}
}
