package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testroom-dev/testroom/internal/broker"
	"github.com/testroom-dev/testroom/internal/cloud"
	"github.com/testroom-dev/testroom/internal/credential"
	"github.com/testroom-dev/testroom/internal/gate"
	"github.com/testroom-dev/testroom/internal/jobs"
	"github.com/testroom-dev/testroom/internal/log"
	"github.com/testroom-dev/testroom/internal/poll"
	"github.com/testroom-dev/testroom/internal/probe"
	"github.com/testroom-dev/testroom/internal/remote"
	"github.com/testroom-dev/testroom/internal/session"
)

// --- fakes ---

type fakeProvisioner struct {
	mu sync.Mutex

	address      string
	readyAfter   int // describe polls before the instance is ready
	launchErr    error
	snapshotOK   bool
	snapshotSlow bool // image created but never reported available
	terminateErr error
	state        string

	launches   []cloud.LaunchInput
	polls      int
	snapshots  int
	terminated []string
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{address: "10.0.0.5", readyAfter: 2, snapshotOK: true, state: "running"}
}

func (f *fakeProvisioner) Launch(_ context.Context, in cloud.LaunchInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return "", f.launchErr
	}
	f.launches = append(f.launches, in)
	return fmt.Sprintf("i-%d", len(f.launches)), nil
}

func (f *fakeProvisioner) AwaitReady(ctx context.Context, _ string, timeout, interval time.Duration) (string, error) {
	err := poll.Until(ctx, timeout, interval, func(context.Context) (bool, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.polls++
		return f.polls >= f.readyAfter, nil
	}, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", cloud.ErrNotReady, err)
	}
	return f.address, nil
}

func (f *fakeProvisioner) InstanceState(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeProvisioner) Snapshot(_ context.Context, instanceID, hint string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	if f.snapshotSlow {
		return "ami-slow-" + instanceID, false
	}
	if !f.snapshotOK {
		return "", false
	}
	return "ami-snap-" + instanceID, true
}

func (f *fakeProvisioner) Terminate(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, instanceID)
	return f.terminateErr
}

func (f *fakeProvisioner) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

type fakeBroker struct {
	mu           sync.Mutex
	registerErr  error
	registered   []broker.RegisterInput
	deregistered []string
	calls        []string
}

func (f *fakeBroker) Register(_ context.Context, in broker.RegisterInput) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "register")
	if f.registerErr != nil {
		return 0, f.registerErr
	}
	f.registered = append(f.registered, in)
	return 42, nil
}

func (f *fakeBroker) Deregister(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "deregister")
	f.deregistered = append(f.deregistered, instanceID)
	return nil
}

type fakeTokens struct{}

func (fakeTokens) MintToken(context.Context) (string, error) { return "TOKEN", nil }
func (fakeTokens) Server() string                            { return "http://guacamole:8080/guacamole" }

func (fakeTokens) OpenTunnel(_ context.Context, token, identifier string) (string, error) {
	return "tunnel-" + token + "-" + identifier, nil
}

type fakeResolver struct{}

func (fakeResolver) Linux(address string) credential.Credential {
	return credential.Credential{Username: "ec2-user", PrivateKey: []byte("KEY"), Address: address}
}

func (fakeResolver) Windows(_ context.Context, _, address string) (credential.Credential, error) {
	return credential.Credential{Username: "Administrator", Secret: "pw", Address: address}, nil
}

type fakeRunner struct {
	mu      sync.Mutex
	verdict probe.Verdict
	calls   int
	creds   []credential.Credential
}

func (f *fakeRunner) Run(_ context.Context, _, _ string, cred credential.Credential) probe.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.creds = append(f.creds, cred)
	return f.verdict
}

type fakeArchiver struct {
	err error
}

func (f *fakeArchiver) Archive(_ context.Context, id string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "recordings/testid-" + id + ".mp4", nil
}

// --- harness ---

type harness struct {
	m      *Manager
	store  *session.Store
	prov   *fakeProvisioner
	broker *fakeBroker
	runner *fakeRunner
	audit  *log.Logger
}

func newHarness(t *testing.T, tweak ...func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := session.NewStore(filepath.Join(dir, "testroom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	audit, err := log.NewLogger(dir)
	require.NoError(t, err)

	sealer, err := credential.NewSealer([]byte("test sealing key"))
	require.NoError(t, err)

	runner := &fakeRunner{verdict: probe.Pass}
	h := &harness{
		store:  store,
		prov:   newFakeProvisioner(),
		broker: &fakeBroker{},
		runner: runner,
		audit:  audit,
	}

	opts := Options{
		ReadyTimeout:  500 * time.Millisecond,
		ReadyInterval: 5 * time.Millisecond,
		SyncPoll:      10 * time.Millisecond,
		StuckGrace:    15 * time.Minute,
	}
	for _, fn := range tweak {
		fn(&opts)
	}

	h.m = New(Deps{
		Store:       store,
		Gate:        gate.New(store, 3),
		Provisioner: h.prov,
		Broker:      h.broker,
		Tokens:      fakeTokens{},
		Strategies: remote.NewRegistry(
			remote.NewLinux(fakeResolver{}, runner),
			remote.NewWindows(fakeResolver{}, runner, ""),
		),
		Sealer:   sealer,
		Archiver: &fakeArchiver{},
		Audit:    audit,
	}, opts)
	return h
}

func (h *harness) create(t *testing.T, os session.OS, password, script string) *session.Session {
	t.Helper()
	sess, err := h.m.Create(context.Background(), CreateRequest{
		Title:       "Checkout",
		TestName:    "checkout-flow",
		OS:          os,
		ImageID:     "ami-X",
		ProbeScript: script,
		Password:    password,
		TimeLimit:   30 * time.Minute,
	})
	require.NoError(t, err)
	return sess
}

// running provisions a session directly, without leaving a job behind.
func (h *harness) running(t *testing.T, os session.OS, script string) *session.Session {
	t.Helper()
	ctx := context.Background()
	sess := h.create(t, os, "", script)
	ok, err := h.store.ClaimProvisioning(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.m.Provision(ctx, sess.ID))
	return h.get(t, sess.ID)
}

func (h *harness) get(t *testing.T, id string) *session.Session {
	t.Helper()
	sess, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sess)
	return sess
}

func (h *harness) startPool(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool := jobs.NewPool(h.store, jobs.Options{Workers: 2, PollInterval: 10 * time.Millisecond, Backoff: 10 * time.Millisecond})
	pool.Handle(session.JobProvision, h.m.HandleProvision)
	pool.Handle(session.JobTeardown, h.m.HandleTeardown)
	h.m.Notifier = pool

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// --- scenarios ---

func TestScenarioA_LinuxSessionReachesRunning(t *testing.T) {
	h := newHarness(t)

	sess := h.running(t, session.Linux, "")

	assert.Equal(t, session.StatusRunning, sess.Status)
	assert.Equal(t, int64(42), sess.ConnectionID)
	assert.Equal(t, "10.0.0.5", sess.PublicIP)
	assert.Equal(t, "i-1", sess.InstanceID)
	assert.GreaterOrEqual(t, h.prov.polls, 2)
	assert.False(t, sess.StartedAt.IsZero())
	assert.Equal(t, sess.StartedAt.Add(30*time.Minute), sess.ExpiresAt)
	assert.Empty(t, sess.SealedPassword, "linux has no password to seal")

	require.Len(t, h.prov.launches, 1)
	assert.Equal(t, "ami-X", h.prov.launches[0].ImageID)
	assert.Equal(t, sess.ID, h.prov.launches[0].Tags["TestID"])
	assert.Equal(t, "checkout-flow", h.prov.launches[0].Tags["Name"])

	require.Len(t, h.broker.registered, 1)
	reg := h.broker.registered[0]
	assert.Equal(t, "ssh", reg.Protocol)
	assert.Equal(t, 22, reg.Port)
	assert.Equal(t, "ec2-user", reg.Credential.Username)
	assert.Equal(t, "10.0.0.5", reg.Credential.Address)
}

func TestScenarioB_NotReadyTerminates(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ReadyTimeout = 50 * time.Millisecond })
	h.prov.readyAfter = 1 << 30
	ctx := context.Background()

	sess := h.create(t, session.Linux, "", "")
	ok, err := h.store.ClaimProvisioning(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)

	err = h.m.Provision(ctx, sess.ID)
	assert.ErrorIs(t, err, cloud.ErrNotReady)

	got := h.get(t, sess.ID)
	assert.Equal(t, session.StatusTerminated, got.Status)
	assert.Empty(t, got.InstanceID)
	assert.NotEmpty(t, got.LastError)
	assert.Equal(t, []string{"i-1"}, h.prov.terminated, "terminate exactly once")
	assert.Empty(t, h.broker.registered, "no broker registration")

	events, err := h.audit.ForSession(sess.ID)
	require.NoError(t, err)
	assert.True(t, hasEvent(events, log.EventProvisionFailed))
}

func TestScenarioC_EmptyProbeScriptIsNA(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.running(t, session.Linux, "")

	require.NoError(t, h.m.Stop(ctx, sess.ID))
	assert.Equal(t, session.StatusStopping, h.get(t, sess.ID).Status)

	require.NoError(t, h.m.Teardown(ctx, sess.ID))

	got := h.get(t, sess.ID)
	assert.Equal(t, session.VerdictNA, got.Verdict)
	assert.Zero(t, h.runner.calls, "runner must not be invoked without a script")
	assert.Equal(t, []string{"i-1"}, h.prov.terminated)
	assert.Equal(t, session.StatusTerminated, got.Status)
	assert.Empty(t, got.InstanceID)
	assert.Empty(t, got.PublicIP)
	assert.Equal(t, "recordings/testid-"+sess.ID+".mp4", got.RecordingPath)
	assert.Equal(t, "ami-snap-i-1", got.SnapshotImageID)
	assert.Contains(t, h.broker.deregistered, "i-1")
}

func TestScenarioD_SnapshotFailureStillTerminates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.running(t, session.Linux, "test -f /tmp/done")
	h.prov.snapshotOK = false

	require.NoError(t, h.m.Stop(ctx, sess.ID))
	require.NoError(t, h.m.Teardown(ctx, sess.ID))

	got := h.get(t, sess.ID)
	assert.Equal(t, session.StatusTerminated, got.Status)
	assert.Equal(t, session.VerdictPass, got.Verdict)
	assert.Empty(t, got.SnapshotImageID)
	assert.Equal(t, []string{"i-1"}, h.prov.terminated)

	events, err := h.audit.ForSession(sess.ID)
	require.NoError(t, err)
	var snapshotStep *log.LogEvent
	for i := range events {
		if events[i].Event == log.EventTeardownStep && events[i].Step == "snapshot" {
			snapshotStep = &events[i]
		}
	}
	require.NotNil(t, snapshotStep)
	assert.Equal(t, "skipped", snapshotStep.Outcome)
	assert.True(t, hasEvent(events, log.EventTeardownComplete))
}

func TestTeardown_KeepsImageIDWhenWaiterGivesUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.running(t, session.Linux, "")
	h.prov.snapshotSlow = true

	require.NoError(t, h.m.Stop(ctx, sess.ID))
	require.NoError(t, h.m.Teardown(ctx, sess.ID))

	got := h.get(t, sess.ID)
	assert.Equal(t, session.StatusTerminated, got.Status)
	assert.Equal(t, "ami-slow-i-1", got.SnapshotImageID)
	assert.Equal(t, []string{"i-1"}, h.prov.terminated)

	events, err := h.audit.ForSession(sess.ID)
	require.NoError(t, err)
	var outcome string
	for _, ev := range events {
		if ev.Event == log.EventTeardownStep && ev.Step == "snapshot" {
			outcome = ev.Outcome
		}
	}
	assert.Equal(t, "pending", outcome)
}

// --- provisioning ---

func TestProvision_WindowsSealsPassword(t *testing.T) {
	h := newHarness(t)
	sess := h.running(t, session.Windows, "")

	require.NotEmpty(t, sess.SealedPassword)
	plain, err := h.m.Sealer.Unseal(sess.SealedPassword)
	require.NoError(t, err)
	assert.Equal(t, "pw", string(plain))

	require.Len(t, h.broker.registered, 1)
	reg := h.broker.registered[0]
	assert.Equal(t, "rdp", reg.Protocol)
	assert.Equal(t, 3389, reg.Port)
	assert.Equal(t, "pw", reg.Credential.Secret)
}

func TestProvision_WindowsWithoutSealerLogsError(t *testing.T) {
	h := newHarness(t)
	h.m.Sealer = nil

	var mu sync.Mutex
	var lines []string
	logger := funcr.NewJSON(func(obj string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, obj)
	}, funcr.Options{})
	ctx := logr.NewContext(context.Background(), logger)

	sess := h.create(t, session.Windows, "", "")
	_, err := h.store.ClaimProvisioning(ctx, sess.ID)
	require.NoError(t, err)
	require.NoError(t, h.m.Provision(ctx, sess.ID))

	got := h.get(t, sess.ID)
	assert.Equal(t, session.StatusRunning, got.Status)
	assert.Empty(t, got.SealedPassword)

	mu.Lock()
	defer mu.Unlock()
	var logged bool
	for _, l := range lines {
		if strings.Contains(l, "no encryption key") && strings.Contains(l, `"error":`) {
			logged = true
		}
	}
	assert.True(t, logged, "missing key is reported at error level")
}

func TestProvision_RegisterFailureCleansUp(t *testing.T) {
	h := newHarness(t)
	h.broker.registerErr = broker.ErrRegistration
	ctx := context.Background()

	sess := h.create(t, session.Linux, "", "")
	_, err := h.store.ClaimProvisioning(ctx, sess.ID)
	require.NoError(t, err)

	err = h.m.Provision(ctx, sess.ID)
	assert.ErrorIs(t, err, broker.ErrRegistration)

	got := h.get(t, sess.ID)
	assert.Equal(t, session.StatusTerminated, got.Status)
	assert.Equal(t, []string{"i-1"}, h.prov.terminated)
}

func TestProvision_LaunchFailureTerminatesWithoutInstance(t *testing.T) {
	h := newHarness(t)
	h.prov.launchErr = cloud.ErrProvision
	ctx := context.Background()

	sess := h.create(t, session.Linux, "", "")
	_, err := h.store.ClaimProvisioning(ctx, sess.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, h.m.Provision(ctx, sess.ID), cloud.ErrProvision)
	assert.Equal(t, session.StatusTerminated, h.get(t, sess.ID).Status)
	assert.Empty(t, h.prov.terminated, "nothing to terminate")
}

func TestProvision_CleanupTerminateFailureHandsToTeardown(t *testing.T) {
	h := newHarness(t)
	h.broker.registerErr = broker.ErrRegistration
	h.prov.terminateErr = cloud.ErrTermination
	ctx := context.Background()

	sess := h.create(t, session.Linux, "", "")
	_, err := h.store.ClaimProvisioning(ctx, sess.ID)
	require.NoError(t, err)

	assert.Error(t, h.m.Provision(ctx, sess.ID))

	got := h.get(t, sess.ID)
	assert.Equal(t, session.StatusStopping, got.Status)
	assert.Equal(t, "i-1", got.InstanceID, "instance reference kept until terminated")
	job, err := h.store.OpenJob(ctx, sess.ID, session.JobTeardown)
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestProvision_ResumesAfterCrash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess := h.create(t, session.Linux, "", "")
	_, err := h.store.ClaimProvisioning(ctx, sess.ID)
	require.NoError(t, err)

	// Simulate a process that launched, persisted and died.
	sess = h.get(t, sess.ID)
	sess.InstanceID = "i-existing"
	sess.Status = session.StatusRegistering
	require.NoError(t, h.store.UpdateSession(ctx, sess))

	require.NoError(t, h.m.Provision(ctx, sess.ID))

	got := h.get(t, sess.ID)
	assert.Equal(t, session.StatusRunning, got.Status)
	assert.Equal(t, "i-existing", got.InstanceID)
	assert.Zero(t, h.prov.launchCount(), "must not launch a second instance")
	assert.Equal(t, []string{"deregister", "register"}, h.broker.calls)
}

func TestProvision_IgnoresNonSetupStates(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, session.Linux, "", "")

	require.NoError(t, h.m.Provision(context.Background(), sess.ID))
	assert.Zero(t, h.prov.launchCount())
	assert.Equal(t, session.StatusPending, h.get(t, sess.ID).Status)
}

// --- teardown ---

func TestTeardown_TerminateFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.running(t, session.Windows, "Get-Service testsvc")
	h.prov.terminateErr = errors.New("throttled")

	require.NoError(t, h.m.Stop(ctx, sess.ID))
	err := h.m.Teardown(ctx, sess.ID)
	require.Error(t, err)

	got := h.get(t, sess.ID)
	assert.Equal(t, session.StatusStopping, got.Status, "stays non-terminal")
	assert.Equal(t, "i-1", got.InstanceID)
	assert.Equal(t, session.VerdictPass, got.Verdict, "verdict persisted before terminate")

	h.prov.terminateErr = nil
	require.NoError(t, h.m.Teardown(ctx, sess.ID))

	got = h.get(t, sess.ID)
	assert.Equal(t, session.StatusTerminated, got.Status)
	assert.Equal(t, 1, h.runner.calls, "probe runs once across retries")
	assert.Equal(t, 1, h.prov.snapshots, "snapshot runs once across retries")
	assert.Len(t, h.prov.terminated, 2)
	assert.Empty(t, got.SealedPassword)
}

func TestTeardown_WindowsProbeUsesUnsealedPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.running(t, session.Windows, "exit 0")
	h.runner.verdict = probe.Fail

	require.NoError(t, h.m.Stop(ctx, sess.ID))
	require.NoError(t, h.m.Teardown(ctx, sess.ID))

	require.Len(t, h.runner.creds, 1)
	assert.Equal(t, "Administrator", h.runner.creds[0].Username)
	assert.Equal(t, "pw", h.runner.creds[0].Secret)
	assert.Equal(t, session.VerdictFail, h.get(t, sess.ID).Verdict)
}

func TestTeardown_ArchiveFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.m.Archiver = &fakeArchiver{err: errors.New("no recorder")}
	ctx := context.Background()
	sess := h.running(t, session.Linux, "")

	require.NoError(t, h.m.Stop(ctx, sess.ID))
	require.NoError(t, h.m.Teardown(ctx, sess.ID))

	got := h.get(t, sess.ID)
	assert.Equal(t, session.StatusTerminated, got.Status)
	assert.Empty(t, got.RecordingPath)
}

func TestTeardown_SkipsOtherStates(t *testing.T) {
	h := newHarness(t)
	sess := h.running(t, session.Linux, "")

	require.NoError(t, h.m.Teardown(context.Background(), sess.ID))
	assert.Equal(t, session.StatusRunning, h.get(t, sess.ID).Status)
	assert.Empty(t, h.prov.terminated)
}

// --- open / gate ---

func TestOpen_RunningReturnsDescriptor(t *testing.T) {
	h := newHarness(t)
	sess := h.running(t, session.Linux, "")

	d, err := h.m.Open(context.Background(), sess.ID, AccessRequest{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "TOKEN", d.BrokerToken)
	assert.Equal(t, "http://guacamole:8080/guacamole", d.BrokerServer)
	assert.Equal(t, broker.EncodeIdentifier(42, broker.DefaultAuthProvider), d.ConnectionIdentifier)
	assert.Equal(t, "i-1", d.InstanceID)
	assert.Equal(t, "10.0.0.5", d.Address)
	assert.Equal(t, sess.ExpiresAt, d.ExpiresAt)

	assert.Equal(t, "Ada", h.get(t, sess.ID).AccessedByName)
}

func TestOpen_StartsWithinSyncBudget(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SyncBudget = 5 * time.Second })
	h.startPool(t)
	sess := h.create(t, session.Linux, "secret", "")

	d, err := h.m.Open(context.Background(), sess.ID, AccessRequest{Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", d.Address)
	assert.Equal(t, session.StatusRunning, h.get(t, sess.ID).Status)
}

func TestOpen_HandsOffWhenBudgetIsZero(t *testing.T) {
	h := newHarness(t)
	h.startPool(t)
	sess := h.create(t, session.Linux, "", "")

	_, err := h.m.Open(context.Background(), sess.ID, AccessRequest{})
	assert.ErrorIs(t, err, ErrInProgress)

	assert.Eventually(t, func() bool {
		s, _ := h.m.Status(context.Background(), sess.ID)
		return s != nil && s.Status == session.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOpen_StartFailureReported(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SyncBudget = 5 * time.Second })
	h.prov.launchErr = cloud.ErrProvision
	h.startPool(t)
	sess := h.create(t, session.Linux, "", "")

	_, err := h.m.Open(context.Background(), sess.ID, AccessRequest{})
	assert.ErrorIs(t, err, ErrStartFailed)

	_, err = h.m.Open(context.Background(), sess.ID, AccessRequest{})
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestOpen_ConcurrentCallersLaunchOnce(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SyncBudget = 5 * time.Second })
	h.startPool(t)
	sess := h.create(t, session.Windows, "secret", "")

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.m.Open(context.Background(), sess.ID, AccessRequest{Password: "secret"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			assert.ErrorIs(t, err, ErrInProgress)
		}
	}

	assert.Eventually(t, func() bool {
		return h.get(t, sess.ID).Status == session.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.prov.launchCount(), "exactly one instance launched")
}

func TestOpen_LockoutAfterThreeFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.create(t, session.Linux, "secret", "")

	_, err := h.m.Open(ctx, sess.ID, AccessRequest{Password: "a"})
	assert.ErrorIs(t, err, ErrDenied)
	_, err = h.m.Open(ctx, sess.ID, AccessRequest{Password: "b"})
	assert.ErrorIs(t, err, ErrDenied)
	_, err = h.m.Open(ctx, sess.ID, AccessRequest{Password: "c"})
	assert.ErrorIs(t, err, ErrLocked)
	_, err = h.m.Open(ctx, sess.ID, AccessRequest{Password: "secret"})
	assert.ErrorIs(t, err, ErrLocked, "correct password refused while locked")

	assert.Zero(t, h.prov.launchCount())

	_, err = h.m.Reconcile(ctx, sess.ID, true)
	require.NoError(t, err)
	_, err = h.m.Open(ctx, sess.ID, AccessRequest{Password: "secret"})
	assert.ErrorIs(t, err, ErrInProgress, "unlocked: claim succeeds and hands off")

	events, _ := h.audit.ForSession(sess.ID)
	assert.True(t, hasEvent(events, log.EventAccessLocked))
	assert.True(t, hasEvent(events, log.EventAccessGranted))
}

func TestOpen_LazyExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.running(t, session.Linux, "")

	h.m.now = func() time.Time { return sess.ExpiresAt.Add(time.Second) }

	_, err := h.m.Open(ctx, sess.ID, AccessRequest{})
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, session.StatusExpired, h.get(t, sess.ID).Status)

	job, err := h.store.OpenJob(ctx, sess.ID, session.JobTeardown)
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestOpen_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Open(context.Background(), "missing", AccessRequest{})
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- stop / sweep / reconcile ---

func TestStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending := h.create(t, session.Linux, "", "")
	require.NoError(t, h.m.Stop(ctx, pending.ID))
	assert.Equal(t, session.StatusTerminated, h.get(t, pending.ID).Status)

	running := h.running(t, session.Linux, "")
	require.NoError(t, h.m.Stop(ctx, running.ID))
	require.NoError(t, h.m.Stop(ctx, running.ID), "second stop is a no-op")
	jobs, err := h.store.ListJobs(ctx, running.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "teardown enqueued once")

	setup := h.create(t, session.Linux, "", "")
	_, err = h.store.ClaimProvisioning(ctx, setup.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, h.m.Stop(ctx, setup.ID), ErrInProgress)

	h.m.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, h.m.Gate.SingleFlight(setup.ID, func() error {
		assert.ErrorIs(t, h.m.Stop(ctx, setup.ID), ErrInProgress, "launch still in flight")
		return nil
	}))
	require.NoError(t, h.m.Stop(ctx, setup.ID), "stuck setup can be forced")
	assert.Equal(t, session.StatusStopping, h.get(t, setup.ID).Status)
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	expired := h.running(t, session.Linux, "")
	fresh := h.running(t, session.Linux, "")
	fresh.ExpiresAt = time.Now().Add(3 * time.Hour)
	require.NoError(t, h.store.UpdateSession(ctx, fresh))

	stuck := h.create(t, session.Linux, "", "")
	_, err := h.store.ClaimProvisioning(ctx, stuck.ID)
	require.NoError(t, err)

	h.m.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := h.m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, session.StatusExpired, h.get(t, expired.ID).Status)
	assert.Equal(t, session.StatusRunning, h.get(t, fresh.ID).Status)
	assert.Equal(t, session.StatusStopping, h.get(t, stuck.ID).Status)

	n, err = h.m.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "teardown jobs are not duplicated")
}

func TestSweeper_DrivesTeardownEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.startPool(t)
	sess := h.running(t, session.Linux, "")
	h.m.now = func() time.Time { return sess.ExpiresAt.Add(time.Minute) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.m.StartSweeper(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return h.get(t, sess.ID).Status == session.StatusTerminated
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.running(t, session.Linux, "")

	_, err := h.m.Reconcile(ctx, sess.ID, false)
	assert.ErrorIs(t, err, ErrInstanceLive)

	h.prov.state = "terminated"
	got, err := h.m.Reconcile(ctx, sess.ID, false)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, got.Status)
	assert.Empty(t, got.InstanceID)
	assert.Zero(t, got.ConnectionID)
	assert.True(t, got.ExpiresAt.IsZero())
	assert.Contains(t, h.broker.deregistered, "i-1")

	// Relaunch gets a new instance.
	require.NoError(t, h.m.Launch(ctx, sess.ID))
	require.NoError(t, h.m.Provision(ctx, sess.ID))
	assert.Equal(t, "i-2", h.get(t, sess.ID).InstanceID)
}

func TestReconcile_RefusesWithOpenJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.running(t, session.Linux, "")
	require.NoError(t, h.m.Stop(ctx, sess.ID))

	_, err := h.m.Reconcile(ctx, sess.ID, false)
	assert.ErrorIs(t, err, ErrInProgress)
}

func TestCreate_Validates(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Create(context.Background(), CreateRequest{OS: "amiga", ImageID: "ami-1"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = h.m.Create(context.Background(), CreateRequest{OS: session.Linux})
	assert.ErrorIs(t, err, ErrInvalid)

	sess, err := h.m.Create(context.Background(), CreateRequest{OS: session.Linux, ImageID: "ami-1"})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, sess.TimeLimit)
	assert.Empty(t, sess.PasswordHash)
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]session.Status{
		{session.StatusPending, session.StatusProvisioning},
		{session.StatusProvisioning, session.StatusAwaitingCredentials},
		{session.StatusAwaitingCredentials, session.StatusRegistering},
		{session.StatusRegistering, session.StatusRunning},
		{session.StatusRunning, session.StatusExpired},
		{session.StatusRunning, session.StatusStopping},
		{session.StatusExpired, session.StatusTerminated},
		{session.StatusStopping, session.StatusTerminated},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]session.Status{
		{session.StatusPending, session.StatusRunning},
		{session.StatusRunning, session.StatusTerminated},
		{session.StatusTerminated, session.StatusPending},
		{session.StatusTerminated, session.StatusProvisioning},
		{session.StatusExpired, session.StatusRunning},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func hasEvent(events []log.LogEvent, name string) bool {
	for _, e := range events {
		if e.Event == name {
			return true
		}
	}
	return false
}

func TestFinish_RequiresPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.create(t, session.Linux, "secret", "")

	assert.ErrorIs(t, h.m.Finish(ctx, sess.ID, AccessRequest{Password: "nope"}), ErrDenied)
	assert.Equal(t, session.StatusPending, h.get(t, sess.ID).Status)

	require.NoError(t, h.m.Finish(ctx, sess.ID, AccessRequest{Password: "secret"}))
	assert.Equal(t, session.StatusTerminated, h.get(t, sess.ID).Status)
}

func TestTunnel_OpensForRunningRoom(t *testing.T) {
	h := newHarness(t)
	sess := h.running(t, session.Linux, "")

	tun, err := h.m.Tunnel(context.Background(), sess.ID, AccessRequest{})
	require.NoError(t, err)
	ident := broker.EncodeIdentifier(42, broker.DefaultAuthProvider)
	assert.Equal(t, "tunnel-TOKEN-"+ident, tun.TunnelID)
	assert.Equal(t, ident, tun.ConnectionIdentifier)
	assert.Equal(t, "10.0.0.5", tun.Address)
}

func TestTunnel_GatedAndNeverStarts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.create(t, session.Linux, "secret", "")

	_, err := h.m.Tunnel(ctx, sess.ID, AccessRequest{Password: "nope"})
	assert.ErrorIs(t, err, ErrDenied)

	_, err = h.m.Tunnel(ctx, sess.ID, AccessRequest{Password: "secret"})
	assert.ErrorIs(t, err, ErrInProgress)
	assert.Equal(t, session.StatusPending, h.get(t, sess.ID).Status)
	assert.Empty(t, h.prov.launches)
}
