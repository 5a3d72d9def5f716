package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-logr/logr"

	"github.com/testroom-dev/testroom/internal/broker"
	"github.com/testroom-dev/testroom/internal/cloud"
	"github.com/testroom-dev/testroom/internal/config"
	"github.com/testroom-dev/testroom/internal/credential"
	"github.com/testroom-dev/testroom/internal/gate"
	"github.com/testroom-dev/testroom/internal/lifecycle"
	"github.com/testroom-dev/testroom/internal/log"
	"github.com/testroom-dev/testroom/internal/probe"
	"github.com/testroom-dev/testroom/internal/recording"
	"github.com/testroom-dev/testroom/internal/remote"
	"github.com/testroom-dev/testroom/internal/secrets"
	"github.com/testroom-dev/testroom/internal/session"
)

// ageIdentityEnv names the environment variable holding the age identity
// used to open sealed secrets.
const ageIdentityEnv = "TESTROOM_AGE_IDENTITY"

const dbFile = "testroom.db"

// app is what every command needs: configuration, secrets and the local
// stores. The cloud-facing parts are built on demand by manager.
type app struct {
	root    string
	dataDir string
	cfg     *config.Config
	secrets *secrets.Store
	store   *session.Store
	audit   *log.Logger
	logger  logr.Logger

	closers []func() error
}

// openApp loads .testroom/ under rootDir. It fails when init has not run.
func openApp(logger logr.Logger) (*app, error) {
	dataDir := config.DataDir(rootDir)
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s not found. Run 'testroom init' first", dataDir)
	}

	cfg, err := config.ReadConfig(rootDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dir := secretsDir
	if dir == "" {
		dir = cfg.SecretsDir
	}
	sec := secrets.NewStore(dir)
	if identity := os.Getenv(ageIdentityEnv); identity != "" {
		if sec, err = sec.WithIdentity(identity); err != nil {
			return nil, err
		}
	}

	store, err := session.NewStore(filepath.Join(dataDir, dbFile))
	if err != nil {
		return nil, err
	}
	audit, err := log.NewLogger(dataDir)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &app{
		root:    rootDir,
		dataDir: dataDir,
		cfg:     cfg,
		secrets: sec,
		store:   store,
		audit:   audit,
		logger:  logger,
	}
	a.closers = append(a.closers, store.Close)
	return a, nil
}

// Close releases everything opened by the app, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// services are the cloud-facing collaborators of a Manager.
type services struct {
	manager  *lifecycle.Manager
	playback *recording.Playback
	broker   *broker.Store
}

// manager wires the full lifecycle manager. Nothing here dials out until
// first use: the AWS config resolves credentials lazily and sql.Open does
// not connect.
func (a *app) manager(ctx context.Context) (*services, error) {
	cfg, sec := a.cfg, a.secrets

	awsCfg, err := cloud.LoadConfig(ctx, cloud.Credentials{
		Region:          sec.Get(secrets.AWSRegion, "us-east-1"),
		AccessKeyID:     sec.Get(secrets.AWSAccessKeyID, ""),
		SecretAccessKey: sec.Get(secrets.AWSSecretAccessKey, ""),
	})
	if err != nil {
		return nil, err
	}

	provisioner := cloud.NewProvisioner(cloud.NewEC2(awsCfg))
	provisioner.SnapshotDelay = config.Seconds(cfg.Cloud.SnapshotDelay)
	provisioner.SnapshotAttempts = cfg.Cloud.SnapshotMaxPoll

	brokerStore, err := broker.Open(broker.DBConfig{
		Host:     sec.Get(secrets.DBHost, "postgres"),
		Port:     cfg.Broker.DBPort,
		User:     sec.Get(secrets.DBUser, "guacamole_user"),
		Password: sec.Get(secrets.DBPassword, ""),
		Name:     sec.Get(secrets.DBName, "guacamole_db"),
		SSLMode:  cfg.Broker.SSLMode,
	}, cfg.Broker.RecordingPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, brokerStore.Close)

	tokens := broker.NewTokenClient(
		sec.Get(secrets.BrokerServer, "guacamole:8080/guacamole"),
		broker.Credentials{
			Username: sec.Get(secrets.BrokerUsername, "guacadmin"),
			Password: sec.Get(secrets.BrokerPassword, ""),
		},
		config.Seconds(cfg.Broker.TokenTimeout),
	)

	resolver, err := credential.NewResolver(provisioner,
		[]byte(sec.Get(cfg.Credentials.WindowsKey, "")),
		[]byte(sec.Get(cfg.Credentials.LinuxKey, "")),
	)
	if err != nil {
		return nil, err
	}
	resolver.LinuxUser = cfg.Credentials.LinuxUser
	resolver.WindowsUser = cfg.Credentials.WindowsUser
	resolver.Retries = cfg.Credentials.Retries
	resolver.Delay = config.Seconds(cfg.Credentials.Delay)

	probeTimeout := config.Seconds(cfg.Credentials.ProbeTimeout)
	winrm := probe.NewWinRMRunner(probeTimeout)
	winrm.Port = cfg.Credentials.WinRMPort
	winrm.HTTPS = cfg.Credentials.WinRMHTTPS
	winrm.Insecure = cfg.Credentials.WinRMInsecure

	strategies := remote.NewRegistry(
		remote.NewLinux(resolver, probe.NewSSHRunner(probeTimeout)),
		remote.NewWindows(resolver, winrm, cfg.Credentials.WindowsUser),
	)

	deps := lifecycle.Deps{
		Store:       a.store,
		Gate:        gate.New(a.store, cfg.Gate.MaxAttempts),
		Provisioner: provisioner,
		Broker:      brokerStore,
		Tokens:      tokens,
		Strategies:  strategies,
		Archiver:    recording.NewArchiver(cfg.Recording.Container, cfg.Recording.UploadScript, cfg.Recording.Prefix),
		Audit:       a.audit,
	}
	if key := sec.Get(secrets.EncryptionKey, ""); key != "" {
		sealer, err := credential.NewSealer([]byte(key))
		if err != nil {
			return nil, err
		}
		deps.Sealer = sealer
	} else {
		a.logger.Error(nil, "no encryption key configured, Windows passwords will not be kept for restarts or probes", "secret", secrets.EncryptionKey)
	}

	m := lifecycle.New(deps, lifecycle.Options{
		InstanceType:        sec.Get(secrets.InstanceType, cfg.Cloud.InstanceType),
		KeyName:             sec.Get(secrets.KeyName, ""),
		SecurityGroupID:     sec.Get(secrets.SecurityGroup, ""),
		ReadyTimeout:        config.Seconds(cfg.Cloud.ReadyTimeout),
		ReadyInterval:       config.Seconds(cfg.Cloud.ReadyInterval),
		SyncBudget:          config.Seconds(cfg.Lifecycle.SyncBudget),
		StuckGrace:          config.Minutes(cfg.Lifecycle.StuckGrace),
		TeardownMaxAttempts: cfg.Jobs.TeardownMaxAttempts,
		AuthProvider:        cfg.Broker.AuthProvider,
		DefaultTimeLimit:    config.Minutes(cfg.Lifecycle.DefaultLimit),
	})

	return &services{
		manager: m,
		broker:  brokerStore,
		playback: recording.NewPlayback(s3.NewFromConfig(awsCfg),
			sec.Get(secrets.RecordingBucket, ""), cfg.Recording.Prefix, config.Seconds(cfg.Recording.PresignTTL)),
	}, nil
}

// commandContext attaches the CLI logger to ctx.
func commandContext(ctx context.Context, logger logr.Logger) context.Context {
	return log.ContextWithLogger(ctx, logger)
}
