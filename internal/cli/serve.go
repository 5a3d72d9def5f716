// serve.go implements "testroom serve": the HTTP API, the job workers and
// the expiry sweeper in one process.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/testroom-dev/testroom/internal/config"
	"github.com/testroom-dev/testroom/internal/jobs"
	"github.com/testroom-dev/testroom/internal/log"
	"github.com/testroom-dev/testroom/internal/secrets"
	"github.com/testroom-dev/testroom/internal/server"
	"github.com/testroom-dev/testroom/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, job workers and sweeper",
	Long: `Serve the public room API and the admin API, run provisioning and
teardown jobs from the durable queue, and sweep expired sessions.

Jobs left running by a previous process are re-queued at startup.`,
	RunE: runServe,
}

var addrFlag string

func init() {
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "Listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.NewServerLogger(verbosity)
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = commandContext(ctx, logger)

	a, err := openApp(logger)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.manager(ctx)
	if err != nil {
		return err
	}
	m := svc.manager

	cfg := a.cfg
	pool := jobs.NewPool(a.store, jobs.Options{
		Workers:      cfg.Jobs.Workers,
		PollInterval: time.Duration(cfg.Jobs.PollInterval) * time.Millisecond,
		Backoff:      config.Seconds(cfg.Jobs.RetryBackoff),
		Audit:        a.audit,
	})
	pool.Handle(session.JobProvision, m.HandleProvision)
	pool.Handle(session.JobTeardown, m.HandleTeardown)
	m.Notifier = pool

	adminToken := a.secrets.Get(cfg.Server.AdminToken, "")
	if adminToken == "" {
		logger.Info("no admin token configured, admin API is disabled", "secret", cfg.Server.AdminToken)
	}

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(m, a.store, svc.playback, server.Options{
		AdminToken: adminToken,
		RateLimit:  cfg.Server.RateLimit,
		RateBurst:  cfg.Server.RateBurst,
		Logger:     logger.WithName("http"),
		Ping:       svc.broker.Ping,
	})
	addr := addrFlag
	if addr == "" {
		addr = cfg.Server.Addr
	}
	if err := srv.Listen(addr); err != nil {
		return err
	}

	m.StartSweeper(ctx, config.Seconds(cfg.Lifecycle.SweepInterval))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	logger.Info("testroom serving",
		"addr", srv.Addr(),
		"workers", cfg.Jobs.Workers,
		"secrets", a.secrets.Dir(),
		"region", a.secrets.Get(secrets.AWSRegion, "us-east-1"),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("testroom stopped")
	return nil
}
