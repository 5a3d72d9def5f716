// stop.go implements "testroom stop", "testroom reset" and
// "testroom recording".
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/testroom-dev/testroom/internal/lifecycle"
	"github.com/testroom-dev/testroom/internal/log"
)

var stopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a session and queue its teardown",
	Long: `Stop a running session early. Teardown (probe, snapshot, terminate,
deregister, archive) is queued for the serve process.

A pending session is cancelled outright. A session still being set up can
only be stopped once it has been stuck past the grace period.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

var resetCmd = &cobra.Command{
	Use:   "reset <session-id>",
	Short: "Return a stuck session to pending",
	Long: `Check the session's instance with the cloud provider. If it is no
longer running or pending, release the broker connection and instance
references and reset the session to pending so it can be opened again.

--unlock also clears a password lockout.`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

var recordingCmd = &cobra.Command{
	Use:   "recording <session-id>",
	Short: "Print a presigned playback link for a session recording",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecording,
}

var unlockFlag bool

func init() {
	resetCmd.Flags().BoolVar(&unlockFlag, "unlock", false, "Also clear the password lockout")
}

func runStop(cmd *cobra.Command, args []string) error {
	logger := log.NewCLILogger(verbosity)
	ctx := commandContext(cmd.Context(), logger)
	a, err := openApp(logger)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.manager(ctx)
	if err != nil {
		return err
	}
	if err := svc.manager.Stop(ctx, args[0]); err != nil {
		if errors.Is(err, lifecycle.ErrInProgress) {
			return fmt.Errorf("session %s is still being set up; retry later or use 'testroom reset'", args[0])
		}
		return err
	}
	fmt.Printf("Session %s stopping; teardown queued.\n", args[0])
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	logger := log.NewCLILogger(verbosity)
	ctx := commandContext(cmd.Context(), logger)
	a, err := openApp(logger)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.manager(ctx)
	if err != nil {
		return err
	}
	sess, err := svc.manager.Reconcile(ctx, args[0], unlockFlag)
	switch {
	case errors.Is(err, lifecycle.ErrInstanceLive):
		return fmt.Errorf("instance for %s is still live; stop the session instead", args[0])
	case errors.Is(err, lifecycle.ErrInProgress):
		return fmt.Errorf("session %s has an open job; wait for it to finish", args[0])
	case err != nil:
		return err
	}
	fmt.Printf("Session %s is %s.\n", sess.ID, sess.Status)
	return nil
}

func runRecording(cmd *cobra.Command, args []string) error {
	logger := log.NewCLILogger(verbosity)
	ctx := commandContext(cmd.Context(), logger)
	a, err := openApp(logger)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.manager(ctx)
	if err != nil {
		return err
	}
	url, expires, err := svc.playback.URL(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(url)
	fmt.Printf("(valid until %s)\n", expires.Local().Format("15:04:05 MST"))
	return nil
}
