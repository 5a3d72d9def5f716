// clean.go implements the "testroom clean" command for local recording cleanup.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/testroom-dev/testroom/internal/cleanup"
	"github.com/testroom-dev/testroom/internal/log"
	"github.com/testroom-dev/testroom/internal/session"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove old local session recordings",
	Long: `Remove session recordings from the recorder's local directory.

By default, removes recordings older than the configured max_age_days.
Use --keep to keep only the N most recent recordings instead.
Recordings of sessions that have not been torn down are never removed.
Use --dry-run to preview what would be removed.`,
	RunE: runClean,
}

var (
	keepFlag   int
	dryRunFlag bool
)

func init() {
	cleanCmd.Flags().IntVar(&keepFlag, "keep", 0, "Keep only the last N recordings (0 = use age-based cleanup)")
	cleanCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Preview what would be removed without deleting")
}

func runClean(cmd *cobra.Command, args []string) error {
	a, err := openApp(log.NewCLILogger(verbosity))
	if err != nil {
		return err
	}
	defer a.Close()

	dir := a.cfg.Recording.LocalDir
	if dir == "" {
		return fmt.Errorf("recording.local_dir is not set in config")
	}
	protect := liveSessions(cmd.Context(), a.store)

	var pruned []string
	if keepFlag > 0 {
		pruned, err = cleanup.PruneKeepRecent(dir, keepFlag, protect, dryRunFlag)
	} else {
		maxAge := a.cfg.Recording.MaxAgeDays
		if maxAge <= 0 {
			maxAge = 30
		}
		pruned, err = cleanup.PruneByAge(dir, maxAge, protect, dryRunFlag)
	}
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	if len(pruned) == 0 {
		fmt.Println("No recordings to clean up.")
		return nil
	}

	verb := "Removed"
	if dryRunFlag {
		verb = "Would remove"
	}
	for _, name := range pruned {
		fmt.Printf("  %s %s\n", verb, name)
	}
	fmt.Printf("%s %d recording(s).\n", verb, len(pruned))
	return nil
}

// liveSessions protects recordings of sessions that are not terminated.
// Unknown ids are not protected. A lookup error protects the recording.
func liveSessions(ctx context.Context, store *session.Store) cleanup.Protected {
	return func(id string) bool {
		sess, err := store.GetSession(ctx, id)
		if err != nil {
			return true
		}
		return sess != nil && !sess.Status.Terminal()
	}
}
