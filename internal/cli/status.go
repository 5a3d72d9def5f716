// status.go implements "testroom status" and "testroom watch".
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	ltable "github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/testroom-dev/testroom/internal/log"
	"github.com/testroom-dev/testroom/internal/session"
	"github.com/testroom-dev/testroom/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "List sessions or show one session",
	Long: `Without arguments, list the most recent sessions with their state,
instance, time left and verdict. With a session id, show its details and
the jobs recorded for it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of sessions",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var (
	limitFlag    int
	intervalFlag time.Duration
)

func init() {
	statusCmd.Flags().IntVar(&limitFlag, "limit", 50, "Maximum sessions to list")
	watchCmd.Flags().IntVar(&limitFlag, "limit", 50, "Maximum sessions to list")
	watchCmd.Flags().DurationVar(&intervalFlag, "interval", 2*time.Second, "Refresh interval")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(log.NewCLILogger(verbosity))
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	if len(args) == 1 {
		return showSession(ctx, a, args[0])
	}

	summaries, err := a.store.ListSessions(ctx, limitFlag)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No sessions yet; create one with: testroom create")
		return nil
	}
	fmt.Println(renderTable(summaries, time.Now()))
	return nil
}

func renderTable(summaries []session.Summary, now time.Time) string {
	var headers []string
	for _, c := range tui.Columns() {
		headers = append(headers, c.Title)
	}
	t := ltable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(tui.DimStyle).
		Headers(headers...)
	for _, row := range tui.Rows(summaries, now) {
		t.Row(row...)
	}
	return t.Render()
}

func showSession(ctx context.Context, a *app, id string) error {
	sess, err := a.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", id)
	}

	fmt.Println(tui.TitleStyle.Render("Session " + sess.ID))
	field := func(k string, v any) { fmt.Printf("  %-16s %v\n", k, v) }
	field("title", sess.Title)
	field("os", sess.OS)
	field("image", sess.ImageID)
	field("status", fmt.Sprintf("%s %s", tui.StatusIcon(sess.Status), sess.Status))
	field("instance", dashIfEmpty(sess.InstanceID))
	field("address", dashIfEmpty(sess.PublicIP))
	field("time limit", sess.TimeLimit)
	if !sess.ExpiresAt.IsZero() {
		field("expires", sess.ExpiresAt.Local().Format(time.RFC1123))
	}
	field("verdict", tui.VerdictText(sess.Verdict))
	field("snapshot", dashIfEmpty(sess.SnapshotImageID))
	field("recording", dashIfEmpty(sess.RecordingPath))
	field("gated", sess.PasswordHash != "")
	field("failed attempts", sess.FailedAttempts)
	if sess.AccessedByName != "" || sess.AccessedByEmail != "" {
		field("accessed by", fmt.Sprintf("%s <%s>", sess.AccessedByName, sess.AccessedByEmail))
	}
	if sess.LastError != "" {
		field("last error", tui.ErrorStyle.Render(sess.LastError))
	}

	jobs, err := a.store.ListJobs(ctx, id)
	if err != nil {
		return err
	}
	if len(jobs) > 0 {
		fmt.Println()
		fmt.Println(tui.TitleStyle.Render("Jobs"))
		for _, j := range jobs {
			fmt.Printf("  #%-4d %-10s %-8s attempts %d/%d", j.ID, j.Kind, j.State, j.Attempts, j.MaxAttempts)
			if j.LastError != "" {
				fmt.Printf("  %s", tui.DimStyle.Render(j.LastError))
			}
			fmt.Println()
		}
	}
	return nil
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := openApp(log.NewCLILogger(verbosity))
	if err != nil {
		return err
	}
	defer a.Close()

	load := func(ctx context.Context) ([]session.Summary, error) {
		return a.store.ListSessions(ctx, limitFlag)
	}
	if !tui.IsTTY() {
		summaries, err := load(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(renderTable(summaries, time.Now()))
		return nil
	}
	return tui.Run(tui.NewWatchModel(load, intervalFlag))
}
