// log.go implements "testroom log" for reading the audit trail.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/testroom-dev/testroom/internal/log"
	"github.com/testroom-dev/testroom/internal/tui"
)

var logCmd = &cobra.Command{
	Use:   "log [session-id]",
	Short: "Show the audit trail",
	Long: `Print audit events from .testroom/log.jsonl, oldest first. With a
session id, only that session's events are shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLog,
}

var (
	jsonFlag bool
	tailFlag int
)

func init() {
	logCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print raw JSON lines")
	logCmd.Flags().IntVar(&tailFlag, "tail", 0, "Only show the last N events")
}

func runLog(cmd *cobra.Command, args []string) error {
	a, err := openApp(log.NewCLILogger(verbosity))
	if err != nil {
		return err
	}
	defer a.Close()

	var events []log.LogEvent
	if len(args) == 1 {
		events, err = a.audit.ForSession(args[0])
	} else {
		events, err = a.audit.ReadAll()
	}
	if err != nil {
		return err
	}
	if tailFlag > 0 && len(events) > tailFlag {
		events = events[len(events)-tailFlag:]
	}

	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}

	for _, ev := range events {
		fmt.Println(formatEvent(ev))
	}
	return nil
}

func formatEvent(ev log.LogEvent) string {
	var b strings.Builder
	b.WriteString(tui.DimStyle.Render(ev.Time.Local().Format("2006-01-02 15:04:05")))
	b.WriteString(" ")
	b.WriteString(fmt.Sprintf("%-18s", ev.Event))
	if ev.SessionID != "" {
		b.WriteString(" " + ev.SessionID)
	}
	if ev.From != "" || ev.To != "" {
		b.WriteString(fmt.Sprintf(" %s -> %s", ev.From, ev.To))
	}
	if ev.Step != "" {
		b.WriteString(" " + ev.Step)
	}
	if ev.Outcome != "" {
		b.WriteString(" [" + ev.Outcome + "]")
	}
	if ev.Attempt > 0 {
		b.WriteString(fmt.Sprintf(" attempt %d", ev.Attempt))
	}
	if ev.Actor != "" {
		b.WriteString(" by " + ev.Actor)
	}
	if ev.Error != "" {
		b.WriteString(" " + tui.ErrorStyle.Render(ev.Error))
	}
	return b.String()
}
