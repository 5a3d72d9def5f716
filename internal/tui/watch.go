package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/testroom-dev/testroom/internal/session"
)

// Loader fetches the sessions to display.
type Loader func(ctx context.Context) ([]session.Summary, error)

type summariesMsg struct {
	rows []session.Summary
	err  error
	at   time.Time
}

type tickMsg time.Time

// Columns is the session table layout shared with plain-text output.
func Columns() []table.Column {
	return []table.Column{
		{Title: "", Width: 1},
		{Title: "ID", Width: 36},
		{Title: "TITLE", Width: 20},
		{Title: "OS", Width: 7},
		{Title: "STATUS", Width: 20},
		{Title: "INSTANCE", Width: 19},
		{Title: "ADDRESS", Width: 15},
		{Title: "LEFT", Width: 8},
		{Title: "VERDICT", Width: 7},
		{Title: "JOBS", Width: 4},
	}
}

// Rows renders summaries as table rows. Time left is measured from now.
func Rows(summaries []session.Summary, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(summaries))
	for _, s := range summaries {
		verdict := string(s.Verdict)
		if verdict == "" {
			verdict = "-"
		}
		rows = append(rows, table.Row{
			StatusIcon(s.Status),
			s.ID,
			s.Title,
			string(s.OS),
			string(s.Status),
			dash(s.InstanceID),
			dash(s.PublicIP),
			remaining(s, now),
			verdict,
			strconv.Itoa(s.OpenJobs),
		})
	}
	return rows
}

func remaining(s session.Summary, now time.Time) string {
	if s.Status != session.StatusRunning || s.ExpiresAt.IsZero() {
		return "-"
	}
	left := s.ExpiresAt.Sub(now)
	if left <= 0 {
		return "due"
	}
	return left.Truncate(time.Second).String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// WatchModel is a live-refreshing session table.
type WatchModel struct {
	load     Loader
	interval time.Duration
	keys     KeyMap
	table    table.Model

	err     error
	updated time.Time
	count   int
}

// NewWatchModel returns a model that reloads every interval.
func NewWatchModel(load Loader, interval time.Duration) WatchModel {
	t := table.New(
		table.WithColumns(Columns()),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(TitleStyle.GetForeground())
	styles.Selected = styles.Selected.Foreground(SuccessStyle.GetForeground())
	t.SetStyles(styles)

	if interval <= 0 {
		interval = 2 * time.Second
	}
	return WatchModel{load: load, interval: interval, keys: DefaultKeyMap, table: t}
}

// Init starts the first load and the refresh ticker.
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m WatchModel) fetch() tea.Cmd {
	load := m.load
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rows, err := load(ctx)
		return summariesMsg{rows: rows, err: err, at: time.Now()}
	}
}

func (m WatchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles keys, resizes, ticks and load results.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			return m, m.fetch()
		}
	case tea.WindowSizeMsg:
		if h := msg.Height - 6; h > 3 {
			m.table.SetHeight(h)
		}
		m.table.SetWidth(msg.Width)
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())
	case summariesMsg:
		m.err = msg.err
		if msg.err == nil {
			m.table.SetRows(Rows(msg.rows, msg.at))
			m.count = len(msg.rows)
			m.updated = msg.at
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the table and a status bar.
func (m WatchModel) View() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("testroom sessions"))
	b.WriteString("\n")
	b.WriteString(tableBorder.Render(m.table.View()))
	b.WriteString("\n")

	status := fmt.Sprintf("%d sessions", m.count)
	if !m.updated.IsZero() {
		status += " · updated " + m.updated.Format("15:04:05")
	}
	b.WriteString(StatusBarStyle.Render(status))
	if m.err != nil {
		b.WriteString(" ")
		b.WriteString(ErrorStyle.Render(m.err.Error()))
	}

	var help []string
	for _, k := range m.keys.ShortHelp() {
		h := k.Help()
		help = append(help, h.Key+" "+h.Desc)
	}
	b.WriteString("\n")
	b.WriteString(DimStyle.Render(strings.Join(help, " • ")))
	return b.String()
}
