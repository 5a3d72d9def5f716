package tui

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testroom-dev/testroom/internal/session"
)

func TestRows(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rows := Rows([]session.Summary{
		{ID: "a", OS: session.Linux, Status: session.StatusRunning, InstanceID: "i-1",
			PublicIP: "10.0.0.1", ExpiresAt: now.Add(90 * time.Second), OpenJobs: 0},
		{ID: "b", OS: session.Windows, Status: session.StatusTerminated, Verdict: session.VerdictPass, OpenJobs: 1},
		{ID: "c", OS: session.Linux, Status: session.StatusRunning, ExpiresAt: now.Add(-time.Second)},
	}, now)

	require.Len(t, rows, 3)
	assert.Len(t, rows[0], len(Columns()))
	assert.Equal(t, "1m30s", rows[0][7])
	assert.Equal(t, "-", rows[0][8])
	assert.Equal(t, "-", rows[1][5])
	assert.Equal(t, "-", rows[1][7])
	assert.Equal(t, "pass", rows[1][8])
	assert.Equal(t, "1", rows[1][9])
	assert.Equal(t, "due", rows[2][7])
}

func TestWatchModel_LoadsAndQuits(t *testing.T) {
	calls := 0
	load := func(context.Context) ([]session.Summary, error) {
		calls++
		return []session.Summary{{ID: "a", Status: session.StatusPending}}, nil
	}
	m := NewWatchModel(load, time.Second)

	msg := m.fetch()()
	updated, _ := m.Update(msg)
	wm := updated.(WatchModel)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, wm.count)
	assert.Contains(t, wm.View(), "1 sessions")

	_, cmd := wm.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestWatchModel_ShowsLoadError(t *testing.T) {
	m := NewWatchModel(func(context.Context) ([]session.Summary, error) {
		return nil, errors.New("database is locked")
	}, time.Second)

	updated, _ := m.Update(m.fetch()())
	assert.Contains(t, updated.(WatchModel).View(), "database is locked")
}
