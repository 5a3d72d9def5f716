// Package log provides the session audit trail and operational loggers.
// This file appends JSON audit events to log.jsonl.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const auditFile = "log.jsonl"

// Audit event types.
const (
	EventSessionCreated   = "session_created"
	EventStateChanged     = "state_changed"
	EventProvisionFailed  = "provision_failed"
	EventTeardownStep     = "teardown_step"
	EventTeardownComplete = "teardown_complete"
	EventAccessGranted    = "access_granted"
	EventAccessDenied     = "access_denied"
	EventAccessLocked     = "access_locked"
	EventJobFailed        = "job_failed"
)

// LogEvent is one line of the audit trail.
type LogEvent struct {
	Time       time.Time `json:"time"`
	Event      string    `json:"event"`
	SessionID  string    `json:"session,omitempty"`
	InstanceID string    `json:"instance,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Step       string    `json:"step,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Logger is the append-only audit trail of one data directory. Events are
// never rewritten; readers stream the file from the start.
type Logger struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewLogger returns the audit trail stored in dataDir, creating the
// directory when needed. An existing trail is kept.
func NewLogger(dataDir string) (*Logger, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &Logger{path: filepath.Join(dataDir, auditFile), now: time.Now}, nil
}

// Append stamps event (unless it already carries a time) and writes it as
// a single line. A nil Logger discards events so optional auditing needs
// no nil checks at call sites.
func (l *Logger) Append(event LogEvent) error {
	if l == nil {
		return nil
	}
	if event.Time.IsZero() {
		event.Time = l.now().UTC()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write audit event: %w", err)
	}
	return f.Close()
}

// ReadAll returns every event, oldest first. A missing trail is empty.
func (l *Logger) ReadAll() ([]LogEvent, error) {
	return l.read(func(LogEvent) bool { return true })
}

// ForSession returns the events recorded for one session, oldest first.
func (l *Logger) ForSession(sessionID string) ([]LogEvent, error) {
	return l.read(func(e LogEvent) bool { return e.SessionID == sessionID })
}

func (l *Logger) read(keep func(LogEvent) bool) ([]LogEvent, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return []LogEvent{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	return decode(f, keep)
}

func decode(r io.Reader, keep func(LogEvent) bool) ([]LogEvent, error) {
	events := []LogEvent{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for n := 1; sc.Scan(); n++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e LogEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("parse audit line %d: %w", n, err)
		}
		if keep(e) {
			events = append(events, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return events, nil
}
