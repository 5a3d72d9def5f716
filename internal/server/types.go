// Package server exposes test rooms over HTTP: a public, password-gated
// surface for participants and a bearer-token admin surface for operators.
package server

import (
	"time"

	"github.com/testroom-dev/testroom/internal/lifecycle"
	"github.com/testroom-dev/testroom/internal/session"
)

// OpenRequest is the participant's request to join a room.
type OpenRequest struct {
	Password string `json:"password"`
	Name     string `json:"name"`
	Email    string `json:"email" binding:"omitempty,email"`
}

// StopRequest is the participant's request to end a room.
type StopRequest struct {
	Password string `json:"password"`
}

// RoomStatus is what a participant polls after an open was accepted.
type RoomStatus struct {
	Status    session.Status `json:"status"`
	Ready     bool           `json:"ready"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// CreateRequest is an operator request for a new session.
type CreateRequest struct {
	Title       string `json:"title"`
	TestName    string `json:"test_name"`
	OS          string `json:"os" binding:"required,oneof=linux windows"`
	ImageID     string `json:"image_id" binding:"required"`
	ProbeScript string `json:"probe_script"`
	Password    string `json:"password"`
	TimeLimit   int    `json:"time_limit" binding:"gte=0"` // minutes
	Launch      bool   `json:"launch"`
}

// ResetRequest is an operator request to reconcile a stuck session.
type ResetRequest struct {
	Unlock bool `json:"unlock"`
}

// SessionView is the admin representation of a session. Secrets are
// never included.
type SessionView struct {
	ID              string          `json:"id"`
	Title           string          `json:"title,omitempty"`
	TestName        string          `json:"test_name,omitempty"`
	OS              session.OS      `json:"os"`
	ImageID         string          `json:"image_id"`
	Status          session.Status  `json:"status"`
	InstanceID      string          `json:"instance_id,omitempty"`
	PublicIP        string          `json:"public_ip,omitempty"`
	Verdict         session.Verdict `json:"verdict,omitempty"`
	SnapshotImageID string          `json:"snapshot_image_id,omitempty"`
	RecordingPath   string          `json:"recording_path,omitempty"`
	AccessedByName  string          `json:"accessed_by_name,omitempty"`
	AccessedByEmail string          `json:"accessed_by_email,omitempty"`
	Gated           bool            `json:"gated"`
	FailedAttempts  int             `json:"failed_attempts"`
	TimeLimit       int             `json:"time_limit"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`

	Descriptor *lifecycle.Descriptor `json:"descriptor,omitempty"`
}

// StatusView is the admin polling response.
type StatusView struct {
	Status     session.Status        `json:"status"`
	Ready      bool                  `json:"ready"`
	Descriptor *lifecycle.Descriptor `json:"descriptor,omitempty"`
}

// RecordingView carries a presigned playback link.
type RecordingView struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newSessionView(sess *session.Session) SessionView {
	return SessionView{
		ID:              sess.ID,
		Title:           sess.Title,
		TestName:        sess.TestName,
		OS:              sess.OS,
		ImageID:         sess.ImageID,
		Status:          sess.Status,
		InstanceID:      sess.InstanceID,
		PublicIP:        sess.PublicIP,
		Verdict:         sess.Verdict,
		SnapshotImageID: sess.SnapshotImageID,
		RecordingPath:   sess.RecordingPath,
		AccessedByName:  sess.AccessedByName,
		AccessedByEmail: sess.AccessedByEmail,
		Gated:           sess.PasswordHash != "",
		FailedAttempts:  sess.FailedAttempts,
		TimeLimit:       int(sess.TimeLimit / time.Minute),
		LastError:       sess.LastError,
		CreatedAt:       sess.CreatedAt,
		StartedAt:       timePtr(sess.StartedAt),
		ExpiresAt:       timePtr(sess.ExpiresAt),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
