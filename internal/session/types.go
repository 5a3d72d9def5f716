// Package session provides SQLite-backed persistence for test room sessions
// and the durable job queue that drives them.
package session

import "time"

// OS is the operating-system flavor of a test room.
type OS string

const (
	Linux   OS = "linux"
	Windows OS = "windows"
)

// Valid reports whether o is a supported OS.
func (o OS) Valid() bool {
	return o == Linux || o == Windows
}

// Status is a lifecycle state.
type Status string

const (
	StatusPending             Status = "pending"
	StatusProvisioning        Status = "provisioning"
	StatusAwaitingCredentials Status = "awaiting_credentials"
	StatusRegistering         Status = "registering"
	StatusRunning             Status = "running"
	StatusExpired             Status = "expired"
	StatusStopping            Status = "stopping"
	StatusTerminated          Status = "terminated"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusTerminated
}

// Verdict is the probe outcome recorded at teardown.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
	VerdictNA   Verdict = "NA"
)

// Session is one end-to-end test room lifecycle tied to one public id.
type Session struct {
	ID              string
	Title           string
	TestName        string
	OS              OS
	ImageID         string
	InstanceID      string
	PublicIP        string
	Status          Status
	ConnectionID    int64
	SealedPassword  string
	ProbeScript     string
	Verdict         Verdict
	SnapshotImageID string
	PasswordHash    string
	AccessedByName  string
	AccessedByEmail string
	RecordingPath   string
	TimeLimit       time.Duration
	FailedAttempts  int
	LastError       string
	CreatedAt       time.Time
	StartedAt       time.Time // zero until running
	ExpiresAt       time.Time // zero until running
	UpdatedAt       time.Time
}

// HasInstance reports whether a cloud instance reference is held.
func (s *Session) HasInstance() bool {
	return s.InstanceID != ""
}

// Expired reports whether a running session is past its time limit.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// JobKind names a job handler.
type JobKind string

const (
	JobProvision JobKind = "provision"
	JobTeardown  JobKind = "teardown"
)

// JobState is the queue state of a job.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// Job is a persisted unit of deferred lifecycle work.
type Job struct {
	ID          int64
	Kind        JobKind
	SessionID   string
	State       JobState
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Summary provides a high-level view of a session for listing.
type Summary struct {
	ID         string
	Title      string
	OS         OS
	Status     Status
	InstanceID string
	PublicIP   string
	Verdict    Verdict
	ExpiresAt  time.Time
	UpdatedAt  time.Time
	OpenJobs   int
}
