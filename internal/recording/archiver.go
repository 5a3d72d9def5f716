// Package recording archives broker session recordings to object storage
// and hands out time-limited playback links.
package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"strings"

	"github.com/go-logr/logr"
)

var (
	// ErrNoRecorder is returned when the recorder container is not running.
	ErrNoRecorder = errors.New("recording: recorder container not running")
	// ErrUpload is returned when the upload script fails.
	ErrUpload = errors.New("recording: upload failed")
)

// DefaultPrefix is the object key prefix recordings are uploaded under.
const DefaultPrefix = "recordings"

// Key returns the object key of a session recording.
func Key(prefix, sessionID string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return path.Join(prefix, "testid-"+sessionID+".mp4")
}

// CommandRunner runs an external command and returns its stdout and
// stderr.
type CommandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Archiver triggers the upload script inside the recorder container.
type Archiver struct {
	Container    string
	UploadScript string
	Prefix       string
	run          CommandRunner
}

// NewArchiver returns an Archiver that shells out to docker.
func NewArchiver(container, uploadScript, prefix string) *Archiver {
	return &Archiver{
		Container:    container,
		UploadScript: uploadScript,
		Prefix:       prefix,
		run:          execRunner,
	}
}

// WithRunner replaces the command runner.
func (a *Archiver) WithRunner(run CommandRunner) *Archiver {
	a.run = run
	return a
}

// Archive uploads the recording of sessionID and returns its object key.
func (a *Archiver) Archive(ctx context.Context, sessionID string) (string, error) {
	logger := logr.FromContextOrDiscard(ctx).WithValues("session", sessionID)

	containerID, err := a.containerID(ctx)
	if err != nil {
		return "", err
	}

	logger.Info("running upload script", "container", containerID)
	stdout, stderr, err := a.run(ctx, "docker", "exec", containerID, "bash", "-c",
		a.UploadScript+" "+sessionID)
	if out := strings.TrimSpace(string(stdout)); out != "" {
		logger.V(1).Info("upload script output", "stdout", out)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrUpload, strings.TrimSpace(string(stderr)), err)
	}
	if msg := strings.TrimSpace(string(stderr)); msg != "" {
		logger.Info("upload script wrote to stderr", "stderr", msg)
	}

	return Key(a.Prefix, sessionID), nil
}

func (a *Archiver) containerID(ctx context.Context) (string, error) {
	stdout, stderr, err := a.run(ctx, "docker", "ps", "-q", "-f", "name="+a.Container)
	if err != nil {
		return "", fmt.Errorf("docker ps: %s: %w", strings.TrimSpace(string(stderr)), err)
	}
	fields := strings.Fields(string(stdout))
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoRecorder, a.Container)
	}
	return fields[0], nil
}
