package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"

	"github.com/testroom-dev/testroom/internal/credential"
)

// SSHRunner runs probe scripts on Linux instances over SSH with key auth.
type SSHRunner struct {
	Port    int
	Timeout time.Duration
}

// NewSSHRunner returns a runner on port 22.
func NewSSHRunner(timeout time.Duration) *SSHRunner {
	return &SSHRunner{Port: 22, Timeout: timeout}
}

// Run executes script and classifies the result.
func (r *SSHRunner) Run(ctx context.Context, script, address string, cred credential.Credential) Verdict {
	stderr, code, err := r.exec(ctx, script, address, cred)
	if err != nil {
		logr.FromContextOrDiscard(ctx).Info("ssh probe failed", "address", address,
			"error", fmt.Errorf("%w: %w", ErrExecution, err).Error())
	}
	return Classify(stderr, code, err)
}

func (r *SSHRunner) exec(ctx context.Context, script, address string, cred credential.Credential) (string, int, error) {
	signer, err := ssh.ParsePrivateKey(cred.PrivateKey)
	if err != nil {
		return "", -1, fmt.Errorf("parse private key: %w", err)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(address, strconv.Itoa(r.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", -1, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	cfg := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // fresh instance, host key unknown
		Timeout:         timeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return "", -1, fmt.Errorf("ssh handshake: %w", err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return "", -1, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	err = sess.Run(script)
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return stderr.String(), exitErr.ExitStatus(), nil
	}
	if err != nil {
		return stderr.String(), -1, fmt.Errorf("run script: %w", err)
	}
	return stderr.String(), 0, nil
}
