package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/masterzen/winrm"

	"github.com/testroom-dev/testroom/internal/credential"
)

// WinRMRunner runs probe scripts on Windows instances through PowerShell
// over WinRM with NTLM authentication.
type WinRMRunner struct {
	Port     int
	HTTPS    bool
	Insecure bool
	Timeout  time.Duration
}

// NewWinRMRunner returns a runner on plain-HTTP port 5985.
func NewWinRMRunner(timeout time.Duration) *WinRMRunner {
	return &WinRMRunner{Port: 5985, Insecure: true, Timeout: timeout}
}

// Run executes script and classifies the result.
func (r *WinRMRunner) Run(ctx context.Context, script, address string, cred credential.Credential) Verdict {
	stderr, code, err := r.exec(ctx, script, address, cred)
	if err != nil {
		logr.FromContextOrDiscard(ctx).Info("winrm probe failed", "address", address,
			"error", fmt.Errorf("%w: %w", ErrExecution, err).Error())
	}
	return Classify(stderr, code, err)
}

func (r *WinRMRunner) exec(ctx context.Context, script, address string, cred credential.Credential) (string, int, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := winrm.NewEndpoint(address, r.Port, r.HTTPS, r.Insecure, nil, nil, nil, timeout)
	params := *winrm.DefaultParameters
	params.TransportDecorator = func() winrm.Transporter { return &winrm.ClientNTLM{} }

	client, err := winrm.NewClientWithParameters(endpoint, cred.Username, cred.Secret, &params)
	if err != nil {
		return "", -1, fmt.Errorf("winrm client: %w", err)
	}

	_, stderr, code, err := client.RunWithContextWithString(ctx, winrm.Powershell(script), "")
	if err != nil {
		return stderr, code, fmt.Errorf("run script: %w", err)
	}
	return stderr, code, nil
}
