// Package probe runs an operator-supplied script on a test room instance
// before teardown and classifies the outcome.
package probe

import (
	"context"
	"errors"
	"strings"

	"github.com/testroom-dev/testroom/internal/credential"
)

// ErrExecution wraps transport or session failures while running a script.
var ErrExecution = errors.New("probe: execution failed")

// Verdict is the classified outcome of a probe.
type Verdict string

const (
	Pass Verdict = "pass"
	Fail Verdict = "fail"
	NA   Verdict = "NA"
)

// Runner executes a script against a remote address. Errors never escape a
// Runner: they are folded into a Fail verdict.
type Runner interface {
	Run(ctx context.Context, script, address string, cred credential.Credential) Verdict
}

// Classify maps raw execution output to a verdict. Any error, any stderr
// output or a non-zero exit code is a failure.
func Classify(stderr string, exitCode int, err error) Verdict {
	if err != nil {
		return Fail
	}
	if strings.TrimSpace(stderr) != "" || exitCode != 0 {
		return Fail
	}
	return Pass
}
