// Package remote holds the per-OS remote access strategies: how a test
// room is reached, how its credential is obtained and how it is probed.
package remote

import (
	"context"
	"fmt"

	"github.com/testroom-dev/testroom/internal/credential"
	"github.com/testroom-dev/testroom/internal/probe"
	"github.com/testroom-dev/testroom/internal/session"
)

// Strategy is everything the lifecycle needs to know about one OS flavor.
type Strategy interface {
	OS() session.OS
	// Protocol is the broker protocol name, "ssh" or "rdp".
	Protocol() string
	DefaultPort() int
	// ResolveCredential obtains a credential for a freshly launched instance.
	ResolveCredential(ctx context.Context, instanceID, address string) (credential.Credential, error)
	// RestoreCredential rebuilds a credential from persisted material
	// (the unsealed password, if any) without a cloud round trip.
	RestoreCredential(address string, secret []byte) credential.Credential
	Probe(ctx context.Context, script, address string, cred credential.Credential) probe.Verdict
}

// Resolver is the subset of credential.Resolver the strategies use.
type Resolver interface {
	Linux(address string) credential.Credential
	Windows(ctx context.Context, instanceID, address string) (credential.Credential, error)
}

// Linux reaches instances over SSH with the service key.
type Linux struct {
	resolver Resolver
	runner   probe.Runner
}

// NewLinux returns the Linux strategy.
func NewLinux(resolver Resolver, runner probe.Runner) *Linux {
	return &Linux{resolver: resolver, runner: runner}
}

func (l *Linux) OS() session.OS   { return session.Linux }
func (l *Linux) Protocol() string { return "ssh" }
func (l *Linux) DefaultPort() int { return 22 }

func (l *Linux) ResolveCredential(_ context.Context, _, address string) (credential.Credential, error) {
	return l.resolver.Linux(address), nil
}

func (l *Linux) RestoreCredential(address string, _ []byte) credential.Credential {
	return l.resolver.Linux(address)
}

func (l *Linux) Probe(ctx context.Context, script, address string, cred credential.Credential) probe.Verdict {
	return l.runner.Run(ctx, script, address, cred)
}

// Windows reaches instances over RDP with the decrypted Administrator
// password.
type Windows struct {
	resolver Resolver
	runner   probe.Runner
	user     string
}

// NewWindows returns the Windows strategy. user is the account restored
// credentials are built for.
func NewWindows(resolver Resolver, runner probe.Runner, user string) *Windows {
	if user == "" {
		user = "Administrator"
	}
	return &Windows{resolver: resolver, runner: runner, user: user}
}

func (w *Windows) OS() session.OS   { return session.Windows }
func (w *Windows) Protocol() string { return "rdp" }
func (w *Windows) DefaultPort() int { return 3389 }

func (w *Windows) ResolveCredential(ctx context.Context, instanceID, address string) (credential.Credential, error) {
	return w.resolver.Windows(ctx, instanceID, address)
}

func (w *Windows) RestoreCredential(address string, secret []byte) credential.Credential {
	return credential.Credential{Username: w.user, Secret: string(secret), Address: address}
}

func (w *Windows) Probe(ctx context.Context, script, address string, cred credential.Credential) probe.Verdict {
	return w.runner.Run(ctx, script, address, cred)
}

// Registry maps an OS to its strategy.
type Registry struct {
	strategies map[session.OS]Strategy
}

// NewRegistry indexes strategies by OS.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[session.OS]Strategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.OS()] = s
	}
	return r
}

// For returns the strategy for os.
func (r *Registry) For(os session.OS) (Strategy, error) {
	s, ok := r.strategies[os]
	if !ok {
		return nil, fmt.Errorf("no remote access strategy for os %q", os)
	}
	return s, nil
}
