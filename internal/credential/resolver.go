package credential

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/testroom-dev/testroom/internal/poll"
)

// PasswordSource fetches encrypted Windows password data for an instance.
type PasswordSource interface {
	PasswordData(ctx context.Context, instanceID string) (string, error)
}

// Resolver produces credentials for freshly launched instances.
type Resolver struct {
	source     PasswordSource
	windowsKey *rsa.PrivateKey
	linuxKey   []byte

	LinuxUser   string
	WindowsUser string
	Retries     int
	Delay       time.Duration
}

// NewResolver returns a Resolver. windowsKeyPEM decrypts EC2 password data;
// linuxKeyPEM is handed to the broker and probe as the SSH identity.
func NewResolver(source PasswordSource, windowsKeyPEM, linuxKeyPEM []byte) (*Resolver, error) {
	r := &Resolver{
		source:      source,
		linuxKey:    linuxKeyPEM,
		LinuxUser:   "ec2-user",
		WindowsUser: "Administrator",
		Retries:     20,
		Delay:       10 * time.Second,
	}
	if len(windowsKeyPEM) > 0 {
		key, err := ParsePrivateKey(windowsKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("windows key: %w", err)
		}
		r.windowsKey = key
	}
	return r, nil
}

// Linux returns the static service identity. No cloud round trip.
func (r *Resolver) Linux(address string) Credential {
	return Credential{
		Username:   r.LinuxUser,
		PrivateKey: r.linuxKey,
		Address:    address,
	}
}

// Windows polls for password data until it decrypts to a non-empty
// password. Empty or malformed data is a transient state, not a failure.
func (r *Resolver) Windows(ctx context.Context, instanceID, address string) (Credential, error) {
	if r.windowsKey == nil {
		return Credential{}, fmt.Errorf("%w: no windows private key configured", ErrCredentialUnavailable)
	}
	logger := logr.FromContextOrDiscard(ctx).WithValues("instanceID", instanceID)

	var password string
	err := poll.Retry(ctx, r.Retries, r.Delay, func(ctx context.Context) (bool, error) {
		data, err := r.source.PasswordData(ctx, instanceID)
		if err != nil {
			return false, err
		}
		if strings.TrimSpace(data) == "" {
			return false, nil
		}
		plain, err := DecryptPasswordData(r.windowsKey, data)
		if err != nil {
			return false, err
		}
		if plain == "" {
			return false, nil
		}
		password = plain
		return true, nil
	}, func(attempt int, err error) {
		if err != nil {
			logger.Info("password data not usable yet", "attempt", attempt, "error", err.Error())
			return
		}
		logger.V(1).Info("password data not generated yet", "attempt", attempt)
	})
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %s after %d attempts: %w", ErrCredentialUnavailable, instanceID, r.Retries, err)
	}

	return Credential{
		Username: r.WindowsUser,
		Secret:   password,
		Address:  address,
	}, nil
}
