// Package gate guards access to a test room: a bcrypt password check with
// a persisted lockout, and an in-process single-flight claim per session.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrDenied is returned for a wrong password below the lockout ceiling.
	ErrDenied = errors.New("gate: access denied")
	// ErrLocked is returned once the failed-attempt ceiling is reached,
	// whatever password is submitted.
	ErrLocked = errors.New("gate: session locked")
	// ErrInProgress is returned to callers that lose a single-flight claim.
	ErrInProgress = errors.New("gate: operation already in progress")
)

// AttemptStore persists the failed-attempt counter per session.
type AttemptStore interface {
	RecordFailedAttempt(ctx context.Context, id string) (int, error)
	FailedAttempts(ctx context.Context, id string) (int, error)
	ResetAttempts(ctx context.Context, id string) error
	// ClearAttemptsBelow zeroes the counter only while it is below
	// ceiling, in one statement. It reports whether the counter was
	// below ceiling.
	ClearAttemptsBelow(ctx context.Context, id string, ceiling int) (bool, error)
}

// Gate combines the password check, the lockout and the single-flight map.
type Gate struct {
	store       AttemptStore
	maxAttempts int
	inflight    cmap.ConcurrentMap[string, struct{}]
}

// New returns a Gate. maxAttempts <= 0 selects DefaultMaxAttempts.
func New(store AttemptStore, maxAttempts int) *Gate {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Gate{
		store:       store,
		maxAttempts: maxAttempts,
		inflight:    cmap.New[struct{}](),
	}
}

// HashPassword returns the bcrypt hash stored on a session.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Authenticate reports whether submitted matches hash. An empty hash means
// the session has no gate.
func Authenticate(hash, submitted string) bool {
	if hash == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(submitted)) == nil
}

// RecordAttempt counts one failed attempt and returns the new total.
func (g *Gate) RecordAttempt(ctx context.Context, id string) (int, error) {
	n, err := g.store.RecordFailedAttempt(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("record attempt: %w", err)
	}
	return n, nil
}

// IsLocked reports whether the session reached the attempt ceiling.
func (g *Gate) IsLocked(ctx context.Context, id string) (bool, error) {
	n, err := g.attempts(ctx, id)
	if err != nil {
		return false, err
	}
	return locked(n, g.maxAttempts), nil
}

// Reset clears the failed-attempt counter, unlocking the session.
func (g *Gate) Reset(ctx context.Context, id string) error {
	if err := g.store.ResetAttempts(ctx, id); err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}
	return nil
}

func (g *Gate) attempts(ctx context.Context, id string) (int, error) {
	n, err := g.store.FailedAttempts(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return n, nil
}

// Check runs the full gate for one submission: lockout first, then the
// password. A wrong password is counted. A correct one clears the counter
// unless a concurrent wrong attempt locked the session in the meantime,
// in which case it is refused like any other attempt on a locked session.
func (g *Gate) Check(ctx context.Context, id, hash, submitted string) error {
	logger := logr.FromContextOrDiscard(ctx).WithValues("session", id)
	if hash == "" {
		return nil
	}

	n, err := g.attempts(ctx, id)
	if err != nil {
		return err
	}
	if locked(n, g.maxAttempts) {
		logger.Info("access refused, session locked", "attempts", n)
		return ErrLocked
	}

	if !Authenticate(hash, submitted) {
		n, err := g.RecordAttempt(ctx, id)
		if err != nil {
			return err
		}
		if locked(n, g.maxAttempts) {
			logger.Info("session locked after failed attempts", "attempts", n)
			return ErrLocked
		}
		logger.Info("access denied", "attempts", n, "remaining", remaining(n, g.maxAttempts))
		return ErrDenied
	}

	cleared, err := g.store.ClearAttemptsBelow(ctx, id, g.maxAttempts)
	if err != nil {
		return fmt.Errorf("clear attempts: %w", err)
	}
	if !cleared {
		logger.Info("access refused, session locked during check")
		return ErrLocked
	}
	return nil
}

// SingleFlight runs fn only if no other call for id is in flight in this
// process. Losers get ErrInProgress without running fn. The claim is
// always released when fn returns.
func (g *Gate) SingleFlight(id string, fn func() error) error {
	if !g.inflight.SetIfAbsent(id, struct{}{}) {
		return ErrInProgress
	}
	defer g.inflight.Remove(id)
	return fn()
}

// InFlight reports whether a single-flight call for id is running.
func (g *Gate) InFlight(id string) bool {
	return g.inflight.Has(id)
}
