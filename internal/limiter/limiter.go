// Package limiter throttles login attempts per username and client source.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter controls login attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether a login is currently allowed and, if not, the retry-after.
	Allow(ctx context.Context, username string, source []byte) (bool, time.Duration, error)
	// Success resets counters after a successful login.
	Success(ctx context.Context, username string, source []byte) error
	// Failure records a failed attempt and may place a temporary block.
	Failure(ctx context.Context, username string, source []byte) (bool, time.Duration, error)
}

// Policy configures the lockout.
type Policy struct {
	Window      time.Duration
	MaxFailures int
	BlockFor    time.Duration
}

// DefaultPolicy is five failures within fifteen minutes, blocked for fifteen minutes.
var DefaultPolicy = Policy{Window: 15 * time.Minute, MaxFailures: 5, BlockFor: 15 * time.Minute}

// HashSource returns a stable hash for a client address so raw addresses are not stored.
func HashSource(addr string) []byte {
	h := sha256.Sum256([]byte(addr))
	return h[:]
}

// Noop allows everything.
type Noop struct{}

var _ Limiter = Noop{}

func (Noop) Allow(context.Context, string, []byte) (bool, time.Duration, error) { return true, 0, nil }
func (Noop) Success(context.Context, string, []byte) error                      { return nil }
func (Noop) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	return false, 0, nil
}
