// Cross-process advisory locking on lock token files.
//
// A token is a path whose only meaning is its flock(2) / LockFileEx state.
// The file is created on the first attempt and never removed. Each Acquire
// opens its own handle, so two Locks on the same token exclude each other
// even inside one process.
//
// Acquisition polls a non-blocking TryLock at a fixed interval rather than
// blocking in the kernel, which is what lets a bounded wait give up. Waiters
// are not queued: whichever poll lands first after a release wins.
package pkgstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-hclog"
)

// LockPath returns the conventional token path guarding path.
func LockPath(path string) string {
	return path + ".lock"
}

// Locker acquires lock tokens. It holds no per-token state and is safe for
// concurrent use.
type Locker struct {
	poll          time.Duration
	probeTimeout  time.Duration
	probeInterval time.Duration
	log           hclog.Logger
}

// NewLocker returns a Locker using cfg's polling settings.
func NewLocker(cfg Config) *Locker {
	cfg = cfg.withDefaults()
	return &Locker{
		poll:          cfg.PollInterval,
		probeTimeout:  cfg.ProbeTimeout,
		probeInterval: cfg.ProbeInterval,
		log:           cfg.Logger,
	}
}

// Lock is a held token. Release must be called on every path out of the
// critical section; it is safe to call more than once.
type Lock struct {
	mu    sync.Mutex
	fl    *flock.Flock
	token string
	since time.Time
	log   hclog.Logger
}

// Token returns the path of the held token.
func (l *Lock) Token() string {
	return l.token
}

// Release unlocks the token and closes its handle.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	l.log.Trace("released", "token", l.token, "held", time.Since(l.since))
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.token, err)
	}
	return nil
}

// Acquire blocks until token is held or wait's bound passes. A bounded
// timeout returns an error matching ErrLockTimeout; Unbounded never does.
// Cancelling ctx abandons the wait with ctx's error. Failures to create or
// lock the token file are returned as-is and not retried.
func (lk *Locker) Acquire(ctx context.Context, token string, wait WaitPolicy) (*Lock, error) {
	return lk.acquire(ctx, token, wait, lk.poll)
}

func (lk *Locker) acquire(ctx context.Context, token string, wait WaitPolicy, poll time.Duration) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit, bounded := wait.Limit()
	start := time.Now()
	deadline := start.Add(limit)
	fl := flock.New(token)

	for {
		ok, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", token, err)
		}
		if ok {
			lk.log.Trace("acquired", "token", token, "waited", time.Since(start))
			return &Lock{fl: fl, token: token, since: time.Now(), log: lk.log}, nil
		}

		delay := poll
		if bounded {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				lk.log.Debug("lock wait timed out", "token", token, "wait", wait)
				return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, token, wait)
			}
			delay = min(delay, remaining)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// With runs fn while holding token. The lock is released however fn exits,
// including by panic. A release failure is reported only if fn succeeded.
func (lk *Locker) With(ctx context.Context, token string, wait WaitPolicy, fn func() error) (err error) {
	l, err := lk.Acquire(ctx, token, wait)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}

// Busy reports whether another holder currently has token. It waits at
// most the configured probe timeout and releases immediately if it did get
// the lock, so it never joins the caller's critical section.
func (lk *Locker) Busy(token string) (bool, error) {
	l, err := lk.acquire(context.Background(), token, Bounded(lk.probeTimeout), lk.probeInterval)
	switch {
	case err == nil:
		return false, l.Release()
	case errors.Is(err, ErrLockTimeout):
		lk.log.Debug("token busy", "token", token)
		return true, nil
	default:
		return false, err
	}
}
