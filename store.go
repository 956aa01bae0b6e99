// Lock-guarded access to state files.
//
// Every operation takes a token, a file path and a wait policy, acquires
// the token, touches the file and releases. Lock contention is reported
// through Status or a bool so callers can retry or back off; it is never
// an error. Anything that goes wrong after the lock is held (permission
// denied, disk full, malformed TOML) is returned as an error.
//
// Files are overwritten in place. There is no temp-file-and-rename step,
// so a crash mid-write can leave a partial file. Callers that need a
// fallback can CopyFile a snapshot before mutating.
package pkgstate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/pelletier/go-toml/v2"
)

// Status is the outcome of a locked read.
type Status int

const (
	StatusTimeout Status = iota // Lock not acquired within the wait policy
	StatusMissing               // Lock acquired, file does not exist
	StatusOK                    // Lock acquired, file present
)

// Acquired reports whether the lock was obtained.
func (s Status) Acquired() bool {
	return s != StatusTimeout
}

func (s Status) String() string {
	switch s {
	case StatusTimeout:
		return "timeout"
	case StatusMissing:
		return "missing"
	case StatusOK:
		return "ok"
	default:
		return "unknown"
	}
}

// Store performs locked reads and writes of state files.
type Store struct {
	locker *Locker
	log    hclog.Logger
	sync   bool
}

// New returns a Store. Zero-valued Config fields take their defaults.
func New(cfg Config) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		locker: NewLocker(cfg),
		log:    cfg.Logger,
		sync:   cfg.SyncWrites,
	}
}

// Locker returns the store's locker for callers that need raw tokens.
func (s *Store) Locker() *Locker {
	return s.locker
}

// Busy reports whether token is currently held elsewhere.
func (s *Store) Busy(token string) (bool, error) {
	return s.locker.Busy(token)
}

// guard runs fn under token. It returns false with a nil error when the
// wait policy expired before the lock was obtained.
func (s *Store) guard(ctx context.Context, token string, wait WaitPolicy, fn func() error) (bool, error) {
	err := s.locker.With(ctx, token, wait, fn)
	if errors.Is(err, ErrLockTimeout) {
		return false, nil
	}
	return err == nil, err
}

// ReadText reads path under token. The content is empty unless the status
// is StatusOK with a nil error. A read failure after the lock was taken
// comes back with StatusOK and the error.
func (s *Store) ReadText(ctx context.Context, token, path string, wait WaitPolicy) (string, Status, error) {
	var (
		data   []byte
		status = StatusTimeout
	)
	_, err := s.guard(ctx, token, wait, func() error {
		var rerr error
		status = StatusOK
		data, rerr = os.ReadFile(path)
		if errors.Is(rerr, fs.ErrNotExist) {
			status = StatusMissing
			return nil
		}
		return rerr
	})
	if err != nil || status == StatusTimeout {
		return "", status, err
	}
	s.log.Trace("read", "path", path, "status", status, "bytes", len(data))
	return string(data), status, nil
}

// WriteText replaces the content of path under token. It reports false if
// the lock could not be obtained in time.
func (s *Store) WriteText(ctx context.Context, token, path, text string, wait WaitPolicy) (bool, error) {
	ok, err := s.guard(ctx, token, wait, func() error {
		return s.write(path, []byte(text))
	})
	if ok {
		s.log.Trace("wrote", "path", path, "bytes", len(text))
	}
	return ok, err
}

func (s *Store) write(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err == nil && s.sync {
		err = f.Sync()
	}
	return closeAll(err, f)
}

// ReadDocument reads and parses the TOML file at path under token. The
// document is nil unless the status is StatusOK.
func (s *Store) ReadDocument(ctx context.Context, token, path string, wait WaitPolicy) (*Document, Status, error) {
	text, status, err := s.ReadText(ctx, token, path, wait)
	if err != nil || status != StatusOK {
		return nil, status, err
	}
	doc, err := ParseDocument([]byte(text))
	if err != nil {
		return nil, status, err
	}
	return doc, status, nil
}

// WriteDocument encodes d as TOML and writes it to path under token.
// Encoding happens before the lock is taken.
func (s *Store) WriteDocument(ctx context.Context, token, path string, d *Document, wait WaitPolicy) (bool, error) {
	data, err := EncodeDocument(d)
	if err != nil {
		return false, err
	}
	return s.WriteText(ctx, token, path, string(data), wait)
}

// ReadValue decodes the TOML file at path into v under token. v is left
// untouched unless the status is StatusOK.
func (s *Store) ReadValue(ctx context.Context, token, path string, v any, wait WaitPolicy) (Status, error) {
	text, status, err := s.ReadText(ctx, token, path, wait)
	if err != nil || status != StatusOK {
		return status, err
	}
	if err := toml.Unmarshal([]byte(text), v); err != nil {
		return status, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	return status, nil
}

// WriteValue marshals v as TOML and writes it to path under token.
func (s *Store) WriteValue(ctx context.Context, token, path string, v any, wait WaitPolicy) (bool, error) {
	data, err := toml.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnsupportedValue, err)
	}
	return s.WriteText(ctx, token, path, string(data), wait)
}
