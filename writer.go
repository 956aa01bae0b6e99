// Streaming writes under a lock token.
//
// A LockedWriter takes the token separately for every Write call and
// releases it before returning. Two writers sharing a token never write at
// the same instant, but a logical record split over several Write calls
// can be interleaved with another writer's calls. Use Batch when a group
// of writes must land together.
package pkgstate

import (
	"context"
	"io"
	"os"
)

// LockedWriter is an io.Writer that locks token around each write.
type LockedWriter struct {
	locker *Locker
	token  string
	wait   WaitPolicy
	open   func() (io.Writer, func() error, error)
}

// NewWriter wraps w so that every write holds token. A write that cannot
// get the lock within wait fails with an error matching ErrLockTimeout.
func (s *Store) NewWriter(token string, w io.Writer, wait WaitPolicy) *LockedWriter {
	return &LockedWriter{
		locker: s.locker,
		token:  token,
		wait:   wait,
		open: func() (io.Writer, func() error, error) {
			return w, func() error { return nil }, nil
		},
	}
}

// OpenAppend returns a writer that appends to path, creating it if needed.
// The file is opened and closed inside each locked write so no handle is
// held between calls.
func (s *Store) OpenAppend(token, path string, wait WaitPolicy) *LockedWriter {
	sync := s.sync
	return &LockedWriter{
		locker: s.locker,
		token:  token,
		wait:   wait,
		open: func() (io.Writer, func() error, error) {
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
			if err != nil {
				return nil, nil, err
			}
			return f, func() error {
				var err error
				if sync {
					err = f.Sync()
				}
				return closeAll(err, f)
			}, nil
		},
	}
}

// Write implements io.Writer.
func (lw *LockedWriter) Write(p []byte) (int, error) {
	var n int
	err := lw.Batch(context.Background(), func(w io.Writer) error {
		var werr error
		n, werr = w.Write(p)
		return werr
	})
	return n, err
}

// WriteString implements io.StringWriter.
func (lw *LockedWriter) WriteString(s string) (int, error) {
	return lw.Write([]byte(s))
}

// Batch holds the token for the whole of fn, so every write fn makes to
// the supplied writer lands without interleaving.
func (lw *LockedWriter) Batch(ctx context.Context, fn func(w io.Writer) error) error {
	return lw.locker.With(ctx, lw.token, lw.wait, func() error {
		w, done, err := lw.open()
		if err != nil {
			return err
		}
		err = fn(w)
		return fold(err, done())
	})
}
