// Lock-guarded whole-file copies.
//
// CopyFile is how callers snapshot a state file before mutating it. The
// destination is truncated and rewritten in place like any other write.
package pkgstate

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
)

// CopyFile copies src to dst while holding token. It reports false if the
// lock could not be obtained in time. A missing src is an error, as is a
// dst that names the same file as src.
func (s *Store) CopyFile(ctx context.Context, token, src, dst string, wait WaitPolicy) (bool, error) {
	var n int64
	ok, err := s.guard(ctx, token, wait, func() error {
		var cerr error
		n, cerr = s.copy(src, dst)
		return cerr
	})
	if ok {
		s.log.Trace("copied", "src", src, "dst", dst, "bytes", n)
	}
	return ok, err
}

func (s *Store) copy(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	info, err := in.Stat()
	if err != nil {
		return 0, closeAll(err, in)
	}
	// Truncating dst would empty src.
	if dinfo, err := os.Stat(dst); err == nil && os.SameFile(info, dinfo) {
		return 0, closeAll(fmt.Errorf("%w: %s", ErrSameFile, dst), in)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, closeAll(err, in)
	}

	n, err := io.Copy(out, in)
	if err == nil && s.sync {
		err = out.Sync()
	}
	return n, closeAll(err, out, in)
}

// closeAll closes every file and folds close failures into err.
func closeAll(err error, files ...*os.File) error {
	errs := []error{err}
	for _, f := range files {
		errs = append(errs, f.Close())
	}
	return fold(errs...)
}

// fold combines the non-nil errors. A single error is returned as-is.
func fold(errs ...error) error {
	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result != nil && len(result.Errors) == 1 {
		return result.Errors[0]
	}
	return result.ErrorOrNil()
}
