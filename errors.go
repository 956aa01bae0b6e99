// Package pkgstate provides the process-safe state primitives used by a
// package index: cross-process file locks with bounded waiting, locked
// reads and writes of text and TOML state files, git-compatible blob
// hashing of artifacts, and a reversible codec for obfuscating values with
// a key that lives only as long as the process.
//
// Locking is advisory and keyed on a separate lock file (conventionally
// the state file's path with ".lock" appended). Every operation acquires
// and releases its own lock, so no in-process coordination is needed.
// Writes overwrite the target in place; there is no temp-file-and-rename
// step, so a crash mid-write can leave a truncated file.
package pkgstate

import "errors"

// Sentinel errors for programmatic handling. Callers use errors.Is to tell
// expected contention (ErrLockTimeout) apart from malformed input.
var (
	ErrLockTimeout       = errors.New("lock wait timed out")
	ErrMalformedDocument = errors.New("malformed document")
	ErrMalformedInput    = errors.New("malformed input")
	ErrDecrypt           = errors.New("decryption failed")
	ErrDecompress        = errors.New("decompression failed")
	ErrUnknownAlgorithm  = errors.New("unknown hash algorithm")
	ErrUnsupportedValue  = errors.New("unsupported document value")
	ErrNilKey            = errors.New("nil key")
	ErrSameFile          = errors.New("source and destination are the same file")
)
