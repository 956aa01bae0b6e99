// Content hashing for artifacts.
//
// The default digest is git's blob id: SHA-1 over "blob <size>\x00"
// followed by the file bytes. It matches `git hash-object`, so an artifact
// can be checked against a git object store without git installed. Two
// faster non-git algorithms are offered for local change detection.
package pkgstate

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Hash algorithm constants.
const (
	AlgGitBlob = 1 // Default, 40 hex chars
	AlgBlake2b = 2 // BLAKE2b-256, 64 hex chars
	AlgXXHash3 = 3 // XXH3-64, 16 hex chars, not cryptographic
)

// hashBlock is the read size used when streaming file content.
const hashBlock = 64 * 1024

// HashFile returns the git blob digest of the file at path.
func HashFile(path string) (string, error) {
	return HashFileWith(path, AlgGitBlob)
}

// HashFileWith hashes the file at path using alg.
func HashFileWith(path string, alg int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	return hashStream(f, info.Size(), alg)
}

// HashReader returns the git blob digest of size bytes read from r. It
// fails if r yields a different number of bytes.
func HashReader(r io.Reader, size int64) (string, error) {
	return hashStream(r, size, AlgGitBlob)
}

func newHash(alg int) (hash.Hash, error) {
	switch alg {
	case AlgGitBlob:
		return sha1.New(), nil
	case AlgBlake2b:
		return blake2b.New256(nil)
	case AlgXXHash3:
		return xxh3.New(), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, alg)
	}
}

func hashStream(r io.Reader, size int64, alg int) (string, error) {
	h, err := newHash(alg)
	if err != nil {
		return "", err
	}
	if alg == AlgGitBlob {
		h.Write([]byte("blob " + strconv.FormatInt(size, 10) + "\x00"))
	}

	buf := make([]byte, hashBlock)
	n, err := io.CopyBuffer(h, io.LimitReader(r, size+1), buf)
	if err != nil {
		return "", err
	}
	if n != size {
		return "", fmt.Errorf("hash: read %d bytes, expected %d", n, size)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
