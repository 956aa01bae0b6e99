// Reversible obfuscation of values.
//
// Seal runs four stages: JSON encode, Zstd compress, XChaCha20-Poly1305
// encrypt under a random nonce, base64 encode. Open runs them backwards and
// reports which stage failed. Encrypt and Decrypt wrap the two and reduce
// every failure to a false result, so callers on the hot path never see an
// error or a panic from malformed input.
//
// The blob carries no version or key id. The only way to check one is to
// try opening it.
package pkgstate

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	json "github.com/goccy/go-json"
	"golang.org/x/crypto/chacha20poly1305"
)

// Codec seals values under a single Key. It is safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec returns a Codec bound to key.
func NewCodec(key *Key) (*Codec, error) {
	if key == nil {
		return nil, ErrNilKey
	}
	aead, err := chacha20poly1305.NewX(key.b[:])
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead}, nil
}

// Seal encodes v into a base64 blob. Values whose JSON form is larger
// than Open can decompress are rejected with ErrUnsupportedValue.
func (c *Codec) Seal(v any) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnsupportedValue, err)
	}
	if len(plain) > maxDecoded {
		return "", fmt.Errorf("%w: serialized size %d exceeds %d", ErrUnsupportedValue, len(plain), maxDecoded)
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, compress(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decodes a blob produced by Seal into v. The error matches one of
// ErrMalformedInput, ErrDecrypt, ErrDecompress or ErrMalformedDocument.
func (c *Codec) Open(text string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return fmt.Errorf("%w: base64: %w", ErrMalformedInput, err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return fmt.Errorf("%w: blob too short", ErrMalformedInput)
	}

	compressed, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	plain, err := decompress(compressed)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	return nil
}

// Encrypt seals v. It returns false, and an empty string, if v cannot be
// serialized or sealed.
func (c *Codec) Encrypt(v any) (text string, ok bool) {
	defer func() {
		if recover() != nil {
			text, ok = "", false
		}
	}()
	text, err := c.Seal(v)
	if err != nil {
		return "", false
	}
	return text, true
}

// Decrypt opens text into v and reports whether it succeeded. Any failure,
// including a blob sealed by another process, returns false.
func (c *Codec) Decrypt(text string, v any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return c.Open(text, v) == nil
}

// DecryptValue opens text as a T.
func DecryptValue[T any](c *Codec, text string) (T, bool) {
	var v T
	if !c.Decrypt(text, &v) {
		var zero T
		return zero, false
	}
	return v, true
}
