// Key material.
//
// Key is the ephemeral symmetric key behind a Codec. It is generated from
// crypto/rand, never written anywhere, and gone when the process exits;
// blobs sealed with it cannot be opened by any later process.
//
// ResolveKeyMaterial is unrelated. It names the long-lived, operator-set
// secret that other parts of a deployment derive their keys from.
package pkgstate

import (
	"crypto/rand"
	"encoding/binary"
	"os"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// SecretKeyEnv names the variable holding operator-supplied key material.
const SecretKeyEnv = "PKGSTATE_SECRET_KEY"

// Key is process-lifetime symmetric key material.
type Key struct {
	b [chacha20poly1305.KeySize]byte
}

// NewKey generates a fresh random key.
func NewKey() (*Key, error) {
	var k Key
	if _, err := rand.Read(k.b[:]); err != nil {
		return nil, err
	}
	return &k, nil
}

// ResolveKeyMaterial returns the value of SecretKeyEnv, or the machine's
// 48-bit node identifier in decimal when the variable is unset.
func ResolveKeyMaterial() string {
	if v, ok := os.LookupEnv(SecretKeyEnv); ok {
		return v
	}
	return nodeID()
}

func nodeID() string {
	var buf [8]byte
	copy(buf[2:], uuid.NodeID())
	return strconv.FormatUint(binary.BigEndian.Uint64(buf[:]), 10)
}
