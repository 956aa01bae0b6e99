// Compression stage of the secret codec.
//
// Serialized values are Zstd-compressed before encryption. The encoder and
// decoder are built once at init and shared. Both are safe for concurrent
// use.
package pkgstate

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// maxDecoded caps the size of a decompressed payload. Seal refuses
// anything larger.
const maxDecoded = 16 * 1024 * 1024

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecoded))
)

func compress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

func decompress(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", ErrDecompress, err)
	}
	return out, nil
}
