package frame

import (
	"fmt"

	"github.com/golang/snappy"
)

// CompressPayload compresses body when it exceeds CompressionThreshold and
// the result is actually smaller. The bool reports whether it did.
func CompressPayload(body []byte) ([]byte, bool) {
	if len(body) <= CompressionThreshold {
		return body, false
	}
	out := snappy.Encode(nil, body)
	if len(out) >= len(body) {
		return body, false
	}
	return out, true
}

// DecompressPayload reverses CompressPayload, refusing output larger than a
// frame could carry.
func DecompressPayload(data []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if n > MaxPayloadSize {
		return nil, fmt.Errorf("%w: decompressed size %d exceeds %d", ErrMalformedFrame, n, MaxPayloadSize)
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return out, nil
}
