package logdb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	actionlog "github.com/wolfeidau/actionlog"
)

const (
	// CompressionThreshold is the minimum payload size before compression
	// is considered. zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB

	// MaxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB
)

// Payload encodings stored alongside each row.
const (
	EncodingIdentity = ""     // stored as-is
	EncodingZstd     = "zstd" // zstd-compressed
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")
)

// PayloadCodec handles payload-at-rest encoding with optional compression.
// Encoder and decoder are goroutine-safe and can be reused.
type PayloadCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewPayloadCodec creates a new codec with pooled zstd encoder/decoder.
func NewPayloadCodec() (*PayloadCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &PayloadCodec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *PayloadCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode compresses the payload if beneficial and returns the encoded
// bytes with the encoding used, plus the digest of the original payload.
func (c *PayloadCodec) Encode(data []byte) (payload []byte, encoding, digest string, err error) {
	if len(data) > MaxPayloadSize {
		return nil, EncodingIdentity, "", ErrPayloadTooLarge
	}

	digest = computeDigest(data)

	if len(data) < CompressionThreshold {
		return data, EncodingIdentity, digest, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, EncodingIdentity, digest, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingIdentity, digest, nil
	}

	return compressed, EncodingZstd, digest, nil
}

// Decode decompresses the payload if needed and verifies its digest.
func (c *PayloadCodec) Decode(payload []byte, encoding, expectedDigest string, expectedSize uint64) ([]byte, error) {
	if encoding == EncodingIdentity {
		if expectedDigest != "" && computeDigest(payload) != expectedDigest {
			return nil, ErrCorrupted
		}
		return payload, nil
	}

	if encoding != EncodingZstd {
		return nil, fmt.Errorf("unsupported encoding: %q", encoding)
	}

	if expectedSize > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()

	if dec == nil {
		return nil, errors.New("decoder not initialized")
	}

	decompressed, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}

	if uint64(len(decompressed)) > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}

	if expectedDigest != "" && computeDigest(decompressed) != expectedDigest {
		return nil, ErrCorrupted
	}

	return decompressed, nil
}

// computeDigest computes a BLAKE3 digest in canonical format.
func computeDigest(data []byte) string {
	return "blake3:" + actionlog.HashBytes(data).String()
}
