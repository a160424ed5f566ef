package logdb

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *PayloadCodec {
	t.Helper()
	codec, err := NewPayloadCodec()
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	return codec
}

func TestPayloadCodec_Encode(t *testing.T) {
	codec := newTestCodec(t)

	t.Run("small payload stays identity", func(t *testing.T) {
		data := []byte("small payload")

		payload, encoding, digest, err := codec.Encode(data)
		require.NoError(t, err)
		assert.Equal(t, EncodingIdentity, encoding)
		assert.Equal(t, data, payload)
		assert.True(t, strings.HasPrefix(digest, "blake3:"))
	})

	t.Run("large compressible payload uses zstd", func(t *testing.T) {
		data := bytes.Repeat([]byte("compress me "), 1024)

		payload, encoding, _, err := codec.Encode(data)
		require.NoError(t, err)
		assert.Equal(t, EncodingZstd, encoding)
		assert.Less(t, len(payload), len(data))
	})

	t.Run("oversized payload rejected", func(t *testing.T) {
		data := make([]byte, MaxPayloadSize+1)

		_, _, _, err := codec.Encode(data)
		require.ErrorIs(t, err, ErrPayloadTooLarge)
	})
}

func TestPayloadCodec_Decode(t *testing.T) {
	codec := newTestCodec(t)

	t.Run("zstd round-trip", func(t *testing.T) {
		data := bytes.Repeat([]byte("round trip "), 1024)

		payload, encoding, digest, err := codec.Encode(data)
		require.NoError(t, err)
		require.Equal(t, EncodingZstd, encoding)

		got, err := codec.Decode(payload, encoding, digest, uint64(len(data)))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("identity round-trip", func(t *testing.T) {
		data := []byte("plain")

		payload, encoding, digest, err := codec.Encode(data)
		require.NoError(t, err)

		got, err := codec.Decode(payload, encoding, digest, uint64(len(data)))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("corrupted payload detected", func(t *testing.T) {
		data := []byte("verify this payload against its digest")

		payload, encoding, digest, err := codec.Encode(data)
		require.NoError(t, err)

		tampered := append([]byte{}, payload...)
		tampered[0] ^= 0xff

		_, err = codec.Decode(tampered, encoding, digest, uint64(len(data)))
		require.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("unsupported encoding rejected", func(t *testing.T) {
		_, err := codec.Decode([]byte("x"), "gzip", "", 1)
		require.Error(t, err)
	})

	t.Run("claimed size above limit rejected", func(t *testing.T) {
		_, err := codec.Decode([]byte("x"), EncodingZstd, "", MaxDecompressedSize+1)
		require.ErrorIs(t, err, ErrDecompressionBomb)
	})

	t.Run("empty digest skips verification", func(t *testing.T) {
		data := []byte("no digest recorded")

		got, err := codec.Decode(data, EncodingIdentity, "", uint64(len(data)))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})
}
