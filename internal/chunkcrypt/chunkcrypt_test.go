package chunkcrypt

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptChunkRoundTrip(t *testing.T) {
	key := randKey(t)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	frame, err := EncryptChunk(key, plaintext)
	require.NoError(t, err)
	require.Len(t, frame, FrameOverhead+len(plaintext))

	got, err := DecryptChunk(key, frame)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptChunkDetectsTampering(t *testing.T) {
	key := randKey(t)
	frame, err := EncryptChunk(key, []byte("payload"))
	require.NoError(t, err)

	for i := range frame {
		tampered := append([]byte(nil), frame...)
		tampered[i] ^= 0xFF
		_, err := DecryptChunk(key, tampered)
		require.Errorf(t, err, "flipping byte %d should have failed decryption", i)
	}
}

func TestDecryptChunkDetectsTruncation(t *testing.T) {
	key := randKey(t)
	frame, err := EncryptChunk(key, []byte("payload-of-some-length"))
	require.NoError(t, err)

	truncated := frame[:len(frame)-1]
	_, err = DecryptChunk(key, truncated)
	require.Error(t, err)
}

func TestReadEncryptedRangeAcrossChunksPastEOF(t *testing.T) {
	key := randKey(t)
	const D = int64(128 * 1024)
	plainSize := 2*D + D/2

	plaintext := make([]byte, plainSize)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)

	numChunks := NumChunks(plainSize, D)
	frames := make([][]byte, numChunks)
	for i := int64(0); i < numChunks; i++ {
		start := i * D
		end := start + D
		if end > plainSize {
			end = plainSize
		}
		frame, err := EncryptChunk(key, plaintext[start:end])
		require.NoError(t, err)
		frames[i] = frame
	}

	callCount := 0
	reader := func(cipherOut []byte, start, end int64) ([]byte, error) {
		callCount++
		// Locate which frame this byte range falls in; frames are laid
		// end-to-end starting at H=0 (no kdf header in this test).
		off := int64(0)
		for _, f := range frames {
			if start >= off && end < off+int64(len(f)) {
				return f[start-off : end-off+1], nil
			}
			off += int64(len(f))
		}
		t.Fatalf("range [%d,%d] not found in any frame", start, end)
		return nil, nil
	}

	rng := Range{Begin: plainSize - 10, End: plainSize + 1000}
	out, err := ReadEncryptedRange(rng, key, false, D, reader, plainSize, nil)
	require.NoError(t, err)
	require.Len(t, out, 10)
	require.Equal(t, plaintext[plainSize-10:], out)
	require.Equal(t, 1, callCount, "reader should only be invoked for the final chunk")
}

func TestReadEncryptedRangeEmptyWhenEndBeforeBegin(t *testing.T) {
	key := randKey(t)
	out, err := ReadEncryptedRange(Range{Begin: 100, End: 50}, key, false, 1024, nil, 1000, nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestEncryptChunkProducesFreshNonceEachCall(t *testing.T) {
	key := randKey(t)
	a, err := EncryptChunk(key, []byte("same plaintext"))
	require.NoError(t, err)
	b, err := EncryptChunk(key, []byte("same plaintext"))
	require.NoError(t, err)
	require.False(t, bytes.Equal(a[:NonceSize], b[:NonceSize]), "nonces should differ across calls")
}
