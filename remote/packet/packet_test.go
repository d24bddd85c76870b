package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPrimitiveRoundTrip implements spec.md §8 scenario S5.
func TestPrimitiveRoundTrip(t *testing.T) {
	p := New()
	p.EncodeI8(-12)
	p.EncodeU8(250)
	p.EncodeI16(-12345)
	p.EncodeU16(54321)
	p.EncodeI32(-123456789)
	p.EncodeU32(3141592653)
	p.EncodeI64(-1234567890123456789)
	p.EncodeU64(12345678901234567890)
	p.EncodeString("hello world")
	p.EncodeString("wide \U0001F31F")

	dp := FromBytes(p.Bytes())

	i8, err := dp.DecodeI8()
	require.NoError(t, err)
	require.EqualValues(t, -12, i8)

	u8, err := dp.DecodeU8()
	require.NoError(t, err)
	require.EqualValues(t, 250, u8)

	i16, err := dp.DecodeI16()
	require.NoError(t, err)
	require.EqualValues(t, -12345, i16)

	u16, err := dp.DecodeU16()
	require.NoError(t, err)
	require.EqualValues(t, 54321, u16)

	i32, err := dp.DecodeI32()
	require.NoError(t, err)
	require.EqualValues(t, -123456789, i32)

	u32, err := dp.DecodeU32()
	require.NoError(t, err)
	require.EqualValues(t, 3141592653, u32)

	i64, err := dp.DecodeI64()
	require.NoError(t, err)
	require.EqualValues(t, -1234567890123456789, i64)

	u64, err := dp.DecodeU64()
	require.NoError(t, err)
	require.EqualValues(t, uint64(12345678901234567890), u64)

	s1, err := dp.DecodeString()
	require.NoError(t, err)
	require.Equal(t, "hello world", s1)

	s2, err := dp.DecodeString()
	require.NoError(t, err)
	require.Equal(t, "wide \U0001F31F", s2)
}

func TestDecodeShortReadLeavesCursorUnmoved(t *testing.T) {
	p := New()
	p.EncodeU16(42)
	dp := FromBytes(p.Bytes())

	_, err := dp.DecodeU32()
	require.ErrorIs(t, err, ErrShortRead)

	v, err := dp.DecodeU16()
	require.NoError(t, err)
	require.EqualValues(t, 42, v)
}

func TestEncodeTopPrependsPayload(t *testing.T) {
	p := New()
	p.EncodeString("payload")
	p.EncodeTopI32(-2)

	errCode, err := p.DecodeI32()
	require.NoError(t, err)
	require.EqualValues(t, -2, errCode)

	s, err := p.DecodeString()
	require.NoError(t, err)
	require.Equal(t, "payload", s)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p := New()
	p.EncodeString("secret payload")

	original := p.Bytes()
	err := p.Encrypt("cow_moose_doge_chicken", false)
	require.NoError(t, err)
	require.NotEqual(t, original, p.Bytes())

	err = p.Decrypt("cow_moose_doge_chicken")
	require.NoError(t, err)

	s, err := p.DecodeString()
	require.NoError(t, err)
	require.Equal(t, "secret payload", s)
}

func TestDecryptWrongTokenFails(t *testing.T) {
	p := New()
	p.EncodeString("secret payload")
	require.NoError(t, p.Encrypt("cow_moose_doge_chicken", false))

	err := p.Decrypt("wrong")
	require.ErrorIs(t, err, ErrDecryption)
	require.Zero(t, p.Len())
}

func TestEncryptIsIdempotentAcrossCopiesWithFreshNonce(t *testing.T) {
	p := New()
	p.EncodeString("x")
	require.NoError(t, p.Encrypt("token", false))

	clone := p.Clone()
	require.NoError(t, clone.Decrypt("token"))
	clone.Reset()
	clone.EncodeString("x")
	require.NoError(t, clone.Encrypt("token", false))

	require.NotEqual(t, p.Bytes(), clone.Bytes(), "re-encryption must use a fresh nonce")
}
