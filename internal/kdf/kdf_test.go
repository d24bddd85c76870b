package kdf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealFromHeaderRoundTrip(t *testing.T) {
	c, err := Seal(StrengthInteractive, StrengthInteractive)
	require.NoError(t, err)

	header := c.ToHeader()
	got, err := FromHeader(header[:])
	require.NoError(t, err)
	require.True(t, c.Equal(got))
}

func TestFromHeaderRejectsMutatedFields(t *testing.T) {
	c, err := Seal(StrengthModerate, StrengthModerate)
	require.NoError(t, err)
	base := c.ToHeader()

	mutate := func(idx int, delta byte) [HeaderSize]byte {
		h := base
		h[idx] += delta
		return h
	}

	cases := map[string][HeaderSize]byte{
		"version":   mutate(0, 1),
		"kdf_type":  mutate(1, 1),
		"memlimit":  mutate(2, 1),
		"opslimit":  mutate(3, 1),
		"salt":      mutate(4, 1),
		"unique_id": mutate(20, 1),
		"checksum":  mutate(HeaderSize-1, 1),
	}
	for name, h := range cases {
		h := h
		t.Run(name, func(t *testing.T) {
			_, err := FromHeader(h[:])
			require.Error(t, err, "mutated %s should invalidate the header", name)
		})
	}
}

func TestFromHeaderRejectsAllZeroSalt(t *testing.T) {
	c, err := Seal(StrengthInteractive, StrengthInteractive)
	require.NoError(t, err)
	c.Salt = [16]byte{}
	c.Checksum = c.computeChecksum()
	h := c.ToHeader()

	_, err = FromHeader(h[:])
	require.ErrorIs(t, err, ErrZeroSalt)
}

func TestSubKeyDerivationDeterministicAndIndependent(t *testing.T) {
	master := []byte("0123456789abcdef0123456789abcdef")[:32]

	k1, err := DeriveSubKey(master, "file-name", 42)
	require.NoError(t, err)
	k1again, err := DeriveSubKey(master, "file-name", 42)
	require.NoError(t, err)
	require.Equal(t, k1, k1again, "sub-key derivation must be deterministic")

	k2, err := DeriveSubKey(master, "file-name", 43)
	require.NoError(t, err)
	require.NotEqual(t, k1, k2, "different unique_id must yield an independent key")

	k3, err := DeriveSubKey(master, "file-contents", 42)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3, "different context must yield an independent key")
}

func TestSubKeyConfigPreservesParentSalt(t *testing.T) {
	parent, err := Seal(StrengthInteractive, StrengthInteractive)
	require.NoError(t, err)

	sub := NewSubKeyConfig(parent, 7)
	require.Equal(t, parent.Salt, sub.Salt)
	require.Equal(t, uint64(7), sub.UniqueID)
	require.NotEqual(t, parent.Checksum, sub.Checksum)
}
