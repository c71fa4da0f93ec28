package utils

import (
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/require"
)

func TestMiMCHashMatchesElements(t *testing.T) {
	a := ToElement(RandBytes(32))
	b := ToElement(RandBytes(32))

	ab, bb := a.Bytes(), b.Bytes()
	h0 := MiMCHash(ab[:], bb[:])
	h1 := HashElements(a, b)
	hb := h1.Bytes()
	require.Equal(t, h0, hb[:])

	// order matters
	h2 := HashElements(b, a)
	require.False(t, h1.Equal(&h2))
}

func TestMiMCHashReducesInput(t *testing.T) {
	// all 0xff is above the modulus; it must hash like its reduced value
	big := make([]byte, 32)
	for i := range big {
		big[i] = 0xff
	}
	var reduced fr.Element
	reduced.SetBytes(big)
	rb := reduced.Bytes()

	require.Equal(t, MiMCHash(big), MiMCHash(rb[:]))
}

func TestCanonicalElement(t *testing.T) {
	x := ToElement(RandBytes(16))
	xb := x.Bytes()
	got, err := CanonicalElement(xb[:])
	require.NoError(t, err)
	require.True(t, got.Equal(&x))

	// x + r reduces to x but is not its encoding
	var aliased [32]byte
	new(big.Int).Add(x.BigInt(new(big.Int)), fr.Modulus()).FillBytes(aliased[:])
	require.Equal(t, x, ToElement(aliased[:]))
	_, err = CanonicalElement(aliased[:])
	require.Error(t, err)

	_, err = CanonicalElement(xb[:31])
	require.Error(t, err)
}

func TestLimbs(t *testing.T) {
	var a [32]byte
	copy(a[:], RandBytes(16))
	a[0] &= 0x0f

	var b [32]byte
	new(big.Int).Add(new(big.Int).SetBytes(a[:]), fr.Modulus()).FillBytes(b[:])
	ea, eb := ToElement(a[:]), ToElement(b[:])
	require.True(t, ea.Equal(&eb))

	ahi, alo := Limbs(a)
	bhi, blo := Limbs(b)
	require.False(t, ahi.Equal(&bhi) && alo.Equal(&blo))

	var lo fr.Element
	lo.SetBytes(a[16:])
	require.True(t, alo.Equal(&lo))
}

func TestInFlight(t *testing.T) {
	f := NewInFlight()
	var key [32]byte
	key[0] = 1

	release, ok := f.TryAcquire(key)
	require.True(t, ok)

	_, ok = f.TryAcquire(key)
	require.False(t, ok)
	require.Equal(t, 1, f.Len())

	release()
	release()
	require.Equal(t, 0, f.Len())

	_, ok = f.TryAcquire(key)
	require.True(t, ok)
}
