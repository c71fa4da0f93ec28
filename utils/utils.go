package utils

import (
	"hash"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// ElementSize is the byte length of a canonical BN254 scalar field element.
const ElementSize = fr.Bytes

func MiMCHasher() hash.Hash {
	return mimc.NewMiMC()
}

// MiMCHash hashes the inputs as a sequence of 32-byte blocks.
// Each block is reduced into the field first, so arbitrary bytes are accepted.
func MiMCHash(ins ...[]byte) []byte {
	hasher := MiMCHasher()

	blockSize := hasher.BlockSize()

	hasher.Reset()
	for _, in := range ins {
		for i := 0; i < len(in); i += blockSize {
			end := i + blockSize
			if end > len(in) {
				end = len(in)
			}

			// this value may be greater than the modulus; convert to fr.Element
			var elem fr.Element
			elem.SetBytes(in[i:end])
			chunk := elem.Marshal()
			if _, err := hasher.Write(chunk); err != nil {
				panic(err)
			}
		}
	}
	return hasher.Sum(nil)
}

// HashElements is H(e0, e1, ...). The in-circuit MiMC gadget computes the same value
// when written with the same elements in the same order.
func HashElements(elems ...fr.Element) fr.Element {
	hasher := MiMCHasher()
	for i := range elems {
		b := elems[i].Bytes()
		if _, err := hasher.Write(b[:]); err != nil {
			panic(err)
		}
	}
	var out fr.Element
	out.SetBytes(hasher.Sum(nil))
	return out
}

// Hash2 is the Merkle node hash H(left, right).
func Hash2(left, right fr.Element) fr.Element {
	return HashElements(left, right)
}

// ToElement reduces arbitrary big-endian bytes into the scalar field.
func ToElement(b []byte) fr.Element {
	var e fr.Element
	e.SetBytes(b)
	return e
}

// CanonicalElement decodes 32 big-endian bytes, rejecting values >= r.
func CanonicalElement(b []byte) (fr.Element, error) {
	var e fr.Element
	err := e.SetBytesCanonical(b)
	return e, err
}

// Limbs splits 32 bytes into two 128-bit field elements, high half first.
// Unlike ToElement the mapping is injective.
func Limbs(b [32]byte) (hi, lo fr.Element) {
	hi.SetBytes(b[:16])
	lo.SetBytes(b[16:])
	return hi, lo
}

func Uint64Element(v uint64) fr.Element {
	var e fr.Element
	e.SetUint64(v)
	return e
}

// ElementBytes returns the canonical big-endian encoding of e.
func ElementBytes(e fr.Element) [ElementSize]byte {
	return e.Bytes()
}
