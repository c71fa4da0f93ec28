package crypto

import (
	crand "crypto/rand"
	"errors"
	"fmt"
	"math/big"

	tedwards "github.com/consensys/gnark-crypto/ecc/bn254/twistededwards"
	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"golang.org/x/crypto/blake2s"
)

// kdfPersonalization keys the BLAKE2s expansion of shared secrets.
var kdfPersonalization = []byte("VeloZK_StealthKDF")

func GenerateKey() (*eddsa.PrivateKey, error) {
	return eddsa.GenerateKey(crand.Reader)
}

func ParsePublicKey(bz []byte) (*eddsa.PublicKey, error) {
	pub := new(eddsa.PublicKey)
	if _, err := pub.SetBytes(bz); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return pub, nil
}

// scalar returns the secret scalar of priv. The serialized key is
// public key (32) || scalar (32) || randomness source (32).
func scalar(priv *eddsa.PrivateKey) *big.Int {
	bz := priv.Bytes()
	return new(big.Int).SetBytes(bz[32:64])
}

// ECDH computes BLAKE2s(X(priv * other)).
func ECDH(priv *eddsa.PrivateKey, other *eddsa.PublicKey) ([]byte, error) {
	if !other.A.IsOnCurve() {
		return nil, errors.New("other public key is not on curve")
	}

	var shared tedwards.PointAffine
	shared.ScalarMultiplication(&other.A, scalar(priv))
	if !shared.IsOnCurve() {
		return nil, errors.New("computed shared secret is not on curve")
	}

	h, err := blake2s.New256(nil)
	if err != nil {
		return nil, err
	}
	x := shared.X.Bytes()
	h.Write(x[:])
	return h.Sum(nil), nil
}

// KDF expands a 32-byte shared secret into outputLen bytes:
// BLAKE2s_k(secret || 1) || BLAKE2s_k(secret || 2) || ...
func KDF(sharedSecret []byte, outputLen int) ([]byte, error) {
	if len(sharedSecret) != 32 {
		return nil, errors.New("shared secret must be 32 bytes")
	}

	var stream []byte
	var counter byte = 1
	for len(stream) < outputLen {
		h, err := blake2s.New256(kdfPersonalization)
		if err != nil {
			return nil, fmt.Errorf("failed to create blake2s hash: %w", err)
		}
		h.Write(sharedSecret)
		h.Write([]byte{counter})
		stream = append(stream, h.Sum(nil)...)

		counter++
		if counter == 0 {
			return nil, errors.New("KDF counter overflow")
		}
	}
	return stream[:outputLen], nil
}
