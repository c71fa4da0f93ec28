package types

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/kysee/velo-zk/utils"
	"github.com/mr-tron/base58"
)

const (
	PublicKeySize  = 32
	maxSeedLength  = 32
	maxSeeds       = 16
	pdaMarker      = "ProgramDerivedAddress"
	DefaultProgram = "DSQt1z5wNcmE5h2XL1K1QAWHy28iJufg52aGy3kn8pEc"
)

var ErrNoViableBump = errors.New("unable to find a viable program address bump seed")

// PublicKey is a ledger account address, printed in base58.
type PublicKey [PublicKeySize]byte

func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("invalid public key length: expected(%d), got(%d)", PublicKeySize, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func ParsePublicKey(s string) (PublicKey, error) {
	bz, err := base58.Decode(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid base58 public key %q: %w", s, err)
	}
	return PublicKeyFromBytes(bz)
}

func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

func (pk PublicKey) Bytes() []byte {
	return pk[:]
}

func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// Limbs maps the address into the proof system's field as two 128-bit halves.
func (pk PublicKey) Limbs() (hi, lo fr.Element) {
	return utils.Limbs(pk)
}

func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	v, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = v
	return nil
}

// Signature is an ed25519 transaction signature, printed in base58.
type Signature [64]byte

func (s Signature) String() string {
	return base58.Encode(s[:])
}

func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Signature) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	bz, err := base58.Decode(str)
	if err != nil {
		return err
	}
	if len(bz) != len(s) {
		return fmt.Errorf("invalid signature length: %d", len(bz))
	}
	copy(s[:], bz)
	return nil
}

// IsOnCurve reports whether b is a valid ed25519 point encoding.
// Program-derived addresses must not be.
func IsOnCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// CreateProgramAddress hashes seeds with the program id. It fails when the
// result lies on the ed25519 curve.
func CreateProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, error) {
	if len(seeds) > maxSeeds {
		return PublicKey{}, fmt.Errorf("too many seeds: %d", len(seeds))
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > maxSeedLength {
			return PublicKey{}, fmt.Errorf("seed too long: %d", len(s))
		}
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))

	var out PublicKey
	copy(out[:], h.Sum(nil))
	if IsOnCurve(out[:]) {
		return PublicKey{}, errors.New("derived address is on curve")
	}
	return out, nil
}

// FindProgramAddress searches bump seeds from 255 down and returns the first
// off-curve address.
func FindProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		withBump := append(append([][]byte{}, seeds...), []byte{byte(bump)})
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
	}
	return PublicKey{}, 0, ErrNoViableBump
}
