package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/kysee/velo-zk/utils"
)

const (
	NoteVersion   = 1
	NoteValueSize = 32
)

// NoteCommitment is H(nullifier, secret), the leaf stored in a pool's accumulator.
type NoteCommitment [32]byte

// NullifierHash is H(nullifier), revealed when the note is spent.
type NullifierHash [32]byte

func (c NoteCommitment) Element() fr.Element { return utils.ToElement(c[:]) }
func (c NoteCommitment) String() string      { return "0x" + hex.EncodeToString(c[:]) }

func (c NoteCommitment) MarshalText() ([]byte, error) { return []byte(c.String()), nil }
func (c *NoteCommitment) UnmarshalText(text []byte) error {
	return decodeHex32((*[32]byte)(c), string(text))
}

func (n NullifierHash) Element() fr.Element { return utils.ToElement(n[:]) }
func (n NullifierHash) String() string      { return "0x" + hex.EncodeToString(n[:]) }

// CheckCanonical returns ErrInvalidProof unless n encodes a value below the field modulus.
func (n NullifierHash) CheckCanonical() error {
	if _, err := utils.CanonicalElement(n[:]); err != nil {
		return fmt.Errorf("%w: nullifier hash %s is not a canonical field element", ErrInvalidProof, n)
	}
	return nil
}

func (n NullifierHash) MarshalText() ([]byte, error) { return []byte(n.String()), nil }
func (n *NullifierHash) UnmarshalText(text []byte) error {
	return decodeHex32((*[32]byte)(n), string(text))
}

func ElementToCommitment(e fr.Element) NoteCommitment  { return NoteCommitment(e.Bytes()) }
func ElementToNullifierHash(e fr.Element) NullifierHash { return NullifierHash(e.Bytes()) }

// Note is the spendable secret behind one deposit.
type Note struct {
	Version      byte
	Denomination uint64
	Nullifier    [NoteValueSize]byte
	Secret       [NoteValueSize]byte

	// LeafIndex is only meaningful once Deposited is set.
	Deposited bool
	LeafIndex uint32

	Used bool
}

// GenerateNote draws a fresh nullifier and secret for a deposit of the given size.
func GenerateNote(denomination uint64) (*Note, error) {
	if denomination == 0 {
		return nil, fmt.Errorf("%w: zero denomination", ErrMalformedNote)
	}
	n := &Note{
		Version:      NoteVersion,
		Denomination: denomination,
	}
	copy(n.Nullifier[:], utils.RandBytes(NoteValueSize))
	copy(n.Secret[:], utils.RandBytes(NoteValueSize))
	return n, nil
}

func NewNote(nullifier, secret []byte, denomination uint64) (*Note, error) {
	if len(nullifier) != NoteValueSize || len(secret) != NoteValueSize {
		return nil, fmt.Errorf("%w: nullifier and secret must be %d bytes", ErrMalformedNote, NoteValueSize)
	}
	n := &Note{
		Version:      NoteVersion,
		Denomination: denomination,
	}
	copy(n.Nullifier[:], nullifier)
	copy(n.Secret[:], secret)
	return n, nil
}

func (n *Note) NullifierElement() fr.Element { return utils.ToElement(n.Nullifier[:]) }
func (n *Note) SecretElement() fr.Element    { return utils.ToElement(n.Secret[:]) }

func (n *Note) CommitmentElement() fr.Element {
	return ComputeCommitment(n.NullifierElement(), n.SecretElement())
}

func (n *Note) NullifierHashElement() fr.Element {
	return ComputeNullifierHash(n.NullifierElement())
}

func (n *Note) Commitment() NoteCommitment {
	return ElementToCommitment(n.CommitmentElement())
}

func (n *Note) NullifierHash() NullifierHash {
	return ElementToNullifierHash(n.NullifierHashElement())
}

// SetDeposited records the accumulator position returned by the ledger.
func (n *Note) SetDeposited(leafIndex uint32) {
	n.Deposited = true
	n.LeafIndex = leafIndex
}

// MarkUsed flips the note to used. It reports false if it was already used.
func (n *Note) MarkUsed() bool {
	if n.Used {
		return false
	}
	n.Used = true
	return true
}

func (n *Note) Validate() error {
	if n.Version != NoteVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformedNote, n.Version)
	}
	if n.Denomination == 0 {
		return fmt.Errorf("%w: zero denomination", ErrMalformedNote)
	}
	var zero [NoteValueSize]byte
	if bytes.Equal(n.Nullifier[:], zero[:]) || bytes.Equal(n.Secret[:], zero[:]) {
		return fmt.Errorf("%w: empty nullifier or secret", ErrMalformedNote)
	}
	return nil
}

func ComputeCommitment(nullifier, secret fr.Element) fr.Element {
	return utils.HashElements(nullifier, secret)
}

// ComputeNullifierHash depends on the nullifier only, never on the secret.
func ComputeNullifierHash(nullifier fr.Element) fr.Element {
	return utils.HashElements(nullifier)
}

// CheckCommitment verifies that commitment opens to (nullifier, secret).
func CheckCommitment(commitment NoteCommitment, nullifier, secret []byte) error {
	if len(nullifier) != NoteValueSize || len(secret) != NoteValueSize {
		return fmt.Errorf("%w: nullifier and secret must be %d bytes", ErrMalformedNote, NoteValueSize)
	}
	c := ComputeCommitment(utils.ToElement(nullifier), utils.ToElement(secret))
	if ElementToCommitment(c) != commitment {
		return fmt.Errorf("%w: commitment does not match nullifier and secret", ErrMalformedNote)
	}
	return nil
}

func DecodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	err := decodeHex32(&out, s)
	return out, err
}

func decodeHex32(out *[32]byte, s string) error {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	bz, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedNote, err)
	}
	if len(bz) != 32 {
		return fmt.Errorf("%w: expected 32 bytes, got %d", ErrMalformedNote, len(bz))
	}
	copy(out[:], bz)
	return nil
}
