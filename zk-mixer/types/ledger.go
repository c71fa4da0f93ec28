package types

import (
	"context"
	"crypto/ed25519"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// MerklePath is an inclusion path together with the root of the snapshot it was read from.
type MerklePath struct {
	LeafIndex uint32
	Elements  [][32]byte
	Indices   []uint8
	Root      [32]byte
	NextIndex uint32
}

// NewMerklePath copies an accumulator path into its ledger form.
func NewMerklePath(leafIndex uint32, elements []fr.Element, indices []uint8, root fr.Element, nextIndex uint32) *MerklePath {
	p := &MerklePath{
		LeafIndex: leafIndex,
		Elements:  make([][32]byte, len(elements)),
		Indices:   append([]uint8(nil), indices...),
		Root:      root.Bytes(),
		NextIndex: nextIndex,
	}
	for i := range elements {
		p.Elements[i] = elements[i].Bytes()
	}
	return p
}

// AccumulatorReader reads a pool's accumulator as observed on the ledger.
type AccumulatorReader interface {
	CurrentRoot(ctx context.Context, denomination uint64) ([32]byte, error)
	LeafIndex(ctx context.Context, denomination uint64, commitment NoteCommitment) (uint32, bool, error)
	PathFor(ctx context.Context, denomination uint64, leafIndex uint32) (*MerklePath, error)
}

// SpendChecker answers whether a nullifier hash has been spent in a pool.
type SpendChecker interface {
	IsSpent(ctx context.Context, denomination uint64, nullifierHash NullifierHash) (bool, error)
}

// WithdrawInstruction is a proof-carrying withdrawal submitted by a relayer.
type WithdrawInstruction struct {
	Denomination uint64
	Proof        *WithdrawProof
}

// WithdrawTestInstruction spends a nullifier without a proof. Test mode only.
type WithdrawTestInstruction struct {
	Denomination  uint64
	NullifierHash NullifierHash
	Recipient     PublicKey
	Fee           uint64
}

// StealthWithdrawInstruction pays a stealth address and records the announcement
// the recipient scans for.
type StealthWithdrawInstruction struct {
	Denomination  uint64
	Proof         *WithdrawProof
	NullifierHash NullifierHash
	Fee           uint64
	Announcement  StealthAnnouncement
}

type StealthAnnouncement struct {
	StealthHash     [32]byte `json:"stealthHash"`
	EphemeralPubKey []byte   `json:"ephemeralPublicKey"`
	EncryptedMemo   []byte   `json:"encryptedMemo"`
	Amount          uint64   `json:"amount"`
	Claimed         bool     `json:"claimed"`
}

// Signer signs ledger transactions. The relayer holds one; depositors never do.
type Signer interface {
	PublicKey() PublicKey
	Sign(message []byte) Signature
}

// LedgerClient submits signed instructions and reads pool accounts.
type LedgerClient interface {
	AccumulatorReader
	SpendChecker

	PoolAccount(ctx context.Context, denomination uint64) ([]byte, error)
	VaultBalance(ctx context.Context, denomination uint64) (uint64, error)
	Balance(ctx context.Context, account PublicKey) (uint64, error)

	Withdraw(ctx context.Context, signer Signer, ix *WithdrawInstruction) (Signature, error)
	WithdrawTest(ctx context.Context, signer Signer, ix *WithdrawTestInstruction) (Signature, error)
	WithdrawToStealth(ctx context.Context, signer Signer, ix *StealthWithdrawInstruction) (Signature, error)
}

// KeyPair is an ed25519 Signer.
type KeyPair struct {
	priv ed25519.PrivateKey
	pub  PublicKey
}

func NewKeyPair(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errInvalidSeed
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var pub PublicKey
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return &KeyPair{priv: priv, pub: pub}, nil
}

func GenerateKeyPair() *KeyPair {
	kp, err := NewKeyPair(randSeed())
	if err != nil {
		panic(err)
	}
	return kp
}

func (kp *KeyPair) PublicKey() PublicKey { return kp.pub }

func (kp *KeyPair) Sign(message []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(kp.priv, message))
	return sig
}

// Seed returns the 32-byte private seed.
func (kp *KeyPair) Seed() []byte {
	return kp.priv.Seed()
}

func VerifySignature(pub PublicKey, message []byte, sig Signature) bool {
	return ed25519.Verify(pub[:], message, sig[:])
}
