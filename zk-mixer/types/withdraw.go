package types

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/frontend"
	"github.com/kysee/velo-zk/utils"
)

// PublicSignals is the public input vector a withdrawal proof is bound to.
type PublicSignals struct {
	Root          [32]byte      `json:"root"`
	NullifierHash NullifierHash `json:"nullifierHash"`
	Recipient     PublicKey     `json:"recipient"`
	Relayer       PublicKey     `json:"relayer"`
	Fee           uint64        `json:"fee"`
	Refund        uint64        `json:"refund"`
}

func (ps *PublicSignals) RootElement() fr.Element {
	return utils.ToElement(ps.Root[:])
}

// Validate rejects a root or nullifier hash that is not the canonical
// encoding of a field element. A value v >= r would verify as v mod r.
func (ps *PublicSignals) Validate() error {
	if _, err := utils.CanonicalElement(ps.Root[:]); err != nil {
		return fmt.Errorf("%w: root %s is not a canonical field element", ErrInvalidProof, ps.rootHex())
	}
	return ps.NullifierHash.CheckCanonical()
}

func (ps *PublicSignals) rootHex() string {
	return "0x" + hex.EncodeToString(ps.Root[:])
}

// Assign sets the public part of a circuit assignment.
func (ps *PublicSignals) Assign(cc *WithdrawCircuit) {
	cc.Root = Var(ps.RootElement())
	cc.NullifierHash = Var(ps.NullifierHash.Element())
	rhi, rlo := ps.Recipient.Limbs()
	cc.RecipientHi, cc.RecipientLo = Var(rhi), Var(rlo)
	lhi, llo := ps.Relayer.Limbs()
	cc.RelayerHi, cc.RelayerLo = Var(lhi), Var(llo)
	cc.Fee = ps.Fee
	cc.Refund = ps.Refund
}

// Var converts a field element into a witness value.
func Var(e fr.Element) frontend.Variable {
	return e.BigInt(new(big.Int))
}

// BindingDigest computes H(nullifier, recipient, relayer, fee, refund) for the
// private witness, with both addresses as hi/lo limbs.
func (ps *PublicSignals) BindingDigest(nullifier fr.Element) fr.Element {
	rhi, rlo := ps.Recipient.Limbs()
	lhi, llo := ps.Relayer.Limbs()
	return utils.HashElements(
		nullifier,
		rhi, rlo,
		lhi, llo,
		utils.Uint64Element(ps.Fee),
		utils.Uint64Element(ps.Refund),
	)
}

func (ps PublicSignals) MarshalJSON() ([]byte, error) {
	type alias PublicSignals
	return json.Marshal(&struct {
		Root string `json:"root"`
		*alias
	}{
		Root:  ps.rootHex(),
		alias: (*alias)(&ps),
	})
}

func (ps *PublicSignals) UnmarshalJSON(data []byte) error {
	type alias PublicSignals
	aux := &struct {
		Root string `json:"root"`
		*alias
	}{alias: (*alias)(ps)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	root, err := DecodeHex32(aux.Root)
	if err != nil {
		return fmt.Errorf("root: %w", err)
	}
	ps.Root = root
	return ps.Validate()
}

// WithdrawProof is a proof together with the public signals it was generated for.
// A proof alone is meaningless.
type WithdrawProof struct {
	Backend Backend       `json:"backend"`
	Proof   []byte        `json:"-"`
	Signals PublicSignals `json:"publicSignals"`
}

func (wp WithdrawProof) MarshalJSON() ([]byte, error) {
	type alias WithdrawProof
	return json.Marshal(&struct {
		Proof string `json:"proof"`
		*alias
	}{
		Proof: base64.StdEncoding.EncodeToString(wp.Proof),
		alias: (*alias)(&wp),
	})
}

func (wp *WithdrawProof) UnmarshalJSON(data []byte) error {
	type alias WithdrawProof
	aux := &struct {
		Proof string `json:"proof"`
		*alias
	}{alias: (*alias)(wp)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	bz, err := base64.StdEncoding.DecodeString(aux.Proof)
	if err != nil {
		return fmt.Errorf("proof: %w", err)
	}
	wp.Proof = bz
	return nil
}
