package verifier

import (
	"bytes"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/frontend"
	"github.com/kysee/velo-zk/zk-mixer/setup"
	"github.com/kysee/velo-zk/zk-mixer/types"
)

// Verifier checks withdrawal proofs against one verification key.
type Verifier struct {
	vk *setup.VerifyingKey
}

func New(vk *setup.VerifyingKey) *Verifier {
	return &Verifier{vk: vk}
}

// Load reads the verification key JSON from path.
func Load(path string) (*Verifier, error) {
	vk, err := setup.LoadVerifyingKey(path)
	if err != nil {
		return nil, err
	}
	return New(vk), nil
}

func (v *Verifier) Backend() types.Backend { return v.vk.Backend }
func (v *Verifier) Depth() int             { return v.vk.Depth }

// PublicWitness builds the public-only witness for signals.
func (v *Verifier) PublicWitness(signals *types.PublicSignals) (witness.Witness, error) {
	assignment := types.NewWithdrawCircuit(v.vk.Depth)
	signals.Assign(assignment)
	return frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
}

// Verify returns types.ErrInvalidProof unless wp.Proof was produced for exactly wp.Signals.
func (v *Verifier) Verify(wp *types.WithdrawProof) error {
	if wp == nil {
		return fmt.Errorf("%w: empty proof", types.ErrInvalidProof)
	}
	if wp.Backend != v.vk.Backend {
		return fmt.Errorf("%w: %s proof for a %s verifier", types.ErrInvalidProof, wp.Backend, v.vk.Backend)
	}
	if err := wp.Signals.Validate(); err != nil {
		return err
	}

	pubWtn, err := v.PublicWitness(&wp.Signals)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidProof, err)
	}

	switch v.vk.Backend {
	case types.PLONK:
		proof := plonk.NewProof(ecc.BN254)
		if _, err := proof.ReadFrom(bytes.NewBuffer(wp.Proof)); err != nil {
			return fmt.Errorf("%w: %v", types.ErrInvalidProof, err)
		}
		if err := plonk.Verify(proof, v.vk.Plonk, pubWtn); err != nil {
			return fmt.Errorf("%w: %v", types.ErrInvalidProof, err)
		}
	case types.GROTH16:
		proof := groth16.NewProof(ecc.BN254)
		if _, err := proof.ReadFrom(bytes.NewBuffer(wp.Proof)); err != nil {
			return fmt.Errorf("%w: %v", types.ErrInvalidProof, err)
		}
		if err := groth16.Verify(proof, v.vk.Groth16, pubWtn); err != nil {
			return fmt.Errorf("%w: %v", types.ErrInvalidProof, err)
		}
	default:
		return fmt.Errorf("unknown proof backend %q", v.vk.Backend)
	}
	return nil
}
