package types

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/frontend/cs/scs"
	"github.com/consensys/gnark/std/hash"
	std_mimc "github.com/consensys/gnark/std/hash/mimc"
)

// DefaultTreeDepth supports 2^20 = 1,048,576 deposits per pool.
const DefaultTreeDepth = 20

// Backend selects the proof system.
type Backend string

const (
	PLONK   Backend = "plonk"
	GROTH16 Backend = "groth16"
)

func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case PLONK, GROTH16:
		return Backend(s), nil
	}
	return "", fmt.Errorf("unknown proof backend %q", s)
}

// WithdrawCircuit proves knowledge of the opening of a commitment included
// under Root, and binds the withdrawal parameters to the proof.
type WithdrawCircuit struct {
	Root          frontend.Variable `gnark:",public"`
	NullifierHash frontend.Variable `gnark:",public"`
	// addresses are 32 bytes, wider than the field, so each is split into
	// big-endian 128-bit halves
	RecipientHi   frontend.Variable `gnark:",public"`
	RecipientLo   frontend.Variable `gnark:",public"`
	RelayerHi     frontend.Variable `gnark:",public"`
	RelayerLo     frontend.Variable `gnark:",public"`
	Fee           frontend.Variable `gnark:",public"`
	Refund        frontend.Variable `gnark:",public"`

	Nullifier    frontend.Variable
	Secret       frontend.Variable
	PathElements []frontend.Variable
	PathIndices  []frontend.Variable

	// BindingDigest = H(Nullifier, RecipientHi, RecipientLo, RelayerHi, RelayerLo, Fee, Refund)
	BindingDigest frontend.Variable
}

func NewWithdrawCircuit(depth int) *WithdrawCircuit {
	return &WithdrawCircuit{
		PathElements: make([]frontend.Variable, depth),
		PathIndices:  make([]frontend.Variable, depth),
	}
}

func (cc *WithdrawCircuit) Define(api frontend.API) error {
	if len(cc.PathElements) != len(cc.PathIndices) {
		return fmt.Errorf("path elements(%d) and indices(%d) differ", len(cc.PathElements), len(cc.PathIndices))
	}

	hasher, err := std_mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	commitment := cc.verifyNote(api, &hasher)
	cc.verifyMembership(api, &hasher, commitment)
	cc.verifyBinding(api, &hasher)
	return nil
}

func (cc *WithdrawCircuit) verifyNote(api frontend.API, hasher hash.FieldHasher) frontend.Variable {
	hasher.Reset()
	hasher.Write(cc.Nullifier, cc.Secret)
	commitment := hasher.Sum()

	hasher.Reset()
	hasher.Write(cc.Nullifier)
	api.AssertIsEqual(cc.NullifierHash, hasher.Sum())

	return commitment
}

// verifyMembership replays the path: index bit 0 means the running value is the left child.
func (cc *WithdrawCircuit) verifyMembership(api frontend.API, hasher hash.FieldHasher, leaf frontend.Variable) {
	cur := leaf
	for i := range cc.PathElements {
		api.AssertIsBoolean(cc.PathIndices[i])
		left := api.Select(cc.PathIndices[i], cc.PathElements[i], cur)
		right := api.Select(cc.PathIndices[i], cur, cc.PathElements[i])

		hasher.Reset()
		hasher.Write(left, right)
		cur = hasher.Sum()
	}
	api.AssertIsEqual(cur, cc.Root)
}

func (cc *WithdrawCircuit) verifyBinding(api frontend.API, hasher hash.FieldHasher) {
	for _, limb := range []frontend.Variable{cc.RecipientHi, cc.RecipientLo, cc.RelayerHi, cc.RelayerLo} {
		_ = api.ToBinary(limb, 128)
	}
	_ = api.ToBinary(cc.Fee, 64)
	_ = api.ToBinary(cc.Refund, 64)

	hasher.Reset()
	hasher.Write(cc.Nullifier, cc.RecipientHi, cc.RecipientLo, cc.RelayerHi, cc.RelayerLo, cc.Fee, cc.Refund)
	api.AssertIsEqual(hasher.Sum(), cc.BindingDigest)
}

// CompileCircuit compiles the withdraw circuit for the given backend and tree depth.
func CompileCircuit(backend Backend, depth int) (constraint.ConstraintSystem, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("invalid tree depth %d", depth)
	}
	cc := NewWithdrawCircuit(depth)
	switch backend {
	case GROTH16:
		return frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, cc)
	case PLONK:
		return frontend.Compile(ecc.BN254.ScalarField(), scs.NewBuilder, cc)
	}
	return nil, fmt.Errorf("unknown proof backend %q", backend)
}
