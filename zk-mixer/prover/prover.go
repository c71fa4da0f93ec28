package prover

import (
	"bytes"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/constraint/solver"
	"github.com/consensys/gnark/frontend"
	"github.com/kysee/velo-zk/utils"
	"github.com/kysee/velo-zk/zk-mixer/merkle"
	"github.com/kysee/velo-zk/zk-mixer/setup"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/rs/zerolog"
)

// WithdrawInput is the full private and public input of one withdrawal proof.
type WithdrawInput struct {
	Note      *types.Note
	Path      *types.MerklePath
	Recipient types.PublicKey
	Relayer   types.PublicKey
	Fee       uint64
	Refund    uint64
}

// Signals returns the public signals the proof will be bound to.
func (in *WithdrawInput) Signals() types.PublicSignals {
	return types.PublicSignals{
		Root:          in.Path.Root,
		NullifierHash: in.Note.NullifierHash(),
		Recipient:     in.Recipient,
		Relayer:       in.Relayer,
		Fee:           in.Fee,
		Refund:        in.Refund,
	}
}

// Prover generates withdrawal proofs with one set of artifacts.
type Prover struct {
	artifacts *setup.Artifacts
	logger    zerolog.Logger
}

func New(artifacts *setup.Artifacts, logger zerolog.Logger) *Prover {
	return &Prover{artifacts: artifacts, logger: logger}
}

// ProveWithdraw proves with a silent solver logger.
func ProveWithdraw(artifacts *setup.Artifacts, in *WithdrawInput) (*types.WithdrawProof, error) {
	return New(artifacts, zerolog.Nop()).ProveWithdraw(in)
}

// ProveWithdraw builds the witness and proves it. A witness that does not
// satisfy the circuit yields types.ErrConstraintViolation.
func (p *Prover) ProveWithdraw(in *WithdrawInput) (*types.WithdrawProof, error) {
	if err := p.check(in); err != nil {
		return nil, err
	}

	signals := in.Signals()
	assignment := p.assign(in, &signals)
	wtn, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, err
	}

	opt := backend.WithSolverOptions(solver.WithLogger(p.logger))
	buf := bytes.NewBuffer(nil)
	switch p.artifacts.Backend {
	case types.PLONK:
		proof, err := plonk.Prove(p.artifacts.CCS, p.artifacts.PlonkPK, wtn, opt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrConstraintViolation, err)
		}
		if _, err := proof.WriteTo(buf); err != nil {
			return nil, err
		}
	case types.GROTH16:
		proof, err := groth16.Prove(p.artifacts.CCS, p.artifacts.Groth16PK, wtn, opt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrConstraintViolation, err)
		}
		if _, err := proof.WriteTo(buf); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown proof backend %q", p.artifacts.Backend)
	}

	p.logger.Debug().
		Str("nullifierHash", signals.NullifierHash.String()).
		Str("backend", string(p.artifacts.Backend)).
		Msg("withdraw proof generated")

	return &types.WithdrawProof{
		Backend: p.artifacts.Backend,
		Proof:   buf.Bytes(),
		Signals: signals,
	}, nil
}

// check rejects inputs the circuit would reject, before spending time in the solver.
func (p *Prover) check(in *WithdrawInput) error {
	if in.Note == nil || in.Path == nil {
		return fmt.Errorf("%w: note and path are required", types.ErrConstraintViolation)
	}
	if err := in.Note.Validate(); err != nil {
		return err
	}
	if len(in.Path.Elements) != p.artifacts.Depth {
		return fmt.Errorf("%w: path length %d, circuit depth %d",
			types.ErrConstraintViolation, len(in.Path.Elements), p.artifacts.Depth)
	}

	root, err := merkle.ComputeRoot(in.Note.CommitmentElement(), pathElements(in.Path), in.Path.Indices)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrConstraintViolation, err)
	}
	want := utils.ToElement(in.Path.Root[:])
	if !root.Equal(&want) {
		return fmt.Errorf("%w: note commitment is not included under root", types.ErrConstraintViolation)
	}
	return nil
}

func pathElements(path *types.MerklePath) []fr.Element {
	elements := make([]fr.Element, len(path.Elements))
	for i := range path.Elements {
		elements[i] = utils.ToElement(path.Elements[i][:])
	}
	return elements
}

func (p *Prover) assign(in *WithdrawInput, signals *types.PublicSignals) *types.WithdrawCircuit {
	assignment := types.NewWithdrawCircuit(p.artifacts.Depth)
	signals.Assign(assignment)

	nullifier := in.Note.NullifierElement()
	assignment.Nullifier = types.Var(nullifier)
	assignment.Secret = types.Var(in.Note.SecretElement())
	for i, e := range pathElements(in.Path) {
		assignment.PathElements[i] = types.Var(e)
		assignment.PathIndices[i] = int(in.Path.Indices[i])
	}
	assignment.BindingDigest = types.Var(signals.BindingDigest(nullifier))
	return assignment
}
