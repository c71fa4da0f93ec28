package verifier

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/kysee/velo-zk/utils"
	"github.com/kysee/velo-zk/zk-mixer/merkle"
	"github.com/kysee/velo-zk/zk-mixer/prover"
	"github.com/kysee/velo-zk/zk-mixer/setup"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testDepth = 3

func setupPipeline(t *testing.T, backend types.Backend) (*setup.Artifacts, string) {
	dir := t.TempDir()
	a, err := setup.SetupOrLoad(&setup.Config{
		Dir:         dir,
		Backend:     backend,
		Depth:       testDepth,
		InsecureSRS: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	return a, dir
}

func proveDeposit(t *testing.T, a *setup.Artifacts) *types.WithdrawProof {
	note, err := types.GenerateNote(100_000_000)
	require.NoError(t, err)

	acc, err := merkle.New(testDepth)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = acc.Append(utils.ToElement(utils.RandBytes(32)))
		require.NoError(t, err)
	}
	idx, err := acc.Append(note.CommitmentElement())
	require.NoError(t, err)
	p, err := acc.PathFor(idx)
	require.NoError(t, err)

	// low keys leave room for key+r in 32 bytes
	recipient, relayer := types.GenerateKeyPair().PublicKey(), types.GenerateKeyPair().PublicKey()
	recipient[0], relayer[0] = 0x10, 0x10

	proof, err := prover.ProveWithdraw(a, &prover.WithdrawInput{
		Note:      note,
		Path:      types.NewMerklePath(p.LeafIndex, p.Elements, p.Indices, p.Root, p.NextIndex),
		Recipient: recipient,
		Relayer:   relayer,
		Fee:       500_000,
	})
	require.NoError(t, err)
	return proof
}

// alias returns the encoding of v+r, which reduces to v in the field.
func alias[T ~[32]byte](v T) T {
	var out T
	new(big.Int).Add(new(big.Int).SetBytes(v[:]), fr.Modulus()).FillBytes(out[:])
	return out
}

func TestGroth16Pipeline(t *testing.T) {
	a, dir := setupPipeline(t, types.GROTH16)
	proof := proveDeposit(t, a)

	v, err := Load(filepath.Join(dir, setup.VerifyingKeyFile))
	require.NoError(t, err)
	require.Equal(t, types.GROTH16, v.Backend())
	require.NoError(t, v.Verify(proof))

	// changing any public signal invalidates the proof
	tampers := map[string]func(s *types.PublicSignals){
		"root":          func(s *types.PublicSignals) { s.Root[31] ^= 1 },
		"nullifierHash": func(s *types.PublicSignals) { s.NullifierHash[31] ^= 1 },
		"recipient":     func(s *types.PublicSignals) { s.Recipient = types.GenerateKeyPair().PublicKey() },
		"relayer":       func(s *types.PublicSignals) { s.Relayer = types.GenerateKeyPair().PublicKey() },
		"fee":           func(s *types.PublicSignals) { s.Fee++ },
		"refund":        func(s *types.PublicSignals) { s.Refund = 1 },

		// the same values shifted by the field modulus
		"root+r":          func(s *types.PublicSignals) { s.Root = alias(s.Root) },
		"nullifierHash+r": func(s *types.PublicSignals) { s.NullifierHash = alias(s.NullifierHash) },
		"recipient+r":     func(s *types.PublicSignals) { s.Recipient = alias(s.Recipient) },
		"relayer+r":       func(s *types.PublicSignals) { s.Relayer = alias(s.Relayer) },
	}
	for name, tamper := range tampers {
		t.Run(name, func(t *testing.T) {
			forged := *proof
			tamper(&forged.Signals)
			require.ErrorIs(t, v.Verify(&forged), types.ErrInvalidProof)
		})
	}

	garbage := *proof
	garbage.Proof = utils.RandBytes(len(proof.Proof))
	require.ErrorIs(t, v.Verify(&garbage), types.ErrInvalidProof)

	wrongBackend := *proof
	wrongBackend.Backend = types.PLONK
	require.ErrorIs(t, v.Verify(&wrongBackend), types.ErrInvalidProof)

	require.ErrorIs(t, v.Verify(nil), types.ErrInvalidProof)
}

func TestPlonkPipeline(t *testing.T) {
	a, _ := setupPipeline(t, types.PLONK)
	proof := proveDeposit(t, a)

	v := New(a.VerifyingKey)
	require.NoError(t, v.Verify(proof))

	forged := *proof
	forged.Signals.Recipient = types.GenerateKeyPair().PublicKey()
	require.ErrorIs(t, v.Verify(&forged), types.ErrInvalidProof)
}
