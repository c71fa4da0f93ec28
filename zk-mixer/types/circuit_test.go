package types

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/test"
	"github.com/kysee/velo-zk/utils"
	"github.com/kysee/velo-zk/zk-mixer/merkle"
	"github.com/stretchr/testify/require"
)

const testDepth = 4

// withdrawAssignment deposits note plus a few decoys and returns a satisfying assignment.
func withdrawAssignment(t *testing.T, note *Note, recipient, relayer PublicKey, fee uint64) *WithdrawCircuit {
	acc, err := merkle.New(testDepth)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := acc.Append(utils.ToElement(utils.RandBytes(32)))
		require.NoError(t, err)
	}
	idx, err := acc.Append(note.CommitmentElement())
	require.NoError(t, err)
	_, err = acc.Append(utils.ToElement(utils.RandBytes(32)))
	require.NoError(t, err)

	path, err := acc.PathFor(idx)
	require.NoError(t, err)

	signals := &PublicSignals{
		Root:          path.Root.Bytes(),
		NullifierHash: note.NullifierHash(),
		Recipient:     recipient,
		Relayer:       relayer,
		Fee:           fee,
	}

	assignment := NewWithdrawCircuit(testDepth)
	signals.Assign(assignment)
	assignment.Nullifier = Var(note.NullifierElement())
	assignment.Secret = Var(note.SecretElement())
	for i := 0; i < testDepth; i++ {
		assignment.PathElements[i] = Var(path.Elements[i])
		assignment.PathIndices[i] = int(path.Indices[i])
	}
	assignment.BindingDigest = Var(signals.BindingDigest(note.NullifierElement()))
	return assignment
}

func newTestNote(t *testing.T) *Note {
	n, err := GenerateNote(1_000_000_000)
	require.NoError(t, err)
	return n
}

func TestWithdrawCircuit(t *testing.T) {
	assert := test.NewAssert(t)

	note := newTestNote(t)
	recipient := GenerateKeyPair().PublicKey()
	relayer := GenerateKeyPair().PublicKey()

	assignment := withdrawAssignment(t, note, recipient, relayer, 5_000_000)
	assert.ProverSucceeded(NewWithdrawCircuit(testDepth), assignment, test.WithCurves(ecc.BN254), test.WithBackends(backend.GROTH16))
}

func TestWithdrawCircuitRejectsWrongNullifierHash(t *testing.T) {
	assert := test.NewAssert(t)

	note := newTestNote(t)
	assignment := withdrawAssignment(t, note, GenerateKeyPair().PublicKey(), PublicKey{}, 0)
	assignment.NullifierHash = Var(utils.ToElement(utils.RandBytes(32)))

	assert.ProverFailed(NewWithdrawCircuit(testDepth), assignment, test.WithCurves(ecc.BN254), test.WithBackends(backend.GROTH16))
}

func TestWithdrawCircuitRejectsWrongRoot(t *testing.T) {
	assert := test.NewAssert(t)

	note := newTestNote(t)
	assignment := withdrawAssignment(t, note, GenerateKeyPair().PublicKey(), PublicKey{}, 0)
	assignment.Root = Var(merkle.ZeroHashes(testDepth)[testDepth])

	assert.ProverFailed(NewWithdrawCircuit(testDepth), assignment, test.WithCurves(ecc.BN254), test.WithBackends(backend.GROTH16))
}

func TestWithdrawCircuitBindsRecipient(t *testing.T) {
	assert := test.NewAssert(t)

	note := newTestNote(t)
	recipient := GenerateKeyPair().PublicKey()
	recipient[0] = 0x10
	relayer := GenerateKeyPair().PublicKey()
	assignment := withdrawAssignment(t, note, recipient, relayer, 1_000)

	// substituting the recipient after the digest was fixed must fail
	other := GenerateKeyPair().PublicKey()
	hi, lo := other.Limbs()
	assignment.RecipientHi, assignment.RecipientLo = Var(hi), Var(lo)
	assert.ProverFailed(NewWithdrawCircuit(testDepth), assignment, test.WithCurves(ecc.BN254), test.WithBackends(backend.GROTH16))

	// recipient+r is the same field element but a different account
	hi, lo = aliasKey(recipient).Limbs()
	assignment.RecipientHi, assignment.RecipientLo = Var(hi), Var(lo)
	assert.ProverFailed(NewWithdrawCircuit(testDepth), assignment, test.WithCurves(ecc.BN254), test.WithBackends(backend.GROTH16))
}

func TestWithdrawCircuitRangeChecksLimbs(t *testing.T) {
	assert := test.NewAssert(t)

	note := newTestNote(t)
	recipient := GenerateKeyPair().PublicKey()
	relayer := GenerateKeyPair().PublicKey()
	assignment := withdrawAssignment(t, note, recipient, relayer, 0)

	// an oversized limb with a matching digest still fails the range check
	hi, lo := recipient.Limbs()
	var shift fr.Element
	shift.SetBigInt(new(big.Int).Lsh(big.NewInt(1), 128))
	lo.Add(&lo, &shift)
	lhi, llo := relayer.Limbs()
	assignment.RecipientLo = Var(lo)
	assignment.BindingDigest = Var(utils.HashElements(
		note.NullifierElement(), hi, lo, lhi, llo, utils.Uint64Element(0), utils.Uint64Element(0)))
	assert.ProverFailed(NewWithdrawCircuit(testDepth), assignment, test.WithCurves(ecc.BN254), test.WithBackends(backend.GROTH16))
}

func TestPublicSignalsCanonical(t *testing.T) {
	note := newTestNote(t)
	signals := &PublicSignals{NullifierHash: note.NullifierHash()}
	require.NoError(t, signals.Validate())

	bz, err := json.Marshal(signals)
	require.NoError(t, err)
	var decoded PublicSignals
	require.NoError(t, json.Unmarshal(bz, &decoded))
	require.Equal(t, *signals, decoded)

	aliased := *signals
	aliased.NullifierHash = NullifierHash(aliasBytes(signals.NullifierHash))
	require.ErrorIs(t, aliased.Validate(), ErrInvalidProof)
	bz, err = json.Marshal(&aliased)
	require.NoError(t, err)
	require.ErrorIs(t, json.Unmarshal(bz, &decoded), ErrInvalidProof)

	aliased = *signals
	aliased.Root = aliasBytes(signals.Root)
	require.ErrorIs(t, aliased.Validate(), ErrInvalidProof)
}

// aliasBytes returns the 32-byte encoding of v+r, which reduces to v.
func aliasBytes(v [32]byte) [32]byte {
	var out [32]byte
	new(big.Int).Add(new(big.Int).SetBytes(v[:]), fr.Modulus()).FillBytes(out[:])
	return out
}

func aliasKey(pk PublicKey) PublicKey {
	return PublicKey(aliasBytes(pk))
}

func TestWithdrawCircuitBindsFee(t *testing.T) {
	assert := test.NewAssert(t)

	note := newTestNote(t)
	assignment := withdrawAssignment(t, note, GenerateKeyPair().PublicKey(), GenerateKeyPair().PublicKey(), 1_000)
	assignment.Fee = 2_000

	assert.ProverFailed(NewWithdrawCircuit(testDepth), assignment, test.WithCurves(ecc.BN254), test.WithBackends(backend.GROTH16))
}

func TestWithdrawCircuitRejectsNonBooleanIndex(t *testing.T) {
	assert := test.NewAssert(t)

	note := newTestNote(t)
	assignment := withdrawAssignment(t, note, GenerateKeyPair().PublicKey(), PublicKey{}, 0)
	assignment.PathIndices[0] = 2

	assert.ProverFailed(NewWithdrawCircuit(testDepth), assignment, test.WithCurves(ecc.BN254), test.WithBackends(backend.GROTH16))
}

func TestNativeAndCircuitHashAgree(t *testing.T) {
	assert := test.NewAssert(t)

	// a depth-1 tree whose only leaf is the note commitment
	note := newTestNote(t)
	var zero fr.Element
	root := utils.Hash2(note.CommitmentElement(), zero)

	signals := &PublicSignals{
		Root:          root.Bytes(),
		NullifierHash: note.NullifierHash(),
	}
	assignment := NewWithdrawCircuit(1)
	signals.Assign(assignment)
	assignment.Nullifier = Var(note.NullifierElement())
	assignment.Secret = Var(note.SecretElement())
	assignment.PathElements[0] = frontend.Variable(0)
	assignment.PathIndices[0] = frontend.Variable(0)
	assignment.BindingDigest = Var(signals.BindingDigest(note.NullifierElement()))

	assert.ProverSucceeded(NewWithdrawCircuit(1), assignment, test.WithCurves(ecc.BN254), test.WithBackends(backend.GROTH16))
}

func TestCompileCircuit(t *testing.T) {
	for _, b := range []Backend{GROTH16, PLONK} {
		ccs, err := CompileCircuit(b, testDepth)
		require.NoError(t, err)
		require.NotZero(t, ccs.GetNbConstraints())
	}

	_, err := CompileCircuit("stark", testDepth)
	require.Error(t, err)
	_, err = CompileCircuit(GROTH16, 0)
	require.Error(t, err)
}
