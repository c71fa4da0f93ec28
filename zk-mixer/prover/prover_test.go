package prover

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/kysee/velo-zk/utils"
	"github.com/kysee/velo-zk/zk-mixer/merkle"
	"github.com/kysee/velo-zk/zk-mixer/setup"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testDepth = 3

var (
	artifactsOnce sync.Once
	testArtifacts *setup.Artifacts
	artifactsErr  error
)

func groth16Artifacts(t *testing.T) *setup.Artifacts {
	artifactsOnce.Do(func() {
		dir, err := os.MkdirTemp("", "velo-prover")
		if err != nil {
			artifactsErr = err
			return
		}
		testArtifacts, artifactsErr = setup.SetupOrLoad(&setup.Config{
			Dir:     dir,
			Backend: types.GROTH16,
			Depth:   testDepth,
		}, zerolog.Nop())
	})
	require.NoError(t, artifactsErr)
	return testArtifacts
}

// depositedInput appends the note to a fresh tree behind a few other leaves.
func depositedInput(t *testing.T, depth int) *WithdrawInput {
	note, err := types.GenerateNote(1_000_000_000)
	require.NoError(t, err)

	acc, err := merkle.New(depth)
	require.NoError(t, err)
	_, err = acc.Append(utils.ToElement(utils.RandBytes(32)))
	require.NoError(t, err)
	idx, err := acc.Append(note.CommitmentElement())
	require.NoError(t, err)
	note.SetDeposited(idx)

	p, err := acc.PathFor(idx)
	require.NoError(t, err)

	return &WithdrawInput{
		Note:      note,
		Path:      types.NewMerklePath(p.LeafIndex, p.Elements, p.Indices, p.Root, p.NextIndex),
		Recipient: types.GenerateKeyPair().PublicKey(),
		Relayer:   types.GenerateKeyPair().PublicKey(),
		Fee:       5_000_000,
	}
}

func TestProveWithdraw(t *testing.T) {
	a := groth16Artifacts(t)
	in := depositedInput(t, testDepth)

	proof, err := ProveWithdraw(a, in)
	require.NoError(t, err)
	require.Equal(t, types.GROTH16, proof.Backend)
	require.NotEmpty(t, proof.Proof)
	require.Equal(t, in.Path.Root, proof.Signals.Root)
	require.Equal(t, in.Note.NullifierHash(), proof.Signals.NullifierHash)
	require.Equal(t, in.Recipient, proof.Signals.Recipient)
	require.Equal(t, in.Fee, proof.Signals.Fee)
}

func TestProveRejectsUnsatisfiableWitness(t *testing.T) {
	a := groth16Artifacts(t)

	// the note is not the leaf the path was read for
	in := depositedInput(t, testDepth)
	other, err := types.GenerateNote(1_000_000_000)
	require.NoError(t, err)
	in.Note = other
	_, err = ProveWithdraw(a, in)
	require.ErrorIs(t, err, types.ErrConstraintViolation)

	// path built for another depth
	in = depositedInput(t, testDepth+1)
	_, err = ProveWithdraw(a, in)
	require.ErrorIs(t, err, types.ErrConstraintViolation)

	// tampered path bit
	in = depositedInput(t, testDepth)
	in.Path.Indices[0] = 2
	_, err = ProveWithdraw(a, in)
	require.ErrorIs(t, err, types.ErrConstraintViolation)
}

func TestPoolProvesConcurrently(t *testing.T) {
	pool := NewPool(New(groth16Artifacts(t), zerolog.Nop()), 2, zerolog.Nop())

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		in := depositedInput(t, testDepth)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = pool.Prove(context.Background(), in)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Zero(t, pool.Busy())
}

func TestPoolRefusesSameNullifier(t *testing.T) {
	pool := NewPool(New(groth16Artifacts(t), zerolog.Nop()), 2, zerolog.Nop())
	in := depositedInput(t, testDepth)

	release, ok := pool.inflight.TryAcquire(in.Note.NullifierHash())
	require.True(t, ok)

	_, err := pool.Prove(context.Background(), in)
	require.ErrorIs(t, err, types.ErrSpendInFlight)

	release()
	_, err = pool.Prove(context.Background(), in)
	require.NoError(t, err)
}

func TestPoolHonoursContextWhileQueued(t *testing.T) {
	pool := NewPool(New(groth16Artifacts(t), zerolog.Nop()), 1, zerolog.Nop())
	require.NoError(t, pool.sem.Acquire(context.Background(), 1))
	defer pool.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pool.Prove(ctx, depositedInput(t, testDepth))
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, pool.Busy())
}
