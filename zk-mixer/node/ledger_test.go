package node

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/kysee/velo-zk/zk-mixer/crypto"
	"github.com/kysee/velo-zk/zk-mixer/merkle"
	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/prover"
	"github.com/kysee/velo-zk/zk-mixer/setup"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/kysee/velo-zk/zk-mixer/verifier"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testDepth = 3

type fakeVerifier struct {
	err error
}

func (v *fakeVerifier) Verify(*types.WithdrawProof) error { return v.err }

type fixture struct {
	ledger   *Ledger
	verifier *fakeVerifier
	admin    *types.KeyPair
	relayer  *types.KeyPair
	user     *types.KeyPair
}

func newFixture(t *testing.T, dir string, allowTest bool) *fixture {
	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.Depth = testDepth
	cfg.AllowTestWithdraw = allowTest

	v := &fakeVerifier{}
	l, err := Open(cfg, v, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	f := &fixture{
		ledger:   l,
		verifier: v,
		admin:    types.GenerateKeyPair(),
		relayer:  types.GenerateKeyPair(),
		user:     types.GenerateKeyPair(),
	}
	ctx := context.Background()
	_, err = l.InitializePool(ctx, f.admin, pool.Tier1)
	require.NoError(t, err)
	_, err = l.RegisterRelayer(ctx, f.relayer)
	require.NoError(t, err)
	require.NoError(t, l.Airdrop(ctx, f.user.PublicKey(), 100*pool.LamportsPerSol))
	return f
}

func (f *fixture) deposit(t *testing.T) *types.Note {
	note, err := types.GenerateNote(pool.Tier1)
	require.NoError(t, err)
	idx, err := f.ledger.Deposit(context.Background(), f.user, pool.Tier1, note.Commitment())
	require.NoError(t, err)
	note.SetDeposited(idx)
	return note
}

func (f *fixture) fakeProof(t *testing.T, note *types.Note, recipient types.PublicKey, fee uint64) *types.WithdrawProof {
	root, err := f.ledger.CurrentRoot(context.Background(), pool.Tier1)
	require.NoError(t, err)
	return &types.WithdrawProof{
		Backend: types.GROTH16,
		Proof:   []byte{0x01},
		Signals: types.PublicSignals{
			Root:          root,
			NullifierHash: note.NullifierHash(),
			Recipient:     recipient,
			Relayer:       f.relayer.PublicKey(),
			Fee:           fee,
		},
	}
}

func TestInitializePool(t *testing.T) {
	f := newFixture(t, "", false)
	ctx := context.Background()

	_, err := f.ledger.InitializePool(ctx, f.admin, pool.Tier1)
	require.ErrorIs(t, err, ErrPoolExists)

	raw, err := f.ledger.PoolAccount(ctx, pool.Tier1)
	require.NoError(t, err)
	st, err := pool.DecodeState(raw)
	require.NoError(t, err)
	require.Equal(t, f.admin.PublicKey(), st.Authority)
	require.Equal(t, pool.Tier1, st.Denomination)

	empty := merkle.ZeroHashes(testDepth)[testDepth]
	require.Equal(t, empty.Bytes(), st.MerkleRoot)

	_, err = f.ledger.CurrentRoot(ctx, pool.Tier10)
	require.ErrorIs(t, err, types.ErrUnknownPool)
}

func TestDeposit(t *testing.T) {
	f := newFixture(t, "", false)
	ctx := context.Background()

	n0 := f.deposit(t)
	n1 := f.deposit(t)
	require.Equal(t, uint32(0), n0.LeafIndex)
	require.Equal(t, uint32(1), n1.LeafIndex)

	idx, ok, err := f.ledger.LeafIndex(ctx, pool.Tier1, n1.Commitment())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(1), idx)

	path, err := f.ledger.PathFor(ctx, pool.Tier1, idx)
	require.NoError(t, err)
	root, err := f.ledger.CurrentRoot(ctx, pool.Tier1)
	require.NoError(t, err)
	require.Equal(t, root, path.Root)

	vault, err := f.ledger.VaultBalance(ctx, pool.Tier1)
	require.NoError(t, err)
	require.Equal(t, 2*pool.Tier1, vault)

	_, err = f.ledger.Deposit(ctx, f.user, pool.Tier1, n0.Commitment())
	require.ErrorIs(t, err, ErrDuplicateDeposit)

	poor := types.GenerateKeyPair()
	note, _ := types.GenerateNote(pool.Tier1)
	_, err = f.ledger.Deposit(ctx, poor, pool.Tier1, note.Commitment())
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t, "", false)
	ctx := context.Background()

	note := f.deposit(t)
	recipient := types.GenerateKeyPair().PublicKey()
	fee := pool.Tier1 / 200

	proof := f.fakeProof(t, note, recipient, fee)
	_, err := f.ledger.Withdraw(ctx, f.relayer, &types.WithdrawInstruction{Denomination: pool.Tier1, Proof: proof})
	require.NoError(t, err)

	bal, err := f.ledger.Balance(ctx, recipient)
	require.NoError(t, err)
	require.Equal(t, pool.Tier1-fee, bal)
	bal, err = f.ledger.Balance(ctx, f.relayer.PublicKey())
	require.NoError(t, err)
	require.Equal(t, fee, bal)

	spent, err := f.ledger.IsSpent(ctx, pool.Tier1, note.NullifierHash())
	require.NoError(t, err)
	require.True(t, spent)

	rs, err := f.ledger.Relayer(ctx, f.relayer.PublicKey())
	require.NoError(t, err)
	require.Equal(t, uint64(1), rs.TotalRelayed)
	require.Equal(t, fee, rs.TotalFees)

	// the same nullifier again
	_, err = f.ledger.Withdraw(ctx, f.relayer, &types.WithdrawInstruction{Denomination: pool.Tier1, Proof: proof})
	require.ErrorIs(t, err, types.ErrNullifierAlreadySpent)
}

func TestWithdrawRejections(t *testing.T) {
	f := newFixture(t, "", false)
	ctx := context.Background()
	withdraw := func(signer types.Signer, p *types.WithdrawProof) error {
		_, err := f.ledger.Withdraw(ctx, signer, &types.WithdrawInstruction{Denomination: pool.Tier1, Proof: p})
		return err
	}

	note := f.deposit(t)
	recipient := types.GenerateKeyPair().PublicKey()

	// a deposit after the proof was built moves the root
	stale := f.fakeProof(t, note, recipient, 0)
	f.deposit(t)
	require.ErrorIs(t, withdraw(f.relayer, stale), types.ErrStaleRoot)

	require.ErrorIs(t, withdraw(f.relayer, f.fakeProof(t, note, recipient, pool.Tier1/100+1)), types.ErrFeeTooHigh)

	// signer is not the relayer named in the proof
	require.ErrorIs(t, withdraw(types.GenerateKeyPair(), f.fakeProof(t, note, recipient, 0)), types.ErrRelayerNotActive)

	unregistered := f.fakeProof(t, note, recipient, 0)
	other := types.GenerateKeyPair()
	unregistered.Signals.Relayer = other.PublicKey()
	require.ErrorIs(t, withdraw(other, unregistered), types.ErrRelayerNotActive)

	f.verifier.err = types.ErrInvalidProof
	require.ErrorIs(t, withdraw(f.relayer, f.fakeProof(t, note, recipient, 0)), types.ErrInvalidProof)
	f.verifier.err = nil

	require.NoError(t, f.ledger.DeactivateRelayer(ctx, f.relayer))
	require.ErrorIs(t, withdraw(f.relayer, f.fakeProof(t, note, recipient, 0)), types.ErrRelayerNotActive)

	spent, err := f.ledger.IsSpent(ctx, pool.Tier1, note.NullifierHash())
	require.NoError(t, err)
	require.False(t, spent)
}

func TestWithdrawTest(t *testing.T) {
	ctx := context.Background()

	disabled := newFixture(t, "", false)
	_, err := disabled.ledger.WithdrawTest(ctx, disabled.relayer, &types.WithdrawTestInstruction{Denomination: pool.Tier1})
	require.ErrorIs(t, err, ErrTestModeDisabled)

	f := newFixture(t, "", true)
	note, _ := types.GenerateNote(pool.Tier1)
	ix := &types.WithdrawTestInstruction{
		Denomination:  pool.Tier1,
		NullifierHash: note.NullifierHash(),
		Recipient:     types.GenerateKeyPair().PublicKey(),
		Fee:           1000,
	}

	// nothing deposited yet
	_, err = f.ledger.WithdrawTest(ctx, f.relayer, ix)
	require.ErrorIs(t, err, types.ErrInsufficientPoolLiquidity)

	f.deposit(t)
	_, err = f.ledger.WithdrawTest(ctx, f.relayer, ix)
	require.NoError(t, err)
	_, err = f.ledger.WithdrawTest(ctx, f.relayer, ix)
	require.ErrorIs(t, err, types.ErrNullifierAlreadySpent)
}

func TestStealthWithdrawAndClaim(t *testing.T) {
	f := newFixture(t, "", true)
	ctx := context.Background()
	note := f.deposit(t)

	recipient, err := crypto.GenerateKeys()
	require.NoError(t, err)
	fee := uint64(5_000_000)
	ann, err := crypto.NewPayment(recipient.MetaAddress(), pool.Tier1-fee)
	require.NoError(t, err)

	_, err = f.ledger.WithdrawToStealth(ctx, f.relayer, &types.StealthWithdrawInstruction{
		Denomination:  pool.Tier1,
		NullifierHash: note.NullifierHash(),
		Fee:           fee,
		Announcement:  *ann,
	})
	require.NoError(t, err)

	anns, err := f.ledger.Announcements(ctx)
	require.NoError(t, err)
	require.Len(t, anns, 1)

	recv, ok := recipient.Scan(anns[0])
	require.True(t, ok)
	require.Equal(t, pool.Tier1-fee, recv.Amount)

	dest := types.GenerateKeyPair().PublicKey()
	claim, err := recipient.Claim(recv, dest)
	require.NoError(t, err)
	_, err = f.ledger.ClaimStealth(ctx, claim)
	require.NoError(t, err)

	bal, err := f.ledger.Balance(ctx, dest)
	require.NoError(t, err)
	require.Equal(t, pool.Tier1-fee, bal)

	_, err = f.ledger.ClaimStealth(ctx, claim)
	require.ErrorIs(t, err, types.ErrAlreadyClaimed)

	// a proof naming another recipient cannot be redirected to a stealth address
	note2 := f.deposit(t)
	ann2, err := crypto.NewPayment(recipient.MetaAddress(), pool.Tier1)
	require.NoError(t, err)
	_, err = f.ledger.WithdrawToStealth(ctx, f.relayer, &types.StealthWithdrawInstruction{
		Denomination: pool.Tier1,
		Proof:        f.fakeProof(t, note2, types.GenerateKeyPair().PublicKey(), 0),
		Announcement: *ann2,
	})
	require.ErrorIs(t, err, ErrStealthMismatch)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.Depth = testDepth
	l, err := Open(cfg, &fakeVerifier{}, zerolog.Nop())
	require.NoError(t, err)

	user := types.GenerateKeyPair()
	_, err = l.InitializePool(ctx, user, pool.Tier0_1)
	require.NoError(t, err)
	require.NoError(t, l.Airdrop(ctx, user.PublicKey(), pool.LamportsPerSol))
	note, _ := types.GenerateNote(pool.Tier0_1)
	_, err = l.Deposit(ctx, user, pool.Tier0_1, note.Commitment())
	require.NoError(t, err)
	root, err := l.CurrentRoot(ctx, pool.Tier0_1)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(cfg, &fakeVerifier{}, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	idx, ok, err := l.LeafIndex(ctx, pool.Tier0_1, note.Commitment())
	require.NoError(t, err)
	require.True(t, ok)
	path, err := l.PathFor(ctx, pool.Tier0_1, idx)
	require.NoError(t, err)
	require.Equal(t, root, path.Root)

	bal, err := l.Balance(ctx, user.PublicKey())
	require.NoError(t, err)
	require.Equal(t, pool.LamportsPerSol-pool.Tier0_1, bal)
}

func TestWithdrawWithRealProof(t *testing.T) {
	ctx := context.Background()
	a, err := setup.SetupOrLoad(&setup.Config{Dir: t.TempDir(), Backend: types.GROTH16, Depth: testDepth}, zerolog.Nop())
	require.NoError(t, err)

	f := newFixture(t, "", false)
	f.ledger.verifier = verifier.New(a.VerifyingKey)
	note := f.deposit(t)
	f.deposit(t)
	f.deposit(t)

	path, err := f.ledger.PathFor(ctx, pool.Tier1, note.LeafIndex)
	require.NoError(t, err)
	recipient := types.GenerateKeyPair().PublicKey()
	recipient[0] = 0x10
	proof, err := prover.ProveWithdraw(a, &prover.WithdrawInput{
		Note:      note,
		Path:      path,
		Recipient: recipient,
		Relayer:   f.relayer.PublicKey(),
		Fee:       pool.Tier1 / 200,
	})
	require.NoError(t, err)

	// a relayer rewriting the recipient is caught by the verifier
	forged := *proof
	forged.Signals.Recipient = f.relayer.PublicKey()
	_, err = f.ledger.Withdraw(ctx, f.relayer, &types.WithdrawInstruction{Denomination: pool.Tier1, Proof: &forged})
	require.True(t, errors.Is(err, types.ErrInvalidProof))

	// recipient+r hashes like recipient but is another account
	forged = *proof
	forged.Signals.Recipient = alias(recipient)
	_, err = f.ledger.Withdraw(ctx, f.relayer, &types.WithdrawInstruction{Denomination: pool.Tier1, Proof: &forged})
	require.True(t, errors.Is(err, types.ErrInvalidProof))

	_, err = f.ledger.Withdraw(ctx, f.relayer, &types.WithdrawInstruction{Denomination: pool.Tier1, Proof: proof})
	require.NoError(t, err)

	// nullifierHash+k*r names the same nullifier
	respend := *proof
	for k := 0; k < 3; k++ {
		respend.Signals.NullifierHash = alias(respend.Signals.NullifierHash)
		_, err = f.ledger.Withdraw(ctx, f.relayer, &types.WithdrawInstruction{Denomination: pool.Tier1, Proof: &respend})
		require.True(t, errors.Is(err, types.ErrInvalidProof), "k=%d: %v", k+1, err)
	}

	bal, err := f.ledger.Balance(ctx, recipient)
	require.NoError(t, err)
	require.Equal(t, pool.Tier1-pool.Tier1/200, bal)
	bal, err = f.ledger.Balance(ctx, alias(recipient))
	require.NoError(t, err)
	require.Zero(t, bal)
}

func TestWithdrawRejectsAliasedNullifier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "", true)
	note := f.deposit(t)
	f.deposit(t)
	recipient := types.GenerateKeyPair().PublicKey()

	_, err := f.ledger.Withdraw(ctx, f.relayer, &types.WithdrawInstruction{
		Denomination: pool.Tier1,
		Proof:        f.fakeProof(t, note, recipient, 0),
	})
	require.NoError(t, err)

	// rejected even when the proof check passes
	proof := f.fakeProof(t, note, recipient, 0)
	proof.Signals.NullifierHash = alias(proof.Signals.NullifierHash)
	_, err = f.ledger.Withdraw(ctx, f.relayer, &types.WithdrawInstruction{Denomination: pool.Tier1, Proof: proof})
	require.True(t, errors.Is(err, types.ErrInvalidProof))

	_, err = f.ledger.WithdrawTest(ctx, f.relayer, &types.WithdrawTestInstruction{
		Denomination:  pool.Tier1,
		NullifierHash: alias(note.NullifierHash()),
		Recipient:     recipient,
	})
	require.True(t, errors.Is(err, types.ErrInvalidProof))
}

// alias returns the encoding of v+r, which reduces to v in the field.
func alias[T ~[32]byte](v T) T {
	var out T
	new(big.Int).Add(new(big.Int).SetBytes(v[:]), fr.Modulus()).FillBytes(out[:])
	return out
}
