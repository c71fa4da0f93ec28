package node

import (
	"context"
	"testing"
	"time"

	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/stretchr/testify/require"
)

// tick pins the ledger clock and returns a func advancing it by n slots.
func (f *fixture) tick() func(n int) {
	now := time.Unix(1_700_000_000, 0)
	f.ledger.now = func() time.Time { return now }
	return func(n int) {
		now = now.Add(time.Duration(n) * f.ledger.cfg.SlotDuration)
	}
}

func TestInitDecoySystem(t *testing.T) {
	f := newFixture(t, "", false)
	ctx := context.Background()

	_, err := f.ledger.Decoy(ctx, pool.Tier1)
	require.ErrorIs(t, err, ErrDecoySystemDisabled)

	_, err = f.ledger.InitDecoySystem(ctx, f.user, pool.Tier1, 4)
	require.ErrorIs(t, err, ErrNotAuthority)
	_, err = f.ledger.InitDecoySystem(ctx, f.admin, pool.Tier10, 4)
	require.ErrorIs(t, err, types.ErrUnknownPool)
	_, err = f.ledger.InitDecoySystem(ctx, f.admin, pool.Tier1, 0)
	require.ErrorIs(t, err, ErrInvalidDecoyVaultIndex)

	dc, err := f.ledger.InitDecoySystem(ctx, f.admin, pool.Tier1, 20)
	require.NoError(t, err)
	require.Equal(t, uint8(pool.MaxDecoyVaults), dc.NumDecoyVaults)
	require.True(t, dc.Enabled)
	addrs, err := f.ledger.Addresses(pool.Tier1)
	require.NoError(t, err)
	require.Equal(t, addrs.Pool, dc.Pool)

	_, err = f.ledger.InitDecoySystem(ctx, f.admin, pool.Tier1, 2)
	require.ErrorIs(t, err, ErrDecoyExists)

	got, err := f.ledger.Decoy(ctx, pool.Tier1)
	require.NoError(t, err)
	require.Equal(t, dc, got)
}

func TestShuffle(t *testing.T) {
	f := newFixture(t, "", false)
	ctx := context.Background()
	advance := f.tick()
	f.deposit(t)
	f.deposit(t)

	half := pool.Tier1 / 2
	_, err := f.ledger.Shuffle(ctx, f.admin, pool.Tier1, 0, half, true)
	require.ErrorIs(t, err, ErrDecoySystemDisabled)

	_, err = f.ledger.InitDecoySystem(ctx, f.admin, pool.Tier1, 2)
	require.NoError(t, err)

	_, err = f.ledger.Shuffle(ctx, f.admin, pool.Tier1, 2, half, true)
	require.ErrorIs(t, err, ErrInvalidDecoyVaultIndex)
	_, err = f.ledger.Shuffle(ctx, f.relayer, pool.Tier1, 0, half, true)
	require.ErrorIs(t, err, ErrNotAuthority)

	_, err = f.ledger.Shuffle(ctx, f.admin, pool.Tier1, 1, half, true)
	require.NoError(t, err)

	decoy, err := f.ledger.DecoyVault(pool.Tier1, 1)
	require.NoError(t, err)
	requireBalance := func(vault, inDecoy uint64) {
		t.Helper()
		v, err := f.ledger.VaultBalance(ctx, pool.Tier1)
		require.NoError(t, err)
		require.Equal(t, vault, v)
		d, err := f.ledger.Balance(ctx, decoy)
		require.NoError(t, err)
		require.Equal(t, inDecoy, d)
	}
	requireBalance(2*pool.Tier1-half, half)

	// within the gap
	advance(ShuffleGapSlots)
	_, err = f.ledger.Shuffle(ctx, f.admin, pool.Tier1, 1, half, false)
	require.ErrorIs(t, err, ErrShuffleRateLimited)

	advance(1)
	_, err = f.ledger.Shuffle(ctx, f.admin, pool.Tier1, 1, pool.Tier1, false)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	_, err = f.ledger.Shuffle(ctx, f.admin, pool.Tier1, 1, half, false)
	require.NoError(t, err)
	requireBalance(2*pool.Tier1, 0)

	dc, err := f.ledger.Decoy(ctx, pool.Tier1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), dc.TotalShuffles)
	require.Equal(t, f.ledger.Slot(), dc.LastShuffleSlot)

	require.NoError(t, f.ledger.SetDecoyEnabled(ctx, f.admin, pool.Tier1, false))
	advance(10)
	_, err = f.ledger.Shuffle(ctx, f.admin, pool.Tier1, 1, half, true)
	require.ErrorIs(t, err, ErrDecoySystemDisabled)
}

func TestDecoyDepositAndWithdraw(t *testing.T) {
	f := newFixture(t, "", true)
	ctx := context.Background()
	note := f.deposit(t)

	_, err := f.ledger.InitDecoySystem(ctx, f.admin, pool.Tier1, 1)
	require.NoError(t, err)
	before, err := f.ledger.Pool(ctx, pool.Tier1)
	require.NoError(t, err)

	fake, err := types.GenerateNote(pool.Tier1)
	require.NoError(t, err)
	_, err = f.ledger.DecoyDeposit(ctx, f.admin, pool.Tier1, fake.Commitment())
	require.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = f.ledger.DecoyWithdraw(ctx, f.admin, pool.Tier1)
	require.NoError(t, err)
	vault, err := f.ledger.VaultBalance(ctx, pool.Tier1)
	require.NoError(t, err)
	require.Zero(t, vault)

	// a real withdrawal now lacks liquidity
	_, err = f.ledger.WithdrawTest(ctx, f.relayer, &types.WithdrawTestInstruction{
		Denomination:  pool.Tier1,
		NullifierHash: note.NullifierHash(),
		Recipient:     f.user.PublicKey(),
	})
	require.ErrorIs(t, err, types.ErrInsufficientPoolLiquidity)

	_, err = f.ledger.DecoyDeposit(ctx, f.admin, pool.Tier1, fake.Commitment())
	require.NoError(t, err)
	vault, err = f.ledger.VaultBalance(ctx, pool.Tier1)
	require.NoError(t, err)
	require.Equal(t, pool.Tier1, vault)

	after, err := f.ledger.Pool(ctx, pool.Tier1)
	require.NoError(t, err)
	require.Equal(t, before, after)
	_, found, err := f.ledger.LeafIndex(ctx, pool.Tier1, fake.Commitment())
	require.NoError(t, err)
	require.False(t, found)

	_, err = f.ledger.DecoyWithdraw(ctx, f.user, pool.Tier1)
	require.ErrorIs(t, err, ErrNotAuthority)
	require.NoError(t, f.ledger.SetDecoyEnabled(ctx, f.admin, pool.Tier1, false))
	_, err = f.ledger.DecoyWithdraw(ctx, f.admin, pool.Tier1)
	require.ErrorIs(t, err, ErrDecoySystemDisabled)
}
