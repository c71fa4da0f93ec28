package wallet

import (
	"context"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kysee/velo-zk/zk-mixer/node"
	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/relayer"
	"github.com/kysee/velo-zk/zk-mixer/splitter"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newNote(t *testing.T, denomination uint64, leaf uint32) *types.Note {
	n, err := types.GenerateNote(denomination)
	require.NoError(t, err)
	n.SetDeposited(leaf)
	return n
}

func TestKeeperNotes(t *testing.T) {
	k := NewKeeper()
	a := newNote(t, pool.Tier1, 0)
	b := newNote(t, pool.Tier0_1, 0)
	c := newNote(t, pool.Tier0_1, 1)
	for _, n := range []*types.Note{a, b, c} {
		require.NoError(t, k.Add(n))
	}
	require.ErrorIs(t, k.Add(a), ErrDuplicateNote)
	require.Equal(t, 3, k.Len())
	require.Equal(t, pool.Tier1+2*pool.Tier0_1, k.Balance())

	note, release, err := k.Take(pool.Tier0_1)
	require.NoError(t, err)
	require.Equal(t, b, note)
	require.Len(t, k.Unused(pool.Tier0_1), 1)

	// a released note goes back to the pool of unused ones
	release(NotSpent)
	require.Len(t, k.Unused(pool.Tier0_1), 2)

	note, release, err = k.Take(pool.Tier0_1)
	require.NoError(t, err)
	release(Spent)
	require.True(t, note.Used)
	require.Equal(t, pool.Tier1+pool.Tier0_1, k.Balance())

	require.True(t, k.MarkUsed(c.Commitment()))
	require.False(t, k.MarkUsed(c.Commitment()))
	_, _, err = k.Take(pool.Tier0_1)
	require.ErrorIs(t, err, ErrNoUnusedNote)

	// used notes are not exported
	backups := k.Export()
	require.Equal(t, []string{a.Backup()}, backups)

	other := NewKeeper()
	imported, err := other.Import(backups[0])
	require.NoError(t, err)
	require.Equal(t, a.Commitment(), imported.Commitment())
	_, err = other.Import("velo-garbage")
	require.ErrorIs(t, err, types.ErrMalformedNote)
}

func TestKeeperCovers(t *testing.T) {
	k := NewKeeper()
	require.NoError(t, k.Add(newNote(t, pool.Tier1, 0)))
	for i := uint32(0); i < 4; i++ {
		require.NoError(t, k.Add(newNote(t, pool.Tier0_1, i)))
	}

	amount, err := pool.ParseSol("1.4")
	require.NoError(t, err)
	plan, err := splitter.Plan(amount, pool.DefaultSet(), splitter.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, k.Covers(plan))

	amount, err = pool.ParseSol("1.5")
	require.NoError(t, err)
	plan, err = splitter.Plan(amount, pool.DefaultSet(), splitter.DefaultOptions())
	require.NoError(t, err)
	require.ErrorIs(t, k.Covers(plan), ErrNotesShortfall)
}

func TestKeeperSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes", "wallet.txt")

	empty, err := Load(path)
	require.NoError(t, err)
	require.Zero(t, empty.Len())

	k := NewKeeper()
	a := newNote(t, pool.Tier1, 3)
	b := newNote(t, pool.Tier10, 0)
	require.NoError(t, k.Add(a))
	require.NoError(t, k.Add(b))
	k.MarkUsed(b.Commitment())
	require.NoError(t, k.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Len())
	require.Equal(t, pool.Tier1, loaded.Balance())
	require.Equal(t, uint32(3), loaded.Notes(pool.Tier1)[0].LeafIndex)
	require.True(t, loaded.Notes(pool.Tier10)[0].Used)

	// an unconfirmed note survives a reload and stays out of circulation
	c := newNote(t, pool.Tier1, 4)
	require.NoError(t, loaded.Add(c))
	_, release, err := loaded.Take(pool.Tier1)
	require.NoError(t, err)
	release(Unconfirmed)
	require.NoError(t, loaded.Save(path))
	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, reloaded.Len())
	require.Len(t, reloaded.Unused(pool.Tier1), 1)
	require.Len(t, reloaded.Export(), 2)

	require.NoError(t, os.WriteFile(path, []byte(a.Backup()+" lost\n"), 0o600))
	_, err = Load(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("# notes\n\nnot-a-note\n"), 0o600))
	_, err = Load(path)
	require.ErrorIs(t, err, types.ErrMalformedNote)
}

type testNet struct {
	ledger  *node.Ledger
	relayer *types.KeyPair
	user    *types.KeyPair
}

func newTestNet(t *testing.T) *testNet {
	cfg := node.DefaultConfig()
	cfg.Depth = 4
	cfg.AllowTestWithdraw = true
	l, err := node.Open(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	n := &testNet{ledger: l, relayer: types.GenerateKeyPair(), user: types.GenerateKeyPair()}
	ctx := context.Background()
	for _, d := range []uint64{pool.Tier1, pool.Tier0_1} {
		_, err = l.InitializePool(ctx, n.user, d)
		require.NoError(t, err)
	}
	_, err = l.RegisterRelayer(ctx, n.relayer)
	require.NoError(t, err)
	require.NoError(t, l.Airdrop(ctx, n.user.PublicKey(), 100*pool.LamportsPerSol))
	require.NoError(t, l.Airdrop(ctx, n.relayer.PublicKey(), pool.LamportsPerSol))
	return n
}

// deposit puts a fresh note on the ledger without recording its position.
func (n *testNet) deposit(t *testing.T, k *Keeper, denomination uint64) *types.Note {
	note, err := types.GenerateNote(denomination)
	require.NoError(t, err)
	_, err = n.ledger.Deposit(context.Background(), n.user, denomination, note.Commitment())
	require.NoError(t, err)
	require.NoError(t, k.Add(note))
	return note
}

func TestKeeperSync(t *testing.T) {
	net := newTestNet(t)
	ctx := context.Background()
	k := NewKeeper()

	a := net.deposit(t, k, pool.Tier1)
	b := net.deposit(t, k, pool.Tier1)
	pending, err := types.GenerateNote(pool.Tier0_1)
	require.NoError(t, err)
	require.NoError(t, k.Add(pending))
	require.Zero(t, k.Balance())

	changed, err := k.Sync(ctx, net.ledger)
	require.NoError(t, err)
	require.Equal(t, 2, changed)
	require.True(t, a.Deposited)
	require.Equal(t, uint32(1), b.LeafIndex)
	require.False(t, pending.Deposited)
	require.Equal(t, 2*pool.Tier1, k.Balance())

	_, err = net.ledger.WithdrawTest(ctx, net.relayer, &types.WithdrawTestInstruction{
		Denomination:  pool.Tier1,
		NullifierHash: a.NullifierHash(),
		Recipient:     types.GenerateKeyPair().PublicKey(),
	})
	require.NoError(t, err)

	changed, err = k.Sync(ctx, net.ledger)
	require.NoError(t, err)
	require.Equal(t, 1, changed)
	require.True(t, a.Used)
	require.Equal(t, pool.Tier1, k.Balance())
}

func TestSenderRunsSplit(t *testing.T) {
	net := newTestNet(t)
	ctx := context.Background()

	rcfg := relayer.DefaultConfig()
	rcfg.Mode = relayer.ModeTest
	svc, err := relayer.NewService(rcfg, net.ledger, net.relayer, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(relayer.NewServer(relayer.DefaultServerConfig(), svc, nil, zerolog.Nop()).Handler())
	t.Cleanup(ts.Close)

	k := NewKeeper()
	net.deposit(t, k, pool.Tier1)
	for i := 0; i < 5; i++ {
		net.deposit(t, k, pool.Tier0_1)
	}
	_, err = k.Sync(ctx, net.ledger)
	require.NoError(t, err)

	amount, err := pool.ParseSol("1.5")
	require.NoError(t, err)
	plan, err := splitter.Plan(amount, pool.DefaultSet(), splitter.Options{
		MinDelay: time.Millisecond,
		MaxDelay: 2 * time.Millisecond,
		Rand:     rand.New(rand.NewPCG(1, 2)),
	})
	require.NoError(t, err)
	require.NoError(t, k.Covers(plan))

	recipient := types.GenerateKeyPair().PublicKey()
	sent := 0
	sender := &Sender{
		Keeper:    k,
		Client:    relayer.NewClient(ts.URL, 5*time.Second),
		Recipient: recipient,
		OnSent:    func(*types.Note, *relayer.RelayResponse) { sent++ },
		Logger:    zerolog.Nop(),
	}

	exec := splitter.NewExecution(plan, nil, zerolog.Nop())
	require.NoError(t, exec.Run(ctx, sender.Send))
	require.True(t, exec.Done())
	require.Equal(t, 6, sent)
	require.Zero(t, k.Balance())

	// 0.995 + 5 * (0.1 - 0.0005)
	bal, err := net.ledger.Balance(ctx, recipient)
	require.NoError(t, err)
	require.Equal(t, uint64(995_000_000+5*99_500_000), bal)

	// nothing left to spend
	_, err = sender.Send(ctx, splitter.Part{Denomination: pool.Tier1})
	require.ErrorIs(t, err, ErrNoUnusedNote)
}

func (n *testNet) relayerHandler(t *testing.T) http.Handler {
	rcfg := relayer.DefaultConfig()
	rcfg.Mode = relayer.ModeTest
	svc, err := relayer.NewService(rcfg, n.ledger, n.relayer, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	return relayer.NewServer(relayer.DefaultServerConfig(), svc, nil, zerolog.Nop()).Handler()
}

func TestSenderMarksSpentNote(t *testing.T) {
	net := newTestNet(t)
	ctx := context.Background()

	ts := httptest.NewServer(net.relayerHandler(t))
	t.Cleanup(ts.Close)

	k := NewKeeper()
	note := net.deposit(t, k, pool.Tier1)
	_, err := k.Sync(ctx, net.ledger)
	require.NoError(t, err)

	// spent behind the keeper's back
	_, err = net.ledger.WithdrawTest(ctx, net.relayer, &types.WithdrawTestInstruction{
		Denomination:  pool.Tier1,
		NullifierHash: note.NullifierHash(),
		Recipient:     types.GenerateKeyPair().PublicKey(),
	})
	require.NoError(t, err)

	sender := &Sender{
		Keeper:    k,
		Client:    relayer.NewClient(ts.URL, 5*time.Second),
		Recipient: types.GenerateKeyPair().PublicKey(),
		Logger:    zerolog.Nop(),
	}
	_, err = sender.Send(ctx, splitter.Part{Denomination: pool.Tier1})
	require.ErrorIs(t, err, types.ErrNullifierAlreadySpent)
	require.True(t, note.Used)
}

func TestSenderHoldsUnconfirmedNote(t *testing.T) {
	net := newTestNet(t)
	ctx := context.Background()
	h := net.relayerHandler(t)

	// the relayer withdraws but the reply never reaches the client
	lost := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(httptest.NewRecorder(), r)
		panic(http.ErrAbortHandler)
	}))
	t.Cleanup(lost.Close)

	k := NewKeeper()
	note := net.deposit(t, k, pool.Tier1)
	_, err := k.Sync(ctx, net.ledger)
	require.NoError(t, err)

	client := relayer.NewClient(lost.URL, 5*time.Second)
	client.MaxRetries = 0
	sender := &Sender{
		Keeper:    k,
		Client:    client,
		Recipient: types.GenerateKeyPair().PublicKey(),
		Logger:    zerolog.Nop(),
	}
	_, err = sender.Send(ctx, splitter.Part{Denomination: pool.Tier1})
	require.Error(t, err)
	require.False(t, note.Used)
	require.True(t, k.IsUnconfirmed(note.Commitment()))
	require.Zero(t, k.Balance())

	// the note is not handed out again before sync
	_, err = sender.Send(ctx, splitter.Part{Denomination: pool.Tier1})
	require.ErrorIs(t, err, ErrNoUnusedNote)

	changed, err := k.Sync(ctx, net.ledger)
	require.NoError(t, err)
	require.Equal(t, 1, changed)
	require.True(t, note.Used)
	require.False(t, k.IsUnconfirmed(note.Commitment()))
}

func TestSenderReleasesNoteOnRejection(t *testing.T) {
	net := newTestNet(t)
	ctx := context.Background()

	k := NewKeeper()
	note := net.deposit(t, k, pool.Tier1)
	_, err := k.Sync(ctx, net.ledger)
	require.NoError(t, err)

	// nobody listens: unknown outcome
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	client := relayer.NewClient(down.URL, time.Second)
	client.MaxRetries = 0
	sender := &Sender{Keeper: k, Client: client, Recipient: types.GenerateKeyPair().PublicKey(), Logger: zerolog.Nop()}
	_, err = sender.Send(ctx, splitter.Part{Denomination: pool.Tier1})
	require.Error(t, err)
	require.True(t, k.IsUnconfirmed(note.Commitment()))

	// the ledger never saw it spent, so sync returns it
	changed, err := k.Sync(ctx, net.ledger)
	require.NoError(t, err)
	require.Equal(t, 1, changed)
	require.Len(t, k.Unused(pool.Tier1), 1)

	// a definite rejection returns the note at once
	ts := httptest.NewServer(net.relayerHandler(t))
	t.Cleanup(ts.Close)
	sender.Client = relayer.NewClient(ts.URL, 5*time.Second)
	sender.Recipient = types.PublicKey{}
	_, err = sender.Send(ctx, splitter.Part{Denomination: pool.Tier1})
	require.ErrorIs(t, err, types.ErrMalformedNote)
	require.False(t, k.IsUnconfirmed(note.Commitment()))
	require.Len(t, k.Unused(pool.Tier1), 1)
}
