package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kysee/velo-zk/utils"
	"github.com/kysee/velo-zk/zk-mixer/merkle"
	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/rs/zerolog"
)

// ProofVerifier checks a withdrawal proof against its public signals.
type ProofVerifier interface {
	Verify(proof *types.WithdrawProof) error
}

type Config struct {
	// Dir holds the leveldb files. Empty keeps everything in memory.
	Dir       string
	ProgramID types.PublicKey
	Seeds     pool.Seeds
	Depth     int

	// AllowTestWithdraw enables withdrawals without a proof.
	AllowTestWithdraw bool

	// SlotDuration is the length of one ledger slot, the unit of the shuffle rate limit.
	SlotDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		ProgramID: types.MustPublicKey(types.DefaultProgram),
		Seeds:     pool.DefaultSeeds(),
		Depth:     types.DefaultTreeDepth,

		SlotDuration: 400 * time.Millisecond,
	}
}

// Ledger is a local stand-in for the on-chain pool program.
// Every write goes through mu; reads may run concurrently.
type Ledger struct {
	cfg      Config
	st       *store
	verifier ProofVerifier
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	treMu sync.RWMutex
	trees map[uint64]*merkle.Accumulator
}

var _ types.LedgerClient = (*Ledger)(nil)

// Open opens the ledger store and rebuilds the pool accumulators from it.
func Open(cfg Config, verifier ProofVerifier, logger zerolog.Logger) (*Ledger, error) {
	if cfg.Depth <= 0 || cfg.Depth > merkle.MaxDepth {
		return nil, fmt.Errorf("invalid tree depth %d", cfg.Depth)
	}
	if cfg.SlotDuration <= 0 {
		return nil, fmt.Errorf("invalid slot duration %v", cfg.SlotDuration)
	}
	st, err := openStore(cfg.Dir)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		cfg:      cfg,
		st:       st,
		verifier: verifier,
		logger:   logger,
		now:      time.Now,
		trees:    make(map[uint64]*merkle.Accumulator),
	}

	denoms, err := st.pools()
	if err != nil {
		st.close()
		return nil, err
	}
	for _, d := range denoms {
		if err := l.rebuild(d); err != nil {
			st.close()
			return nil, err
		}
	}
	return l, nil
}

func (l *Ledger) rebuild(denomination uint64) error {
	acc, err := merkle.New(l.cfg.Depth)
	if err != nil {
		return err
	}
	leaves, err := l.st.leaves(denomination)
	if err != nil {
		return err
	}
	for _, c := range leaves {
		if _, err := acc.Append(utils.ToElement(c[:])); err != nil {
			return err
		}
	}

	st, err := l.st.pool(denomination)
	if err != nil {
		return err
	}
	root := acc.Root()
	if st.MerkleRoot != root.Bytes() {
		return fmt.Errorf("pool %d: stored root does not match %d stored leaves", denomination, len(leaves))
	}

	l.treMu.Lock()
	l.trees[denomination] = acc
	l.treMu.Unlock()
	l.logger.Debug().Uint64("denomination", denomination).Int("leaves", len(leaves)).Msg("pool accumulator rebuilt")
	return nil
}

// Slot is the current ledger slot.
func (l *Ledger) Slot() uint64 {
	return uint64(l.now().UnixNano() / int64(l.cfg.SlotDuration))
}

func (l *Ledger) Close() error {
	return l.st.close()
}

func (l *Ledger) tree(denomination uint64) (*merkle.Accumulator, error) {
	l.treMu.RLock()
	defer l.treMu.RUnlock()
	acc, ok := l.trees[denomination]
	if !ok {
		return nil, fmt.Errorf("%w: %s SOL", types.ErrUnknownPool, pool.FormatSol(denomination))
	}
	return acc, nil
}

func (l *Ledger) Addresses(denomination uint64) (*pool.Addresses, error) {
	return pool.DeriveAddresses(l.cfg.ProgramID, l.cfg.Seeds, denomination)
}

// Pools returns the initialized denominations.
func (l *Ledger) Pools(_ context.Context) ([]uint64, error) {
	return l.st.pools()
}

func (l *Ledger) Pool(_ context.Context, denomination uint64) (*pool.State, error) {
	return l.st.pool(denomination)
}

func (l *Ledger) PoolAccount(_ context.Context, denomination uint64) ([]byte, error) {
	st, err := l.st.pool(denomination)
	if err != nil {
		return nil, err
	}
	return st.Encode(), nil
}

func (l *Ledger) CurrentRoot(_ context.Context, denomination uint64) ([32]byte, error) {
	st, err := l.st.pool(denomination)
	if err != nil {
		return [32]byte{}, err
	}
	return st.MerkleRoot, nil
}

func (l *Ledger) LeafIndex(_ context.Context, denomination uint64, commitment types.NoteCommitment) (uint32, bool, error) {
	acc, err := l.tree(denomination)
	if err != nil {
		return 0, false, err
	}
	idx, ok := acc.IndexOf(commitment.Element())
	return idx, ok, nil
}

func (l *Ledger) PathFor(_ context.Context, denomination uint64, leafIndex uint32) (*types.MerklePath, error) {
	acc, err := l.tree(denomination)
	if err != nil {
		return nil, err
	}
	p, err := acc.PathFor(leafIndex)
	if err != nil {
		return nil, err
	}
	return types.NewMerklePath(p.LeafIndex, p.Elements, p.Indices, p.Root, p.NextIndex), nil
}

func (l *Ledger) IsSpent(_ context.Context, denomination uint64, nh types.NullifierHash) (bool, error) {
	return l.st.has(nullifierKey(denomination, nh))
}

func (l *Ledger) VaultBalance(ctx context.Context, denomination uint64) (uint64, error) {
	addrs, err := l.Addresses(denomination)
	if err != nil {
		return 0, err
	}
	return l.Balance(ctx, addrs.Vault)
}

func (l *Ledger) Balance(_ context.Context, account types.PublicKey) (uint64, error) {
	v, err := l.st.balance(account)
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

func (l *Ledger) Relayer(_ context.Context, relayer types.PublicKey) (*RelayerState, error) {
	return l.st.relayer(relayer)
}

// Announcements lists stealth payments for recipients to scan.
func (l *Ledger) Announcements(_ context.Context) ([]*types.StealthAnnouncement, error) {
	return l.st.announcements()
}
