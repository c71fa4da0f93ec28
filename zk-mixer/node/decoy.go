package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/types"
)

// ShuffleGapSlots is how many slots must pass after a shuffle before the next one.
const ShuffleGapSlots = 2

var (
	ErrDecoySystemDisabled    = errors.New("decoy system is not enabled")
	ErrInvalidDecoyVaultIndex = errors.New("invalid decoy vault index")
	ErrShuffleRateLimited     = errors.New("shuffle rate limited")
	ErrDecoyExists            = errors.New("decoy system already initialized")
	ErrNotAuthority           = errors.New("signer is not the authority")
)

// DecoyConfig is the decoy state of one pool. Decoy vaults hold pool funds
// that are moved in and out of the vault to add traffic that looks like
// deposits and withdrawals.
type DecoyConfig struct {
	Pool            types.PublicKey `json:"pool"`
	Authority       types.PublicKey `json:"authority"`
	NumDecoyVaults  uint8           `json:"numDecoyVaults"`
	TotalShuffles   uint64          `json:"totalShuffles"`
	LastShuffleSlot uint64          `json:"lastShuffleSlot"`
	Enabled         bool            `json:"enabled"`
}

func (l *Ledger) DecoyVault(denomination uint64, index uint8) (types.PublicKey, error) {
	return pool.DecoyVault(l.cfg.ProgramID, l.cfg.Seeds, denomination, index)
}

func (l *Ledger) Decoy(_ context.Context, denomination uint64) (*DecoyConfig, error) {
	dc, err := l.st.decoy(denomination)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, ErrDecoySystemDisabled
	}
	return dc, nil
}

// InitDecoySystem creates the decoy config of a pool. Only the pool authority
// may do so, and numVaults is capped at pool.MaxDecoyVaults.
func (l *Ledger) InitDecoySystem(_ context.Context, authority types.Signer, denomination uint64, numVaults uint8) (*DecoyConfig, error) {
	if numVaults == 0 {
		return nil, fmt.Errorf("%w: no decoy vaults", ErrInvalidDecoyVaultIndex)
	}
	if numVaults > pool.MaxDecoyVaults {
		numVaults = pool.MaxDecoyVaults
	}
	if _, err := sign(authority, txMessage("initDecoySystem", u64(denomination), []byte{numVaults})); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.st.pool(denomination)
	if err != nil {
		return nil, err
	}
	if st.Authority != authority.PublicKey() {
		return nil, ErrNotAuthority
	}
	if existing, err := l.st.decoy(denomination); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrDecoyExists
	}

	addrs, err := l.Addresses(denomination)
	if err != nil {
		return nil, err
	}
	dc := &DecoyConfig{
		Pool:           addrs.Pool,
		Authority:      authority.PublicKey(),
		NumDecoyVaults: numVaults,
		Enabled:        true,
	}
	bt := l.st.newBatch()
	if err := bt.putJSON(decoyKey(denomination), dc); err != nil {
		return nil, err
	}
	if err := bt.commit(); err != nil {
		return nil, err
	}
	l.logger.Info().Str("denomination", pool.FormatSol(denomination)).Uint8("vaults", numVaults).Msg("decoy system initialized")
	return dc, nil
}

// SetDecoyEnabled switches the decoy system of a pool on or off.
func (l *Ledger) SetDecoyEnabled(_ context.Context, authority types.Signer, denomination uint64, enabled bool) error {
	flag := []byte{0}
	if enabled {
		flag[0] = 1
	}
	if _, err := sign(authority, txMessage("setDecoyEnabled", u64(denomination), flag)); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dc, err := l.st.decoy(denomination)
	if err != nil {
		return err
	}
	if dc == nil {
		return ErrDecoySystemDisabled
	}
	if dc.Authority != authority.PublicKey() {
		return ErrNotAuthority
	}
	dc.Enabled = enabled
	bt := l.st.newBatch()
	if err := bt.putJSON(decoyKey(denomination), dc); err != nil {
		return err
	}
	return bt.commit()
}

// decoyConfig loads an enabled decoy config and checks the signer against it.
// Callers hold l.mu.
func (l *Ledger) decoyConfig(signer types.Signer, denomination uint64) (*DecoyConfig, error) {
	dc, err := l.st.decoy(denomination)
	if err != nil {
		return nil, err
	}
	if dc == nil || !dc.Enabled {
		return nil, ErrDecoySystemDisabled
	}
	if dc.Authority != signer.PublicKey() {
		return nil, ErrNotAuthority
	}
	return dc, nil
}

// moveDecoy transfers amount between the vault and decoy vault index.
// toDecoy moves vault funds out. Callers hold l.mu.
func (l *Ledger) moveDecoy(bt *batch, denomination uint64, index uint8, amount uint64, toDecoy bool) error {
	addrs, err := l.Addresses(denomination)
	if err != nil {
		return err
	}
	decoy, err := l.DecoyVault(denomination, index)
	if err != nil {
		return err
	}
	from, to := decoy, addrs.Vault
	if toDecoy {
		from, to = addrs.Vault, decoy
	}
	ok, err := bt.transfer(from, to, amount)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s SOL from %s", ErrInsufficientFunds, pool.FormatSol(amount), from)
	}
	return nil
}

// Shuffle moves amount between the vault and a decoy vault. Shuffles of one
// pool are at least ShuffleGapSlots apart.
func (l *Ledger) Shuffle(_ context.Context, signer types.Signer, denomination uint64, index uint8, amount uint64, toDecoy bool) (types.Signature, error) {
	dir := []byte{0}
	if toDecoy {
		dir[0] = 1
	}
	sig, err := sign(signer, txMessage("shuffle", u64(denomination), []byte{index}, u64(amount), dir))
	if err != nil {
		return sig, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dc, err := l.decoyConfig(signer, denomination)
	if err != nil {
		return sig, err
	}
	if index >= dc.NumDecoyVaults {
		return sig, fmt.Errorf("%w: %d of %d", ErrInvalidDecoyVaultIndex, index, dc.NumDecoyVaults)
	}
	slot := l.Slot()
	if slot <= dc.LastShuffleSlot+ShuffleGapSlots {
		return sig, ErrShuffleRateLimited
	}

	bt := l.st.newBatch()
	if err := l.moveDecoy(bt, denomination, index, amount, toDecoy); err != nil {
		return sig, err
	}
	dc.TotalShuffles++
	dc.LastShuffleSlot = slot
	if err := bt.putJSON(decoyKey(denomination), dc); err != nil {
		return sig, err
	}
	if err := bt.commit(); err != nil {
		return sig, err
	}
	l.logger.Debug().Str("denomination", pool.FormatSol(denomination)).Msg("shuffle")
	return sig, nil
}

// DecoyDeposit moves one denomination from decoy vault 0 into the vault. The
// commitment is only part of the signed message; the tree and the pool
// counters are untouched.
func (l *Ledger) DecoyDeposit(_ context.Context, signer types.Signer, denomination uint64, commitment types.NoteCommitment) (types.Signature, error) {
	sig, err := sign(signer, txMessage("decoyDeposit", u64(denomination), commitment[:]))
	if err != nil {
		return sig, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.decoyConfig(signer, denomination); err != nil {
		return sig, err
	}
	bt := l.st.newBatch()
	if err := l.moveDecoy(bt, denomination, 0, denomination, false); err != nil {
		return sig, err
	}
	if err := bt.commit(); err != nil {
		return sig, err
	}
	l.logger.Debug().Str("denomination", pool.FormatSol(denomination)).Msg("deposit")
	return sig, nil
}

// DecoyWithdraw moves one denomination from the vault into decoy vault 0.
func (l *Ledger) DecoyWithdraw(_ context.Context, signer types.Signer, denomination uint64) (types.Signature, error) {
	sig, err := sign(signer, txMessage("decoyWithdraw", u64(denomination)))
	if err != nil {
		return sig, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.decoyConfig(signer, denomination); err != nil {
		return sig, err
	}
	bt := l.st.newBatch()
	if err := l.moveDecoy(bt, denomination, 0, denomination, true); err != nil {
		return sig, err
	}
	if err := bt.commit(); err != nil {
		return sig, err
	}
	l.logger.Debug().Str("denomination", pool.FormatSol(denomination)).Msg("withdrawal")
	return sig, nil
}
