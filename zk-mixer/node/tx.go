package node

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/kysee/velo-zk/zk-mixer/crypto"
	"github.com/kysee/velo-zk/zk-mixer/merkle"
	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/types"
)

// MaxFeeDivisor caps a relayer fee at denomination/100.
const MaxFeeDivisor = 100

var (
	ErrPoolExists        = errors.New("pool already initialized")
	ErrDuplicateDeposit  = errors.New("commitment already deposited")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidSignature  = errors.New("invalid transaction signature")
	ErrTestModeDisabled  = errors.New("test withdrawals are disabled")
	ErrStealthMismatch   = errors.New("recipient is not the stealth address of the announcement")
	ErrUnknownPayment    = errors.New("unknown stealth payment")
)

func u64(v uint64) []byte {
	bz := make([]byte, 8)
	binary.LittleEndian.PutUint64(bz, v)
	return bz
}

func txMessage(kind string, fields ...[]byte) []byte {
	msg := []byte(kind)
	for _, f := range fields {
		msg = append(msg, f...)
	}
	return msg
}

// sign has the submitter sign msg and checks the signature as the program would.
func sign(signer types.Signer, msg []byte) (types.Signature, error) {
	sig := signer.Sign(msg)
	if !types.VerifySignature(signer.PublicKey(), msg, sig) {
		return types.Signature{}, ErrInvalidSignature
	}
	return sig, nil
}

func (l *Ledger) InitializePool(_ context.Context, authority types.Signer, denomination uint64) (*pool.State, error) {
	if denomination == 0 {
		return nil, fmt.Errorf("%w: zero denomination", types.ErrUnknownPool)
	}
	if _, err := sign(authority, txMessage("initializePool", u64(denomination))); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.st.pool(denomination); err == nil {
		return nil, ErrPoolExists
	} else if !errors.Is(err, types.ErrUnknownPool) {
		return nil, err
	}

	acc, err := merkle.New(l.cfg.Depth)
	if err != nil {
		return nil, err
	}
	root := acc.Root()
	st := &pool.State{
		Authority:    authority.PublicKey(),
		Denomination: denomination,
		MerkleRoot:   root.Bytes(),
	}
	bt := l.st.newBatch()
	bt.put(poolKey(denomination), st.Encode())
	if err := bt.commit(); err != nil {
		return nil, err
	}

	l.treMu.Lock()
	l.trees[denomination] = acc
	l.treMu.Unlock()

	l.logger.Info().Str("denomination", pool.FormatSol(denomination)).Msg("pool initialized")
	return st, nil
}

// Deposit moves denomination lamports from the depositor into the vault and
// appends commitment. It returns the leaf index.
func (l *Ledger) Deposit(_ context.Context, depositor types.Signer, denomination uint64, commitment types.NoteCommitment) (uint32, error) {
	if _, err := sign(depositor, txMessage("deposit", u64(denomination), commitment[:])); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.st.pool(denomination)
	if err != nil {
		return 0, err
	}
	acc, err := l.tree(denomination)
	if err != nil {
		return 0, err
	}
	if _, dup := acc.IndexOf(commitment.Element()); dup {
		return 0, ErrDuplicateDeposit
	}
	if uint64(st.NextIndex) >= acc.Capacity() {
		return 0, merkle.ErrTreeFull
	}

	addrs, err := l.Addresses(denomination)
	if err != nil {
		return 0, err
	}
	bt := l.st.newBatch()
	ok, err := bt.transfer(depositor.PublicKey(), addrs.Vault, denomination)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrInsufficientFunds
	}

	idx, err := acc.Append(commitment.Element())
	if err != nil {
		return 0, err
	}
	root := acc.Root()
	st.MerkleRoot = root.Bytes()
	st.NextIndex = idx + 1
	st.TotalDeposits++

	bt.put(leafKey(denomination, idx), commitment[:])
	bt.put(poolKey(denomination), st.Encode())
	if err := bt.commit(); err != nil {
		// the accumulator is ahead of the store; reload it
		if rerr := l.rebuild(denomination); rerr != nil {
			l.logger.Error().Err(rerr).Msg("failed to rebuild accumulator")
		}
		return 0, err
	}

	l.logger.Debug().
		Str("denomination", pool.FormatSol(denomination)).
		Uint32("leafIndex", idx).
		Msg("deposit")
	return idx, nil
}

// RegisterRelayer marks the signer as an active relayer.
func (l *Ledger) RegisterRelayer(_ context.Context, relayer types.Signer) (*RelayerState, error) {
	if _, err := sign(relayer, txMessage("registerRelayer", relayer.PublicKey().Bytes())); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rs, err := l.st.relayer(relayer.PublicKey())
	if err != nil {
		return nil, err
	}
	if rs == nil {
		rs = &RelayerState{Relayer: relayer.PublicKey(), RegisteredAt: time.Now().Unix()}
	}
	rs.Active = true

	bt := l.st.newBatch()
	if err := bt.putJSON(relayerKey(rs.Relayer), rs); err != nil {
		return nil, err
	}
	return rs, bt.commit()
}

func (l *Ledger) DeactivateRelayer(_ context.Context, relayer types.Signer) error {
	if _, err := sign(relayer, txMessage("deactivateRelayer", relayer.PublicKey().Bytes())); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rs, err := l.st.relayer(relayer.PublicKey())
	if err != nil {
		return err
	}
	if rs == nil {
		return types.ErrRelayerNotActive
	}
	rs.Active = false
	bt := l.st.newBatch()
	if err := bt.putJSON(relayerKey(rs.Relayer), rs); err != nil {
		return err
	}
	return bt.commit()
}

// Airdrop credits lamports out of thin air.
func (l *Ledger) Airdrop(_ context.Context, account types.PublicKey, lamports uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	bt := l.st.newBatch()
	if err := bt.credit(account, lamports); err != nil {
		return err
	}
	return bt.commit()
}

// spend is one withdrawal, with or without a proof.
type spend struct {
	denomination  uint64
	nullifierHash types.NullifierHash
	recipient     types.PublicKey
	relayer       types.PublicKey
	fee           uint64
	refund        uint64

	root  *[32]byte
	proof *types.WithdrawProof

	message []byte
}

func proofSpend(kind string, denomination uint64, proof *types.WithdrawProof) *spend {
	s := &proof.Signals
	return &spend{
		denomination:  denomination,
		nullifierHash: s.NullifierHash,
		recipient:     s.Recipient,
		relayer:       s.Relayer,
		fee:           s.Fee,
		refund:        s.Refund,
		root:          &s.Root,
		proof:         proof,
		message: txMessage(kind, u64(denomination), s.Root[:], s.NullifierHash[:],
			s.Recipient[:], s.Relayer[:], u64(s.Fee), u64(s.Refund), proof.Proof),
	}
}

// execute runs the withdrawal checks in program order and applies the transfers.
// extra stages additional writes in the same batch. Callers hold l.mu.
func (l *Ledger) execute(signer types.Signer, sp *spend, extra func(bt *batch) error) (types.Signature, error) {
	var sig types.Signature

	// spent entries are keyed by the canonical encoding
	if err := sp.nullifierHash.CheckCanonical(); err != nil {
		return sig, err
	}

	st, err := l.st.pool(sp.denomination)
	if err != nil {
		return sig, err
	}

	spent, err := l.st.has(nullifierKey(sp.denomination, sp.nullifierHash))
	if err != nil {
		return sig, err
	}
	if spent {
		return sig, types.ErrNullifierAlreadySpent
	}

	if sp.proof != nil {
		if *sp.root != st.MerkleRoot {
			return sig, types.ErrStaleRoot
		}
		if l.verifier == nil {
			return sig, fmt.Errorf("%w: no verifier configured", types.ErrInvalidProof)
		}
		if err := l.verifier.Verify(sp.proof); err != nil {
			return sig, err
		}
	}

	if sp.fee > sp.denomination/MaxFeeDivisor {
		return sig, fmt.Errorf("%w: %s > %s", types.ErrFeeTooHigh,
			pool.FormatSol(sp.fee), pool.FormatSol(sp.denomination/MaxFeeDivisor))
	}

	rs, err := l.st.relayer(sp.relayer)
	if err != nil {
		return sig, err
	}
	if rs == nil || !rs.Active || signer.PublicKey() != sp.relayer {
		return sig, types.ErrRelayerNotActive
	}

	if sig, err = sign(signer, sp.message); err != nil {
		return sig, err
	}

	addrs, err := l.Addresses(sp.denomination)
	if err != nil {
		return sig, err
	}
	bt := l.st.newBatch()
	vault, err := bt.balance(addrs.Vault)
	if err != nil {
		return sig, err
	}
	if vault.Uint64() < sp.denomination {
		return sig, types.ErrInsufficientPoolLiquidity
	}

	if _, err := bt.transfer(addrs.Vault, sp.recipient, sp.denomination-sp.fee); err != nil {
		return sig, err
	}
	if _, err := bt.transfer(addrs.Vault, sp.relayer, sp.fee); err != nil {
		return sig, err
	}
	if sp.refund > 0 {
		ok, err := bt.transfer(sp.relayer, sp.recipient, sp.refund)
		if err != nil {
			return sig, err
		}
		if !ok {
			return sig, fmt.Errorf("%w: relayer cannot cover refund", ErrInsufficientFunds)
		}
	}

	rs.TotalRelayed++
	rs.TotalFees += sp.fee
	if err := bt.putJSON(relayerKey(rs.Relayer), rs); err != nil {
		return sig, err
	}
	bt.put(nullifierKey(sp.denomination, sp.nullifierHash), []byte{1})
	if extra != nil {
		if err := extra(bt); err != nil {
			return sig, err
		}
	}
	if err := bt.commit(); err != nil {
		return sig, err
	}

	l.logger.Info().
		Str("denomination", pool.FormatSol(sp.denomination)).
		Str("nullifierHash", sp.nullifierHash.String()).
		Str("relayer", sp.relayer.String()).
		Str("fee", pool.FormatSol(sp.fee)).
		Bool("proof", sp.proof != nil).
		Msg("withdrawal")
	return sig, nil
}

// Withdraw pays out a proof-carrying withdrawal. The proof must be bound to
// the current pool root.
func (l *Ledger) Withdraw(_ context.Context, signer types.Signer, ix *types.WithdrawInstruction) (types.Signature, error) {
	if ix.Proof == nil {
		return types.Signature{}, fmt.Errorf("%w: missing proof", types.ErrInvalidProof)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.execute(signer, proofSpend("withdraw", ix.Denomination, ix.Proof), nil)
}

// WithdrawTest spends a nullifier without a proof. The signer is the relayer.
func (l *Ledger) WithdrawTest(_ context.Context, signer types.Signer, ix *types.WithdrawTestInstruction) (types.Signature, error) {
	if !l.cfg.AllowTestWithdraw {
		return types.Signature{}, ErrTestModeDisabled
	}
	sp := &spend{
		denomination:  ix.Denomination,
		nullifierHash: ix.NullifierHash,
		recipient:     ix.Recipient,
		relayer:       signer.PublicKey(),
		fee:           ix.Fee,
		message: txMessage("withdrawTest", u64(ix.Denomination), ix.NullifierHash[:],
			ix.Recipient[:], u64(ix.Fee)),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.execute(signer, sp, nil)
}

// WithdrawToStealth pays a one-time stealth address and records the
// announcement. Without a proof it requires test mode.
func (l *Ledger) WithdrawToStealth(_ context.Context, signer types.Signer, ix *types.StealthWithdrawInstruction) (types.Signature, error) {
	addr, err := pool.StealthAddress(l.cfg.ProgramID, l.cfg.Seeds, ix.Announcement.StealthHash)
	if err != nil {
		return types.Signature{}, err
	}

	var sp *spend
	if ix.Proof != nil {
		sp = proofSpend("withdrawToStealth", ix.Denomination, ix.Proof)
	} else {
		if !l.cfg.AllowTestWithdraw {
			return types.Signature{}, ErrTestModeDisabled
		}
		sp = &spend{
			denomination:  ix.Denomination,
			nullifierHash: ix.NullifierHash,
			recipient:     addr,
			relayer:       signer.PublicKey(),
			fee:           ix.Fee,
			message: txMessage("withdrawToStealthTest", u64(ix.Denomination), ix.NullifierHash[:],
				addr[:], u64(ix.Fee)),
		}
	}
	if sp.recipient != addr {
		return types.Signature{}, ErrStealthMismatch
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.st.announcement(ix.Announcement.StealthHash)
	if err != nil {
		return types.Signature{}, err
	}
	if existing != nil {
		return types.Signature{}, fmt.Errorf("stealth address %s already used", addr)
	}

	ann := ix.Announcement
	ann.Amount = sp.denomination - sp.fee
	ann.Claimed = false
	return l.execute(signer, sp, func(bt *batch) error {
		return bt.putJSON(stealthKey(ann.StealthHash), &ann)
	})
}

// ClaimStealth moves a stealth payment to the claim's destination.
func (l *Ledger) ClaimStealth(_ context.Context, claim *crypto.Claim) (types.Signature, error) {
	var sig types.Signature
	if err := crypto.VerifyClaim(claim); err != nil {
		return sig, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ann, err := l.st.announcement(claim.StealthHash)
	if err != nil {
		return sig, err
	}
	if ann == nil {
		return sig, ErrUnknownPayment
	}
	if ann.Claimed {
		return sig, types.ErrAlreadyClaimed
	}

	addr, err := pool.StealthAddress(l.cfg.ProgramID, l.cfg.Seeds, claim.StealthHash)
	if err != nil {
		return sig, err
	}
	bt := l.st.newBatch()
	bal, err := bt.balance(addr)
	if err != nil {
		return sig, err
	}
	if _, err := bt.transfer(addr, claim.Destination, bal.Uint64()); err != nil {
		return sig, err
	}
	ann.Claimed = true
	if err := bt.putJSON(stealthKey(ann.StealthHash), ann); err != nil {
		return sig, err
	}
	if err := bt.commit(); err != nil {
		return sig, err
	}

	copy(sig[:], claim.Signature)
	l.logger.Info().Str("stealth", addr.String()).Msg("stealth payment claimed")
	return sig, nil
}
