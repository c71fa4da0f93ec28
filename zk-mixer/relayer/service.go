package relayer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru"
	"github.com/kysee/velo-zk/utils"
	"github.com/kysee/velo-zk/zk-mixer/crypto"
	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/prover"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Prover turns a withdraw input into a proof. *prover.Pool implements it.
type Prover interface {
	Prove(ctx context.Context, in *prover.WithdrawInput) (*types.WithdrawProof, error)
}

// ProofVerifier checks client-supplied proofs before they are submitted.
type ProofVerifier interface {
	Verify(proof *types.WithdrawProof) error
}

type Config struct {
	Mode      Mode
	Fees      FeeSchedule
	Pools     pool.Set
	ProgramID types.PublicKey
	Seeds     pool.Seeds

	SpentCacheSize   int
	StaleRootRetries uint64
	RetryInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Mode:             ModeProve,
		Fees:             DefaultFeeSchedule(),
		Pools:            pool.DefaultSet(),
		ProgramID:        types.MustPublicKey(types.DefaultProgram),
		Seeds:            pool.DefaultSeeds(),
		SpentCacheSize:   10240,
		StaleRootRetries: 3,
		RetryInterval:    200 * time.Millisecond,
	}
}

// Receipt is the outcome of one relayed withdrawal.
type Receipt struct {
	Signature       types.Signature
	NullifierHash   types.NullifierHash
	Denomination    uint64
	Fee             uint64
	RecipientAmount uint64
	StealthAddress  *types.PublicKey
	Announcement    *types.StealthAnnouncement
}

type spentKey struct {
	denomination  uint64
	nullifierHash types.NullifierHash
}

// Service submits withdrawals on behalf of depositors, signing with the
// relayer key. The ledger decides whether a nullifier is spent; the local
// cache only short-circuits repeats.
type Service struct {
	cfg      Config
	ledger   types.LedgerClient
	signer   types.Signer
	prover   Prover
	verifier ProofVerifier
	metrics  *Metrics
	logger   zerolog.Logger

	inflight *utils.InFlight
	spent    *lru.Cache
}

// NewService wires the relayer. prover may be nil in test mode, verifier may be
// nil when the ledger is trusted to reject bad proofs.
func NewService(cfg Config, ledger types.LedgerClient, signer types.Signer, prover Prover, verifier ProofVerifier, logger zerolog.Logger) (*Service, error) {
	if err := cfg.Fees.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Pools) == 0 {
		return nil, errors.New("no pools configured")
	}
	if cfg.Mode == ModeProve && prover == nil {
		return nil, errors.New("prove mode requires a prover")
	}
	if cfg.SpentCacheSize <= 0 {
		cfg.SpentCacheSize = 1024
	}
	spent, err := lru.New(cfg.SpentCacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:      cfg,
		ledger:   ledger,
		signer:   signer,
		prover:   prover,
		verifier: verifier,
		metrics:  NewMetrics(),
		logger:   logger,
		inflight: utils.NewInFlight(),
		spent:    spent,
	}, nil
}

func (s *Service) Config() Config             { return s.cfg }
func (s *Service) Metrics() *Metrics          { return s.metrics }
func (s *Service) Relayer() types.PublicKey   { return s.signer.PublicKey() }
func (s *Service) Ledger() types.LedgerClient { return s.ledger }

// log returns the request logger carried by ctx, or the service logger.
func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

// Denomination converts a SOL pool size into a supported denomination.
func (s *Service) Denomination(poolSize decimal.Decimal) (uint64, error) {
	denomination, err := pool.FromSol(poolSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrUnknownPool, err)
	}
	if err := s.cfg.Pools.Check(denomination); err != nil {
		return 0, err
	}
	return denomination, nil
}

func (s *Service) EstimateFee(poolSize decimal.Decimal) (FeeEstimate, error) {
	denomination, err := s.Denomination(poolSize)
	if err != nil {
		return FeeEstimate{}, err
	}
	return s.cfg.Fees.Estimate(denomination), nil
}

// Pools reads the ledger state of every configured pool that exists.
func (s *Service) Pools(ctx context.Context) ([]*PoolInfo, error) {
	var out []*PoolInfo
	for _, d := range s.cfg.Pools {
		raw, err := s.ledger.PoolAccount(ctx, d)
		if errors.Is(err, types.ErrUnknownPool) {
			continue
		} else if err != nil {
			return nil, err
		}
		st, err := pool.DecodeState(raw)
		if err != nil {
			return nil, err
		}
		vault, err := s.ledger.VaultBalance(ctx, d)
		if err != nil {
			return nil, err
		}
		out = append(out, &PoolInfo{
			PoolSize:      pool.ToSol(d),
			Root:          fmt.Sprintf("0x%x", st.MerkleRoot[:]),
			NextIndex:     st.NextIndex,
			TotalDeposits: st.TotalDeposits,
			Vault:         pool.ToSol(vault),
		})
	}
	return out, nil
}

// RelayWithdraw relays a note spend or a client-proved spend.
func (s *Service) RelayWithdraw(ctx context.Context, req *WithdrawRequest) (*Receipt, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		s.metrics.failure(err)
		return nil, err
	}

	var (
		rcpt *Receipt
		err  error
	)
	if req.Proof != nil {
		rcpt, err = s.relayProof(ctx, req.Proof)
	} else {
		rcpt, err = s.spendNote(ctx, req.Note, func(ctx context.Context, sp *noteSpend) (types.Signature, error) {
			return s.withdrawNote(ctx, sp, req.Note.Recipient)
		})
	}
	if err != nil {
		s.metrics.failure(err)
		return nil, err
	}
	s.metrics.success(false, rcpt.Fee, start)
	return rcpt, nil
}

// RelayStealth relays a note spend to a fresh stealth address of the
// recipient's meta-address.
func (s *Service) RelayStealth(ctx context.Context, req *StealthRequest) (*Receipt, error) {
	start := time.Now()
	meta, err := crypto.ParseMetaAddress(req.RecipientStealthMeta)
	if err != nil {
		err = fmt.Errorf("%w: stealth meta-address: %v", types.ErrMalformedNote, err)
		s.metrics.failure(err)
		return nil, err
	}

	var (
		addr types.PublicKey
		ann  *types.StealthAnnouncement
	)
	rcpt, err := s.spendNote(ctx, &req.NoteSpend, func(ctx context.Context, sp *noteSpend) (types.Signature, error) {
		var err error
		if ann, err = crypto.NewPayment(meta, sp.est.RecipientAmount); err != nil {
			return types.Signature{}, err
		}
		if addr, err = pool.StealthAddress(s.cfg.ProgramID, s.cfg.Seeds, ann.StealthHash); err != nil {
			return types.Signature{}, err
		}
		return s.withdrawStealth(ctx, sp, addr, ann)
	})
	if err != nil {
		s.metrics.failure(err)
		return nil, err
	}
	rcpt.StealthAddress = &addr
	rcpt.Announcement = ann
	s.metrics.success(true, rcpt.Fee, start)
	return rcpt, nil
}

// noteSpend is a checked note about to be spent.
type noteSpend struct {
	note      *types.Note
	leafIndex uint32
	est       FeeEstimate
}

type submitFunc func(ctx context.Context, sp *noteSpend) (types.Signature, error)

// spendNote runs the checks shared by every note spend and then submit.
func (s *Service) spendNote(ctx context.Context, ns *NoteSpend, submit submitFunc) (*Receipt, error) {
	denomination, err := s.Denomination(ns.PoolSize)
	if err != nil {
		return nil, err
	}
	note, err := ns.note(denomination)
	if err != nil {
		return nil, err
	}
	nh := note.NullifierHash()

	release, err := s.acquire(ctx, denomination, nh)
	if err != nil {
		return nil, err
	}
	defer release()

	leafIndex, found, err := s.ledger.LeafIndex(ctx, denomination, note.Commitment())
	if err != nil {
		return nil, unavailable(err)
	}
	if !found {
		return nil, fmt.Errorf("%w: commitment %s is not in the %s SOL pool",
			types.ErrMalformedNote, note.Commitment(), pool.FormatSol(denomination))
	}
	note.SetDeposited(leafIndex)

	sp := &noteSpend{note: note, leafIndex: leafIndex, est: s.cfg.Fees.Estimate(denomination)}
	sig, err := submit(ctx, sp)
	if err != nil {
		return nil, s.settle(ctx, denomination, nh, err)
	}
	s.spent.Add(spentKey{denomination, nh}, struct{}{})

	s.log(ctx).Info().
		Str("poolSize", pool.FormatSol(denomination)).
		Str("nullifierHash", nh.String()).
		Str("fee", pool.FormatSol(sp.est.Fee)).
		Str("mode", string(s.cfg.Mode)).
		Msg("relayed note spend")

	return &Receipt{
		Signature:       sig,
		NullifierHash:   nh,
		Denomination:    denomination,
		Fee:             sp.est.Fee,
		RecipientAmount: sp.est.RecipientAmount,
	}, nil
}

// acquire takes the in-flight slot for nh and refuses nullifiers already
// known spent. The cache is consulted first, the ledger second.
func (s *Service) acquire(ctx context.Context, denomination uint64, nh types.NullifierHash) (func(), error) {
	release, ok := s.inflight.TryAcquire(nh)
	if !ok {
		return nil, types.ErrSpendInFlight
	}
	s.metrics.InFlight.Update(int64(s.inflight.Len()))

	done := func() {
		release()
		s.metrics.InFlight.Update(int64(s.inflight.Len()))
	}

	if s.spent.Contains(spentKey{denomination, nh}) {
		done()
		return nil, types.ErrNullifierAlreadySpent
	}
	spent, err := s.ledger.IsSpent(ctx, denomination, nh)
	if err != nil {
		done()
		return nil, unavailable(err)
	}
	if spent {
		s.spent.Add(spentKey{denomination, nh}, struct{}{})
		done()
		return nil, types.ErrNullifierAlreadySpent
	}
	return done, nil
}

// unavailable classifies a ledger read failure. Errors the protocol knows
// about keep their kind; anything else means the ledger could not be reached.
func unavailable(err error) error {
	if types.ErrorKind(err) != "Internal" {
		return err
	}
	return fmt.Errorf("%w: %v", types.ErrRelayerUnavailable, err)
}

// settle records what a failed submission says about the nullifier.
func (s *Service) settle(ctx context.Context, denomination uint64, nh types.NullifierHash, err error) error {
	if errors.Is(err, types.ErrNullifierAlreadySpent) {
		s.spent.Add(spentKey{denomination, nh}, struct{}{})
	}
	s.log(ctx).Warn().Err(err).
		Str("nullifierHash", nh.String()).
		Str("kind", types.ErrorKind(err)).
		Msg("relay failed")
	return err
}

func (s *Service) withdrawNote(ctx context.Context, sp *noteSpend, recipient types.PublicKey) (types.Signature, error) {
	if s.cfg.Mode == ModeTest {
		return s.ledger.WithdrawTest(ctx, s.signer, &types.WithdrawTestInstruction{
			Denomination:  sp.note.Denomination,
			NullifierHash: sp.note.NullifierHash(),
			Recipient:     recipient,
			Fee:           sp.est.Fee,
		})
	}
	return s.proveAndSubmit(ctx, sp, recipient, func(proof *types.WithdrawProof) (types.Signature, error) {
		return s.ledger.Withdraw(ctx, s.signer, &types.WithdrawInstruction{
			Denomination: sp.note.Denomination,
			Proof:        proof,
		})
	})
}

func (s *Service) withdrawStealth(ctx context.Context, sp *noteSpend, addr types.PublicKey, ann *types.StealthAnnouncement) (types.Signature, error) {
	ix := &types.StealthWithdrawInstruction{
		Denomination:  sp.note.Denomination,
		NullifierHash: sp.note.NullifierHash(),
		Fee:           sp.est.Fee,
		Announcement:  *ann,
	}
	if s.cfg.Mode == ModeTest {
		return s.ledger.WithdrawToStealth(ctx, s.signer, ix)
	}
	return s.proveAndSubmit(ctx, sp, addr, func(proof *types.WithdrawProof) (types.Signature, error) {
		ix.Proof = proof
		return s.ledger.WithdrawToStealth(ctx, s.signer, ix)
	})
}

// proveAndSubmit proves against the current root and submits. A stale root
// means a deposit landed in between; the path is re-read and the proof redone.
func (s *Service) proveAndSubmit(ctx context.Context, sp *noteSpend, recipient types.PublicKey, submit func(*types.WithdrawProof) (types.Signature, error)) (types.Signature, error) {
	var sig types.Signature
	op := func() error {
		path, err := s.ledger.PathFor(ctx, sp.note.Denomination, sp.leafIndex)
		if err != nil {
			return backoff.Permanent(unavailable(err))
		}
		proof, err := s.prover.Prove(ctx, &prover.WithdrawInput{
			Note:      sp.note,
			Path:      path,
			Recipient: recipient,
			Relayer:   s.signer.PublicKey(),
			Fee:       sp.est.Fee,
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		sig, err = submit(proof)
		if errors.Is(err, types.ErrStaleRoot) {
			s.log(ctx).Debug().Uint32("leafIndex", sp.leafIndex).Msg("root moved while proving, retrying")
			return err
		} else if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	return sig, backoff.Retry(op, s.retryPolicy(ctx))
}

func (s *Service) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, s.cfg.StaleRootRetries), ctx)
}

// relayProof submits a proof the client generated. The relayer only accepts
// proofs that pay it at least its schedule and name it as relayer.
func (s *Service) relayProof(ctx context.Context, ps *ProofSpend) (*Receipt, error) {
	denomination, err := s.Denomination(ps.PoolSize)
	if err != nil {
		return nil, err
	}
	signals := &ps.Proof.Signals
	if signals.Relayer != s.signer.PublicKey() {
		return nil, fmt.Errorf("%w: proof is bound to relayer %s", types.ErrInvalidProof, signals.Relayer)
	}
	if signals.Recipient.IsZero() {
		return nil, fmt.Errorf("%w: missing recipient", types.ErrMalformedNote)
	}
	est := s.cfg.Fees.Estimate(denomination)
	if signals.Fee < est.Fee {
		return nil, fmt.Errorf("%w: %s < %s", types.ErrFeeTooLow, pool.FormatSol(signals.Fee), pool.FormatSol(est.Fee))
	}
	if signals.Fee > denomination {
		return nil, fmt.Errorf("%w: fee exceeds the denomination", types.ErrFeeTooHigh)
	}

	nh := signals.NullifierHash
	release, err := s.acquire(ctx, denomination, nh)
	if err != nil {
		return nil, err
	}
	defer release()

	root, err := s.ledger.CurrentRoot(ctx, denomination)
	if err != nil {
		return nil, unavailable(err)
	}
	if root != signals.Root {
		return nil, types.ErrStaleRoot
	}
	if s.verifier != nil {
		if err := s.verifier.Verify(ps.Proof); err != nil {
			return nil, err
		}
	}

	sig, err := s.ledger.Withdraw(ctx, s.signer, &types.WithdrawInstruction{
		Denomination: denomination,
		Proof:        ps.Proof,
	})
	if err != nil {
		return nil, s.settle(ctx, denomination, nh, err)
	}
	s.spent.Add(spentKey{denomination, nh}, struct{}{})

	s.log(ctx).Info().
		Str("poolSize", pool.FormatSol(denomination)).
		Str("nullifierHash", nh.String()).
		Str("fee", pool.FormatSol(signals.Fee)).
		Msg("relayed proof spend")

	return &Receipt{
		Signature:       sig,
		NullifierHash:   nh,
		Denomination:    denomination,
		Fee:             signals.Fee,
		RecipientAmount: denomination - signals.Fee,
	}, nil
}
