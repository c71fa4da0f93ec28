package prover

import (
	"context"
	"fmt"

	"github.com/kysee/velo-zk/utils"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Pool runs proofs on its own goroutines, at most workers at a time, and
// never proves the same nullifier twice concurrently.
type Pool struct {
	prover   *Prover
	sem      *semaphore.Weighted
	inflight *utils.InFlight
	logger   zerolog.Logger
}

func NewPool(prover *Prover, workers int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		prover:   prover,
		sem:      semaphore.NewWeighted(int64(workers)),
		inflight: utils.NewInFlight(),
		logger:   logger,
	}
}

type result struct {
	proof *types.WithdrawProof
	err   error
}

// Prove waits for a free worker and returns the proof. If ctx ends first the
// proof keeps running in the background and the nullifier stays busy until it
// finishes.
func (p *Pool) Prove(ctx context.Context, in *WithdrawInput) (*types.WithdrawProof, error) {
	if in.Note == nil {
		return nil, fmt.Errorf("%w: note is required", types.ErrConstraintViolation)
	}
	release, ok := p.inflight.TryAcquire(in.Note.NullifierHash())
	if !ok {
		return nil, types.ErrSpendInFlight
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		release()
		return nil, err
	}

	done := make(chan result, 1)
	go func() {
		proof, err := p.prover.ProveWithdraw(in)
		// the nullifier is free by the time the caller sees the result
		p.sem.Release(1)
		release()
		done <- result{proof: proof, err: err}
	}()

	select {
	case r := <-done:
		return r.proof, r.err
	case <-ctx.Done():
		p.logger.Warn().
			Str("nullifierHash", in.Note.NullifierHash().String()).
			Msg("caller gave up waiting for proof")
		return nil, ctx.Err()
	}
}

// Busy reports how many nullifiers have a proof queued or running.
func (p *Pool) Busy() int {
	return p.inflight.Len()
}
