package splitter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/rs/zerolog"
)

type State int

const (
	Waiting State = iota
	Sending
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Sending:
		return "sending"
	case Succeeded:
		return "success"
	case Failed:
		return "error"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) Settled() bool {
	return s == Succeeded || s == Failed
}

// SendFunc withdraws one part. It is never called with a cancellable context.
type SendFunc func(ctx context.Context, part Part) (types.Signature, error)

type PartStatus struct {
	Part
	State     State
	Signature types.Signature
	Err       error
}

// PartialSplitFailure reports a split that stopped at a failed part. The
// completed parts are spent and must not be sent again.
type PartialSplitFailure struct {
	PlanID    string
	Completed []PartStatus
	Failed    PartStatus
	Err       error
}

func (e *PartialSplitFailure) Error() string {
	return fmt.Sprintf("split %s: part %d (%s SOL) failed after %d completed: %v",
		e.PlanID, e.Failed.Order, pool.FormatSol(e.Failed.Denomination), len(e.Completed), e.Err)
}

func (e *PartialSplitFailure) Unwrap() []error {
	return []error{types.ErrPartialSplitFailure, e.Err}
}

// Clock lets tests run a schedule without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Execution drives a plan one part at a time:
// Waiting -> Sending -> Succeeded|Failed, or Waiting -> Cancelled.
// A cancelled execution resumes from the cancelled part on the next Run.
type Execution struct {
	plan   *SplitPlan
	clock  Clock
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	status  []PartStatus
	failure *PartialSplitFailure
}

func NewExecution(plan *SplitPlan, clock Clock, logger zerolog.Logger) *Execution {
	if clock == nil {
		clock = realClock{}
	}
	status := make([]PartStatus, len(plan.Parts))
	for i, p := range plan.Parts {
		status[i] = PartStatus{Part: p, State: Waiting}
	}
	return &Execution{plan: plan, clock: clock, logger: logger, status: status}
}

func (e *Execution) Plan() *SplitPlan { return e.plan }

// Status returns a snapshot of every part.
func (e *Execution) Status() []PartStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]PartStatus(nil), e.status...)
}

func (e *Execution) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.status {
		if s.State != Succeeded {
			return false
		}
	}
	return true
}

func (e *Execution) completedLocked() []PartStatus {
	var out []PartStatus
	for _, s := range e.status {
		if s.State == Succeeded {
			out = append(out, s)
		}
	}
	return out
}

func (e *Execution) set(i int, state State) {
	e.mu.Lock()
	e.status[i].State = state
	e.mu.Unlock()
}

// Run sends the remaining parts in order. It returns ctx.Err() if cancelled
// while waiting and a *PartialSplitFailure at the first failed part. Once a
// part fails every later Run returns the same failure.
func (e *Execution) Run(ctx context.Context, send SendFunc) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("split %s is already running", e.plan.ID)
	}
	if e.failure != nil {
		e.mu.Unlock()
		return e.failure
	}
	e.running = true
	next := 0
	for next < len(e.status) && e.status[next].State == Succeeded {
		next++
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	// gaps between parts are kept when resuming
	var prev time.Duration
	if next > 0 {
		prev = e.plan.Parts[next-1].Delay
	}
	base := e.clock.Now().Add(-prev)

	for i := next; i < len(e.plan.Parts); i++ {
		part := e.plan.Parts[i]
		e.set(i, Waiting)

		if err := e.wait(ctx, base.Add(part.Delay)); err != nil {
			e.set(i, Cancelled)
			e.logger.Info().Str("plan", e.plan.ID).Int("order", part.Order).Msg("split cancelled")
			return err
		}

		e.set(i, Sending)
		sig, err := send(context.WithoutCancel(ctx), part)

		e.mu.Lock()
		if err != nil {
			e.status[i].State = Failed
			e.status[i].Err = err
			e.failure = &PartialSplitFailure{
				PlanID:    e.plan.ID,
				Completed: e.completedLocked(),
				Failed:    e.status[i],
				Err:       err,
			}
			e.mu.Unlock()
			e.logger.Warn().Err(err).Str("plan", e.plan.ID).Int("order", part.Order).Msg("split part failed")
			return e.failure
		}
		e.status[i].State = Succeeded
		e.status[i].Signature = sig
		e.mu.Unlock()

		e.logger.Debug().
			Str("plan", e.plan.ID).
			Int("order", part.Order).
			Str("denomination", pool.FormatSol(part.Denomination)).
			Msg("split part sent")
	}
	return nil
}

// wait blocks until at, or returns ctx.Err() if ctx ends first.
func (e *Execution) wait(ctx context.Context, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := at.Sub(e.clock.Now())
	if d <= 0 {
		return nil
	}
	select {
	case <-e.clock.After(d):
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
