package splitter

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/kysee/velo-zk/utils"
	"github.com/kysee/velo-zk/zk-mixer/pool"
)

var (
	ErrAmountTooSmall           = errors.New("amount is below the smallest denomination")
	ErrUnrepresentableRemainder = errors.New("amount leaves a remainder no denomination can carry")
)

type Options struct {
	// Each part waits an independent random gap in [MinDelay, MaxDelay]
	// after the previous one.
	MinDelay time.Duration
	MaxDelay time.Duration

	// RejectRemainder fails the plan instead of reporting the remainder.
	RejectRemainder bool

	// Rand drives delays and shuffling. Nil uses a generator seeded from crypto/rand.
	Rand *rand.Rand
}

func DefaultOptions() Options {
	return Options{
		MinDelay: 30 * time.Second,
		MaxDelay: 5 * time.Minute,
	}
}

func (o *Options) Validate() error {
	if o.MinDelay <= 0 {
		return fmt.Errorf("min delay must be positive, got %s", o.MinDelay)
	}
	if o.MaxDelay < o.MinDelay {
		return fmt.Errorf("max delay %s is below min delay %s", o.MaxDelay, o.MinDelay)
	}
	return nil
}

func (o *Options) rand() *rand.Rand {
	if o.Rand != nil {
		return o.Rand
	}
	var seed [32]byte
	copy(seed[:], utils.RandBytes(32))
	return rand.New(rand.NewChaCha8(seed))
}

// Part is one fixed-denomination withdrawal of a plan. Order is its position
// in execution order and Delay is measured from the start of execution.
type Part struct {
	Order        int           `json:"order"`
	Denomination uint64        `json:"denomination"`
	Delay        time.Duration `json:"delay"`
}

// SplitPlan decomposes an amount into parts ordered by execution.
type SplitPlan struct {
	ID                string        `json:"id"`
	Amount            uint64        `json:"amount"`
	Total             uint64        `json:"total"`
	Remainder         uint64        `json:"remainder"`
	Parts             []Part        `json:"parts"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
}

// Count returns how many parts of each denomination the plan sends.
func (p *SplitPlan) Count() map[uint64]int {
	out := make(map[uint64]int)
	for _, part := range p.Parts {
		out[part.Denomination]++
	}
	return out
}

// Decompose splits amount greedily, largest denomination first. It returns
// the parts and the leftover below the smallest denomination.
func Decompose(amount uint64, denominations pool.Set) ([]uint64, uint64) {
	var parts []uint64
	rest := amount
	for _, d := range denominations {
		for rest >= d {
			parts = append(parts, d)
			rest -= d
		}
	}
	return parts, rest
}

// Plan decomposes amount and schedules the parts. Delays are cumulative and
// strictly increasing; parts are shuffled across the delay slots so the
// submission order does not follow the decomposition.
func Plan(amount uint64, denominations pool.Set, opts Options) (*SplitPlan, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(denominations) == 0 {
		return nil, errors.New("no denominations")
	}
	if amount < denominations.Smallest() {
		return nil, fmt.Errorf("%w: %s < %s SOL", ErrAmountTooSmall,
			pool.FormatSol(amount), pool.FormatSol(denominations.Smallest()))
	}

	parts, rest := Decompose(amount, denominations)
	if rest > 0 && opts.RejectRemainder {
		return nil, fmt.Errorf("%w: %s SOL", ErrUnrepresentableRemainder, pool.FormatSol(rest))
	}

	r := opts.rand()
	slots := make([]time.Duration, len(parts))
	var at time.Duration
	for i := range slots {
		at += opts.MinDelay + time.Duration(r.Int64N(int64(opts.MaxDelay-opts.MinDelay)+1))
		slots[i] = at
	}
	r.Shuffle(len(parts), func(i, j int) { parts[i], parts[j] = parts[j], parts[i] })

	plan := &SplitPlan{
		ID:        uuid.New().String(),
		Amount:    amount,
		Remainder: rest,
		Parts:     make([]Part, len(parts)),
	}
	for i, d := range parts {
		plan.Parts[i] = Part{Order: i, Denomination: d, Delay: slots[i]}
		plan.Total += d
	}
	plan.EstimatedDuration = slots[len(slots)-1]
	return plan, nil
}
