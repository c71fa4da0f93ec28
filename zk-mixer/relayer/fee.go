package relayer

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/kysee/velo-zk/zk-mixer/pool"
)

const bpsDenominator = 10_000

// FeeSchedule prices a relay as a rate of the denomination clamped to
// [MinFee, MaxFee]. All amounts are lamports.
type FeeSchedule struct {
	MinFee  uint64 `json:"minFee"`
	RateBps uint64 `json:"rateBps"`
	MaxFee  uint64 `json:"maxFee"`
}

func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		MinFee:  500_000,
		RateBps: 50,
		MaxFee:  pool.LamportsPerSol,
	}
}

func (fs FeeSchedule) Validate() error {
	if fs.RateBps > bpsDenominator {
		return fmt.Errorf("fee rate %d bps exceeds 100%%", fs.RateBps)
	}
	if fs.MaxFee < fs.MinFee {
		return fmt.Errorf("max fee %s below min fee %s", pool.FormatSol(fs.MaxFee), pool.FormatSol(fs.MinFee))
	}
	return nil
}

// FeeEstimate is what a relay of one note costs and what reaches the recipient.
type FeeEstimate struct {
	Denomination    uint64
	Fee             uint64
	RecipientAmount uint64
}

// Estimate computes min(max(MinFee, denomination*RateBps/10000), MaxFee).
// The fee never exceeds the denomination.
func (fs FeeSchedule) Estimate(denomination uint64) FeeEstimate {
	fee := new(uint256.Int).SetUint64(denomination)
	fee.Mul(fee, uint256.NewInt(fs.RateBps))
	fee.Div(fee, uint256.NewInt(bpsDenominator))

	if lo := uint256.NewInt(fs.MinFee); fee.Lt(lo) {
		fee = lo
	}
	if hi := uint256.NewInt(fs.MaxFee); fee.Gt(hi) {
		fee = hi
	}
	if d := uint256.NewInt(denomination); fee.Gt(d) {
		fee = d
	}

	return FeeEstimate{
		Denomination:    denomination,
		Fee:             fee.Uint64(),
		RecipientAmount: denomination - fee.Uint64(),
	}
}
