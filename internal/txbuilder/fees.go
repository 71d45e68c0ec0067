package txbuilder

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"

	"github.com/0xjba/session-keys/internal/provider"
)

// Priority selects the fee tier. The tier index doubles as the reward
// percentile bucket consumed from fee history.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (pr Priority) String() string {
	switch pr {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// rewardPercentiles is the fixed percentile set requested from fee history;
// tiers LOW/MEDIUM/HIGH consume buckets 0/1/2.
var rewardPercentiles = []float64{10, 50, 90}

// multiplier returns the tier's base-fee scaling as an integer ratio, so
// maxFee = floor(baseFee × num ÷ den) + priorityFee.
func (pr Priority) multiplier() (num, den int64) {
	switch pr {
	case PriorityHigh:
		return 200, 100
	case PriorityMedium:
		return 150, 100
	default:
		return 120, 100
	}
}

// resolveFees computes {maxFeePerGas, maxPriorityFeePerGas} for the tier
// from recent fee history. When history is unavailable or malformed it
// degrades to the configured fixed constants; this path never fails.
func (b *Builder) resolveFees(ctx context.Context, p provider.Provider, pr Priority) (maxFee, priorityFee *big.Int) {
	fh, err := provider.GetFeeHistory(ctx, p, b.fees.HistoryBlocks, rewardPercentiles)
	if err != nil {
		b.log.Warn("fee history unavailable, using fallback fees", zap.Error(err))
		return b.fallbackFees(pr)
	}

	idx := int(pr)
	if len(fh.BaseFeePerGas) == 0 || len(fh.Reward) == 0 || len(fh.Reward[len(fh.Reward)-1]) <= idx {
		b.log.Warn("fee history malformed, using fallback fees",
			zap.Int("base_fee_entries", len(fh.BaseFeePerGas)),
			zap.Int("reward_rows", len(fh.Reward)),
		)
		return b.fallbackFees(pr)
	}

	priorityFee = fh.Reward[len(fh.Reward)-1][idx]
	baseFee := fh.BaseFeePerGas[len(fh.BaseFeePerGas)-1]

	num, den := pr.multiplier()
	maxFee = new(big.Int).Mul(baseFee, big.NewInt(num))
	maxFee.Quo(maxFee, big.NewInt(den))
	maxFee.Add(maxFee, priorityFee)
	return maxFee, priorityFee
}

func (b *Builder) fallbackFees(pr Priority) (maxFee, priorityFee *big.Int) {
	priorityFee = new(big.Int).Mul(big.NewInt(b.fees.FallbackPriorityGwei), big.NewInt(params.GWei))
	baseFee := new(big.Int).Mul(big.NewInt(b.fees.FallbackBaseGwei), big.NewInt(params.GWei))

	num, den := pr.multiplier()
	maxFee = new(big.Int).Mul(baseFee, big.NewInt(num))
	maxFee.Quo(maxFee, big.NewInt(den))
	maxFee.Add(maxFee, priorityFee)
	return maxFee, priorityFee
}
