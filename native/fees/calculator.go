package fees

import (
	"github.com/holiman/uint256"

	"gasrelay/core/types"
	"gasrelay/native/common"
)

// BasisPoints is the denominator for fee rates; 10000 bps = 100%.
const BasisPoints = 10_000

// Rates are the platform and provider fee percentages applied on top of the
// gas cost.
type Rates struct {
	PlatformBps uint32 `json:"platformBps"`
	ProviderBps uint32 `json:"providerBps"`
}

// Validate ensures the combined rates never exceed 100%.
func (r Rates) Validate() error {
	if uint64(r.PlatformBps)+uint64(r.ProviderBps) > BasisPoints {
		return common.Validation("fee rates exceed %d bps", BasisPoints)
	}
	return nil
}

// Breakdown is the cost of a request split into its components.
type Breakdown struct {
	GasCost     *uint256.Int `json:"gasCost"`
	PlatformFee *uint256.Int `json:"platformFee"`
	ProviderFee *uint256.Int `json:"providerFee"`
	Total       *uint256.Int `json:"total"`
}

// Fees returns PlatformFee + ProviderFee.
func (b Breakdown) Fees() *uint256.Int {
	return new(uint256.Int).Add(b.PlatformFee, b.ProviderFee)
}

// Estimate computes the reservation required for a request with the caller's
// fixed gas parameters. All math is integer; fee division truncates.
func Estimate(gasLimit uint64, maxFeePerGas *uint256.Int, rates Rates) (Breakdown, error) {
	if maxFeePerGas == nil {
		return Breakdown{}, common.Validation("max fee per gas required")
	}
	if err := rates.Validate(); err != nil {
		return Breakdown{}, err
	}
	gasCost, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(gasLimit), maxFeePerGas)
	if overflow {
		return Breakdown{}, common.Validation("gas cost overflows")
	}
	platform, err := bpsOf(gasCost, rates.PlatformBps)
	if err != nil {
		return Breakdown{}, err
	}
	provider, err := bpsOf(gasCost, rates.ProviderBps)
	if err != nil {
		return Breakdown{}, err
	}
	total, overflow := new(uint256.Int).AddOverflow(gasCost, platform)
	if !overflow {
		total, overflow = total.AddOverflow(total, provider)
	}
	if overflow {
		return Breakdown{}, common.Validation("total cost overflows")
	}
	return Breakdown{GasCost: gasCost, PlatformFee: platform, ProviderFee: provider, Total: total}, nil
}

// Settlement computes the breakdown for the gas actually consumed. gasUsed is
// clamped to gasLimit so the result never exceeds the reservation.
func Settlement(gasUsed, gasLimit uint64, maxFeePerGas *uint256.Int, rates Rates) (Breakdown, error) {
	if gasUsed > gasLimit {
		gasUsed = gasLimit
	}
	return Estimate(gasUsed, maxFeePerGas, rates)
}

func bpsOf(amount *uint256.Int, bps uint32) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulOverflow(amount, uint256.NewInt(uint64(bps)))
	if overflow {
		return nil, common.Validation("fee computation overflows")
	}
	return out.Div(out, uint256.NewInt(BasisPoints)), nil
}

// multipliers are percentages applied when suggesting a fee for a tier.
var multipliers = [types.PriorityCount]uint64{80, 100, 120, 150, 200}

// Multiplier returns the fee-suggestion percentage for the tier.
func Multiplier(p types.Priority) uint64 {
	if !p.Valid() {
		return 100
	}
	return multipliers[p]
}

// Suggest proposes a maxFeePerGas for the tier: (base + priority fee) scaled by
// the tier multiplier, clamped to the network's max gas price. The result is
// advisory; it is never applied to an already submitted request.
func Suggest(network NetworkConfig, priority types.Priority) (*uint256.Int, error) {
	if !priority.Valid() {
		return nil, common.Validation("invalid priority %d", uint8(priority))
	}
	base := cloneOrZero(network.BaseGasPrice)
	tip := cloneOrZero(network.PriorityFee)
	price, overflow := new(uint256.Int).AddOverflow(base, tip)
	if !overflow {
		price, overflow = price.MulOverflow(price, uint256.NewInt(Multiplier(priority)))
	}
	if overflow {
		return nil, common.Validation("suggested fee overflows")
	}
	price.Div(price, uint256.NewInt(100))
	if network.MaxGasPrice != nil && !network.MaxGasPrice.IsZero() && price.Gt(network.MaxGasPrice) {
		price.Set(network.MaxGasPrice)
	}
	return price, nil
}
