package fees

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"gasrelay/core/types"
	"gasrelay/native/common"
)

func gwei(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000))
}

func TestEstimateReferenceVector(t *testing.T) {
	breakdown, err := Estimate(100_000, gwei(20), Rates{PlatformBps: 50, ProviderBps: 100})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	expect := map[string]string{
		"gas":      "2000000000000000",
		"platform": "10000000000000",
		"provider": "20000000000000",
		"total":    "2030000000000000",
	}
	got := map[string]string{
		"gas":      breakdown.GasCost.Dec(),
		"platform": breakdown.PlatformFee.Dec(),
		"provider": breakdown.ProviderFee.Dec(),
		"total":    breakdown.Total.Dec(),
	}
	for key, want := range expect {
		if got[key] != want {
			t.Fatalf("%s: expected %s, got %s", key, want, got[key])
		}
	}
	if breakdown.Fees().Dec() != "30000000000000" {
		t.Fatalf("unexpected fee sum %s", breakdown.Fees().Dec())
	}
}

func TestEstimateTruncatesFees(t *testing.T) {
	// gas cost 199 wei, 50 bps -> 0.995 wei truncates to zero.
	breakdown, err := Estimate(199, uint256.NewInt(1), Rates{PlatformBps: 50, ProviderBps: 100})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if !breakdown.PlatformFee.IsZero() {
		t.Fatalf("expected truncated platform fee, got %s", breakdown.PlatformFee.Dec())
	}
	if breakdown.ProviderFee.Uint64() != 1 {
		t.Fatalf("expected provider fee 1, got %s", breakdown.ProviderFee.Dec())
	}
	if breakdown.Total.Uint64() != 200 {
		t.Fatalf("expected total 200, got %s", breakdown.Total.Dec())
	}
}

func TestEstimateRejectsInvalidInput(t *testing.T) {
	if _, err := Estimate(1, nil, Rates{}); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected validation error for nil fee, got %v", err)
	}
	if _, err := Estimate(1, uint256.NewInt(1), Rates{PlatformBps: 6000, ProviderBps: 5000}); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected validation error for rates above 100%%, got %v", err)
	}
	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 250)
	if _, err := Estimate(1<<20, huge, Rates{}); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected overflow to be rejected, got %v", err)
	}
}

func TestSettlementClampsGasUsed(t *testing.T) {
	rates := Rates{PlatformBps: 50, ProviderBps: 100}
	partial, err := Settlement(60_000, 100_000, gwei(20), rates)
	if err != nil {
		t.Fatalf("settlement: %v", err)
	}
	if partial.GasCost.Dec() != "1200000000000000" {
		t.Fatalf("unexpected partial gas cost %s", partial.GasCost.Dec())
	}
	clamped, err := Settlement(500_000, 100_000, gwei(20), rates)
	if err != nil {
		t.Fatalf("settlement: %v", err)
	}
	if clamped.Total.Dec() != "2030000000000000" {
		t.Fatalf("expected clamped total to equal the reservation, got %s", clamped.Total.Dec())
	}
}

func TestSuggestAppliesTierMultiplier(t *testing.T) {
	network := NetworkConfig{
		ChainID:      1,
		Name:         "mainnet",
		BaseGasPrice: gwei(18),
		PriorityFee:  gwei(2),
		MaxGasPrice:  gwei(35),
		GasLimit:     30_000_000,
		Active:       true,
	}
	cases := []struct {
		priority types.Priority
		want     *uint256.Int
	}{
		{types.PriorityLow, gwei(16)},
		{types.PriorityNormal, gwei(20)},
		{types.PriorityHigh, gwei(24)},
		{types.PriorityUrgent, gwei(30)},
		{types.PriorityCritical, gwei(35)}, // 40 gwei clamped to max
	}
	for _, tc := range cases {
		t.Run(tc.priority.String(), func(t *testing.T) {
			got, err := Suggest(network, tc.priority)
			if err != nil {
				t.Fatalf("suggest: %v", err)
			}
			if !got.Eq(tc.want) {
				t.Fatalf("expected %s, got %s", tc.want.Dec(), got.Dec())
			}
		})
	}
	if _, err := Suggest(network, types.Priority(9)); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected invalid priority to be rejected, got %v", err)
	}
}

func TestGasConfigUpdateApply(t *testing.T) {
	base := NetworkConfig{ChainID: 5, Name: "testnet", MaxGasPrice: gwei(100), GasLimit: 1_000_000, Active: true}
	limit := uint64(2_000_000)
	inactive := false
	next, err := GasConfigUpdate{GasLimit: &limit, Active: &inactive}.Apply(base)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.GasLimit != limit || next.Active {
		t.Fatalf("update not applied: %+v", next)
	}
	if base.GasLimit != 1_000_000 {
		t.Fatalf("original config mutated")
	}
	tooHighBase := GasConfigUpdate{BaseGasPrice: gwei(200)}
	if _, err := tooHighBase.Apply(base); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
