// Package amounts converts between human amounts and ledger base units and
// computes rewards and fees. All functions are pure.
package amounts

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RewardPrecision is the number of fractional digits rewards are rounded to.
const RewardPrecision = 6

const millisPerDay = 86_400_000

var (
	daysPerYear       = decimal.NewFromInt(365)
	hundred           = decimal.NewFromInt(100)
	toleranceFraction = decimal.NewFromInt(99)
	maxBaseUnits      = decimal.NewFromUint64(math.MaxUint64)
)

var ErrUnsupportedAsset = errors.New("unsupported asset")

type Asset struct {
	Symbol   string
	Decimals int32
	// Native is true for the chain's own coin; false for fungible tokens.
	Native bool
	// Mint identifies a fungible token on the ledger. Empty for native coins.
	Mint string
}

// Registry is the fixed per-asset decimals table.
type Registry map[string]Asset

// DefaultRegistry returns SOL, USDC and USDT with the given mints.
func DefaultRegistry(mints map[string]string) Registry {
	return Registry{
		"SOL":  {Symbol: "SOL", Decimals: 9, Native: true},
		"USDC": {Symbol: "USDC", Decimals: 6, Mint: mints["USDC"]},
		"USDT": {Symbol: "USDT", Decimals: 6, Mint: mints["USDT"]},
	}
}

func (r Registry) Lookup(symbol string) (Asset, error) {
	a, ok := r[strings.ToUpper(symbol)]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, symbol)
	}
	return a, nil
}

// ToBaseUnits floors amount × 10^decimals.
func ToBaseUnits(amount decimal.Decimal, asset Asset) (uint64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", amount)
	}
	units := amount.Shift(asset.Decimals).Floor()
	if units.GreaterThan(maxBaseUnits) {
		return 0, fmt.Errorf("amount %s %s overflows base units", amount, asset.Symbol)
	}
	return units.BigInt().Uint64(), nil
}

func FromBaseUnits(units uint64, asset Asset) decimal.Decimal {
	return decimal.NewFromUint64(units).Shift(-asset.Decimals)
}

// ElapsedDays counts whole days between since and at; a negative span is 0.
func ElapsedDays(since, at time.Time) int64 {
	ms := at.Sub(since).Milliseconds()
	if ms <= 0 {
		return 0
	}
	return ms / millisPerDay
}

// AccruedReward is principal × apy / 365 × whole days, rounded to RewardPrecision.
func AccruedReward(principal, apy decimal.Decimal, since, at time.Time) decimal.Decimal {
	days := ElapsedDays(since, at)
	if days == 0 {
		return decimal.Zero
	}
	return principal.Mul(apy).Mul(decimal.NewFromInt(days)).Div(daysPerYear).Round(RewardPrecision)
}

// ProratedReward scales the full-principal reward to the withdrawn share.
func ProratedReward(fullReward, withdrawAmount, fullPrincipal decimal.Decimal) decimal.Decimal {
	if fullPrincipal.Sign() <= 0 {
		return decimal.Zero
	}
	return fullReward.Mul(withdrawAmount).Div(fullPrincipal).Round(RewardPrecision)
}

func EarlyFee(total, feeRate decimal.Decimal) decimal.Decimal {
	return total.Mul(feeRate)
}

// MeetsTolerance reports transferred ≥ 99% of expected, computed exactly.
func MeetsTolerance(transferred, expected uint64) bool {
	lhs := decimal.NewFromUint64(transferred).Mul(hundred)
	rhs := decimal.NewFromUint64(expected).Mul(toleranceFraction)
	return lhs.GreaterThanOrEqual(rhs)
}

// Breakdown is the settled value of one withdrawal.
type Breakdown struct {
	Principal decimal.Decimal
	Reward    decimal.Decimal
	Gross     decimal.Decimal
	Fee       decimal.Decimal
	// Net is what the user receives, floored to the asset's precision.
	Net decimal.Decimal
	// Dust is the sub-unit remainder lost by flooring Net.
	Dust      decimal.Decimal
	BaseUnits uint64
	Locked    bool
}

// Settle applies the early-exit fee when locked and floors the payout to
// the asset's precision. Net + Fee + Dust always equals Principal + Reward.
func Settle(principal, reward decimal.Decimal, locked bool, feeRate decimal.Decimal, asset Asset) (Breakdown, error) {
	gross := principal.Add(reward)
	fee := decimal.Zero
	if locked {
		fee = EarlyFee(gross, feeRate)
	}
	units, err := ToBaseUnits(gross.Sub(fee), asset)
	if err != nil {
		return Breakdown{}, err
	}
	net := FromBaseUnits(units, asset)
	return Breakdown{
		Principal: principal,
		Reward:    reward,
		Gross:     gross,
		Fee:       fee,
		Net:       net,
		Dust:      gross.Sub(fee).Sub(net),
		BaseUnits: units,
		Locked:    locked,
	}, nil
}

// WithinPrecision reports whether amount has no more fractional digits than
// the asset supports.
func WithinPrecision(amount decimal.Decimal, asset Asset) bool {
	return amount.Equal(amount.Truncate(asset.Decimals))
}
