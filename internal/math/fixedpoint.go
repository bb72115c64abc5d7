package math

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	DropsConfig   = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 1 XRP = 1_000_000 drops
	PercentConfig = DecimalConfig{DecimalPrecision: 4, Scale: 10_000}    // 0.0001%
)

// Drops is an amount in ledger base units. All engine arithmetic happens in
// Drops; conversion to XRP happens only at the API/wire boundary.
type Drops int64

// Rate is a percentage scaled by PercentConfig.Scale (5% = 50_000).
type Rate int64

const (
	// HundredPercent is 100% in Rate units.
	HundredPercent Rate = 100 * Rate(10_000)

	// rateDenominator converts amount*rate into amount*fraction.
	rateDenominator = int64(HundredPercent)
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding.
// Numerator and denominator must be non-negative.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.DivMod(numerator, denom, remainder)

	result := quotient.Int64()

	switch roundingMode {
	case RoundHalfEven:
		// Banker's rounding: if remainder == denominator/2, round to even
		twice := getInt128()
		twice.Lsh(remainder, 1)
		cmp := twice.Cmp(denom)
		putInt128(twice)

		if cmp > 0 {
			result++
		} else if cmp == 0 && result%2 != 0 {
			result++
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// ApplyRate returns amount * rate / 100%.
func ApplyRate(amount Drops, rate Rate, mode RoundingMode) Drops {
	if amount <= 0 || rate <= 0 {
		return 0
	}
	product := MultiplyInt128(int64(amount), int64(rate))
	result := DivideInt128(product, rateDenominator, mode)
	putInt128(product)
	return Drops(result)
}

// Ratio returns part / whole as a Rate, rounded down and capped at 100%.
// A zero whole yields 0.
func Ratio(part, whole Drops) Rate {
	if whole <= 0 || part <= 0 {
		return 0
	}
	if part >= whole {
		return HundredPercent
	}
	product := MultiplyInt128(int64(part), rateDenominator)
	result := DivideInt128(product, int64(whole), RoundDown)
	putInt128(product)
	return Rate(result)
}

// GrossUp returns the smallest gross amount g such that
// g - ApplyRate(g, feeRate, RoundHalfEven) >= net.
// feeRate must be below 100%.
func GrossUp(net Drops, feeRate Rate) Drops {
	if net <= 0 {
		return 0
	}
	if feeRate <= 0 {
		return net
	}
	product := MultiplyInt128(int64(net), rateDenominator)
	gross := Drops(DivideInt128(product, rateDenominator-int64(feeRate), RoundUp))
	putInt128(product)

	// Fee rounding can shave the last drop; step until the net is covered.
	for gross-ApplyRate(gross, feeRate, RoundHalfEven) < net {
		gross++
	}
	return gross
}

// --- Boundary conversions ---

var (
	dropsPerXRP    = decimal.NewFromInt(DropsConfig.Scale)
	rateScaleUnits = decimal.NewFromInt(PercentConfig.Scale)
	maxDrops       = decimal.NewFromInt(1<<62 - 1)
	maxRate        = decimal.NewFromInt(1<<63 - 1)
)

// XRP converts drops to the display unit.
func (d Drops) XRP() decimal.Decimal {
	return decimal.New(int64(d), -int32(DropsConfig.DecimalPrecision))
}

// String renders the amount in the display unit.
func (d Drops) String() string {
	return d.XRP().StringFixed(int32(DropsConfig.DecimalPrecision))
}

// DropsFromXRP converts a display amount to drops, rejecting sub-drop precision.
func DropsFromXRP(xrp decimal.Decimal) (Drops, error) {
	scaled := xrp.Mul(dropsPerXRP)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", xrp, DropsConfig.DecimalPrecision)
	}
	if scaled.GreaterThan(maxDrops) || scaled.LessThan(maxDrops.Neg()) {
		return 0, fmt.Errorf("amount %s out of range", xrp)
	}
	return Drops(scaled.IntPart()), nil
}

// ParseXRP parses a display amount such as "1050.25".
func ParseXRP(s string) (Drops, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return DropsFromXRP(d)
}

// MustXRP is ParseXRP for constants; it panics on malformed input.
func MustXRP(s string) Drops {
	d, err := ParseXRP(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Percent converts the rate to a plain percentage (5% -> 5).
func (r Rate) Percent() decimal.Decimal {
	return decimal.New(int64(r), -int32(PercentConfig.DecimalPrecision))
}

// String renders the rate as a percentage without the sign.
func (r Rate) String() string {
	return r.Percent().String()
}

// RateFromPercent converts a plain percentage to a Rate.
func RateFromPercent(p decimal.Decimal) (Rate, error) {
	scaled := p.Mul(rateScaleUnits)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("rate %s has more than %d decimal places", p, PercentConfig.DecimalPrecision)
	}
	if scaled.Abs().GreaterThan(maxRate) {
		return 0, fmt.Errorf("rate %s out of range", p)
	}
	return Rate(scaled.IntPart()), nil
}

// ParseRate parses a percentage such as "5" or "2.5".
func ParseRate(s string) (Rate, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse rate %q: %w", s, err)
	}
	return RateFromPercent(d)
}

// MustRate is ParseRate for constants; it panics on malformed input.
func MustRate(s string) Rate {
	r, err := ParseRate(s)
	if err != nil {
		panic(err)
	}
	return r
}
