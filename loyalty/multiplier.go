package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// recencyBands are checked in ascending order; the first band whose MaxDays
// is >= the elapsed days wins. Anything past the last band earns BaseMultiplier.
var recencyBands = []struct {
	MaxDays    int
	Multiplier decimal.Decimal
}{
	{MaxDays: 14, Multiplier: decimal.NewFromInt(3)},
	{MaxDays: 21, Multiplier: decimal.NewFromInt(2)},
	{MaxDays: 28, Multiplier: decimal.RequireFromString("1.75")},
	{MaxDays: 35, Multiplier: decimal.RequireFromString("1.5")},
}

// BaseMultiplier applies to first orders and lapsed customers.
var BaseMultiplier = decimal.NewFromInt(1)

var centsPerUnit = decimal.NewFromInt(100)

// RecencyMultiplier maps days since the last qualifying payment to an earning
// multiplier. nil means there was no prior payment. Negative values (clock
// skew, out-of-order events) count as zero days.
func RecencyMultiplier(daysSinceLastPayment *int) decimal.Decimal {
	if daysSinceLastPayment == nil {
		return BaseMultiplier
	}
	days := *daysSinceLastPayment
	for _, band := range recencyBands {
		if days <= band.MaxDays {
			return band.Multiplier
		}
	}
	return BaseMultiplier
}

// DaysSince returns whole days elapsed from last to at, or nil if last is nil.
func DaysSince(last *time.Time, at time.Time) *int {
	if last == nil {
		return nil
	}
	days := int(at.Sub(*last) / (24 * time.Hour))
	if days < 0 {
		days = 0
	}
	return &days
}

// PointsForSpend computes round(eligibleCents / 100 * multiplier).
func PointsForSpend(eligibleCents int64, multiplier decimal.Decimal) int64 {
	return decimal.NewFromInt(eligibleCents).
		Div(centsPerUnit).
		Mul(multiplier).
		Round(0).
		IntPart()
}

// scalePoints computes round(points * numerator / denominator).
func scalePoints(points, numerator, denominator int64) int64 {
	if denominator <= 0 {
		return 0
	}
	return decimal.NewFromInt(points).
		Mul(decimal.NewFromInt(numerator)).
		Div(decimal.NewFromInt(denominator)).
		Round(0).
		IntPart()
}
