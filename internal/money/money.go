// Package money centralises the rounding rules of the billing core.
// Currency amounts round to 2 decimal places, hour quantities to 3.
package money

import "math"

const (
	// EpsilonAmount is the tolerance for amount decomposition checks.
	EpsilonAmount = 0.01
	// EpsilonHours is the tolerance for coverage-boundary comparisons.
	EpsilonHours = 0.001
	// EpsilonRefund is the wider tolerance applied to refund decompositions.
	EpsilonRefund = 0.05
)

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// HoursFromMinutes converts a lesson duration to hours at ledger precision.
func HoursFromMinutes(minutes float64) float64 {
	return Round3(minutes / 60)
}

// Amount computes rate × minutes/60 rounded to currency precision.
func Amount(rate, minutes float64) float64 {
	return Round2(rate * minutes / 60)
}

func Eq(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

// ClampMin returns v, floored at min.
func ClampMin(v, min float64) float64 {
	if v < min {
		return min
	}
	return v
}
