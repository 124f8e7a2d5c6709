// Package util provides common utility functions for price and quantity rounding.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// FloorToStep rounds qty down to the instrument's qty step.
// Exchange rejects quantities that are not a multiple of the step,
// so flooring is the only safe direction for order sizing.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 || !isFinite(qty) {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	f, _ := q.Div(s).Floor().Mul(s).Float64()
	return f
}

// FloorToTick rounds price down to the tick size. Used for long limit
// prices so the order never lands above the intended level.
func FloorToTick(price, tick float64) float64 {
	if tick <= 0 || !isFinite(price) {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	f, _ := p.Div(t).Floor().Mul(t).Float64()
	return f
}

// CeilToTick rounds price up to the tick size. Used for short limit prices.
func CeilToTick(price, tick float64) float64 {
	if tick <= 0 || !isFinite(price) {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	f, _ := p.Div(t).Ceil().Mul(t).Float64()
	return f
}

// RoundToTick rounds price to the nearest tick increment.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 || !isFinite(price) {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	f, _ := p.Div(t).Round(0).Mul(t).Float64()
	return f
}

// PctDiff returns the absolute percent distance of b from a.
func PctDiff(a, b float64) float64 {
	if a == 0 {
		return 0
	}
	d := (b - a) / a * 100
	if d < 0 {
		return -d
	}
	return d
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// WeightedAvg returns the notional-weighted mean price of two fills.
func WeightedAvg(price1, qty1, price2, qty2 float64) float64 {
	total := qty1 + qty2
	if total <= 0 {
		return 0
	}
	p1 := decimal.NewFromFloat(price1).Mul(decimal.NewFromFloat(qty1))
	p2 := decimal.NewFromFloat(price2).Mul(decimal.NewFromFloat(qty2))
	avg, _ := p1.Add(p2).Div(decimal.NewFromFloat(total)).Float64()
	return avg
}
