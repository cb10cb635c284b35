// Package forecast extrapolates quantity and price sequences to the next
// order with an ordinary least squares trend over purchase index.
package forecast

import (
	"math"

	"github.com/opensource-finance/refill/internal/domain"
)

// Line is a fitted trend y = Intercept + Slope*x.
type Line struct {
	Slope     float64
	Intercept float64
}

// At evaluates the line at x.
func (l Line) At(x float64) float64 {
	return l.Intercept + l.Slope*x
}

// Fit fits a least squares line through (i, ys[i]) for i = 0..n-1.
// ok is false when fewer than two points are given.
func Fit(ys []float64) (Line, bool) {
	if len(ys) < 2 {
		return Line{}, false
	}

	n := float64(len(ys))
	var sumX, sumY, sumXY, sumX2 float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}

	denominator := n*sumX2 - sumX*sumX
	if denominator == 0 {
		return Line{Intercept: sumY / n}, true
	}

	slope := (n*sumXY - sumX*sumY) / denominator
	return Line{Slope: slope, Intercept: (sumY - slope*sumX) / n}, true
}

// Next predicts the value at index len(ys). A single point is carried
// forward; an empty series predicts 0.
func Next(ys []float64) float64 {
	switch len(ys) {
	case 0:
		return 0
	case 1:
		return ys[0]
	}
	line, _ := Fit(ys)
	return line.At(float64(len(ys)))
}

// Prediction is the forecast for the next order of a pair.
type Prediction struct {
	Quantity   float64
	UnitPrice  float64
	OrderValue float64
}

// Predict forecasts the next quantity and unit price. Quantity is floored
// at the smallest observed value; price follows its trend down to zero.
func Predict(quantities, prices []float64) Prediction {
	q := floor(Next(quantities), quantities)
	p := math.Max(0, Next(prices))
	return Prediction{Quantity: q, UnitPrice: p, OrderValue: q * p}
}

func floor(v float64, observed []float64) float64 {
	lo := math.Inf(1)
	for _, o := range observed {
		lo = math.Min(lo, o)
	}
	lo = math.Max(0, lo)
	if math.IsInf(lo, 1) {
		lo = 0
	}
	return math.Max(v, lo)
}

// Apply writes the forecast for p into its predicted fields.
func Apply(p *domain.CustomerProductInterval) {
	pred := Predict(p.Quantities, p.UnitPrices)
	p.PredictedQuantity = pred.Quantity
	p.PredictedUnitPrice = pred.UnitPrice
	p.PredictedOrderValue = pred.OrderValue
}
