package confidence

import (
	"math"
	"time"

	"github.com/opensource-finance/refill/internal/domain"
	"github.com/opensource-finance/refill/internal/stats"
)

// Every factor returns a score in [0,100].

// neutralScore is returned when a factor has too little data to judge.
const neutralScore = 50

// TrendStability scores how steady the change between consecutive
// intervals is. The RMS of the interval deltas is compared to the average
// interval: constant intervals score 100, a spread as large as the average
// itself scores 0. A single interval has no delta and scores neutral.
func TrendStability(intervals []float64, avg float64) float64 {
	if len(intervals) < 2 {
		return neutralScore
	}
	if avg <= 0 {
		return 0
	}

	var ss float64
	for i := 1; i < len(intervals); i++ {
		d := intervals[i] - intervals[i-1]
		ss += d * d
	}
	rms := math.Sqrt(ss / float64(len(intervals)-1))

	return 100 * (1 - math.Min(1, rms/avg))
}

// Log curve fitted to 30d≈50, 90d≈70, 365d≈90, saturating at 95.
const (
	ageIntercept = -4.45
	ageSlope     = 16.008
	ageCeiling   = 95
)

// RelationshipAge maps the days since the first order onto a saturating
// logarithmic curve.
func RelationshipAge(daysSinceFirstOrder int) float64 {
	if daysSinceFirstOrder < 1 {
		return 0
	}
	return stats.Clamp(ageIntercept+ageSlope*math.Log(float64(daysSinceFirstOrder)), 0, ageCeiling)
}

// Consistency returns 100 × (1 − min(1, CV)). A zero mean scores 0.
func Consistency(values []float64) float64 {
	cv, ok := stats.CoefficientOfVariation(values)
	if !ok {
		return 0
	}
	return 100 * (1 - math.Min(1, cv))
}

// QuantityConsistency scores the variation of order quantities.
func QuantityConsistency(quantities []float64) float64 {
	return Consistency(quantities)
}

// PriceStability scores the variation of unit prices.
func PriceStability(prices []float64) float64 {
	return Consistency(prices)
}

// SeasonalConsistency scores how tightly purchases cluster in the same
// months of the year. Months are treated as angles so December and January
// are neighbours; the score is 100 × the mean resultant length. Histories
// spanning less than a year cannot show seasonality and score neutral.
func SeasonalConsistency(dates []time.Time) float64 {
	if len(dates) < 2 {
		return neutralScore
	}
	if dates[len(dates)-1].Sub(dates[0]) < 365*24*time.Hour {
		return neutralScore
	}

	var sumSin, sumCos float64
	for _, d := range dates {
		theta := 2 * math.Pi * float64(d.Month()-1) / 12
		sumSin += math.Sin(theta)
		sumCos += math.Cos(theta)
	}
	n := float64(len(dates))
	r := math.Hypot(sumSin/n, sumCos/n)

	return stats.Clamp(100*r, 0, 100)
}

// GapAnalysis compares the latest interval to the average. Ratios inside
// the configured band score 100; outside it the score falls linearly in
// |ln ratio| and reaches 0 after cfg.GapDecaySpan.
func GapAnalysis(intervals []float64, avg float64, cfg domain.ScoringConfig) float64 {
	if len(intervals) == 0 || avg <= 0 {
		return 0
	}

	ratio := intervals[len(intervals)-1] / avg
	if ratio <= 0 {
		return 0
	}
	if ratio >= cfg.GapLowerRatio && ratio <= cfg.GapUpperRatio {
		return 100
	}

	var deviation float64
	if ratio > cfg.GapUpperRatio {
		deviation = math.Log(ratio) - math.Log(cfg.GapUpperRatio)
	} else {
		deviation = math.Log(cfg.GapLowerRatio) - math.Log(ratio)
	}
	if cfg.GapDecaySpan <= 0 {
		return 0
	}

	return 100 * math.Max(0, 1-deviation/cfg.GapDecaySpan)
}

// VolumeRecency averages a purchase count score with diminishing returns
// and a recency score that stays at 100 while the customer is within one
// average interval of the last purchase.
func VolumeRecency(purchases, daysSinceLast int, avg float64, cfg domain.ScoringConfig) float64 {
	volume := 0.0
	if cfg.VolumeSaturation > 0 {
		volume = 100 * (1 - math.Exp(-float64(purchases)/cfg.VolumeSaturation))
	}

	return (volume + recency(daysSinceLast, avg, cfg.RecencyDecayRatio)) / 2
}

func recency(daysSinceLast int, avg, decayRatio float64) float64 {
	if daysSinceLast <= 0 {
		return 100
	}
	if avg <= 0 {
		return 0
	}

	ratio := float64(daysSinceLast) / avg
	if ratio <= 1 {
		return 100
	}
	if decayRatio <= 1 || ratio >= decayRatio {
		return 0
	}

	return 100 * (decayRatio - ratio) / (decayRatio - 1)
}
