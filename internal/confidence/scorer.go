// Package confidence scores how trustworthy a refill timing prediction is
// from seven weighted behavioural factors.
package confidence

import (
	"time"

	"github.com/opensource-finance/refill/internal/domain"
	"github.com/opensource-finance/refill/internal/intervals"
	"github.com/opensource-finance/refill/internal/stats"
)

// Factor identifies one of the seven scoring factors.
type Factor int

const (
	FactorTrendStability Factor = iota
	FactorRelationshipAge
	FactorQuantityConsistency
	FactorSeasonalConsistency
	FactorPriceStability
	FactorGapAnalysis
	FactorVolumeRecency

	NumFactors
)

var factorNames = [NumFactors]string{
	"trend_stability",
	"relationship_age",
	"quantity_consistency",
	"seasonal_consistency",
	"price_stability",
	"gap_analysis",
	"volume_recency",
}

func (f Factor) String() string {
	if f < 0 || f >= NumFactors {
		return "unknown"
	}
	return factorNames[f]
}

// Breakdown is the per-factor detail behind a confidence score.
type Breakdown struct {
	Weights [NumFactors]float64
	Scores  [NumFactors]float64
	Total   float64
}

// Contribution returns the weighted points a factor adds to Total.
func (b Breakdown) Contribution(f Factor) float64 {
	return b.Weights[f] * b.Scores[f]
}

// Scorer computes confidence scores with a fixed weight table.
type Scorer struct {
	cfg     domain.ScoringConfig
	weights [NumFactors]float64
}

// NewScorer creates a scorer for the given configuration.
func NewScorer(cfg domain.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg, weights: cfg.Weights()}
}

// Score returns the clamped weighted score for p, or nil when p has fewer
// than two purchases.
func (s *Scorer) Score(p *domain.CustomerProductInterval, now time.Time) *float64 {
	b, ok := s.Breakdown(p, now)
	if !ok {
		return nil
	}
	total := b.Total
	return &total
}

// Breakdown evaluates every factor for p. ok is false when p has fewer
// than two purchases.
func (s *Scorer) Breakdown(p *domain.CustomerProductInterval, now time.Time) (Breakdown, bool) {
	if !p.HasSufficientHistory() {
		return Breakdown{}, false
	}

	avg := 0.0
	if p.AvgIntervalDays != nil {
		avg = *p.AvgIntervalDays
	}
	daysSinceLast := intervals.DaysBetween(p.LastOrderDate, now)

	b := Breakdown{Weights: s.weights}
	b.Scores[FactorTrendStability] = TrendStability(p.IntervalsDays, avg)
	b.Scores[FactorRelationshipAge] = RelationshipAge(p.DaysSinceFirstOrder)
	b.Scores[FactorQuantityConsistency] = QuantityConsistency(p.Quantities)
	b.Scores[FactorSeasonalConsistency] = SeasonalConsistency(p.PurchaseDates)
	b.Scores[FactorPriceStability] = PriceStability(p.UnitPrices)
	b.Scores[FactorGapAnalysis] = GapAnalysis(p.IntervalsDays, avg, s.cfg)
	b.Scores[FactorVolumeRecency] = VolumeRecency(p.PurchaseCount(), daysSinceLast, avg, s.cfg)

	var total float64
	for i := range b.Scores {
		total += b.Weights[i] * b.Scores[i]
	}
	b.Total = stats.Clamp(total, 0, 100)

	return b, true
}
