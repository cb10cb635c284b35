// Package status classifies overdue customer/product pairs into lifecycle
// tiers and decays their confidence accordingly.
package status

import (
	"sort"
	"time"

	"github.com/opensource-finance/refill/internal/domain"
	"github.com/opensource-finance/refill/internal/intervals"
	"github.com/opensource-finance/refill/internal/stats"
)

// Classifier applies a tier table. It holds no state between calls;
// status is recomputed from elapsed time on every query.
type Classifier struct {
	cfg domain.ClassifierConfig
}

// NewClassifier creates a classifier for the given tier table.
func NewClassifier(cfg domain.ClassifierConfig) *Classifier {
	if cfg.Basis == "" {
		cfg.Basis = domain.BasisSinceLastPurchase
	}
	return &Classifier{cfg: cfg}
}

// Config returns the tier table in use.
func (c *Classifier) Config() domain.ClassifierConfig {
	return c.cfg
}

// Overdue reports whether p's predicted date plus graceDays lies before today.
func Overdue(p *domain.CustomerProductInterval, graceDays int, today time.Time) bool {
	if p.PredictedNextPurchaseDate == nil {
		return false
	}
	return intervals.DaysBetween(*p.PredictedNextPurchaseDate, today) > graceDays
}

// Tier maps elapsed days to a status and its confidence multiplier.
func (c *Classifier) Tier(elapsed int) (domain.Status, float64) {
	switch {
	case elapsed >= c.cfg.LikelyLostDays:
		return domain.StatusLikelyLost, c.cfg.LikelyLostMultiplier
	case elapsed >= c.cfg.AtHighRiskDays:
		return domain.StatusAtHighRisk, c.cfg.AtHighRiskMultiplier
	case elapsed >= c.cfg.AtRiskUpperDays:
		return domain.StatusAtRisk, c.cfg.AtRiskUpperMultiplier
	case elapsed >= c.cfg.AtRiskDays:
		return domain.StatusAtRisk, c.cfg.AtRiskMultiplier
	default:
		return domain.StatusActionNeeded, c.cfg.ActionNeededMultiplier
	}
}

// Decay returns the adjusted confidence for a tier.
func (c *Classifier) Decay(confidence float64, s domain.Status, multiplier float64) float64 {
	adjusted := confidence * multiplier
	if s == domain.StatusLikelyLost && adjusted > c.cfg.LikelyLostCap {
		adjusted = c.cfg.LikelyLostCap
	}
	return stats.Clamp(adjusted, 0, 100)
}

// Elapsed returns the day count the tier table is keyed by.
func (c *Classifier) Elapsed(p *domain.CustomerProductInterval, today time.Time) int {
	if c.cfg.Basis == domain.BasisDaysOverdue && p.PredictedNextPurchaseDate != nil {
		return max(0, intervals.DaysBetween(*p.PredictedNextPurchaseDate, today))
	}
	return max(0, intervals.DaysBetween(p.LastOrderDate, today))
}

// Classify assigns a tier to p. ok is false when p has no prediction.
// Eligibility (Overdue) is the caller's decision.
func (c *Classifier) Classify(p *domain.CustomerProductInterval, today time.Time) (domain.Classification, bool) {
	if p.PredictedNextPurchaseDate == nil || p.ConfidenceScore == nil {
		return domain.Classification{}, false
	}

	elapsed := c.Elapsed(p, today)
	s, m := c.Tier(elapsed)
	adjusted := c.Decay(*p.ConfidenceScore, s, m)

	return domain.Classification{
		Status:                s,
		DaysOverdue:           max(0, intervals.DaysBetween(*p.PredictedNextPurchaseDate, today)),
		DaysSinceLastPurchase: max(0, intervals.DaysBetween(p.LastOrderDate, today)),
		Multiplier:            m,
		AdjustedConfidence:    adjusted,
		ChurnProbability:      stats.Clamp(100-adjusted, 0, 100),
	}, true
}

// SortByPriority orders classified refills by severity, then lifetime value
// descending, then days overdue descending. Ties keep pair order.
func SortByPriority(refills []domain.Refill) {
	sort.SliceStable(refills, func(i, j int) bool {
		a, b := refills[i], refills[j]
		if sa, sb := severity(a), severity(b); sa != sb {
			return sa > sb
		}
		if a.TotalLifetimeValue != b.TotalLifetimeValue {
			return a.TotalLifetimeValue > b.TotalLifetimeValue
		}
		return daysOverdue(a) > daysOverdue(b)
	})
}

func severity(r domain.Refill) int {
	if r.CustomerStatus == nil {
		return 0
	}
	return r.CustomerStatus.Severity()
}

func daysOverdue(r domain.Refill) int {
	if r.DaysOverdue == nil {
		return 0
	}
	return *r.DaysOverdue
}
