package domain

import "time"

// OverdueReport is the result of the overdue refill query.
type OverdueReport struct {
	Refills []Refill       `json:"refills"`
	Summary OverdueSummary `json:"summary"`
}

// OverdueSummary aggregates the overdue list.
type OverdueSummary struct {
	Count               int            `json:"count"`
	ByStatus            map[Status]int `json:"byStatus"`
	RevenueAtRisk       float64        `json:"revenueAtRisk"`
	LifetimeValueAtRisk float64        `json:"lifetimeValueAtRisk"`
	ToleranceDays       int            `json:"toleranceDays"`

	// Pairs left out for insufficient history.
	Excluded int `json:"excluded"`
}

// UpcomingReport is the result of the upcoming refill query.
type UpcomingReport struct {
	Refills []Refill        `json:"refills"`
	Summary UpcomingSummary `json:"summary"`
}

// UpcomingSummary aggregates predicted revenue over the lookahead window.
type UpcomingSummary struct {
	Count                 int     `json:"count"`
	LookaheadDays         int     `json:"lookaheadDays"`
	TotalPredictedRevenue float64 `json:"totalPredictedRevenue"`
	AverageOrderValue     float64 `json:"averageOrderValue"`
	HighConfidenceRevenue float64 `json:"highConfidenceRevenue"`
	HighConfidenceCount   int     `json:"highConfidenceCount"`
	Excluded              int     `json:"excluded"`
}

// CustomerSchedule lists every pair of one customer.
type CustomerSchedule struct {
	CustomerID         string   `json:"customerId"`
	Refills            []Refill `json:"refills"`
	TotalLifetimeValue float64  `json:"totalLifetimeValue"`
	Excluded           int      `json:"excluded"`
}

// ConfidenceDistribution buckets pairs by confidence score.
type ConfidenceDistribution struct {
	High         int `json:"high"`   // >= 70
	Medium       int `json:"medium"` // 40..70
	Low          int `json:"low"`    // < 40
	Insufficient int `json:"insufficient"`
}

// ProductPattern aggregates interval statistics across one product.
type ProductPattern struct {
	ProductID          string                 `json:"productId"`
	Customers          int                    `json:"customers"`
	PairsWithHistory   int                    `json:"pairsWithHistory"`
	MeanIntervalDays   *float64               `json:"meanIntervalDays"`
	MedianIntervalDays *float64               `json:"medianIntervalDays"`
	MinIntervalDays    *float64               `json:"minIntervalDays"`
	MaxIntervalDays    *float64               `json:"maxIntervalDays"`
	MeanConfidence     *float64               `json:"meanConfidence"`
	Confidence         ConfidenceDistribution `json:"confidenceDistribution"`
	TotalLifetimeValue float64                `json:"totalLifetimeValue"`
	Excluded           int                    `json:"excluded"`
}

// LikelyLostReport is the recovery list ordered by lifetime value.
type LikelyLostReport struct {
	Refills []Refill          `json:"refills"`
	Summary LikelyLostSummary `json:"summary"`
}

// LikelyLostSummary aggregates the recovery list.
type LikelyLostSummary struct {
	Count              int     `json:"count"`
	MinOverdueDays     int     `json:"minOverdueDays"`
	TotalLifetimeValue float64 `json:"totalLifetimeValue"`
	RecoverableRevenue float64 `json:"recoverableRevenue"`
}

// ComplianceReport is the backward-looking prediction accuracy metric.
type ComplianceReport struct {
	// Score is the fraction in [0,1] of evaluated pairs whose held-out
	// purchase landed within tolerance of its prediction.
	Score            float64 `json:"score"`
	Evaluated        int     `json:"evaluated"`
	WithinTolerance  int     `json:"withinTolerance"`
	ToleranceDays    int     `json:"toleranceDays"`
	MeanAbsErrorDays float64 `json:"meanAbsErrorDays"`
	Excluded         int     `json:"excluded"`
}

// IrregularPattern is a pair whose interval spread makes it unpredictable.
type IrregularPattern struct {
	Refill
	CoefficientOfVariation float64 `json:"coefficientOfVariation"`
}

// IrregularReport lists irregular pairs by descending variation.
type IrregularReport struct {
	Patterns  []IrregularPattern `json:"patterns"`
	Threshold float64            `json:"threshold"`
	Excluded  int                `json:"excluded"`
}

// PairListing is the full pair view, insufficient-history pairs included.
type PairListing struct {
	Pairs  []Refill `json:"pairs"`
	Total  int      `json:"total"`
	Offset int      `json:"offset"`
	Limit  int      `json:"limit"`
}

// TableSummary describes the interval table currently served.
type TableSummary struct {
	Fingerprint         string    `json:"fingerprint"`
	SchemaVersion       int       `json:"schemaVersion"`
	Rows                int       `json:"rows"`
	RejectedRows        int       `json:"rejectedRows"`
	Pairs               int       `json:"pairs"`
	Customers           int       `json:"customers"`
	Products            int       `json:"products"`
	InsufficientHistory int       `json:"insufficientHistory"`
	BuiltAt             time.Time `json:"builtAt"`
}
