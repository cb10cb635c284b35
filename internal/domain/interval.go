package domain

import "time"

// CustomerProductInterval is the purchase history and forecast for one
// customer/product pair. Records are built once per dataset and are
// read-only afterwards; query-time annotations live on Refill.
type CustomerProductInterval struct {
	CustomerID string `json:"customerId"`
	ProductID  string `json:"productId"`

	FirstOrderDate time.Time `json:"firstOrderDate"`
	LastOrderDate  time.Time `json:"lastOrderDate"`

	// Aligned by index, chronological, one entry per order.
	PurchaseDates []time.Time `json:"purchaseDates"`
	Quantities    []float64   `json:"quantities"`
	UnitPrices    []float64   `json:"unitPrices"`

	// len(IntervalsDays) == len(PurchaseDates)-1
	IntervalsDays   []float64 `json:"intervalsDays"`
	AvgIntervalDays *float64  `json:"avgIntervalDays"`
	StdIntervalDays *float64  `json:"stdIntervalDays"`

	// Nil when fewer than two purchases exist.
	ConfidenceScore *float64 `json:"confidenceScore"`

	PredictedNextPurchaseDate *time.Time `json:"predictedNextPurchaseDate"`
	PredictedQuantity         float64    `json:"predictedQuantity"`
	PredictedUnitPrice        float64    `json:"predictedUnitPrice"`
	PredictedOrderValue       float64    `json:"predictedOrderValue"`

	TotalLifetimeValue  float64 `json:"totalLifetimeValue"`
	DaysSinceFirstOrder int     `json:"daysSinceFirstOrder"`
}

// PurchaseCount returns the number of orders observed for the pair.
func (p *CustomerProductInterval) PurchaseCount() int {
	return len(p.PurchaseDates)
}

// HasSufficientHistory reports whether refill timing can be predicted.
func (p *CustomerProductInterval) HasSufficientHistory() bool {
	return len(p.PurchaseDates) >= 2
}

// Key returns the pair identity as "customer|product".
func (p *CustomerProductInterval) Key() string {
	return PairKey(p.CustomerID, p.ProductID)
}

// PairKey builds the identity key for a customer/product pair.
func PairKey(customerID, productID string) string {
	return customerID + "|" + productID
}

// Status is the lifecycle tier of an overdue pair.
type Status string

const (
	StatusActionNeeded Status = "Action Needed"
	StatusAtRisk       Status = "At Risk"
	StatusAtHighRisk   Status = "At High Risk"
	StatusLikelyLost   Status = "Likely Lost"
)

// Severity orders statuses for prioritisation; higher is more severe.
func (s Status) Severity() int {
	switch s {
	case StatusLikelyLost:
		return 4
	case StatusAtHighRisk:
		return 3
	case StatusAtRisk:
		return 2
	case StatusActionNeeded:
		return 1
	default:
		return 0
	}
}

// Classification is the status classifier output for one overdue pair.
type Classification struct {
	Status                Status  `json:"customerStatus"`
	DaysOverdue           int     `json:"daysOverdue"`
	DaysSinceLastPurchase int     `json:"daysSinceLastPurchase"`
	Multiplier            float64 `json:"multiplier"`
	AdjustedConfidence    float64 `json:"adjustedConfidence"`
	ChurnProbability      float64 `json:"churnProbability"`
}

// Refill is a pair as returned by the query layer: the immutable interval
// record plus the annotations computed for this query.
type Refill struct {
	*CustomerProductInterval

	// Set only for overdue pairs.
	CustomerStatus        *Status  `json:"customerStatus,omitempty"`
	AdjustedConfidence    *float64 `json:"adjustedConfidence,omitempty"`
	ChurnProbability      *float64 `json:"churnProbability,omitempty"`
	DaysOverdue           *int     `json:"daysOverdue,omitempty"`
	DaysSinceLastPurchase int      `json:"daysSinceLastPurchase"`
	DaysUntilNextPurchase *int     `json:"daysUntilNextPurchase,omitempty"`
}

// Classified returns a copy of r annotated with c.
func (r Refill) Classified(c Classification) Refill {
	status := c.Status
	adjusted := c.AdjustedConfidence
	churn := c.ChurnProbability
	overdue := c.DaysOverdue
	r.CustomerStatus = &status
	r.AdjustedConfidence = &adjusted
	r.ChurnProbability = &churn
	r.DaysOverdue = &overdue
	r.DaysSinceLastPurchase = c.DaysSinceLastPurchase
	return r
}
