package engine

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/refill/internal/confidence"
	"github.com/opensource-finance/refill/internal/domain"
	"github.com/opensource-finance/refill/internal/intervals"
	"github.com/opensource-finance/refill/internal/stats"
	"github.com/opensource-finance/refill/internal/status"
)

// Confidence buckets used by product patterns.
const (
	highConfidence   = 70
	mediumConfidence = 40
)

// refill wraps p with the annotations every view carries.
func refill(p *domain.CustomerProductInterval, today time.Time) domain.Refill {
	r := domain.Refill{
		CustomerProductInterval: p,
		DaysSinceLastPurchase:   max(0, intervals.DaysBetween(p.LastOrderDate, today)),
	}
	if p.PredictedNextPurchaseDate != nil {
		if until := intervals.DaysBetween(today, *p.PredictedNextPurchaseDate); until >= 0 {
			r.DaysUntilNextPurchase = &until
		}
	}
	return r
}

// annotate classifies p when it is overdue beyond graceDays.
func (e *Engine) annotate(p *domain.CustomerProductInterval, graceDays int, today time.Time) domain.Refill {
	r := refill(p, today)
	if !status.Overdue(p, graceDays, today) {
		return r
	}
	if cls, ok := e.classifier.Classify(p, today); ok {
		r = r.Classified(cls)
	}
	return r
}

// sum adds values in decimal and rounds to cents.
func sum(values []float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(decimal.NewFromFloat(v))
	}
	return total.Round(2).InexactFloat64()
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(decimal.NewFromFloat(v))
	}
	return total.Div(decimal.NewFromInt(int64(len(values)))).Round(2).InexactFloat64()
}

// OverdueRefills returns pairs whose predicted date plus toleranceDays lies
// before today, classified and ordered by priority.
func (e *Engine) OverdueRefills(toleranceDays int) (*domain.OverdueReport, error) {
	entry, now, err := e.table()
	if err != nil {
		return nil, err
	}
	toleranceDays = max(0, toleranceDays)

	report := &domain.OverdueReport{
		Refills: []domain.Refill{},
		Summary: domain.OverdueSummary{
			ByStatus:      map[domain.Status]int{},
			ToleranceDays: toleranceDays,
			Excluded:      entry.Table.InsufficientHistory,
		},
	}

	var orderValues, lifetime []float64
	for _, p := range entry.Table.Pairs {
		if !p.HasSufficientHistory() || !status.Overdue(p, toleranceDays, now) {
			continue
		}
		cls, ok := e.classifier.Classify(p, now)
		if !ok {
			continue
		}
		report.Refills = append(report.Refills, refill(p, now).Classified(cls))
		report.Summary.ByStatus[cls.Status]++
		orderValues = append(orderValues, p.PredictedOrderValue)
		lifetime = append(lifetime, p.TotalLifetimeValue)
	}

	status.SortByPriority(report.Refills)
	report.Summary.Count = len(report.Refills)
	report.Summary.RevenueAtRisk = sum(orderValues)
	report.Summary.LifetimeValueAtRisk = sum(lifetime)

	return report, nil
}

// UpcomingRefills returns pairs predicted between today and today plus
// lookaheadDays inclusive, soonest first.
func (e *Engine) UpcomingRefills(lookaheadDays int) (*domain.UpcomingReport, error) {
	entry, now, err := e.table()
	if err != nil {
		return nil, err
	}
	lookaheadDays = max(0, lookaheadDays)

	report := &domain.UpcomingReport{
		Refills: []domain.Refill{},
		Summary: domain.UpcomingSummary{
			LookaheadDays: lookaheadDays,
			Excluded:      entry.Table.InsufficientHistory,
		},
	}

	var all, high []float64
	for _, p := range entry.Table.Pairs {
		if !p.HasSufficientHistory() || p.PredictedNextPurchaseDate == nil {
			continue
		}
		until := intervals.DaysBetween(now, *p.PredictedNextPurchaseDate)
		if until < 0 || until > lookaheadDays {
			continue
		}
		report.Refills = append(report.Refills, refill(p, now))
		all = append(all, p.PredictedOrderValue)
		if p.ConfidenceScore != nil && *p.ConfidenceScore >= e.cfg.HighConfidenceThreshold {
			high = append(high, p.PredictedOrderValue)
		}
	}

	sort.SliceStable(report.Refills, func(i, j int) bool {
		return report.Refills[i].PredictedNextPurchaseDate.Before(*report.Refills[j].PredictedNextPurchaseDate)
	})

	report.Summary.Count = len(report.Refills)
	report.Summary.TotalPredictedRevenue = sum(all)
	report.Summary.AverageOrderValue = average(all)
	report.Summary.HighConfidenceRevenue = sum(high)
	report.Summary.HighConfidenceCount = len(high)

	return report, nil
}

// CustomerRefillSchedule returns every pair of one customer ordered by
// predicted date; pairs without a prediction come last.
func (e *Engine) CustomerRefillSchedule(customerID string) (*domain.CustomerSchedule, error) {
	entry, now, err := e.table()
	if err != nil {
		return nil, err
	}

	pairs := entry.Table.ForCustomer(customerID)
	schedule := &domain.CustomerSchedule{
		CustomerID: customerID,
		Refills:    make([]domain.Refill, 0, len(pairs)),
	}

	var lifetime []float64
	for _, p := range pairs {
		schedule.Refills = append(schedule.Refills, e.annotate(p, e.cfg.GraceDays, now))
		lifetime = append(lifetime, p.TotalLifetimeValue)
		if !p.HasSufficientHistory() {
			schedule.Excluded++
		}
	}

	sort.SliceStable(schedule.Refills, func(i, j int) bool {
		a, b := schedule.Refills[i].PredictedNextPurchaseDate, schedule.Refills[j].PredictedNextPurchaseDate
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return a.Before(*b)
	})
	schedule.TotalLifetimeValue = sum(lifetime)

	return schedule, nil
}

// ProductRefillPatterns aggregates the average intervals and confidence of
// every customer buying one product.
func (e *Engine) ProductRefillPatterns(productID string) (*domain.ProductPattern, error) {
	entry, _, err := e.table()
	if err != nil {
		return nil, err
	}

	pairs := entry.Table.ForProduct(productID)
	pattern := &domain.ProductPattern{
		ProductID: productID,
		Customers: len(pairs),
	}

	var avgs, scores, lifetime []float64
	for _, p := range pairs {
		lifetime = append(lifetime, p.TotalLifetimeValue)
		if p.AvgIntervalDays == nil || p.ConfidenceScore == nil {
			pattern.Confidence.Insufficient++
			pattern.Excluded++
			continue
		}
		avgs = append(avgs, *p.AvgIntervalDays)
		scores = append(scores, *p.ConfidenceScore)

		switch c := *p.ConfidenceScore; {
		case c >= highConfidence:
			pattern.Confidence.High++
		case c >= mediumConfidence:
			pattern.Confidence.Medium++
		default:
			pattern.Confidence.Low++
		}
	}

	pattern.PairsWithHistory = len(avgs)
	pattern.TotalLifetimeValue = sum(lifetime)
	if len(avgs) > 0 {
		mean := stats.Mean(avgs)
		median := stats.Median(avgs)
		lo, hi := stats.MinMax(avgs)
		meanScore := stats.Mean(scores)
		pattern.MeanIntervalDays = &mean
		pattern.MedianIntervalDays = &median
		pattern.MinIntervalDays = &lo
		pattern.MaxIntervalDays = &hi
		pattern.MeanConfidence = &meanScore
	}

	return pattern, nil
}

// LikelyLostCustomers returns overdue pairs in the terminal tier that are
// at least minOverdueDays past their predicted date, ordered by lifetime
// value.
func (e *Engine) LikelyLostCustomers(minOverdueDays int) (*domain.LikelyLostReport, error) {
	entry, now, err := e.table()
	if err != nil {
		return nil, err
	}

	cfg := e.classifier.Config()
	if minOverdueDays > 0 {
		cfg.LikelyLostDays = minOverdueDays
	}
	classifier := status.NewClassifier(cfg)

	report := &domain.LikelyLostReport{
		Refills: []domain.Refill{},
		Summary: domain.LikelyLostSummary{MinOverdueDays: cfg.LikelyLostDays},
	}

	var lifetime, recoverable []float64
	for _, p := range entry.Table.Pairs {
		if !p.HasSufficientHistory() || !status.Overdue(p, e.cfg.GraceDays, now) {
			continue
		}
		cls, ok := classifier.Classify(p, now)
		if !ok || cls.Status != domain.StatusLikelyLost || cls.DaysOverdue < cfg.LikelyLostDays {
			continue
		}
		report.Refills = append(report.Refills, refill(p, now).Classified(cls))
		lifetime = append(lifetime, p.TotalLifetimeValue)
		recoverable = append(recoverable, p.PredictedOrderValue*cls.AdjustedConfidence/100)
	}

	sort.SliceStable(report.Refills, func(i, j int) bool {
		a, b := report.Refills[i], report.Refills[j]
		if a.TotalLifetimeValue != b.TotalLifetimeValue {
			return a.TotalLifetimeValue > b.TotalLifetimeValue
		}
		return *a.DaysOverdue > *b.DaysOverdue
	})

	report.Summary.Count = len(report.Refills)
	report.Summary.TotalLifetimeValue = sum(lifetime)
	report.Summary.RecoverableRevenue = sum(recoverable)

	return report, nil
}

// RefillComplianceScore measures past prediction accuracy. For every pair
// with at least three purchases the last purchase is held out, predicted
// from the earlier intervals, and compared to what actually happened.
func (e *Engine) RefillComplianceScore(toleranceDays int) (*domain.ComplianceReport, error) {
	entry, _, err := e.table()
	if err != nil {
		return nil, err
	}
	toleranceDays = max(0, toleranceDays)

	report := &domain.ComplianceReport{ToleranceDays: toleranceDays}

	var errs []float64
	for _, p := range entry.Table.Pairs {
		n := p.PurchaseCount()
		if n < 3 {
			report.Excluded++
			continue
		}

		earlier := p.IntervalsDays[:len(p.IntervalsDays)-1]
		predicted := intervals.AddDays(p.PurchaseDates[n-2], stats.Mean(earlier))
		actual := p.PurchaseDates[n-1]

		miss := math.Abs(actual.Sub(predicted).Hours() / 24)
		errs = append(errs, miss)
		report.Evaluated++
		if miss <= float64(toleranceDays) {
			report.WithinTolerance++
		}
	}

	if report.Evaluated > 0 {
		report.Score = float64(report.WithinTolerance) / float64(report.Evaluated)
		report.MeanAbsErrorDays = stats.Round(stats.Mean(errs), 2)
	}

	return report, nil
}

// IrregularRefillPatterns flags pairs whose interval coefficient of
// variation exceeds threshold, most irregular first.
func (e *Engine) IrregularRefillPatterns(threshold float64) (*domain.IrregularReport, error) {
	entry, now, err := e.table()
	if err != nil {
		return nil, err
	}

	report := &domain.IrregularReport{
		Patterns:  []domain.IrregularPattern{},
		Threshold: threshold,
	}

	for _, p := range entry.Table.Pairs {
		if p.AvgIntervalDays == nil || p.StdIntervalDays == nil {
			report.Excluded++
			continue
		}
		if *p.AvgIntervalDays <= 0 {
			continue
		}
		cv := *p.StdIntervalDays / *p.AvgIntervalDays
		if cv <= threshold {
			continue
		}
		report.Patterns = append(report.Patterns, domain.IrregularPattern{
			Refill:                 e.annotate(p, e.cfg.GraceDays, now),
			CoefficientOfVariation: cv,
		})
	}

	sort.SliceStable(report.Patterns, func(i, j int) bool {
		return report.Patterns[i].CoefficientOfVariation > report.Patterns[j].CoefficientOfVariation
	})

	return report, nil
}

// ListPairs returns every pair, single-purchase pairs included, in
// customer/product order. A limit of zero or less returns all remaining pairs.
func (e *Engine) ListPairs(offset, limit int) (*domain.PairListing, error) {
	entry, now, err := e.table()
	if err != nil {
		return nil, err
	}

	pairs := entry.Table.Pairs
	total := len(pairs)
	offset = min(max(0, offset), total)
	end := total
	if limit > 0 {
		end = min(total, offset+limit)
	}

	listing := &domain.PairListing{
		Pairs:  make([]domain.Refill, 0, end-offset),
		Total:  total,
		Offset: offset,
		Limit:  limit,
	}
	for _, p := range pairs[offset:end] {
		listing.Pairs = append(listing.Pairs, e.annotate(p, e.cfg.GraceDays, now))
	}

	return listing, nil
}

// PairDetail is one pair with the factor breakdown behind its score.
type PairDetail struct {
	Refill  domain.Refill      `json:"refill"`
	Factors map[string]float64 `json:"factors,omitempty"`
}

// Pair returns one pair with its confidence breakdown.
func (e *Engine) Pair(customerID, productID string) (*PairDetail, error) {
	entry, now, err := e.table()
	if err != nil {
		return nil, err
	}

	p := entry.Table.Get(customerID, productID)
	if p == nil {
		return nil, ErrPairNotFound
	}

	detail := &PairDetail{Refill: e.annotate(p, e.cfg.GraceDays, now)}
	if b, ok := e.scorer.Breakdown(p, entry.ReferenceDay); ok {
		detail.Factors = make(map[string]float64, confidence.NumFactors)
		for f := confidence.Factor(0); f < confidence.NumFactors; f++ {
			detail.Factors[f.String()] = b.Scores[f]
		}
	}

	return detail, nil
}
