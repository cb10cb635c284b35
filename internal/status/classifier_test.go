package status

import (
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/refill/internal/domain"
)

var today = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

// overduePair returns a scored pair last bought daysSinceLast days ago.
func overduePair(daysSinceLast int, avg, confidence float64) *domain.CustomerProductInterval {
	last := today.AddDate(0, 0, -daysSinceLast)
	next := last.Add(time.Duration(avg * float64(24*time.Hour)))
	return &domain.CustomerProductInterval{
		CustomerID:                "C1",
		ProductID:                 "P1",
		PurchaseDates:             []time.Time{last.AddDate(0, 0, -int(avg)), last},
		LastOrderDate:             last,
		AvgIntervalDays:           ptr(avg),
		ConfidenceScore:           ptr(confidence),
		PredictedNextPurchaseDate: &next,
	}
}

func TestTierBoundaries(t *testing.T) {
	c := NewClassifier(domain.DefaultClassifierConfig())

	tests := []struct {
		elapsed    int
		status     domain.Status
		multiplier float64
	}{
		{0, domain.StatusActionNeeded, 0.9},
		{29, domain.StatusActionNeeded, 0.9},
		{30, domain.StatusAtRisk, 0.8},
		{59, domain.StatusAtRisk, 0.8},
		{60, domain.StatusAtRisk, 0.6},
		{89, domain.StatusAtRisk, 0.6},
		{90, domain.StatusAtHighRisk, 0.4},
		{179, domain.StatusAtHighRisk, 0.4},
		{180, domain.StatusLikelyLost, 0.2},
		{1000, domain.StatusLikelyLost, 0.2},
	}

	for _, tt := range tests {
		s, m := c.Tier(tt.elapsed)
		if s != tt.status || m != tt.multiplier {
			t.Errorf("%d days: expected %s x%v, got %s x%v", tt.elapsed, tt.status, tt.multiplier, s, m)
		}
	}
}

func TestMonotonicDecay(t *testing.T) {
	c := NewClassifier(domain.DefaultClassifierConfig())

	for _, confidence := range []float64{10, 55.5, 100} {
		prev := math.Inf(1)
		for elapsed := 0; elapsed <= 400; elapsed++ {
			s, m := c.Tier(elapsed)
			adjusted := c.Decay(confidence, s, m)
			if adjusted > prev {
				t.Fatalf("confidence %v: adjusted rose at %d days (%v > %v)", confidence, elapsed, adjusted, prev)
			}
			if adjusted > confidence {
				t.Fatalf("confidence %v: adjusted %v exceeds original", confidence, adjusted)
			}
			prev = adjusted
		}
	}
}

func TestLikelyLostCap(t *testing.T) {
	c := NewClassifier(domain.DefaultClassifierConfig())

	for _, elapsed := range []int{180, 365, 2000} {
		cls, ok := c.Classify(overduePair(elapsed, 10, 100), today)
		if !ok {
			t.Fatal("expected classification")
		}
		if cls.Status != domain.StatusLikelyLost {
			t.Errorf("%d days: expected Likely Lost, got %s", elapsed, cls.Status)
		}
		if cls.AdjustedConfidence > 20 {
			t.Errorf("%d days: expected adjusted <= 20, got %v", elapsed, cls.AdjustedConfidence)
		}
	}
}

func TestChurnComplement(t *testing.T) {
	c := NewClassifier(domain.DefaultClassifierConfig())

	for _, elapsed := range []int{12, 45, 75, 120, 250} {
		cls, ok := c.Classify(overduePair(elapsed, 10, 73.4), today)
		if !ok {
			t.Fatal("expected classification")
		}
		if math.Abs(cls.ChurnProbability+cls.AdjustedConfidence-100) > 1e-9 {
			t.Errorf("%d days: churn %v + adjusted %v != 100", elapsed, cls.ChurnProbability, cls.AdjustedConfidence)
		}
	}
}

func TestOverdueScenario(t *testing.T) {
	p := overduePair(95, 10, 80)

	if !Overdue(p, 7, today) {
		t.Fatal("expected pair to be overdue")
	}

	c := NewClassifier(domain.DefaultClassifierConfig())
	cls, ok := c.Classify(p, today)
	if !ok {
		t.Fatal("expected classification")
	}
	if cls.Status != domain.StatusAtHighRisk {
		t.Errorf("expected At High Risk, got %s", cls.Status)
	}
	if math.Abs(cls.AdjustedConfidence-80*0.4) > 1e-9 {
		t.Errorf("expected adjusted %v, got %v", 80*0.4, cls.AdjustedConfidence)
	}
	if cls.DaysOverdue != 85 {
		t.Errorf("expected 85 days overdue, got %d", cls.DaysOverdue)
	}
	if cls.DaysSinceLastPurchase != 95 {
		t.Errorf("expected 95 days since last purchase, got %d", cls.DaysSinceLastPurchase)
	}
}

func TestDaysOverdueBasis(t *testing.T) {
	cfg := domain.DefaultClassifierConfig()
	cfg.Basis = domain.BasisDaysOverdue
	c := NewClassifier(cfg)

	cls, _ := c.Classify(overduePair(95, 10, 80), today)
	if cls.Status != domain.StatusAtRisk || cls.Multiplier != 0.6 {
		t.Errorf("expected At Risk x0.6 at 85 days overdue, got %s x%v", cls.Status, cls.Multiplier)
	}
}

func TestTightenedThresholds(t *testing.T) {
	cfg := domain.DefaultClassifierConfig()
	cfg.AtRiskDays, cfg.AtRiskUpperDays, cfg.AtHighRiskDays, cfg.LikelyLostDays = 1, 2, 3, 4
	c := NewClassifier(cfg)

	if s, _ := c.Tier(4); s != domain.StatusLikelyLost {
		t.Errorf("expected Likely Lost at 4 days, got %s", s)
	}
}

func TestOverdueRespectsGrace(t *testing.T) {
	p := overduePair(15, 10, 50) // predicted 5 days ago

	if Overdue(p, 7, today) {
		t.Error("expected pair inside grace period not to be overdue")
	}
	if !Overdue(p, 4, today) {
		t.Error("expected pair past a shorter grace period to be overdue")
	}

	p.PredictedNextPurchaseDate = nil
	if Overdue(p, 0, today) {
		t.Error("expected pair without prediction not to be overdue")
	}
}

func TestClassifyInsufficientData(t *testing.T) {
	c := NewClassifier(domain.DefaultClassifierConfig())
	p := &domain.CustomerProductInterval{LastOrderDate: today}

	if _, ok := c.Classify(p, today); ok {
		t.Error("expected no classification without prediction")
	}
}

func TestSortByPriority(t *testing.T) {
	refill := func(key string, s domain.Status, ltv float64, overdue int) domain.Refill {
		return domain.Refill{
			CustomerProductInterval: &domain.CustomerProductInterval{CustomerID: key, TotalLifetimeValue: ltv},
			CustomerStatus:          ptr(s),
			DaysOverdue:             ptr(overdue),
		}
	}

	refills := []domain.Refill{
		refill("a", domain.StatusActionNeeded, 9000, 10),
		refill("b", domain.StatusLikelyLost, 500, 300),
		refill("c", domain.StatusLikelyLost, 5000, 200),
		refill("d", domain.StatusAtRisk, 100, 40),
		refill("e", domain.StatusAtRisk, 100, 55),
	}
	SortByPriority(refills)

	want := []string{"c", "b", "e", "d", "a"}
	for i, w := range want {
		if refills[i].CustomerID != w {
			t.Errorf("position %d: expected %s, got %s", i, w, refills[i].CustomerID)
		}
	}
}
