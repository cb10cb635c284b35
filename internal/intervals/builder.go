// Package intervals groups cleaned transactions into per customer/product
// purchase histories and derives their interval statistics.
package intervals

import (
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/refill/internal/domain"
	"github.com/opensource-finance/refill/internal/stats"
)

// Table is the interval table for one dataset. Pairs are ordered by
// customer then product and are read-only once Build returns.
type Table struct {
	Pairs []*domain.CustomerProductInterval

	// Rows is the number of input rows, RejectedRows those failing validation.
	Rows         int
	RejectedRows int

	// InsufficientHistory counts pairs with a single purchase.
	InsufficientHistory int

	index      map[string]int
	byCustomer map[string][]int
	byProduct  map[string][]int
}

// Get returns the pair for customer and product, or nil.
func (t *Table) Get(customerID, productID string) *domain.CustomerProductInterval {
	if i, ok := t.index[domain.PairKey(customerID, productID)]; ok {
		return t.Pairs[i]
	}
	return nil
}

// ForCustomer returns the pairs of one customer in product order.
func (t *Table) ForCustomer(customerID string) []*domain.CustomerProductInterval {
	return t.pick(t.byCustomer[customerID])
}

// ForProduct returns the pairs of one product in customer order.
func (t *Table) ForProduct(productID string) []*domain.CustomerProductInterval {
	return t.pick(t.byProduct[productID])
}

// Customers returns the number of distinct customers.
func (t *Table) Customers() int { return len(t.byCustomer) }

// Products returns the number of distinct products.
func (t *Table) Products() int { return len(t.byProduct) }

func (t *Table) pick(idx []int) []*domain.CustomerProductInterval {
	out := make([]*domain.CustomerProductInterval, 0, len(idx))
	for _, i := range idx {
		out = append(out, t.Pairs[i])
	}
	return out
}

// Valid reports whether a row satisfies the input constraint: non-empty
// identifiers, a date, a non-negative quantity and a non-negative price.
func Valid(tx *domain.Transaction) bool {
	if tx.CustomerID == "" || tx.ProductID == "" || tx.Date.IsZero() {
		return false
	}
	if !finite(tx.Quantity) || tx.Quantity < 0 {
		return false
	}
	if !finite(tx.UnitPrice) || tx.UnitPrice < 0 {
		return false
	}
	return true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// purchase is one order for a pair after line merging.
type purchase struct {
	orderID  string
	date     time.Time
	quantity float64
	value    float64

	// prices and lines give the plain mean price of zero-quantity orders.
	prices float64
	lines  int
}

// Build groups txs by customer and product and computes the interval
// statistics of every pair relative to now. Refund rows are a caller
// precondition and are not filtered here. txs is not modified.
func Build(txs []domain.Transaction, now time.Time) *Table {
	type orderKey struct {
		pair  string
		order string
	}

	t := &Table{
		Rows:       len(txs),
		index:      make(map[string]int),
		byCustomer: make(map[string][]int),
		byProduct:  make(map[string][]int),
	}

	grouped := make(map[string][]*purchase)
	orders := make(map[orderKey]*purchase)
	ids := make(map[string][2]string)

	for i := range txs {
		tx := &txs[i]
		if !Valid(tx) {
			t.RejectedRows++
			continue
		}

		pair := domain.PairKey(tx.CustomerID, tx.ProductID)
		ids[pair] = [2]string{tx.CustomerID, tx.ProductID}

		// Lines without an order id are keyed by their calendar day.
		order := tx.OrderID
		if order == "" {
			order = "@" + civil(tx.Date).Format("2006-01-02")
		}

		k := orderKey{pair: pair, order: order}
		if p, ok := orders[k]; ok {
			p.quantity += tx.Quantity
			p.value += tx.Quantity * tx.UnitPrice
			p.prices += tx.UnitPrice
			p.lines++
			if tx.Date.Before(p.date) {
				p.date = tx.Date
			}
			continue
		}

		p := &purchase{
			orderID:  order,
			date:     tx.Date,
			quantity: tx.Quantity,
			value:    tx.Quantity * tx.UnitPrice,
			prices:   tx.UnitPrice,
			lines:    1,
		}
		orders[k] = p
		grouped[pair] = append(grouped[pair], p)
	}

	keys := make([]string, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := ids[keys[i]], ids[keys[j]]
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		return a[1] < b[1]
	})

	t.Pairs = make([]*domain.CustomerProductInterval, 0, len(keys))
	for _, k := range keys {
		id := ids[k]
		rec := buildPair(id[0], id[1], grouped[k], now)

		i := len(t.Pairs)
		t.Pairs = append(t.Pairs, rec)
		t.index[k] = i
		t.byCustomer[rec.CustomerID] = append(t.byCustomer[rec.CustomerID], i)
		t.byProduct[rec.ProductID] = append(t.byProduct[rec.ProductID], i)

		if !rec.HasSufficientHistory() {
			t.InsufficientHistory++
		}
	}

	return t
}

// unitPrice is the quantity-weighted price over the merged lines.
func (p *purchase) unitPrice() float64 {
	if p.quantity == 0 {
		return p.prices / float64(p.lines)
	}
	return p.value / p.quantity
}

func buildPair(customerID, productID string, purchases []*purchase, now time.Time) *domain.CustomerProductInterval {
	sort.SliceStable(purchases, func(i, j int) bool {
		if !purchases[i].date.Equal(purchases[j].date) {
			return purchases[i].date.Before(purchases[j].date)
		}
		return purchases[i].orderID < purchases[j].orderID
	})

	n := len(purchases)
	rec := &domain.CustomerProductInterval{
		CustomerID:    customerID,
		ProductID:     productID,
		PurchaseDates: make([]time.Time, n),
		Quantities:    make([]float64, n),
		UnitPrices:    make([]float64, n),
		IntervalsDays: make([]float64, 0, max(0, n-1)),
	}

	for i, p := range purchases {
		rec.PurchaseDates[i] = p.date
		rec.Quantities[i] = p.quantity
		rec.UnitPrices[i] = p.unitPrice()
		rec.TotalLifetimeValue += p.value
		if i > 0 {
			rec.IntervalsDays = append(rec.IntervalsDays, float64(DaysBetween(purchases[i-1].date, p.date)))
		}
	}

	rec.FirstOrderDate = rec.PurchaseDates[0]
	rec.LastOrderDate = rec.PurchaseDates[n-1]
	rec.DaysSinceFirstOrder = max(0, DaysBetween(rec.FirstOrderDate, now))

	if len(rec.IntervalsDays) > 0 {
		avg := stats.Mean(rec.IntervalsDays)
		std := stats.SampleStdDev(rec.IntervalsDays)
		rec.AvgIntervalDays = &avg
		rec.StdIntervalDays = &std

		next := AddDays(rec.LastOrderDate, avg)
		rec.PredictedNextPurchaseDate = &next
	}

	return rec
}

// DaysBetween returns the number of calendar days from a to b, taking each
// date in its own location. No timezone normalization is applied.
func DaysBetween(a, b time.Time) int {
	return int(civil(b).Sub(civil(a)).Hours() / 24)
}

// AddDays adds a possibly fractional number of days to t.
func AddDays(t time.Time, days float64) time.Time {
	return t.Add(time.Duration(days * float64(24*time.Hour)))
}

func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
