package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/refill/internal/domain"
	"github.com/opensource-finance/refill/internal/engine"
	"github.com/opensource-finance/refill/internal/segment"
)

var today = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestReadTransactions(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		data := `Customer_ID,product_id,order_id,date,quantity,unit_price,total,is_refund
C1,P1,O1,2024-01-05,2,10.5,21,false
C1,P1,O2,2024-02-05T09:30:00Z,1,10.5,,0
C2,P1,O3,2024-02-06 10:00:00,1,10.5,10.5,true
`
		result, err := ReadTransactions(strings.NewReader(data))
		if err != nil {
			t.Fatalf("ReadTransactions failed: %v", err)
		}

		if result.Rows != 3 {
			t.Errorf("expected 3 rows, got %d", result.Rows)
		}
		if result.Refunds != 1 {
			t.Errorf("expected 1 refund, got %d", result.Refunds)
		}
		if len(result.Transactions) != 2 {
			t.Fatalf("expected 2 transactions, got %d", len(result.Transactions))
		}

		second := result.Transactions[1]
		if second.Total != 10.5 {
			t.Errorf("expected derived total 10.5, got %v", second.Total)
		}
		if second.Date.Hour() != 9 {
			t.Errorf("expected time of day to be kept, got %v", second.Date)
		}
	})

	t.Run("OptionalColumns", func(t *testing.T) {
		data := "customer_id,product_id,date,quantity,unit_price\nC1,P1,2024-01-05,3,2\n"
		result, err := ReadTransactions(strings.NewReader(data))
		if err != nil {
			t.Fatalf("ReadTransactions failed: %v", err)
		}
		if tx := result.Transactions[0]; tx.Total != 6 || tx.OrderID != "" {
			t.Errorf("expected total 6 and no order id, got %+v", tx)
		}
	})

	tests := []struct {
		name string
		data string
	}{
		{"MissingColumn", "customer_id,product_id,date,quantity\nC1,P1,2024-01-05,1\n"},
		{"BadDate", "customer_id,product_id,date,quantity,unit_price\nC1,P1,05/01/2024,1,2\n"},
		{"BadQuantity", "customer_id,product_id,date,quantity,unit_price\nC1,P1,2024-01-05,two,2\n"},
		{"MissingCustomer", "customer_id,product_id,date,quantity,unit_price\n,P1,2024-01-05,1,2\n"},
		{"BadRefundFlag", "customer_id,product_id,date,quantity,unit_price,is_refund\nC1,P1,2024-01-05,1,2,maybe\n"},
		{"Empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadTransactions(strings.NewReader(tt.data)); !errors.Is(err, ErrInvalidCSV) {
				t.Errorf("expected ErrInvalidCSV, got %v", err)
			}
		})
	}
}

type fakeWriter struct {
	batches []int
	failAt  int
}

func (f *fakeWriter) SaveTransactions(ctx context.Context, txs []domain.Transaction) (int, error) {
	if f.failAt > 0 && len(f.batches)+1 == f.failAt {
		return 0, errors.New("disk full")
	}
	f.batches = append(f.batches, len(txs))
	return len(txs), nil
}

func rows(n int) []domain.Transaction {
	txs := make([]domain.Transaction, n)
	for i := range txs {
		txs[i] = domain.Transaction{CustomerID: "C1", ProductID: "P1", Date: today, Quantity: 1, UnitPrice: 1}
	}
	return txs
}

func TestImportTransactions(t *testing.T) {
	t.Run("Batches", func(t *testing.T) {
		w := &fakeWriter{}
		saved, err := importTransactions(context.Background(), w, rows(25), 10, io.Discard)
		if err != nil {
			t.Fatalf("importTransactions failed: %v", err)
		}
		if saved != 25 {
			t.Errorf("expected 25 saved, got %d", saved)
		}
		if fmt.Sprint(w.batches) != "[10 10 5]" {
			t.Errorf("expected batches [10 10 5], got %v", w.batches)
		}
	})

	t.Run("Failure", func(t *testing.T) {
		w := &fakeWriter{failAt: 2}
		saved, err := importTransactions(context.Background(), w, rows(25), 10, io.Discard)
		if err == nil {
			t.Fatal("expected import to fail")
		}
		if saved != 10 {
			t.Errorf("expected 10 saved before the failure, got %d", saved)
		}
		if !strings.Contains(err.Error(), "rows 11-20") {
			t.Errorf("expected failing range in error, got %v", err)
		}
	})
}

func purchases(customer, product string, offsets ...int) []domain.Transaction {
	txs := make([]domain.Transaction, len(offsets))
	for i, off := range offsets {
		txs[i] = domain.Transaction{
			CustomerID: customer,
			ProductID:  product,
			OrderID:    fmt.Sprintf("%s-%d", customer, i),
			Date:       time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, off),
			Quantity:   1,
			UnitPrice:  100,
			Total:      100,
		}
	}
	return txs
}

func TestRunQuery(t *testing.T) {
	eng := engine.New(domain.DefaultEngineConfig(), engine.WithClock(func() time.Time { return today }))
	eng.SetDataset(domain.NewDataset(append(
		purchases("C1", "P1", -400, -370, -340),
		purchases("C2", "P1", -40, -20)...,
	)))
	segs, err := segment.NewEngine()
	if err != nil {
		t.Fatalf("failed to create segment engine: %v", err)
	}

	defaults := reportOptions{Tolerance: -1, Lookahead: -1, MinDays: -1, Threshold: -1}

	t.Run("Overdue", func(t *testing.T) {
		result, err := runQuery(eng, segs, "overdue", "", defaults)
		if err != nil {
			t.Fatalf("runQuery failed: %v", err)
		}
		report := result.(*domain.OverdueReport)
		if report.Summary.ToleranceDays != 7 || len(report.Refills) != 1 {
			t.Errorf("expected one overdue pair at tolerance 7, got %+v", report.Summary)
		}
	})

	t.Run("Filtered", func(t *testing.T) {
		opts := defaults
		opts.Filter = `customer_id == "C2"`
		result, err := runQuery(eng, segs, "pairs", "", opts)
		if err != nil {
			t.Fatalf("runQuery failed: %v", err)
		}
		refills := result.([]domain.Refill)
		if len(refills) != 1 || refills[0].CustomerID != "C2" {
			t.Errorf("expected only C2, got %d refills", len(refills))
		}
	})

	t.Run("Every report", func(t *testing.T) {
		for _, kind := range []string{"upcoming", "likely-lost", "compliance", "irregular", "summary"} {
			if _, err := runQuery(eng, segs, kind, "", defaults); err != nil {
				t.Errorf("%s failed: %v", kind, err)
			}
		}
		if _, err := runQuery(eng, segs, "customer", "C1", defaults); err != nil {
			t.Errorf("customer failed: %v", err)
		}
		if _, err := runQuery(eng, segs, "product", "P1", defaults); err != nil {
			t.Errorf("product failed: %v", err)
		}
	})

	t.Run("Errors", func(t *testing.T) {
		if _, err := runQuery(eng, segs, "customer", "", defaults); err == nil {
			t.Error("expected customer report without id to fail")
		}
		if _, err := runQuery(eng, segs, "weekly", "", defaults); err == nil {
			t.Error("expected unknown report to fail")
		}
		opts := defaults
		opts.Filter = "lifetime_value >"
		if _, err := runQuery(eng, segs, "overdue", "", opts); !errors.Is(err, segment.ErrInvalidExpression) {
			t.Errorf("expected ErrInvalidExpression, got %v", err)
		}
	})
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "refill.yaml")
	csvPath := filepath.Join(dir, "orders.csv")

	cfg := fmt.Sprintf("repository:\n  sqlitePath: %s\nlogging:\n  level: error\n", filepath.Join(dir, "cli.db"))
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	var csv strings.Builder
	csv.WriteString("customer_id,product_id,order_id,date,quantity,unit_price,is_refund\n")
	now := time.Now().UTC()
	for i, off := range []int{-400, -370, -340} {
		fmt.Fprintf(&csv, "C1,P1,O%d,%s,1,100,false\n", i, now.AddDate(0, 0, off).Format("2006-01-02"))
	}
	csv.WriteString("C1,P1,R1," + now.AddDate(0, 0, -339).Format("2006-01-02") + ",1,100,true\n")
	if err := os.WriteFile(csvPath, []byte(csv.String()), 0o600); err != nil {
		t.Fatalf("failed to write csv: %v", err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	rootCmd.SetArgs([]string{"--config", cfgPath, "import", "--csv", csvPath})
	if err := Execute(); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if !strings.Contains(out.String(), "Imported 3 of 4 rows") {
		t.Errorf("expected import summary, got %q", out.String())
	}

	out.Reset()
	rootCmd.SetArgs([]string{"--config", cfgPath, "report", "likely-lost"})
	if err := Execute(); err != nil {
		t.Fatalf("report failed: %v", err)
	}

	var report domain.LikelyLostReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("failed to parse report: %v: %s", err, out.String())
	}
	if report.Summary.Count != 1 || report.Summary.TotalLifetimeValue != 300 {
		t.Errorf("expected one likely lost pair worth 300, got %+v", report.Summary)
	}
}
