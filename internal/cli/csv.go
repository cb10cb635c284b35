package cli

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/refill/internal/domain"
)

// ErrInvalidCSV is returned for unreadable transaction files.
var ErrInvalidCSV = errors.New("invalid csv")

var requiredColumns = []string{"customer_id", "product_id", "date", "quantity", "unit_price"}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// CSVResult is a parsed transaction file.
type CSVResult struct {
	Transactions []domain.Transaction
	Rows         int
	Refunds      int
}

// ReadTransactions parses a transaction CSV with a header row. Column
// names are matched case-insensitively. order_id, total and is_refund
// are optional; a missing total is quantity × unit_price. Refund rows are
// counted and skipped.
func ReadTransactions(r io.Reader) (*CSVResult, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrInvalidCSV, err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%w: missing column %s", ErrInvalidCSV, name)
		}
	}

	field := func(record []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	result := &CSVResult{}
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidCSV, line, err)
		}
		result.Rows++

		refund, err := parseBool(field(record, "is_refund"))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: is_refund: %v", ErrInvalidCSV, line, err)
		}
		if refund {
			result.Refunds++
			continue
		}

		tx, err := parseRow(field, record)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidCSV, line, err)
		}
		result.Transactions = append(result.Transactions, tx)
	}

	return result, nil
}

func parseRow(field func([]string, string) string, record []string) (domain.Transaction, error) {
	tx := domain.Transaction{
		CustomerID: field(record, "customer_id"),
		ProductID:  field(record, "product_id"),
		OrderID:    field(record, "order_id"),
	}
	if tx.CustomerID == "" || tx.ProductID == "" {
		return tx, errors.New("customer_id and product_id are required")
	}

	date, err := parseDate(field(record, "date"))
	if err != nil {
		return tx, err
	}
	tx.Date = date

	if tx.Quantity, err = strconv.ParseFloat(field(record, "quantity"), 64); err != nil {
		return tx, fmt.Errorf("quantity: %v", err)
	}
	if tx.UnitPrice, err = strconv.ParseFloat(field(record, "unit_price"), 64); err != nil {
		return tx, fmt.Errorf("unit_price: %v", err)
	}

	if v := field(record, "total"); v != "" {
		if tx.Total, err = strconv.ParseFloat(v, 64); err != nil {
			return tx, fmt.Errorf("total: %v", err)
		}
	} else {
		tx.Total = tx.Quantity * tx.UnitPrice
	}
	return tx, nil
}

func parseDate(v string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("date %q: unrecognised format", v)
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "", "0", "false", "no", "n":
		return false, nil
	case "1", "true", "yes", "y":
		return true, nil
	}
	return false, fmt.Errorf("unrecognised boolean %q", v)
}
