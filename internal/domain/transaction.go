package domain

import (
	"encoding/binary"
	"encoding/hex"
	"hash/fnv"
	"math"
	"time"
)

// Transaction is one cleaned order line as supplied by the transaction source.
// Refund rows are expected to be excluded before a Dataset is built.
type Transaction struct {
	CustomerID string    `json:"customerId"`
	ProductID  string    `json:"productId"`
	OrderID    string    `json:"orderId"`
	Date       time.Time `json:"date"`
	Quantity   float64   `json:"quantity"`
	UnitPrice  float64   `json:"unitPrice"`
	Total      float64   `json:"total"`
	IsRefund   bool      `json:"isRefund"`
}

// TransactionColumns is the column set every transaction source provides.
// It is part of the dataset fingerprint, so a source that changes shape
// invalidates any interval table built from an older shape.
var TransactionColumns = []string{
	"customer_id",
	"product_id",
	"order_id",
	"date",
	"quantity",
	"unit_price",
	"total",
	"is_refund",
}

// Dataset is an immutable snapshot of transactions plus its identity.
type Dataset struct {
	Transactions []Transaction
	Fingerprint  string
	LoadedAt     time.Time
}

// NewDataset wraps transactions and stamps their fingerprint.
// The slice is owned by the dataset afterwards and must not be mutated.
func NewDataset(txs []Transaction) *Dataset {
	return &Dataset{
		Transactions: txs,
		Fingerprint:  Fingerprint(txs),
		LoadedAt:     time.Now().UTC(),
	}
}

// Len returns the number of rows in the dataset.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Transactions)
}

// Fingerprint hashes the row count, the column set, and every row with FNV-64a.
func Fingerprint(txs []Transaction) string {
	h := fnv.New64a()
	var buf [8]byte

	writeString := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	writeFloat := func(f float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
		h.Write(buf[:])
	}

	binary.LittleEndian.PutUint64(buf[:], uint64(len(txs)))
	h.Write(buf[:])
	for _, c := range TransactionColumns {
		writeString(c)
	}

	for _, tx := range txs {
		writeString(tx.CustomerID)
		writeString(tx.ProductID)
		writeString(tx.OrderID)
		binary.LittleEndian.PutUint64(buf[:], uint64(tx.Date.Unix()))
		h.Write(buf[:])
		writeFloat(tx.Quantity)
		writeFloat(tx.UnitPrice)
		writeFloat(tx.Total)
		if tx.IsRefund {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}
