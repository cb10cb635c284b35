//go:build integration
// +build integration

// Package integration provides end-to-end tests against a running refilld.
//
// The tests import their own transactions under unique customer ids, ask
// the server to reload, and then query it:
//
//	POST /transactions → POST /dataset/reload → GET /refills/...
//
// Run with: REFILL_TEST_URL=http://localhost:8080 go test -tags=integration -v ./tests/integration/...
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL string
	RunID   string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("REFILL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL: baseURL,
		RunID:   fmt.Sprintf("it-%d", time.Now().UnixNano()),
	}
}

// ============================================================================
// API Types (matching the refilld API contract)
// ============================================================================

type Transaction struct {
	CustomerID string    `json:"customerId"`
	ProductID  string    `json:"productId"`
	OrderID    string    `json:"orderId"`
	Date       time.Time `json:"date"`
	Quantity   float64   `json:"quantity"`
	UnitPrice  float64   `json:"unitPrice"`
	Total      float64   `json:"total"`
}

type Refill struct {
	CustomerID            string   `json:"customerId"`
	ProductID             string   `json:"productId"`
	CustomerStatus        *string  `json:"customerStatus"`
	ConfidenceScore       *float64 `json:"confidenceScore"`
	AdjustedConfidence    *float64 `json:"adjustedConfidence"`
	DaysOverdue           *int     `json:"daysOverdue"`
	TotalLifetimeValue    float64  `json:"totalLifetimeValue"`
	DaysSinceLastPurchase int      `json:"daysSinceLastPurchase"`
}

type Filtered struct {
	Filter             string   `json:"filter"`
	Count              int      `json:"count"`
	TotalLifetimeValue float64  `json:"totalLifetimeValue"`
	Refills            []Refill `json:"refills"`
}

type ReloadResult struct {
	Fingerprint string `json:"fingerprint"`
	Rows        int    `json:"rows"`
	Pairs       int    `json:"pairs"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func call(t *testing.T, config TestConfig, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, config.BaseURL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, respBody
}

func mustDecode(t *testing.T, body []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(body))
	}
}

// history builds one purchase per offset (days relative to today) at price 50.
func history(customer, product string, offsets ...int) []Transaction {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	txs := make([]Transaction, len(offsets))
	for i, off := range offsets {
		txs[i] = Transaction{
			CustomerID: customer,
			ProductID:  product,
			OrderID:    fmt.Sprintf("%s-%s-%d", customer, product, i),
			Date:       today.AddDate(0, 0, off),
			Quantity:   1,
			UnitPrice:  50,
			Total:      50,
		}
	}
	return txs
}

// seed imports a lapsed pair and a regular pair for this run and reloads.
func seed(t *testing.T, config TestConfig) (lost, regular string) {
	t.Helper()

	lost = config.RunID + "-lost"
	regular = config.RunID + "-regular"

	var txs []Transaction
	txs = append(txs, history(lost, "SKU-1", -420, -390, -360, -330)...)
	txs = append(txs, history(regular, "SKU-1", -60, -30)...)

	status, body := call(t, config, http.MethodPost, "/transactions", txs)
	if status != http.StatusCreated {
		t.Fatalf("Expected status 201 from import, got %d: %s", status, string(body))
	}

	status, body = call(t, config, http.MethodPost, "/dataset/reload", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200 from reload, got %d: %s", status, string(body))
	}
	var result ReloadResult
	mustDecode(t, body, &result)
	if result.Pairs < 2 {
		t.Fatalf("Expected at least 2 pairs after reload, got %d", result.Pairs)
	}
	return lost, regular
}

// ============================================================================
// SCENARIOS
// ============================================================================

func TestHealth(t *testing.T) {
	config := getTestConfig()

	status, body := call(t, config, http.MethodGet, "/health", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}
}

func TestLapsedCustomerIsLikelyLost(t *testing.T) {
	/*
	   SCENARIO: a customer bought every 30 days and stopped 330 days ago.

	   EXPECTED BEHAVIOR:
	   - predicted next purchase is 300 days ago, far beyond the 7 day grace
	   - 330 days since the last purchase lands in the Likely Lost tier
	   - adjusted confidence is capped at 20
	*/
	config := getTestConfig()
	lost, regular := seed(t, config)

	filter := url.QueryEscape(fmt.Sprintf(`customer_id == %q || customer_id == %q`, lost, regular))
	status, body := call(t, config, http.MethodGet, "/refills/overdue?filter="+filter, nil)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}

	var result Filtered
	mustDecode(t, body, &result)
	if result.Count != 1 {
		t.Fatalf("Expected only the lapsed pair to be overdue, got %d", result.Count)
	}

	r := result.Refills[0]
	if r.CustomerID != lost {
		t.Errorf("Expected %s overdue, got %s", lost, r.CustomerID)
	}
	if r.CustomerStatus == nil || *r.CustomerStatus != "Likely Lost" {
		t.Errorf("Expected Likely Lost, got %v", r.CustomerStatus)
	}
	if r.AdjustedConfidence == nil || *r.AdjustedConfidence > 20 {
		t.Errorf("Expected adjusted confidence capped at 20, got %v", r.AdjustedConfidence)
	}
	if result.TotalLifetimeValue != 200 {
		t.Errorf("Expected lifetime value 200, got %v", result.TotalLifetimeValue)
	}
}

func TestCustomerSchedule(t *testing.T) {
	config := getTestConfig()
	_, regular := seed(t, config)

	status, body := call(t, config, http.MethodGet, "/customers/"+regular+"/schedule", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}

	var schedule struct {
		Refills            []Refill `json:"refills"`
		TotalLifetimeValue float64  `json:"totalLifetimeValue"`
	}
	mustDecode(t, body, &schedule)
	if len(schedule.Refills) != 1 {
		t.Fatalf("Expected 1 pair, got %d", len(schedule.Refills))
	}
	if schedule.Refills[0].CustomerStatus != nil {
		t.Errorf("Expected on-schedule pair to be unclassified, got %s", *schedule.Refills[0].CustomerStatus)
	}
	if schedule.TotalLifetimeValue != 100 {
		t.Errorf("Expected lifetime value 100, got %v", schedule.TotalLifetimeValue)
	}
}

func TestSegmentLifecycle(t *testing.T) {
	config := getTestConfig()
	lost, _ := seed(t, config)

	id := config.RunID + "-segment"
	segment := map[string]any{
		"id":         id,
		"name":       "Integration lapsed",
		"expression": fmt.Sprintf(`customer_id == %q && status == "Likely Lost"`, lost),
		"enabled":    true,
	}

	status, body := call(t, config, http.MethodPost, "/segments", segment)
	if status != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", status, string(body))
	}
	defer call(t, config, http.MethodDelete, "/segments/"+id, nil)

	status, body = call(t, config, http.MethodGet, "/segments/"+id+"/refills", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}
	var result Filtered
	mustDecode(t, body, &result)
	if result.Count != 1 || result.Refills[0].CustomerID != lost {
		t.Errorf("Expected segment to hold %s, got %+v", lost, result)
	}

	segment["expression"] = "lifetime_value >"
	status, _ = call(t, config, http.MethodPut, "/segments/"+id, segment)
	if status != http.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid expression, got %d", status)
	}
}

func TestUnknownPair(t *testing.T) {
	config := getTestConfig()

	status, _ := call(t, config, http.MethodGet, "/customers/"+config.RunID+"/products/none", nil)
	if status != http.StatusNotFound && status != http.StatusServiceUnavailable {
		t.Errorf("Expected status 404 (or 503 before any reload), got %d", status)
	}
}
