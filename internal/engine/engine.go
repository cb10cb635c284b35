// Package engine owns the interval table of the loaded dataset and serves
// the refill queries over it.
package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/refill/internal/confidence"
	"github.com/opensource-finance/refill/internal/domain"
	"github.com/opensource-finance/refill/internal/forecast"
	"github.com/opensource-finance/refill/internal/intervals"
	"github.com/opensource-finance/refill/internal/status"
)

// CalculationVersion is bumped whenever the interval table gains fields or
// its scoring changes. Entries built by an older version are rebuilt.
const CalculationVersion = 4

// ErrNoDataset is returned by queries before any dataset was loaded.
var ErrNoDataset = errors.New("engine: no dataset loaded")

// ErrPairNotFound is returned when a customer/product pair does not exist.
var ErrPairNotFound = errors.New("engine: pair not found")

// Rebuild reasons.
const (
	ReasonEmpty   = "empty"
	ReasonSchema  = "schema"
	ReasonDataset = "dataset"
	ReasonDay     = "day"
)

// CacheEntry is one memoized interval table and the identity it was built for.
type CacheEntry struct {
	Fingerprint   string
	SchemaVersion int
	Table         *intervals.Table

	// ReferenceDay is the calendar day confidence and relationship age were
	// computed against.
	ReferenceDay time.Time
	BuiltAt      time.Time
}

// Engine computes and caches the interval table for one dataset at a time.
// The table is immutable once built and shared by concurrent readers.
type Engine struct {
	cfg        domain.EngineConfig
	scorer     *confidence.Scorer
	classifier *status.Classifier
	clock      func() time.Time
	logger     *slog.Logger

	mu       sync.RWMutex
	dataset  *domain.Dataset
	entry    *CacheEntry
	rebuilds int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the source of "today". Defaults to time.Now.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an engine with the given policy.
func New(cfg domain.EngineConfig, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		scorer:     confidence.NewScorer(cfg.Scoring),
		classifier: status.NewClassifier(cfg.Classifier),
		clock:      time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine policy.
func (e *Engine) Config() domain.EngineConfig {
	return e.cfg
}

// SetDataset replaces the dataset. The table is rebuilt on the next query
// only if the fingerprint differs from the cached one.
func (e *Engine) SetDataset(ds *domain.Dataset) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dataset = ds
}

// Dataset returns the current dataset, or nil.
func (e *Engine) Dataset() *domain.Dataset {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dataset
}

// Rebuilds returns the number of full table rebuilds so far.
func (e *Engine) Rebuilds() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rebuilds
}

// Warm builds the table for the current dataset if needed and reports
// whether a rebuild happened.
func (e *Engine) Warm() (bool, error) {
	before := e.Rebuilds()
	if _, _, err := e.table(); err != nil {
		return false, err
	}
	return e.Rebuilds() != before, nil
}

func (e *Engine) now() time.Time {
	return e.clock()
}

// ReferenceDay returns the calendar day queries are computed against now.
// The table is rebuilt whenever it changes.
func (e *Engine) ReferenceDay() time.Time {
	return day(e.now())
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// invalidation returns why entry cannot serve ds today, or "".
func invalidation(entry *CacheEntry, ds *domain.Dataset, today time.Time) string {
	switch {
	case entry == nil || entry.Table == nil:
		return ReasonEmpty
	case entry.SchemaVersion != CalculationVersion:
		return ReasonSchema
	case entry.Fingerprint != ds.Fingerprint:
		return ReasonDataset
	case !entry.ReferenceDay.Equal(day(today)):
		return ReasonDay
	default:
		return ""
	}
}

// table returns the cached entry, rebuilding it in full when invalid.
func (e *Engine) table() (*CacheEntry, time.Time, error) {
	now := e.now()

	e.mu.RLock()
	ds, entry := e.dataset, e.entry
	e.mu.RUnlock()

	if ds == nil {
		return nil, now, ErrNoDataset
	}
	if invalidation(entry, ds, now) == "" {
		return entry, now, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ds = e.dataset
	reason := invalidation(e.entry, ds, now)
	if reason == "" {
		return e.entry, now, nil
	}

	start := time.Now()
	e.entry = e.build(ds, now)
	e.rebuilds++

	e.logger.Info("interval table rebuilt",
		"reason", reason,
		"fingerprint", ds.Fingerprint,
		"schema_version", CalculationVersion,
		"rows", e.entry.Table.Rows,
		"pairs", len(e.entry.Table.Pairs),
		"insufficient_history", e.entry.Table.InsufficientHistory,
		"rejected_rows", e.entry.Table.RejectedRows,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return e.entry, now, nil
}

func (e *Engine) build(ds *domain.Dataset, now time.Time) *CacheEntry {
	table := intervals.Build(ds.Transactions, now)
	for _, p := range table.Pairs {
		p.ConfidenceScore = e.scorer.Score(p, now)
		forecast.Apply(p)
	}

	return &CacheEntry{
		Fingerprint:   ds.Fingerprint,
		SchemaVersion: CalculationVersion,
		Table:         table,
		ReferenceDay:  day(now),
		BuiltAt:       time.Now().UTC(),
	}
}

// Summary describes the table currently served.
func (e *Engine) Summary() (*domain.TableSummary, error) {
	entry, _, err := e.table()
	if err != nil {
		return nil, err
	}
	t := entry.Table
	return &domain.TableSummary{
		Fingerprint:         entry.Fingerprint,
		SchemaVersion:       entry.SchemaVersion,
		Rows:                t.Rows,
		RejectedRows:        t.RejectedRows,
		Pairs:               len(t.Pairs),
		Customers:           t.Customers(),
		Products:            t.Products(),
		InsufficientHistory: t.InsufficientHistory,
		BuiltAt:             entry.BuiltAt,
	}, nil
}
