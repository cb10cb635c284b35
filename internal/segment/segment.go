// Package segment provides CEL-Go filters over refill rows for outreach
// targeting and list filtering.
package segment

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/refill/internal/domain"
)

// ErrInvalidExpression is returned for expressions that do not compile or
// do not evaluate to bool.
var ErrInvalidExpression = errors.New("segment: invalid expression")

// ErrUnknownSegment is returned when a segment id is not loaded.
var ErrUnknownSegment = errors.New("segment: unknown segment")

// Filter is a compiled boolean expression over one refill row.
type Filter struct {
	expr    string
	program cel.Program
}

// Expression returns the source expression.
func (f *Filter) Expression() string {
	return f.expr
}

// Match evaluates the filter against r.
func (f *Filter) Match(r domain.Refill) (bool, error) {
	out, _, err := f.program.Eval(Activation(r))
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", f.expr, err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %v", ErrInvalidExpression, f.expr, out.Type())
	}
	return bool(b), nil
}

// Apply returns the rows of refills matching the filter, in order.
func (f *Filter) Apply(refills []domain.Refill) ([]domain.Refill, error) {
	out := make([]domain.Refill, 0, len(refills))
	for _, r := range refills {
		ok, err := f.Match(r)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// Activation exposes r as CEL variables. Undefined numeric fields are -1
// and an unclassified row has an empty status.
func Activation(r domain.Refill) map[string]any {
	vars := map[string]any{
		"customer_id":              r.CustomerID,
		"product_id":               r.ProductID,
		"status":                   "",
		"overdue":                  r.CustomerStatus != nil,
		"purchase_count":           int64(r.PurchaseCount()),
		"lifetime_value":           r.TotalLifetimeValue,
		"predicted_order_value":    r.PredictedOrderValue,
		"predicted_quantity":       r.PredictedQuantity,
		"days_since_last_purchase": int64(r.DaysSinceLastPurchase),
		"days_since_first_order":   int64(r.DaysSinceFirstOrder),
		"days_overdue":             int64(-1),
		"days_until_refill":        int64(-1),
		"confidence":               -1.0,
		"adjusted_confidence":      -1.0,
		"churn_probability":        -1.0,
		"avg_interval_days":        -1.0,
	}
	if r.CustomerStatus != nil {
		vars["status"] = string(*r.CustomerStatus)
	}
	if r.DaysOverdue != nil {
		vars["days_overdue"] = int64(*r.DaysOverdue)
	}
	if r.DaysUntilNextPurchase != nil {
		vars["days_until_refill"] = int64(*r.DaysUntilNextPurchase)
	}
	if r.ConfidenceScore != nil {
		vars["confidence"] = *r.ConfidenceScore
	}
	if r.AdjustedConfidence != nil {
		vars["adjusted_confidence"] = *r.AdjustedConfidence
	}
	if r.ChurnProbability != nil {
		vars["churn_probability"] = *r.ChurnProbability
	}
	if r.AvgIntervalDays != nil {
		vars["avg_interval_days"] = *r.AvgIntervalDays
	}
	return vars
}

// Engine compiles filters and holds the loaded segments.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	segments map[string]*compiledSegment
}

type compiledSegment struct {
	segment domain.Segment
	filter  *Filter
}

// NewEngine creates a segment engine with the refill row variables declared.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("customer_id", cel.StringType),
		cel.Variable("product_id", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("overdue", cel.BoolType),
		cel.Variable("purchase_count", cel.IntType),
		cel.Variable("lifetime_value", cel.DoubleType),
		cel.Variable("predicted_order_value", cel.DoubleType),
		cel.Variable("predicted_quantity", cel.DoubleType),
		cel.Variable("days_since_last_purchase", cel.IntType),
		cel.Variable("days_since_first_order", cel.IntType),
		cel.Variable("days_overdue", cel.IntType),
		cel.Variable("days_until_refill", cel.IntType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("adjusted_confidence", cel.DoubleType),
		cel.Variable("churn_probability", cel.DoubleType),
		cel.Variable("avg_interval_days", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		segments: make(map[string]*compiledSegment),
	}, nil
}

// Compile compiles a boolean filter expression.
func (e *Engine) Compile(expr string) (*Filter, error) {
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: expression must return bool, got %s", ErrInvalidExpression, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	return &Filter{expr: expr, program: program}, nil
}

// Validate compiles a segment without loading it.
func (e *Engine) Validate(seg *domain.Segment) error {
	if seg == nil || seg.ID == "" {
		return fmt.Errorf("%w: segment id is required", ErrInvalidExpression)
	}
	_, err := e.Compile(seg.Expression)
	return err
}

// Load compiles and loads one segment, replacing any with the same id.
// Disabled segments are removed.
func (e *Engine) Load(seg domain.Segment) error {
	if !seg.Enabled {
		e.Remove(seg.ID)
		return nil
	}

	filter, err := e.Compile(seg.Expression)
	if err != nil {
		return fmt.Errorf("segment %s: %w", seg.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.segments[seg.ID] = &compiledSegment{segment: seg, filter: filter}
	return nil
}

// Reload replaces every loaded segment. Nothing changes on error.
func (e *Engine) Reload(segs []domain.Segment) error {
	next := make(map[string]*compiledSegment, len(segs))
	for _, seg := range segs {
		if !seg.Enabled {
			continue
		}
		filter, err := e.Compile(seg.Expression)
		if err != nil {
			return fmt.Errorf("segment %s: %w", seg.ID, err)
		}
		next[seg.ID] = &compiledSegment{segment: seg, filter: filter}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.segments = next
	return nil
}

// Remove unloads a segment.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.segments, id)
}

// Filter returns the compiled filter of a loaded segment.
func (e *Engine) Filter(id string) (*Filter, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cs, ok := e.segments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSegment, id)
	}
	return cs.filter, nil
}

// Segments returns the loaded segments ordered by id.
func (e *Engine) Segments() []domain.Segment {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.Segment, 0, len(e.segments))
	for _, cs := range e.segments {
		out = append(out, cs.segment)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of loaded segments.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.segments)
}
