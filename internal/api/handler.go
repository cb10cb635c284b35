package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/refill/internal/cache"
	"github.com/opensource-finance/refill/internal/domain"
	"github.com/opensource-finance/refill/internal/engine"
	"github.com/opensource-finance/refill/internal/repository"
	"github.com/opensource-finance/refill/internal/segment"
)

// errBadRequest marks malformed query parameters and bodies.
var errBadRequest = errors.New("bad request")

// DefaultPageSize is the /pairs page size when no limit is given.
const DefaultPageSize = 100

// Reloader refreshes the served dataset.
type Reloader interface {
	Reload(ctx context.Context, req domain.ReloadRequest) (*domain.ReloadResult, error)
}

// Handler contains HTTP handlers for the API.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *engine.Engine
	segments *segment.Engine
	reloader Reloader

	version     string
	cacheTTL    time.Duration
	asyncReload bool
	now         func() time.Time
}

// NewHandler creates a new Handler.
func NewHandler(deps Dependencies) *Handler {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	return &Handler{
		repo:        deps.Repo,
		cache:       deps.Cache,
		bus:         deps.Bus,
		engine:      deps.Engine,
		segments:    deps.Segments,
		reloader:    deps.Reloader,
		version:     version,
		cacheTTL:    deps.CacheTTL,
		asyncReload: deps.AsyncReload,
		now:         time.Now,
	}
}

// FilteredRefills is a refill list narrowed by a segment filter.
type FilteredRefills struct {
	Filter             string          `json:"filter"`
	Segment            string          `json:"segment,omitempty"`
	Count              int             `json:"count"`
	TotalLifetimeValue float64         `json:"totalLifetimeValue"`
	Refills            []domain.Refill `json:"refills"`
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := "healthy"
	checks := make(map[string]string)

	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			status = "degraded"
			checks["repository"] = "unhealthy: " + err.Error()
		} else {
			checks["repository"] = "healthy"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			status = "degraded"
			checks["cache"] = "unhealthy: " + err.Error()
		} else {
			checks["cache"] = "healthy"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			status = "degraded"
			checks["eventBus"] = "unhealthy: " + err.Error()
		} else {
			checks["eventBus"] = "healthy"
		}
	}

	resp := map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	}
	if ds := h.engine.Dataset(); ds != nil {
		resp["fingerprint"] = ds.Fingerprint
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, resp)
}

// Ready handles GET /ready. Ready once a dataset has been loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.engine.Dataset() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "no dataset loaded",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ============================================================================
// REFILL QUERIES
// ============================================================================

// Overdue handles GET /refills/overdue
func (h *Handler) Overdue(w http.ResponseWriter, r *http.Request) {
	cfg := h.engine.Config()
	tolerance, err := intParam(r, "tolerance", cfg.GraceDays)
	if err != nil {
		writeError(w, err)
		return
	}

	h.serveQuery(w, r, func(f *filter) (any, error) {
		report, err := h.engine.OverdueRefills(tolerance)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f.narrow(report.Refills)
		}
		return report, nil
	})
}

// Upcoming handles GET /refills/upcoming
func (h *Handler) Upcoming(w http.ResponseWriter, r *http.Request) {
	lookahead, err := intParam(r, "lookahead", h.engine.Config().UpcomingLookaheadDays)
	if err != nil {
		writeError(w, err)
		return
	}

	h.serveQuery(w, r, func(f *filter) (any, error) {
		report, err := h.engine.UpcomingRefills(lookahead)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f.narrow(report.Refills)
		}
		return report, nil
	})
}

// LikelyLost handles GET /refills/likely-lost
func (h *Handler) LikelyLost(w http.ResponseWriter, r *http.Request) {
	minDays, err := intParam(r, "minDays", h.engine.Config().LikelyLostMinDays)
	if err != nil {
		writeError(w, err)
		return
	}

	h.serveQuery(w, r, func(f *filter) (any, error) {
		report, err := h.engine.LikelyLostCustomers(minDays)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f.narrow(report.Refills)
		}
		return report, nil
	})
}

// Compliance handles GET /refills/compliance
func (h *Handler) Compliance(w http.ResponseWriter, r *http.Request) {
	tolerance, err := intParam(r, "tolerance", h.engine.Config().ComplianceToleranceDays)
	if err != nil {
		writeError(w, err)
		return
	}

	h.serveQuery(w, r, func(f *filter) (any, error) {
		if f != nil {
			return nil, fmt.Errorf("%w: compliance does not accept a filter", errBadRequest)
		}
		return h.engine.RefillComplianceScore(tolerance)
	})
}

// Irregular handles GET /refills/irregular
func (h *Handler) Irregular(w http.ResponseWriter, r *http.Request) {
	threshold := h.engine.Config().IrregularCVThreshold
	if v := r.URL.Query().Get("threshold"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t <= 0 {
			writeError(w, fmt.Errorf("%w: threshold must be a positive number", errBadRequest))
			return
		}
		threshold = t
	}

	h.serveQuery(w, r, func(f *filter) (any, error) {
		report, err := h.engine.IrregularRefillPatterns(threshold)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return report, nil
		}
		kept := make([]domain.IrregularPattern, 0, len(report.Patterns))
		for _, p := range report.Patterns {
			ok, err := f.Match(p.Refill)
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, p)
			}
		}
		report.Patterns = kept
		return report, nil
	})
}

// CustomerSchedule handles GET /customers/{customerID}/schedule
func (h *Handler) CustomerSchedule(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")

	h.serveQuery(w, r, func(f *filter) (any, error) {
		schedule, err := h.engine.CustomerRefillSchedule(customerID)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f.narrow(schedule.Refills)
		}
		return schedule, nil
	})
}

// ProductPattern handles GET /products/{productID}/pattern
func (h *Handler) ProductPattern(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	h.serveQuery(w, r, func(f *filter) (any, error) {
		if f != nil {
			return nil, fmt.Errorf("%w: product pattern does not accept a filter", errBadRequest)
		}
		return h.engine.ProductRefillPatterns(productID)
	})
}

// Pair handles GET /customers/{customerID}/products/{productID}
func (h *Handler) Pair(w http.ResponseWriter, r *http.Request) {
	detail, err := h.engine.Pair(chi.URLParam(r, "customerID"), chi.URLParam(r, "productID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// ListPairs handles GET /pairs
func (h *Handler) ListPairs(w http.ResponseWriter, r *http.Request) {
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := intParam(r, "limit", DefaultPageSize)
	if err != nil {
		writeError(w, err)
		return
	}

	h.serveQuery(w, r, func(f *filter) (any, error) {
		if f == nil {
			return h.engine.ListPairs(offset, limit)
		}
		// Filters see every pair; pagination does not apply.
		listing, err := h.engine.ListPairs(0, 0)
		if err != nil {
			return nil, err
		}
		return f.narrow(listing.Pairs)
	})
}

// Summary handles GET /summary
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.engine.Summary()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"table":              summary,
		"calculationVersion": engine.CalculationVersion,
		"segments":           h.segments.Count(),
	})
}

// ============================================================================
// FILTERS AND RESPONSE CACHE
// ============================================================================

// filter is the segment filter resolved from ?filter= or ?segment=.
type filter struct {
	*segment.Filter
	segment string
}

// resolveFilter compiles ?filter= or looks up ?segment=. Nil when neither is set.
func (h *Handler) resolveFilter(r *http.Request) (*filter, error) {
	q := r.URL.Query()
	expr, id := q.Get("filter"), q.Get("segment")

	switch {
	case expr != "" && id != "":
		return nil, fmt.Errorf("%w: use either filter or segment, not both", errBadRequest)
	case expr != "":
		f, err := h.segments.Compile(expr)
		if err != nil {
			return nil, err
		}
		return &filter{Filter: f}, nil
	case id != "":
		f, err := h.segments.Filter(id)
		if err != nil {
			return nil, err
		}
		return &filter{Filter: f, segment: id}, nil
	}
	return nil, nil
}

func (f *filter) narrow(refills []domain.Refill) (*FilteredRefills, error) {
	kept, err := f.Apply(refills)
	if err != nil {
		return nil, err
	}
	if kept == nil {
		kept = []domain.Refill{}
	}

	total := decimal.Zero
	for _, r := range kept {
		total = total.Add(decimal.NewFromFloat(r.TotalLifetimeValue))
	}

	return &FilteredRefills{
		Filter:             f.Expression(),
		Segment:            f.segment,
		Count:              len(kept),
		TotalLifetimeValue: total.Round(2).InexactFloat64(),
		Refills:            kept,
	}, nil
}

// serveQuery resolves the request filter, then answers from the response
// cache or from compute. Entries are keyed by dataset fingerprint,
// calculation version and day, so they never outlive the table they were
// computed from.
func (h *Handler) serveQuery(w http.ResponseWriter, r *http.Request, compute func(*filter) (any, error)) {
	ctx := r.Context()

	f, err := h.resolveFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	key := h.cacheKey(r, f)
	if key != "" {
		data, err := h.cache.Get(ctx, key)
		if err != nil {
			slog.Warn("cache get failed", "key", key, "error", err)
		} else if data != nil {
			w.Header().Set(CacheHeader, "HIT")
			writeRaw(w, http.StatusOK, data)
			return
		}
	}

	result, err := compute(f)
	if err != nil {
		writeError(w, err)
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		writeError(w, err)
		return
	}

	if key != "" {
		if err := h.cache.Set(ctx, key, data, h.cacheTTL); err != nil {
			slog.Warn("cache set failed", "key", key, "error", err)
		}
		w.Header().Set(CacheHeader, "MISS")
	}
	writeRaw(w, http.StatusOK, data)
}

// cacheKey returns "" when responses cannot be cached.
func (h *Handler) cacheKey(r *http.Request, f *filter) string {
	if h.cache == nil {
		return ""
	}
	ds := h.engine.Dataset()
	if ds == nil {
		return ""
	}

	expr := ""
	if f != nil {
		expr = f.Expression()
	}
	return cache.Key(
		"query",
		ds.Fingerprint,
		strconv.Itoa(engine.CalculationVersion),
		h.engine.ReferenceDay().Format("2006-01-02"),
		r.URL.Path,
		r.URL.Query().Encode(),
		expr,
	)
}

// ============================================================================
// HELPERS
// ============================================================================

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return n, nil
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, segment.ErrInvalidExpression),
		errors.Is(err, repository.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrPairNotFound),
		errors.Is(err, segment.ErrUnknownSegment),
		errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNoDataset):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
