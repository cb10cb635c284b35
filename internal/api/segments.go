package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/refill/internal/bus"
	"github.com/opensource-finance/refill/internal/domain"
	"github.com/opensource-finance/refill/internal/repository"
)

// maxImportBytes bounds a POST /transactions body.
const maxImportBytes = 32 << 20

// ============================================================================
// SEGMENT HANDLERS
// ============================================================================

// ListSegments handles GET /segments
// Stored segments are listed when a repository is configured, disabled ones included.
func (h *Handler) ListSegments(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		segs := h.segments.Segments()
		writeJSON(w, http.StatusOK, map[string]any{
			"segments": segs,
			"count":    len(segs),
		})
		return
	}

	segs, err := h.repo.ListSegments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"segments": segs,
		"count":    len(segs),
	})
}

// CreateSegment handles POST /segments
func (h *Handler) CreateSegment(w http.ResponseWriter, r *http.Request) {
	var seg domain.Segment
	if err := json.NewDecoder(r.Body).Decode(&seg); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body: %v", errBadRequest, err))
		return
	}

	if h.exists(r.Context(), seg.ID) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "segment already exists: " + seg.ID,
		})
		return
	}

	if err := h.storeSegment(r.Context(), &seg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, seg)
}

// GetSegment handles GET /segments/{id}
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if h.repo != nil {
		seg, err := h.repo.GetSegment(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, seg)
		return
	}

	for _, seg := range h.segments.Segments() {
		if seg.ID == id {
			writeJSON(w, http.StatusOK, seg)
			return
		}
	}
	writeError(w, fmt.Errorf("%w: segment %s", repository.ErrNotFound, id))
}

// UpdateSegment handles PUT /segments/{id}
func (h *Handler) UpdateSegment(w http.ResponseWriter, r *http.Request) {
	var seg domain.Segment
	if err := json.NewDecoder(r.Body).Decode(&seg); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body: %v", errBadRequest, err))
		return
	}
	seg.ID = chi.URLParam(r, "id")

	if !h.exists(r.Context(), seg.ID) {
		writeError(w, fmt.Errorf("%w: segment %s", repository.ErrNotFound, seg.ID))
		return
	}

	if err := h.storeSegment(r.Context(), &seg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seg)
}

// DeleteSegment handles DELETE /segments/{id}
func (h *Handler) DeleteSegment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if h.repo != nil {
		if err := h.repo.DeleteSegment(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	} else if !h.exists(r.Context(), id) {
		writeError(w, fmt.Errorf("%w: segment %s", repository.ErrNotFound, id))
		return
	}

	h.segments.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

// SegmentRefills handles GET /segments/{id}/refills
// Every pair is matched, insufficient-history pairs included.
func (h *Handler) SegmentRefills(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	f, err := h.segments.Filter(id)
	if err != nil {
		writeError(w, err)
		return
	}
	seg := &filter{Filter: f, segment: id}

	key := h.cacheKey(r, seg)
	if key != "" {
		if data, err := h.cache.Get(r.Context(), key); err == nil && data != nil {
			w.Header().Set(CacheHeader, "HIT")
			writeRaw(w, http.StatusOK, data)
			return
		}
	}

	listing, err := h.engine.ListPairs(0, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := seg.narrow(listing.Pairs)
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
		h.cache.Set(r.Context(), key, data, h.cacheTTL)
		w.Header().Set(CacheHeader, "MISS")
	}
	writeRaw(w, http.StatusOK, data)
}

// exists reports whether a segment is stored, or loaded when no repository is configured.
func (h *Handler) exists(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	if h.repo != nil {
		_, err := h.repo.GetSegment(ctx, id)
		return err == nil
	}
	for _, seg := range h.segments.Segments() {
		if seg.ID == id {
			return true
		}
	}
	return false
}

// storeSegment validates, persists and loads seg.
func (h *Handler) storeSegment(ctx context.Context, seg *domain.Segment) error {
	if err := h.segments.Validate(seg); err != nil {
		return err
	}
	if h.repo != nil {
		if err := h.repo.SaveSegment(ctx, seg); err != nil {
			return err
		}
	} else if seg.CreatedAt.IsZero() {
		seg.CreatedAt = h.now().UTC()
	}
	return h.segments.Load(*seg)
}

// ============================================================================
// DATASET HANDLERS
// ============================================================================

// ImportTransactions handles POST /transactions
// The body is a JSON array of transactions. ?reload=true refreshes the
// dataset once the batch is stored.
func (h *Handler) ImportTransactions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	var txs []domain.Transaction
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxImportBytes)).Decode(&txs); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body: %v", errBadRequest, err))
		return
	}
	if len(txs) == 0 {
		writeError(w, fmt.Errorf("%w: no transactions", errBadRequest))
		return
	}

	saved, err := h.repo.SaveTransactions(r.Context(), txs)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{"saved": saved}
	if r.URL.Query().Get("reload") == "true" {
		result, err := h.reload(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		resp["reload"] = result
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ReloadDataset handles POST /dataset/reload
func (h *Handler) ReloadDataset(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil && !(h.asyncReload && h.bus != nil) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "reload not available",
		})
		return
	}

	result, err := h.reload(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) reload(ctx context.Context) (*domain.ReloadResult, error) {
	ctx, span := tracer.Start(ctx, "dataset.reload")
	defer span.End()

	req := domain.ReloadRequest{RequestID: GetRequestID(ctx), RequestedBy: "api"}

	var (
		result *domain.ReloadResult
		err    error
	)
	switch {
	case h.asyncReload && h.bus != nil:
		result, err = h.requestReload(ctx, req)
	case h.reloader != nil:
		result, err = h.reloader.Reload(ctx, req)
	default:
		err = errors.New("reload not available")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("dataset.fingerprint", result.Fingerprint),
		attribute.Int("dataset.rows", result.Rows),
		attribute.Int("dataset.pairs", result.Pairs),
		attribute.Bool("dataset.rebuilt", result.Rebuilt),
	)
	return result, nil
}

// requestReload asks the reload worker over the event bus and waits for its reply.
func (h *Handler) requestReload(ctx context.Context, req domain.ReloadRequest) (*domain.ReloadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, bus.DefaultRequestTimeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal reload request: %w", err)
	}

	start := time.Now()
	reply, err := h.bus.Request(ctx, domain.TopicDatasetReload, payload)
	if err != nil {
		return nil, fmt.Errorf("reload request: %w", err)
	}

	var result domain.ReloadResult
	if err := json.Unmarshal(reply, &result); err != nil {
		return nil, fmt.Errorf("decode reload reply: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("reload failed: %s", result.Error)
	}
	if result.DurationMs == 0 {
		result.DurationMs = time.Since(start).Milliseconds()
	}
	return &result, nil
}
