// Package worker reloads the dataset from the transaction source and
// publishes the resulting outreach lists on the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/refill/internal/domain"
	"github.com/opensource-finance/refill/internal/engine"
	"github.com/opensource-finance/refill/internal/segment"
)

// Source is what the worker reads on every reload.
type Source interface {
	ListTransactions(ctx context.Context) ([]domain.Transaction, error)
	ListSegments(ctx context.Context) ([]*domain.Segment, error)
}

// Config holds worker configuration.
type Config struct {
	// ReloadInterval triggers periodic reloads; zero disables them.
	ReloadInterval time.Duration

	// TopPairs caps the pair keys carried by each outreach event.
	TopPairs int
}

// Worker serves reload requests from the EventBus and on a timer.
type Worker struct {
	bus      domain.EventBus
	source   Source
	engine   *engine.Engine
	segments *segment.Engine
	cfg      Config
	logger   *slog.Logger

	// reloads are serialised
	reloadMu sync.Mutex
	last     *domain.ReloadResult

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new reload worker.
func NewWorker(bus domain.EventBus, source Source, eng *engine.Engine, segments *segment.Engine, cfg Config, logger *slog.Logger) *Worker {
	if cfg.TopPairs <= 0 {
		cfg.TopPairs = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		source:   source,
		engine:   eng,
		segments: segments,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to reload requests and starts the reload timer.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicDatasetReload, w.handleReload)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicDatasetReload, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	if w.cfg.ReloadInterval > 0 {
		w.wg.Add(1)
		go w.loop()
	}

	w.logger.Info("reload worker started",
		"topic", domain.TopicDatasetReload,
		"reload_interval", w.cfg.ReloadInterval.String(),
	)
	return nil
}

func (w *Worker) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Reload(w.ctx, domain.ReloadRequest{RequestedBy: "timer"}); err != nil {
				w.logger.Error("periodic reload failed", "error", err)
			}
		}
	}
}

// handleReload answers a reload request, replying when the sender waits.
func (w *Worker) handleReload(ctx context.Context, msg *domain.Message) error {
	var req domain.ReloadRequest
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			w.logger.Error("failed to parse reload request",
				"message_id", msg.ID,
				"error", err,
			)
			return err
		}
	}
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}

	result, err := w.Reload(ctx, req)
	if err != nil {
		result = &domain.ReloadResult{RequestID: req.RequestID, Error: err.Error()}
	}

	payload, _ := json.Marshal(result)
	if rerr := w.bus.Reply(ctx, msg, payload); rerr != nil {
		w.logger.Error("failed to reply to reload request",
			"request_id", req.RequestID,
			"error", rerr,
		)
	}
	return err
}

// Reload reads the source, swaps the dataset, warms the interval table
// and publishes the reload result and outreach events.
func (w *Worker) Reload(ctx context.Context, req domain.ReloadRequest) (*domain.ReloadResult, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	txs, err := w.source.ListTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	if w.segments != nil {
		if err := w.refreshSegments(ctx); err != nil {
			w.logger.Warn("segments not refreshed", "error", err)
		}
	}

	ds := domain.NewDataset(txs)
	w.engine.SetDataset(ds)

	rebuilt, err := w.engine.Warm()
	if err != nil {
		return nil, fmt.Errorf("warm: %w", err)
	}
	summary, err := w.engine.Summary()
	if err != nil {
		return nil, err
	}

	result := &domain.ReloadResult{
		RequestID:   req.RequestID,
		Fingerprint: ds.Fingerprint,
		Rows:        ds.Len(),
		Pairs:       summary.Pairs,
		Rebuilt:     rebuilt,
		DurationMs:  time.Since(start).Milliseconds(),
	}

	w.publish(ctx, domain.TopicDatasetReloaded, result)
	if rebuilt {
		w.publishOutreach(ctx, ds.Fingerprint)
	}

	w.last = result

	w.logger.Info("dataset reloaded",
		"request_id", result.RequestID,
		"requested_by", req.RequestedBy,
		"fingerprint", result.Fingerprint,
		"rows", result.Rows,
		"pairs", result.Pairs,
		"rebuilt", result.Rebuilt,
		"duration_ms", result.DurationMs,
	)

	return result, nil
}

// Last returns the most recent successful reload, or nil.
func (w *Worker) Last() *domain.ReloadResult {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	return w.last
}

func (w *Worker) refreshSegments(ctx context.Context) error {
	stored, err := w.source.ListSegments(ctx)
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		return nil
	}
	segs := make([]domain.Segment, len(stored))
	for i, s := range stored {
		segs[i] = *s
	}
	return w.segments.Reload(segs)
}

// publishOutreach emits the likely-lost summary and one event per
// outreach segment.
func (w *Worker) publishOutreach(ctx context.Context, fingerprint string) {
	lost, err := w.engine.LikelyLostCustomers(w.engine.Config().LikelyLostMinDays)
	if err != nil {
		w.logger.Error("likely lost query failed", "error", err)
		return
	}
	w.publish(ctx, domain.TopicOutreachLikelyLost, w.event(fingerprint, "", lost.Refills))

	if w.segments == nil {
		return
	}

	var rows []domain.Refill
	for _, seg := range w.segments.Segments() {
		if !seg.Outreach {
			continue
		}
		if rows == nil {
			listing, err := w.engine.ListPairs(0, 0)
			if err != nil {
				w.logger.Error("pair listing failed", "error", err)
				return
			}
			rows = listing.Pairs
		}

		filter, err := w.segments.Filter(seg.ID)
		if err != nil {
			continue
		}
		matched, err := filter.Apply(rows)
		if err != nil {
			w.logger.Error("segment evaluation failed",
				"segment", seg.ID,
				"error", err,
			)
			continue
		}
		w.publish(ctx, domain.TopicOutreachSegment, w.event(fingerprint, seg.ID, matched))
	}
}

func (w *Worker) event(fingerprint, segmentID string, rows []domain.Refill) domain.OutreachEvent {
	total := decimal.Zero
	top := make([]string, 0, min(len(rows), w.cfg.TopPairs))
	for i, r := range rows {
		total = total.Add(decimal.NewFromFloat(r.TotalLifetimeValue))
		if i < w.cfg.TopPairs {
			top = append(top, r.Key())
		}
	}
	return domain.OutreachEvent{
		Fingerprint:        fingerprint,
		Segment:            segmentID,
		Count:              len(rows),
		TotalLifetimeValue: total.Round(2).InexactFloat64(),
		TopPairs:           top,
	}
}

func (w *Worker) publish(ctx context.Context, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		w.logger.Error("failed to encode event", "topic", topic, "error", err)
		return
	}
	if err := w.bus.Publish(ctx, topic, payload); err != nil {
		w.logger.Error("failed to publish event", "topic", topic, "error", err)
	}
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	w.logger.Info("reload worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int                  `json:"subscriptionCount"`
	Topics            []string             `json:"topics"`
	LastReload        *domain.ReloadResult `json:"lastReload,omitempty"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		LastReload:        w.Last(),
	}
}
