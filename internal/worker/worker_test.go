package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/refill/internal/bus"
	"github.com/opensource-finance/refill/internal/domain"
	"github.com/opensource-finance/refill/internal/engine"
	"github.com/opensource-finance/refill/internal/segment"
)

var today = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	txs      []domain.Transaction
	segments []*domain.Segment
	err      error
}

func (f *fakeSource) ListTransactions(ctx context.Context) ([]domain.Transaction, error) {
	return f.txs, f.err
}

func (f *fakeSource) ListSegments(ctx context.Context) ([]*domain.Segment, error) {
	return f.segments, nil
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

func newSource() *fakeSource {
	txs := append(purchases("C1", "P1", -400, -370, -340), purchases("C2", "P1", -40, -20)...)
	return &fakeSource{
		txs: txs,
		segments: []*domain.Segment{
			{ID: "active", Expression: `!overdue && purchase_count >= 2`, Outreach: true, Enabled: true},
			{ID: "quiet", Expression: `overdue`, Enabled: true},
		},
	}
}

func newWorker(t *testing.T, src Source) (*Worker, *bus.ChannelBus, *engine.Engine) {
	t.Helper()

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	eng := engine.New(domain.DefaultEngineConfig(), engine.WithClock(func() time.Time { return today }))
	segs, err := segment.NewEngine()
	if err != nil {
		t.Fatalf("failed to create segment engine: %v", err)
	}

	return NewWorker(eventBus, src, eng, segs, Config{}, nil), eventBus, eng
}

func collect(t *testing.T, b *bus.ChannelBus, topic string) <-chan domain.OutreachEvent {
	t.Helper()
	ch := make(chan domain.OutreachEvent, 10)
	_, err := b.Subscribe(context.Background(), topic, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.OutreachEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		ch <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return ch
}

func TestReload(t *testing.T) {
	w, eventBus, eng := newWorker(t, newSource())
	lost := collect(t, eventBus, domain.TopicOutreachLikelyLost)
	segmentEvents := collect(t, eventBus, domain.TopicOutreachSegment)

	result, err := w.Reload(context.Background(), domain.ReloadRequest{RequestedBy: "test"})
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if result.Rows != 5 {
		t.Errorf("expected 5 rows, got %d", result.Rows)
	}
	if result.Pairs != 2 {
		t.Errorf("expected 2 pairs, got %d", result.Pairs)
	}
	if !result.Rebuilt {
		t.Error("expected first reload to rebuild")
	}
	if result.RequestID == "" {
		t.Error("expected request id to be assigned")
	}
	if eng.Dataset() == nil || eng.Dataset().Fingerprint != result.Fingerprint {
		t.Error("expected engine to serve the reloaded dataset")
	}

	select {
	case ev := <-lost:
		if ev.Count != 1 || len(ev.TopPairs) != 1 || ev.TopPairs[0] != "C1|P1" {
			t.Errorf("expected C1|P1 likely lost, got %+v", ev)
		}
		if ev.TotalLifetimeValue != 300 {
			t.Errorf("expected lifetime value 300, got %v", ev.TotalLifetimeValue)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for likely lost event")
	}

	select {
	case ev := <-segmentEvents:
		if ev.Segment != "active" || ev.Count != 1 || ev.TopPairs[0] != "C2|P1" {
			t.Errorf("expected active segment with C2|P1, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for segment event")
	}

	again, err := w.Reload(context.Background(), domain.ReloadRequest{})
	if err != nil {
		t.Fatalf("second Reload failed: %v", err)
	}
	if again.Rebuilt {
		t.Error("expected unchanged dataset not to rebuild")
	}
	if again.Fingerprint != result.Fingerprint {
		t.Errorf("expected fingerprint %s, got %s", result.Fingerprint, again.Fingerprint)
	}
	if w.Last() != again {
		t.Error("expected Last to return the latest result")
	}
}

func TestReloadSourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("database down")}
	w, _, eng := newWorker(t, src)

	if _, err := w.Reload(context.Background(), domain.ReloadRequest{}); err == nil {
		t.Fatal("expected reload to fail")
	}
	if eng.Dataset() != nil {
		t.Error("expected failed reload to leave the engine empty")
	}
	if w.Last() != nil {
		t.Error("expected no successful reload recorded")
	}
}

func TestWorkerRequestReply(t *testing.T) {
	w, eventBus, _ := newWorker(t, newSource())

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	stats := w.GetStats()
	if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicDatasetReload {
		t.Errorf("expected one reload subscription, got %+v", stats)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, _ := json.Marshal(domain.ReloadRequest{RequestID: "req-1", RequestedBy: "api"})
	reply, err := eventBus.Request(ctx, domain.TopicDatasetReload, payload)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	var result domain.ReloadResult
	if err := json.Unmarshal(reply, &result); err != nil {
		t.Fatalf("failed to decode reply: %v", err)
	}
	if result.RequestID != "req-1" {
		t.Errorf("expected request id req-1, got %s", result.RequestID)
	}
	if result.Error != "" {
		t.Errorf("expected no error, got %s", result.Error)
	}
	if result.Pairs != 2 {
		t.Errorf("expected 2 pairs, got %d", result.Pairs)
	}
}

func TestWorkerReplyCarriesError(t *testing.T) {
	w, eventBus, _ := newWorker(t, &fakeSource{err: errors.New("database down")})

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := eventBus.Request(ctx, domain.TopicDatasetReload, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	var result domain.ReloadResult
	json.Unmarshal(reply, &result)
	if result.Error == "" {
		t.Error("expected reply to carry the reload error")
	}
}

func TestWorkerPeriodicReload(t *testing.T) {
	w, _, eng := newWorker(t, newSource())
	w.cfg.ReloadInterval = 10 * time.Millisecond

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for eng.Dataset() == nil {
		select {
		case <-deadline:
			w.Stop()
			t.Fatal("timeout waiting for periodic reload")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
