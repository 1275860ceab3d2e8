package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vervet/valet/internal/bus"
	"github.com/vervet/valet/internal/channels"
	"github.com/vervet/valet/internal/persistence"
)

// memChannel records sends and can be scripted to fail.
type memChannel struct {
	name string

	mu    sync.Mutex
	sends []string
	fail  error
}

func (c *memChannel) Name() string { return c.name }

func (c *memChannel) Send(_ context.Context, destination, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.sends = append(c.sends, destination+"|"+content)
	return nil
}

func (c *memChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

func (c *memChannel) setFail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = err
}

func newTestRouter(t *testing.T, ttl time.Duration) (*Router, *memChannel, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(t.TempDir(), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ch := &memChannel{name: "mem"}
	registry := channels.NewRegistry()
	if err := registry.Register(ch); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(Config{Store: store, Registry: registry, RouteTTL: ttl})
	return router, ch, store
}

func TestSend_ExplicitDestination(t *testing.T) {
	router, ch, store := newTestRouter(t, 0)

	receipt, err := router.Send(context.Background(), Request{
		SessionID:   "sess-1",
		Channel:     "mem",
		Destination: "ops",
		Content:     "deploy finished",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt.Status != persistence.ReceiptSent || receipt.Channel != "mem" || receipt.Destination != "ops" {
		t.Fatalf("receipt = %+v", receipt)
	}
	if ch.count() != 1 {
		t.Fatalf("sends = %d", ch.count())
	}

	// The successful send records a route for the session.
	route, err := store.GetRoute("sess-1")
	if err != nil {
		t.Fatalf("GetRoute: %v", err)
	}
	if route.Channel != "mem" || route.Destination != "ops" {
		t.Fatalf("route = %+v", route)
	}
}

func TestSend_EmitsDeliverySpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	store, err := persistence.Open(t.TempDir(), bus.New())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ch := &memChannel{name: "mem"}
	registry := channels.NewRegistry()
	if err := registry.Register(ch); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(Config{Store: store, Registry: registry, Tracer: tp.Tracer("test")})

	if _, err := router.Send(context.Background(), Request{
		Channel:     "mem",
		Destination: "ops",
		Content:     "hello",
	}); err != nil {
		t.Fatal(err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "delivery.send" {
		t.Fatalf("spans = %+v", spans)
	}
	attrs := map[string]string{}
	for _, attr := range spans[0].Attributes {
		attrs[string(attr.Key)] = attr.Value.AsString()
	}
	if attrs["valet.channel"] != "mem" {
		t.Fatalf("span attributes = %v", attrs)
	}
}

func TestSend_IdempotencyKeyDeduplicates(t *testing.T) {
	router, ch, _ := newTestRouter(t, 0)

	req := Request{
		Channel:        "mem",
		Destination:    "ops",
		Content:        "once only",
		IdempotencyKey: "run:abc",
	}
	first, err := router.Send(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := router.Send(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("resend produced a new receipt: %q vs %q", second.ID, first.ID)
	}
	if ch.count() != 1 {
		t.Fatalf("sends = %d, want 1", ch.count())
	}
}

func TestSend_ErrorReceiptDoesNotConsumeKey(t *testing.T) {
	router, ch, store := newTestRouter(t, 0)
	ch.setFail(errors.New("broker unreachable"))

	req := Request{
		Channel:        "mem",
		Destination:    "ops",
		Content:        "retry me",
		IdempotencyKey: "run:retry",
	}
	if _, err := router.Send(context.Background(), req); err == nil {
		t.Fatal("expected send error")
	}

	receipts, err := store.ListReceipts(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 || receipts[0].Status != persistence.ReceiptError {
		t.Fatalf("receipts = %+v", receipts)
	}

	// The retry with the same key goes through.
	ch.setFail(nil)
	receipt, err := router.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if receipt.Status != persistence.ReceiptSent {
		t.Fatalf("receipt = %+v", receipt)
	}
	if ch.count() != 1 {
		t.Fatalf("sends = %d, want 1", ch.count())
	}
}

func TestSend_RouteFallback(t *testing.T) {
	router, ch, _ := newTestRouter(t, 0)

	// Seed a route with an explicit send.
	if _, err := router.Send(context.Background(), Request{
		SessionID: "sess-1", Channel: "mem", Destination: "ops", Content: "first",
	}); err != nil {
		t.Fatal(err)
	}

	// A later send with only the session falls back to the recorded route.
	receipt, err := router.Send(context.Background(), Request{
		SessionID: "sess-1",
		Content:   "follow-up",
	})
	if err != nil {
		t.Fatalf("Send via route: %v", err)
	}
	if receipt.Destination != "ops" {
		t.Fatalf("receipt = %+v", receipt)
	}
	if ch.count() != 2 {
		t.Fatalf("sends = %d", ch.count())
	}
}

func TestSend_NoRoute(t *testing.T) {
	router, _, store := newTestRouter(t, 0)

	// No destination and no route: hard error plus an error receipt.
	_, err := router.Send(context.Background(), Request{
		SessionID: "sess-unknown",
		Content:   "lost",
	})
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("err = %v", err)
	}

	// Best-effort turns the same situation into a skipped receipt.
	receipt, err := router.Send(context.Background(), Request{
		SessionID:      "sess-unknown",
		Content:        "lost",
		IdempotencyKey: "run:lost",
		BestEffort:     true,
	})
	if err != nil {
		t.Fatalf("best-effort send: %v", err)
	}
	if receipt.Status != persistence.ReceiptSkipped {
		t.Fatalf("receipt = %+v", receipt)
	}

	// The skipped receipt consumed the key: redelivery is a no-op.
	again, err := router.Send(context.Background(), Request{
		SessionID:      "sess-unknown",
		Content:        "lost",
		IdempotencyKey: "run:lost",
		BestEffort:     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != receipt.ID {
		t.Fatalf("skip not deduplicated: %q vs %q", again.ID, receipt.ID)
	}

	receipts, err := store.ListReceipts(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 2 {
		t.Fatalf("receipts = %d, want error + skipped", len(receipts))
	}
}

func TestSend_UnknownChannel(t *testing.T) {
	router, _, _ := newTestRouter(t, 0)

	_, err := router.Send(context.Background(), Request{
		Channel:     "telegraph",
		Destination: "ops",
		Content:     "x",
	})
	if !errors.Is(err, ErrNoChannel) {
		t.Fatalf("err = %v", err)
	}
}

func TestResolveRoute_TTL(t *testing.T) {
	router, _, store := newTestRouter(t, time.Hour)

	if err := store.PutRoute(persistence.Route{
		SessionID: "fresh", Channel: "mem", Destination: "ops",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := router.ResolveRoute("fresh"); err != nil {
		t.Fatalf("fresh route: %v", err)
	}

	// A stale route is treated as missing.
	stale := persistence.Route{SessionID: "stale", Channel: "mem", Destination: "ops"}
	if err := store.PutRoute(stale); err != nil {
		t.Fatal(err)
	}
	shortTTL := NewRouter(Config{Store: store, RouteTTL: time.Nanosecond})
	time.Sleep(5 * time.Millisecond)
	if _, err := shortTTL.ResolveRoute("stale"); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("err = %v", err)
	}

	if _, err := router.ResolveRoute("never-seen"); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("err = %v", err)
	}
}

func TestDeliverRunOutput(t *testing.T) {
	router, ch, _ := newTestRouter(t, 0)

	run := persistence.Run{ID: "r1", SessionID: "sess-1", Output: "report ready"}
	spec := &persistence.DeliverySpec{Channel: "mem", Destination: "ops"}

	if err := router.DeliverRunOutput(context.Background(), run, spec, false); err != nil {
		t.Fatalf("DeliverRunOutput: %v", err)
	}
	// Redelivering the same run is idempotent on the run-scoped key.
	if err := router.DeliverRunOutput(context.Background(), run, spec, false); err != nil {
		t.Fatal(err)
	}
	if ch.count() != 1 {
		t.Fatalf("sends = %d, want 1", ch.count())
	}

	// Without a spec or route, best-effort swallows the miss.
	orphan := persistence.Run{ID: "r2", SessionID: "sess-none", Output: "x"}
	if err := router.DeliverRunOutput(context.Background(), orphan, nil, true); err != nil {
		t.Fatalf("best-effort: %v", err)
	}
}
