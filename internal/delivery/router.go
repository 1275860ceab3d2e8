// Package delivery routes outbound content to channels, recording a receipt
// for every attempt and deduplicating on idempotency keys.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/vervet/valet/internal/bus"
	"github.com/vervet/valet/internal/channels"
	otelPkg "github.com/vervet/valet/internal/otel"
	"github.com/vervet/valet/internal/persistence"
)

var (
	ErrNoRoute   = errors.New("no destination and no fresh route for session")
	ErrNoChannel = errors.New("channel not registered")
)

// Config holds the router's dependencies.
type Config struct {
	Store    *persistence.Store
	Registry *channels.Registry
	Bus      *bus.Bus
	Logger   *slog.Logger
	Tracer   trace.Tracer  // nil drops spans
	RouteTTL time.Duration // route freshness window; defaults to 24h
}

// Request is one outbound send.
type Request struct {
	SessionID      string
	Channel        string
	Destination    string
	Content        string
	IdempotencyKey string
	// BestEffort turns a missing route into a skipped receipt instead of an error.
	BestEffort bool
}

// Router resolves destinations and performs sends.
type Router struct {
	store    *persistence.Store
	registry *channels.Registry
	bus      *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	routeTTL time.Duration

	keys sync.Map // idempotency key -> *sync.Mutex
}

func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.RouteTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Router{
		store:    cfg.Store,
		registry: cfg.Registry,
		bus:      cfg.Bus,
		logger:   logger,
		tracer:   cfg.Tracer,
		routeTTL: ttl,
	}
}

// keyLock serializes concurrent sends sharing an idempotency key.
func (r *Router) keyLock(key string) *sync.Mutex {
	actual, _ := r.keys.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Send delivers content. A key already consumed by a sent or skipped receipt
// returns that receipt without sending again; error receipts do not consume
// the key, so a retry with the same key goes through.
func (r *Router) Send(ctx context.Context, req Request) (persistence.Receipt, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, r.tracer, "delivery.send",
		otelPkg.AttrSessionID.String(req.SessionID),
	)
	defer span.End()

	if req.IdempotencyKey != "" {
		lock := r.keyLock(req.IdempotencyKey)
		lock.Lock()
		defer lock.Unlock()

		if existing, err := r.store.GetReceiptByKey(req.IdempotencyKey); err == nil {
			r.logger.Debug("delivery deduplicated", "idempotency_key", req.IdempotencyKey, "receipt_id", existing.ID)
			return existing, nil
		} else if !errors.Is(err, persistence.ErrReceiptNotFound) {
			return persistence.Receipt{}, err
		}
	}

	channelName, destination, err := r.resolve(req)
	if err != nil {
		if errors.Is(err, ErrNoRoute) && req.BestEffort {
			return r.record(req, persistence.ReceiptSkipped, channelName, destination, "no fresh route")
		}
		if _, recErr := r.record(req, persistence.ReceiptError, channelName, destination, err.Error()); recErr != nil {
			r.logger.Error("record error receipt", "error", recErr)
		}
		return persistence.Receipt{}, err
	}

	span.SetAttributes(otelPkg.AttrChannel.String(channelName))

	ch, ok := r.registry.Get(channelName)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrNoChannel, channelName)
		if _, recErr := r.record(req, persistence.ReceiptError, channelName, destination, err.Error()); recErr != nil {
			r.logger.Error("record error receipt", "error", recErr)
		}
		return persistence.Receipt{}, err
	}

	if err := ch.Send(ctx, destination, req.Content); err != nil {
		span.RecordError(err)
		if _, recErr := r.record(req, persistence.ReceiptError, channelName, destination, err.Error()); recErr != nil {
			r.logger.Error("record error receipt", "error", recErr)
		}
		return persistence.Receipt{}, fmt.Errorf("send via %s: %w", channelName, err)
	}

	receipt, err := r.record(req, persistence.ReceiptSent, channelName, destination, "")
	if err != nil {
		return receipt, err
	}

	if req.SessionID != "" {
		if err := r.store.PutRoute(persistence.Route{
			SessionID:   req.SessionID,
			Channel:     channelName,
			Destination: destination,
		}); err != nil {
			r.logger.Warn("record route", "session_id", req.SessionID, "error", err)
		}
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicDeliverySent, bus.DeliverySentEvent{
			ReceiptID:   receipt.ID,
			SessionID:   req.SessionID,
			Channel:     channelName,
			Destination: destination,
		})
	}
	r.logger.Info("delivery sent", "receipt_id", receipt.ID, "channel", channelName, "destination", destination)
	return receipt, nil
}

// resolve picks the channel and destination: the explicit pair when given,
// otherwise the session's route if still fresh.
func (r *Router) resolve(req Request) (string, string, error) {
	if req.Channel != "" && req.Destination != "" {
		return req.Channel, req.Destination, nil
	}
	if req.SessionID == "" {
		return req.Channel, req.Destination, ErrNoRoute
	}
	route, err := r.ResolveRoute(req.SessionID)
	if err != nil {
		return req.Channel, req.Destination, err
	}
	return route.Channel, route.Destination, nil
}

// ResolveRoute returns the session's route if recorded within the TTL window.
func (r *Router) ResolveRoute(sessionID string) (persistence.Route, error) {
	route, err := r.store.GetRoute(sessionID)
	if err != nil {
		if errors.Is(err, persistence.ErrRouteNotFound) {
			return persistence.Route{}, ErrNoRoute
		}
		return persistence.Route{}, err
	}
	if time.Since(route.UpdatedAt) > r.routeTTL {
		return persistence.Route{}, fmt.Errorf("%w: route stale since %s", ErrNoRoute, route.UpdatedAt.Format(time.RFC3339))
	}
	return route, nil
}

func (r *Router) record(req Request, status, channelName, destination, errText string) (persistence.Receipt, error) {
	receipt := persistence.Receipt{
		ID:             uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		Direction:      "outbound",
		Status:         status,
		SessionID:      req.SessionID,
		Channel:        channelName,
		Destination:    destination,
		Error:          errText,
		IdempotencyKey: req.IdempotencyKey,
	}
	if err := r.store.RecordReceipt(receipt); err != nil {
		return receipt, err
	}
	return receipt, nil
}

// DeliverRunOutput routes a finished run's output. Implements engine.Deliverer.
// The idempotency key is derived from the run ID so a redelivered completion
// cannot double-send.
func (r *Router) DeliverRunOutput(ctx context.Context, run persistence.Run, spec *persistence.DeliverySpec, bestEffort bool) error {
	req := Request{
		SessionID:      run.SessionID,
		Content:        run.Output,
		IdempotencyKey: "run:" + run.ID,
		BestEffort:     bestEffort,
	}
	if spec != nil {
		req.Channel = spec.Channel
		req.Destination = spec.Destination
		req.BestEffort = req.BestEffort || spec.BestEffort
	}
	_, err := r.Send(ctx, req)
	return err
}
