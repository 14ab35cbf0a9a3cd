package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/execgate/errs"
	"github.com/coachpo/execgate/internal/domain/order"
	"github.com/coachpo/execgate/internal/infra/telemetry"
)

// MemoryBus is an in-memory implementation of Bus. A subscriber whose buffer
// is full loses its oldest queued event rather than stalling the publisher.
type MemoryBus struct {
	cfg    MemoryConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
	deliveryDroppedCounter metric.Int64Counter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	kinds  map[order.EventKind]struct{}
	ch     chan order.Event
	// sendMu serialises channel sends with close.
	sendMu sync.Mutex
	closed bool
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:         cfg,
		logger:      cfg.Logger.With(slog.String("component", "eventbus")),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[SubscriptionID]*subscriber),
	}

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("execgate_eventbus_events_published",
		metric.WithDescription("Number of order events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("execgate_eventbus_subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("execgate_eventbus_fanout_size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("execgate_eventbus_publish_duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	bus.deliveryDroppedCounter, _ = meter.Int64Counter("execgate_eventbus_delivery_dropped",
		metric.WithDescription("Events evicted from subscriber buffers due to backpressure"),
		metric.WithUnit("{event}"))

	return bus
}

// Observe adapts the bus to the registry observer signature.
func (b *MemoryBus) Observe(evt order.Event) {
	if err := b.Publish(context.Background(), evt); err != nil {
		b.logger.Warn("publish order event failed",
			slog.String("decision_id", evt.DecisionID),
			slog.String("kind", string(evt.Kind)),
			slog.Any("error", err))
	}
}

// Publish fans the event out to every subscriber interested in its kind.
func (b *MemoryBus) Publish(ctx context.Context, evt order.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Kind == "" {
		return errs.New("", errs.CodeValidation, errs.WithMessage("event kind required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	start := time.Now()
	attrs := telemetry.EventAttributes(telemetry.Environment(), string(evt.Kind), evt.Venue)
	defer func() {
		if b.publishDuration != nil {
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
		}
	}()

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.wants(evt.Kind) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(targets)), metric.WithAttributes(attrs...))
	}
	if len(targets) == 0 {
		return nil
	}

	if len(targets) == 1 {
		b.deliver(ctx, targets[0], evt)
	} else {
		p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
		for _, sub := range targets {
			p.Go(func() {
				b.deliver(ctx, sub, evt)
			})
		}
		p.Wait()
	}

	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return nil
}

// Subscribe registers for the listed event kinds and returns a subscription ID and channel.
func (b *MemoryBus) Subscribe(ctx context.Context, kinds ...order.EventKind) (SubscriptionID, <-chan order.Event, error) {
	if b.ctx.Err() != nil {
		return "", nil, errs.New("", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := &subscriber{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan order.Event, b.cfg.BufferSize),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[order.EventKind]struct{}, len(kinds))
		for _, kind := range kinds {
			sub.kinds[kind] = struct{}{}
		}
	}

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}

	go b.observe(id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	if sub := b.remove(id, nil); sub != nil {
		sub.close()
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := b.subscribers
		b.subscribers = make(map[SubscriptionID]*subscriber)
		b.mu.Unlock()
		for _, sub := range subs {
			sub.close()
		}
	})
}

func (b *MemoryBus) observe(id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	b.remove(id, sub)
	sub.close()
}

// remove deletes id from the subscriber table, optionally only when it still maps to want.
func (b *MemoryBus) remove(id SubscriptionID, want *subscriber) *subscriber {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if !ok || (want != nil && sub != want) {
		b.mu.Unlock()
		return nil
	}
	delete(b.subscribers, id)
	b.mu.Unlock()
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	return sub
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt order.Event) {
	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()
	if sub.closed || sub.ctx.Err() != nil {
		return
	}
	select {
	case sub.ch <- evt:
		return
	default:
	}
	// Buffer full: evict the oldest queued event to make room.
	select {
	case dropped := <-sub.ch:
		b.logger.Warn("subscriber buffer full; dropped oldest event",
			slog.String("decision_id", dropped.DecisionID),
			slog.String("kind", string(dropped.Kind)))
		if b.deliveryDroppedCounter != nil {
			b.deliveryDroppedCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.EventAttributes(telemetry.Environment(), string(dropped.Kind), dropped.Venue)...))
		}
	default:
	}
	select {
	case sub.ch <- evt:
	default:
	}
}

func (s *subscriber) wants(kind order.EventKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

func (s *subscriber) close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	close(s.ch)
}
