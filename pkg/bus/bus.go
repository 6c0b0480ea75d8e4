package bus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/openquant/helix/pkg/errdefs"
	"github.com/openquant/helix/pkg/eventstore"
	"github.com/openquant/helix/pkg/log"
	"github.com/openquant/helix/pkg/metrics"
	"github.com/openquant/helix/pkg/types"
)

// popWaitInterval bounds how long a worker blocks on an empty queue so that Stop
// stays responsive.
const popWaitInterval = time.Second

// Config holds event bus configuration
type Config struct {
	MaxQueueSize        int
	NumWorkers          int
	DeadLetterQueueSize int
	EnablePersistence   bool
}

// DefaultConfig returns the bus defaults
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:        10000,
		NumWorkers:          4,
		DeadLetterQueueSize: 1000,
	}
}

// Validate checks configuration invariants
func (c Config) Validate() error {
	if c.MaxQueueSize <= 0 {
		return errdefs.NewConfigurationError("max_queue_size must be positive", "bus", "validate").
			WithMeta("max_queue_size", strconv.Itoa(c.MaxQueueSize))
	}
	if c.NumWorkers <= 0 {
		return errdefs.NewConfigurationError("num_workers must be positive", "bus", "validate").
			WithMeta("num_workers", strconv.Itoa(c.NumWorkers))
	}
	if c.DeadLetterQueueSize < 0 {
		return errdefs.NewConfigurationError("dead_letter_queue_size must not be negative", "bus", "validate").
			WithMeta("dead_letter_queue_size", strconv.Itoa(c.DeadLetterQueueSize))
	}
	return nil
}

// Metrics aggregates registry and processor counters with queue state
type Metrics struct {
	EventsProcessed         int64
	EventsFailed            int64
	SuccessfulHandlers      int64
	FailedHandlers          int64
	AverageProcessingTime   time.Duration
	QueueSize               int
	DeadLetterQueueSize     int
	SubscriptionCount       int
	ActiveSubscriptionCount int
	Running                 bool
	WorkerCount             int
}

// Health reports bus liveness for the health API
type Health struct {
	Status              string  `json:"status"` // "running" or "stopped"
	QueueSize           int     `json:"queue_size"`
	MaxQueueSize        int     `json:"max_queue_size"`
	QueueUsage          float64 `json:"queue_usage"`
	SubscriptionCount   int     `json:"subscription_count"`
	ActiveSubscriptions int     `json:"active_subscriptions"`
	DeadLetterQueueSize int     `json:"dead_letter_queue_size"`
}

// Bus accepts events, enqueues them with priority, and dispatches them to
// subscribers through a fixed worker pool. The registry and processor are
// injected; the bus owns the queue, the dead-letter queue, and the workers.
type Bus struct {
	cfg       Config
	registry  *Registry
	processor *Processor
	queue     *eventQueue
	dlq       *deadLetterQueue
	errmgr    *errdefs.Manager
	backend   eventstore.Backend
	clk       clock.Clock
	logger    zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customizes bus construction
type Option func(*Bus)

// WithErrorManager injects a shared error manager
func WithErrorManager(m *errdefs.Manager) Option {
	return func(b *Bus) { b.errmgr = m }
}

// WithEventStore injects the pre-dispatch persistence backend
func WithEventStore(backend eventstore.Backend) Option {
	return func(b *Bus) { b.backend = backend }
}

// WithClock injects a clock (tests use a virtual one)
func WithClock(clk clock.Clock) Option {
	return func(b *Bus) { b.clk = clk }
}

// New creates an event bus. The processor's retry helper is wired to the
// registry so intermediate attempt failures are recorded.
func New(cfg Config, registry *Registry, processor *Processor, opts ...Option) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Bus{
		cfg:       cfg,
		registry:  registry,
		processor: processor,
		queue:     newEventQueue(cfg.MaxQueueSize),
		clk:       clock.WallClock,
		logger:    log.WithComponent("event-bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.errmgr == nil {
		b.errmgr = errdefs.NewManager(b.clk)
	}
	if b.cfg.EnablePersistence && b.backend == nil {
		b.backend = eventstore.NewMemoryBackend(0)
	}

	b.dlq = newDeadLetterQueue(cfg.DeadLetterQueueSize, b.logger)
	processor.SetRecorder(registry)
	return b, nil
}

// Start launches the worker pool. Idempotent.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		b.logger.Warn().Msg("Event bus is already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.running = true

	for i := 0; i < b.cfg.NumWorkers; i++ {
		b.wg.Add(1)
		go b.worker(ctx, fmt.Sprintf("worker-%d", i))
	}

	b.logger.Info().Int("workers", b.cfg.NumWorkers).Msg("Event bus started")
}

// Stop cancels the workers and awaits their completion. Idempotent.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
	b.logger.Info().Msg("Event bus stopped")
}

// isRunning reports whether the worker pool is live
func (b *Bus) isRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Publish stamps and enqueues an event. Returns false when the bus is not
// running or the queue is full; a full queue additionally emits a
// structured QueueError. Never blocks on a full queue.
func (b *Bus) Publish(ev *types.Event, priority int) bool {
	if !b.isRunning() {
		b.logger.Debug().
			Str("event_id", ev.EventID.String()).
			Msg("Publish rejected, bus not running")
		return false
	}

	ev.Metadata[types.MetaPriority] = strconv.Itoa(priority)
	ev.Metadata[types.MetaPublishedAt] = b.clk.Now().UTC().Format(time.RFC3339Nano)

	if b.backend != nil {
		if err := b.backend.PersistEvent(ev); err != nil {
			b.logger.Error().Err(err).
				Str("event_id", ev.EventID.String()).
				Msg("Failed to persist event")
		}
	}

	if !b.queue.push(ev, priority) {
		metrics.EventsDropped.Inc()
		qerr := errdefs.NewQueueError(
			fmt.Sprintf("event queue full, dropping event %s", ev.EventID),
			"bus", "publish").
			WithMeta("queue_size", strconv.Itoa(b.queue.size())).
			WithMeta("event_type", string(ev.Type))
		b.errmgr.Handle(qerr)
		return false
	}

	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	metrics.QueueDepth.Set(float64(b.queue.size()))
	return true
}

// PublishMany publishes a batch of events at default priority and returns
// the count accepted.
func (b *Bus) PublishMany(events []*types.Event) int {
	accepted := 0
	for _, ev := range events {
		if b.Publish(ev, 0) {
			accepted++
		}
	}
	return accepted
}

// Subscribe registers a handler and returns its subscription ID
func (b *Bus) Subscribe(subscriberID string, handler Handler, eventTypes []types.EventType, priority, maxRetries int) (string, error) {
	id, err := b.registry.Add(subscriberID, handler, eventTypes, priority, maxRetries)
	if err != nil {
		b.errmgr.Handle(err)
		return "", err
	}
	b.logger.Info().
		Str("subscriber_id", subscriberID).
		Str("subscription_id", id).
		Int("priority", priority).
		Msg("Subscriber registered")
	metrics.SubscriptionsActive.Set(float64(b.registry.ActiveCount()))
	return id, nil
}

// Unsubscribe removes a subscription. Returns false for unknown IDs.
func (b *Bus) Unsubscribe(subscriptionID string) bool {
	removed := b.registry.Remove(subscriptionID)
	if removed {
		metrics.SubscriptionsActive.Set(float64(b.registry.ActiveCount()))
	}
	return removed
}

// SubscriptionStatus returns a snapshot of one subscription's state
func (b *Bus) SubscriptionStatus(subscriptionID string) (Status, bool) {
	sub, ok := b.registry.Get(subscriptionID)
	if !ok {
		return Status{}, false
	}
	return sub.Status(), true
}

// worker pops events and dispatches them until cancelled
func (b *Bus) worker(ctx context.Context, name string) {
	defer b.wg.Done()

	logger := b.logger.With().Str("worker", name).Logger()
	logger.Debug().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("Worker stopped")
			return
		default:
		}

		ev := b.queue.popWait(ctx, popWaitInterval)
		if ev == nil {
			continue
		}
		metrics.QueueDepth.Set(float64(b.queue.size()))
		b.dispatch(ctx, ev, logger)
	}
}

// dispatch hands one event to the processor and applies the outcome to the
// registry, the dead-letter queue, and the error manager.
func (b *Bus) dispatch(ctx context.Context, ev *types.Event, logger zerolog.Logger) {
	subs := b.registry.SubscriptionsForEvent(ev.Type)
	res := b.processor.Process(ctx, ev, subs)

	for _, id := range res.Succeeded {
		if err := b.registry.RecordSuccess(id); err != nil {
			logger.Warn().Err(err).Str("subscription_id", id).Msg("Failed to record success")
		}
	}

	for _, perr := range res.Errors {
		if err := b.registry.RecordFailure(perr.SubscriptionID, perr.ErrorMessage); err != nil {
			logger.Warn().Err(err).
				Str("subscription_id", perr.SubscriptionID).
				Msg("Failed to record failure")
		}

		b.errmgr.Handle(b.structuredError(ev, perr))

		if perr.RetryExhausted {
			if b.dlq.add(ev, perr.ErrorMessage, b.clk.Now()) {
				metrics.DeadLetterEvents.Inc()
			}
		}
	}

	metrics.EventsProcessed.Inc()
	if len(res.Errors) > 0 {
		metrics.EventsFailed.Inc()
	}
	metrics.HandlerDuration.Observe(res.ProcessingTime.Seconds())
}

// structuredError converts a processing error into its taxonomy type
func (b *Bus) structuredError(ev *types.Event, perr ProcessingError) *errdefs.Error {
	var err *errdefs.Error
	switch perr.ErrorType {
	case errTypeCircuitBreakerOpen:
		err = errdefs.NewCircuitBreakerError(perr.ErrorMessage, "event-processor", "process_event")
	case errTypeHandlerTimeout:
		err = errdefs.NewTimeoutError(perr.ErrorMessage, "event-processor", "process_event")
	default:
		err = errdefs.NewProcessingError(perr.ErrorMessage, "event-processor", "process_event")
	}
	err.WithMeta("event_id", ev.EventID.String())
	err.WithMeta("subscription_id", perr.SubscriptionID)
	err.WithMeta("subscriber_id", perr.SubscriberID)
	return err
}

// Metrics returns the aggregate of registry and processor counters plus
// queue state.
func (b *Bus) Metrics() Metrics {
	stats := b.processor.Stats()
	return Metrics{
		EventsProcessed:         stats.EventsProcessed,
		EventsFailed:            stats.EventsFailed,
		SuccessfulHandlers:      stats.SuccessfulHandlers,
		FailedHandlers:          stats.FailedHandlers,
		AverageProcessingTime:   stats.AverageProcessingTime(),
		QueueSize:               b.queue.size(),
		DeadLetterQueueSize:     b.dlq.size(),
		SubscriptionCount:       b.registry.Count(),
		ActiveSubscriptionCount: b.registry.ActiveCount(),
		Running:                 b.isRunning(),
		WorkerCount:             b.cfg.NumWorkers,
	}
}

// ResetMetrics clears processor statistics
func (b *Bus) ResetMetrics() {
	b.processor.ResetStats()
}

// HealthCheck reports the current bus status
func (b *Bus) HealthCheck() Health {
	status := "stopped"
	if b.isRunning() {
		status = "running"
	}
	qs := b.queue.size()
	return Health{
		Status:              status,
		QueueSize:           qs,
		MaxQueueSize:        b.cfg.MaxQueueSize,
		QueueUsage:          float64(qs) / float64(b.cfg.MaxQueueSize),
		SubscriptionCount:   b.registry.Count(),
		ActiveSubscriptions: b.registry.ActiveCount(),
		DeadLetterQueueSize: b.dlq.size(),
	}
}

// DeadLetterEvents returns up to limit dead-lettered events without
// mutating the queue.
func (b *Bus) DeadLetterEvents(limit int) []*types.Event {
	return b.dlq.list(limit)
}
