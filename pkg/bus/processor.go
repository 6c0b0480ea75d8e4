package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/openquant/helix/pkg/breaker"
	"github.com/openquant/helix/pkg/log"
	"github.com/openquant/helix/pkg/types"
)

// Error type names reported in dispatch results
const (
	errTypeCircuitBreakerOpen = "CircuitBreakerOpen"
	errTypeHandlerTimeout     = "HandlerTimeout"
	errTypeHandlerError       = "HandlerError"
)

// ProcessingConfig controls event dispatch behavior
type ProcessingConfig struct {
	MaxProcessingTime     time.Duration
	MaxConcurrentHandlers int
	CircuitBreakerEnabled bool
	EnableMetrics         bool
	RetryDelay            time.Duration
}

// DefaultProcessingConfig returns the processing defaults
func DefaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		MaxProcessingTime:     30 * time.Second,
		MaxConcurrentHandlers: 10,
		CircuitBreakerEnabled: true,
		EnableMetrics:         true,
		RetryDelay:            100 * time.Millisecond,
	}
}

// ProcessingError describes one failed handler invocation
type ProcessingError struct {
	SubscriptionID string
	SubscriberID   string
	ErrorType      string
	ErrorMessage   string
	Timestamp      time.Time
	// RetryExhausted marks a terminal failure: the retry helper used up the
	// subscription's retry budget and the event should divert to the DLQ.
	RetryExhausted bool
}

// Result is the outcome of dispatching one event
type Result struct {
	EventID            uuid.UUID
	SuccessfulHandlers int
	FailedHandlers     int
	Errors             []ProcessingError
	ProcessingTime     time.Duration
	// Succeeded holds the subscription IDs whose handler completed
	Succeeded []string
}

// ProcessingStats aggregates dispatch statistics
type ProcessingStats struct {
	EventsProcessed           int64
	EventsFailed              int64
	SuccessfulHandlers        int64
	FailedHandlers            int64
	TotalProcessingTime       time.Duration
	CircuitBreakerActivations int64
}

// AverageProcessingTime returns the mean dispatch duration
func (s ProcessingStats) AverageProcessingTime() time.Duration {
	if s.EventsProcessed == 0 {
		return 0
	}
	return s.TotalProcessingTime / time.Duration(s.EventsProcessed)
}

// OutcomeRecorder receives per-attempt failure notifications from the retry
// helper. The Registry implements it.
type OutcomeRecorder interface {
	RecordFailure(subscriptionID, errorMessage string) error
}

// Processor dispatches one event to its candidate subscriptions, enforcing
// priority ordering, per-subscriber circuit breakers, a global concurrency
// cap, and per-handler timeouts. Handler failures never propagate as
// process errors; they are reported in the result.
type Processor struct {
	cfg    ProcessingConfig
	clk    clock.Clock
	sem    *semaphore.Weighted
	logger zerolog.Logger

	breakerMu sync.Mutex
	breakers  map[string]*breaker.Breaker

	statsMu sync.Mutex
	stats   ProcessingStats

	recorder OutcomeRecorder
}

// NewProcessor creates an event processor
func NewProcessor(cfg ProcessingConfig, clk clock.Clock) *Processor {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Processor{
		cfg:      cfg,
		clk:      clk,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentHandlers)),
		logger:   log.WithComponent("event-processor"),
		breakers: make(map[string]*breaker.Breaker),
	}
}

// SetRecorder wires the registry's failure recording into the retry helper.
// Intermediate (non-final) attempt failures are recorded here; the final
// failure of each subscription is recorded by the bus worker from the
// result's error list.
func (p *Processor) SetRecorder(r OutcomeRecorder) {
	p.recorder = r
}

// Process dispatches the event to every active subscription, in priority
// order, and returns the aggregate result.
func (p *Processor) Process(ctx context.Context, ev *types.Event, subs []*Subscription) Result {
	start := p.clk.Now()
	res := Result{EventID: ev.EventID}

	sorted := make([]*Subscription, len(subs))
	copy(sorted, subs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	for _, sub := range sorted {
		if !sub.IsActive() {
			continue
		}

		if p.cfg.CircuitBreakerEnabled {
			br := p.breakerFor(sub.SubscriberID)
			if !br.Allow() {
				res.FailedHandlers++
				res.Errors = append(res.Errors, ProcessingError{
					SubscriptionID: sub.ID,
					SubscriberID:   sub.SubscriberID,
					ErrorType:      errTypeCircuitBreakerOpen,
					ErrorMessage:   "circuit breaker is open",
					Timestamp:      p.clk.Now(),
				})
				continue
			}
		}

		err := p.invokeWithRetry(ctx, ev, sub)
		if err == nil {
			res.SuccessfulHandlers++
			res.Succeeded = append(res.Succeeded, sub.ID)
			if p.cfg.CircuitBreakerEnabled {
				p.breakerFor(sub.SubscriberID).RecordSuccess()
			}
			continue
		}

		res.FailedHandlers++
		perr := ProcessingError{
			SubscriptionID: sub.ID,
			SubscriberID:   sub.SubscriberID,
			ErrorType:      errTypeHandlerError,
			ErrorMessage:   err.Error(),
			Timestamp:      p.clk.Now(),
			RetryExhausted: true,
		}
		if errors.Is(err, context.DeadlineExceeded) {
			perr.ErrorType = errTypeHandlerTimeout
		}
		res.Errors = append(res.Errors, perr)
		if p.cfg.CircuitBreakerEnabled {
			p.breakerFor(sub.SubscriberID).RecordFailure()
		}
	}

	res.ProcessingTime = p.clk.Now().Sub(start)

	if p.cfg.EnableMetrics {
		p.updateStats(res)
	}
	return res
}

// invokeWithRetry runs the handler up to MaxRetries+1 times with a fixed
// delay between attempts. Failures before the final attempt are reported to
// the outcome recorder; the final failure is returned to the caller.
func (p *Processor) invokeWithRetry(ctx context.Context, ev *types.Event, sub *Subscription) error {
	attempts := sub.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && p.cfg.RetryDelay > 0 {
			select {
			case <-p.clk.After(p.cfg.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = p.invoke(ctx, ev, sub)
		if lastErr == nil {
			return nil
		}

		if attempt < attempts-1 && p.recorder != nil {
			if rerr := p.recorder.RecordFailure(sub.ID, lastErr.Error()); rerr != nil {
				p.logger.Warn().Err(rerr).
					Str("subscription_id", sub.ID).
					Msg("Failed to record attempt failure")
			}
		}
	}
	return lastErr
}

// invoke runs a single handler attempt under the concurrency cap and the
// per-handler deadline. A handler that overruns the deadline is abandoned;
// its permit is released when it eventually returns.
func (p *Processor) invoke(ctx context.Context, ev *types.Event, sub *Subscription) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, p.cfg.MaxProcessingTime)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- sub.Handler(hctx, ev)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return context.DeadlineExceeded
	}
}

// breakerFor returns the subscriber's circuit breaker, creating it on first
// use.
func (p *Processor) breakerFor(subscriberID string) *breaker.Breaker {
	p.breakerMu.Lock()
	defer p.breakerMu.Unlock()
	br, ok := p.breakers[subscriberID]
	if !ok {
		br = breaker.New(breaker.DefaultConfig(), p.clk)
		p.breakers[subscriberID] = br
	}
	return br
}

// BreakerState returns the state of a subscriber's circuit breaker
func (p *Processor) BreakerState(subscriberID string) (breaker.State, bool) {
	p.breakerMu.Lock()
	defer p.breakerMu.Unlock()
	br, ok := p.breakers[subscriberID]
	if !ok {
		return "", false
	}
	return br.State(), true
}

func (p *Processor) updateStats(res Result) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	p.stats.EventsProcessed++
	if len(res.Errors) > 0 {
		p.stats.EventsFailed++
	}
	p.stats.SuccessfulHandlers += int64(res.SuccessfulHandlers)
	p.stats.FailedHandlers += int64(res.FailedHandlers)
	p.stats.TotalProcessingTime += res.ProcessingTime
	for _, e := range res.Errors {
		if e.ErrorType == errTypeCircuitBreakerOpen {
			p.stats.CircuitBreakerActivations++
		}
	}
}

// Stats returns a snapshot of aggregate processing statistics
func (p *Processor) Stats() ProcessingStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// ResetStats clears aggregate processing statistics
func (p *Processor) ResetStats() {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats = ProcessingStats{}
}
