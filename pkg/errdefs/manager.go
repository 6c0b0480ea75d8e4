package errdefs

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/openquant/helix/pkg/log"
	"github.com/openquant/helix/pkg/metrics"
)

// recentErrorLimit bounds the ring of retained error contexts
const recentErrorLimit = 100

// Handler processes a structured error. Returns true when the error was
// handled successfully.
type Handler interface {
	Handle(err *Error) bool
}

// Stats aggregates error counts for the metrics API
type Stats struct {
	TotalErrors        int
	ErrorsByCategory   map[Category]int
	ErrorsBySeverity   map[Severity]int
	RecentErrors       []Context
	ErrorRatePerMinute int
	LastReset          time.Time
}

// LogHandler logs errors through zerolog at a level matching severity
type LogHandler struct {
	logger zerolog.Logger
}

// NewLogHandler creates a logging error handler
func NewLogHandler() *LogHandler {
	return &LogHandler{logger: log.WithComponent("error-manager")}
}

func (h *LogHandler) Handle(err *Error) bool {
	var ev *zerolog.Event
	switch err.Context.Severity {
	case SeverityCritical, SeverityHigh:
		ev = h.logger.Error()
	case SeverityMedium:
		ev = h.logger.Warn()
	default:
		ev = h.logger.Info()
	}

	ev = ev.
		Str("error_id", err.Context.ErrorID).
		Str("category", string(err.Context.Category)).
		Str("severity", string(err.Context.Severity)).
		Str("error_component", err.Context.Component).
		Str("operation", err.Context.Operation).
		Int("retry_count", err.Context.RetryCount)
	if err.Cause != nil {
		ev = ev.AnErr("cause", err.Cause)
	}
	for k, v := range err.Context.Metadata {
		ev = ev.Str(k, v)
	}
	ev.Msg(err.Message)
	return true
}

// StatsHandler tracks error totals, a bounded ring of recent contexts, and
// a per-minute rate.
type StatsHandler struct {
	mu    sync.Mutex
	clk   clock.Clock
	stats Stats
}

// NewStatsHandler creates a metrics-tracking error handler
func NewStatsHandler(clk clock.Clock) *StatsHandler {
	if clk == nil {
		clk = clock.WallClock
	}
	return &StatsHandler{
		clk: clk,
		stats: Stats{
			ErrorsByCategory: make(map[Category]int),
			ErrorsBySeverity: make(map[Severity]int),
			LastReset:        clk.Now(),
		},
	}
}

func (h *StatsHandler) Handle(err *Error) bool {
	metrics.ErrorsTotal.WithLabelValues(
		string(err.Context.Category), string(err.Context.Severity)).Inc()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.TotalErrors++
	h.stats.ErrorsByCategory[err.Context.Category]++
	h.stats.ErrorsBySeverity[err.Context.Severity]++

	h.stats.RecentErrors = append(h.stats.RecentErrors, err.Context)
	if len(h.stats.RecentErrors) > recentErrorLimit {
		h.stats.RecentErrors = h.stats.RecentErrors[1:]
	}
	return true
}

// Stats returns a snapshot of the current statistics
func (h *StatsHandler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	minuteAgo := h.clk.Now().Add(-time.Minute)
	rate := 0
	for _, ctx := range h.stats.RecentErrors {
		if !ctx.Timestamp.Before(minuteAgo) {
			rate++
		}
	}

	out := Stats{
		TotalErrors:        h.stats.TotalErrors,
		ErrorsByCategory:   make(map[Category]int, len(h.stats.ErrorsByCategory)),
		ErrorsBySeverity:   make(map[Severity]int, len(h.stats.ErrorsBySeverity)),
		RecentErrors:       append([]Context(nil), h.stats.RecentErrors...),
		ErrorRatePerMinute: rate,
		LastReset:          h.stats.LastReset,
	}
	for k, v := range h.stats.ErrorsByCategory {
		out.ErrorsByCategory[k] = v
	}
	for k, v := range h.stats.ErrorsBySeverity {
		out.ErrorsBySeverity[k] = v
	}
	return out
}

// Reset clears all statistics
func (h *StatsHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats = Stats{
		ErrorsByCategory: make(map[Category]int),
		ErrorsBySeverity: make(map[Severity]int),
		LastReset:        h.clk.Now(),
	}
}

// RetryHandler advises retry with exponential backoff. Configuration and
// validation errors, and anything critical, are never retried.
type RetryHandler struct {
	clk           clock.Clock
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	backoffFactor int
	logger        zerolog.Logger
}

// NewRetryHandler creates a retry error handler with the default policy
func NewRetryHandler(clk clock.Clock) *RetryHandler {
	if clk == nil {
		clk = clock.WallClock
	}
	return &RetryHandler{
		clk:           clk,
		maxRetries:    3,
		baseDelay:     time.Second,
		maxDelay:      60 * time.Second,
		backoffFactor: 2,
		logger:        log.WithComponent("error-retry"),
	}
}

// Handle sleeps the backoff delay and bumps the retry count. Returns true
// when the caller should retry the failed operation.
func (h *RetryHandler) Handle(err *Error) bool {
	if !h.shouldRetry(err) {
		return false
	}
	if err.Context.RetryCount >= h.maxRetries {
		h.logger.Warn().
			Str("error_id", err.Context.ErrorID).
			Msg("Max retries exceeded")
		return false
	}

	delay := h.baseDelay
	for i := 0; i < err.Context.RetryCount; i++ {
		delay *= time.Duration(h.backoffFactor)
	}
	if delay > h.maxDelay {
		delay = h.maxDelay
	}

	<-h.clk.After(delay)
	err.Context.RetryCount++
	return true
}

func (h *RetryHandler) shouldRetry(err *Error) bool {
	switch err.Context.Category {
	case CategoryConfiguration, CategoryValidation:
		return false
	}
	return err.Context.Severity != SeverityCritical
}

// Manager fans every error through its registered handlers
type Manager struct {
	mu       sync.RWMutex
	handlers []Handler
	stats    *StatsHandler
}

// NewManager creates an error manager with the default logging and stats
// handlers attached.
func NewManager(clk clock.Clock) *Manager {
	stats := NewStatsHandler(clk)
	return &Manager{
		handlers: []Handler{NewLogHandler(), stats},
		stats:    stats,
	}
}

// AddHandler registers an additional error handler
func (m *Manager) AddHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Handle runs the error through all handlers. Plain errors are wrapped into
// structured errors first. Returns true when at least one handler succeeded.
func (m *Manager) Handle(err error) bool {
	structured := From(err, "", "")

	m.mu.RLock()
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.RUnlock()

	handled := false
	for _, h := range handlers {
		if h.Handle(structured) {
			handled = true
		}
	}
	return handled
}

// Stats returns aggregate error statistics
func (m *Manager) Stats() Stats {
	return m.stats.Stats()
}

// ResetStats clears aggregate error statistics
func (m *Manager) ResetStats() {
	m.stats.Reset()
}
