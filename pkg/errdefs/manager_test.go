package errdefs

import (
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorWrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := NewProcessingError("handler failed", "processor", "process_event").WithCause(cause)

	assert.Equal(t, "handler failed: boom", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestFromPassesThroughStructured(t *testing.T) {
	orig := NewQueueError("queue full", "bus", "publish")
	assert.Same(t, orig, From(orig, "x", "y"))
}

func TestFromWrapsPlain(t *testing.T) {
	err := From(errors.New("plain"), "bus", "publish")
	assert.Equal(t, CategoryProcessing, err.Context.Category)
	assert.NotEmpty(t, err.Context.ErrorID)
}

func TestConfigurationErrorIsHighSeverity(t *testing.T) {
	err := NewConfigurationError("bad value", "config", "validate")
	assert.Equal(t, SeverityHigh, err.Context.Severity)
	assert.Equal(t, CategoryConfiguration, err.Context.Category)
}

func TestStatsHandlerCounts(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	h := NewStatsHandler(clk)

	h.Handle(NewQueueError("full", "bus", "publish"))
	h.Handle(NewQueueError("full", "bus", "publish"))
	h.Handle(NewConfigurationError("bad", "config", "load"))

	stats := h.Stats()
	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, 2, stats.ErrorsByCategory[CategoryQueue])
	assert.Equal(t, 1, stats.ErrorsByCategory[CategoryConfiguration])
	assert.Equal(t, 3, stats.ErrorsBySeverity[SeverityHigh])
	assert.Len(t, stats.RecentErrors, 3)
}

func TestStatsHandlerRingBounded(t *testing.T) {
	h := NewStatsHandler(nil)
	for i := 0; i < recentErrorLimit+20; i++ {
		h.Handle(NewProcessingError("x", "p", "op"))
	}
	stats := h.Stats()
	assert.Equal(t, recentErrorLimit+20, stats.TotalErrors)
	assert.Len(t, stats.RecentErrors, recentErrorLimit)
}

func TestStatsHandlerRatePerMinute(t *testing.T) {
	now := time.Now().UTC()
	clk := testclock.NewClock(now)
	h := NewStatsHandler(clk)

	old := NewProcessingError("old", "p", "op")
	old.Context.Timestamp = now.Add(-2 * time.Minute)
	h.Handle(old)

	fresh := NewProcessingError("fresh", "p", "op")
	fresh.Context.Timestamp = now.Add(-10 * time.Second)
	h.Handle(fresh)

	stats := h.Stats()
	assert.Equal(t, 1, stats.ErrorRatePerMinute)
}

func TestRetryHandlerSkipsExcludedCategories(t *testing.T) {
	h := NewRetryHandler(nil)

	assert.False(t, h.Handle(NewConfigurationError("bad", "c", "o")))
	assert.False(t, h.Handle(NewValidationError("bad", "c", "o")))

	critical := NewNetworkError("down", "c", "o")
	critical.Context.Severity = SeverityCritical
	assert.False(t, h.Handle(critical))
}

func TestRetryHandlerBacksOffAndCounts(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	h := NewRetryHandler(clk)
	err := NewNetworkError("flaky", "ingester", "connect")

	done := make(chan bool)
	go func() { done <- h.Handle(err) }()

	// First retry waits the base delay
	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))
	assert.True(t, <-done)
	assert.Equal(t, 1, err.Context.RetryCount)

	go func() { done <- h.Handle(err) }()
	// Second retry doubles the delay
	require.NoError(t, clk.WaitAdvance(2*time.Second, time.Second, 1))
	assert.True(t, <-done)
	assert.Equal(t, 2, err.Context.RetryCount)
}

func TestRetryHandlerStopsAtMaxRetries(t *testing.T) {
	h := NewRetryHandler(nil)
	err := NewNetworkError("flaky", "ingester", "connect")
	err.Context.RetryCount = 3
	assert.False(t, h.Handle(err))
}

func TestManagerFanOut(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	m := NewManager(clk)

	assert.True(t, m.Handle(NewQueueError("full", "bus", "publish")))
	assert.True(t, m.Handle(errors.New("plain error")))

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalErrors)
	assert.Equal(t, 1, stats.ErrorsByCategory[CategoryQueue])

	m.ResetStats()
	assert.Equal(t, 0, m.Stats().TotalErrors)
}

type recordingHandler struct {
	seen []*Error
}

func (r *recordingHandler) Handle(err *Error) bool {
	r.seen = append(r.seen, err)
	return true
}

func TestManagerAddHandler(t *testing.T) {
	m := NewManager(nil)
	rec := &recordingHandler{}
	m.AddHandler(rec)

	m.Handle(NewProcessingError("x", "p", "op"))
	require.Len(t, rec.seen, 1)
	assert.Equal(t, CategoryProcessing, rec.seen[0].Context.Category)
}
