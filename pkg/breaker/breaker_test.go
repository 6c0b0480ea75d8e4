package breaker

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
)

func testBreaker(t *testing.T) (*Breaker, *testclock.Clock) {
	clk := testclock.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	b := New(Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
	}, clk)
	return b, clk
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := testBreaker(t)
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := testBreaker(t)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerDeniesUntilResetElapsed(t *testing.T) {
	b, clk := testBreaker(t)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	clk.Advance(30 * time.Second)
	assert.False(t, b.Allow())

	clk.Advance(31 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	b, clk := testBreaker(t)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(61 * time.Second)
	assert.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b, clk := testBreaker(t)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(61 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := testBreaker(t)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	// Two more failures should not open (count was reset)
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}
