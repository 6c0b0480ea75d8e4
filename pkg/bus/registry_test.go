package bus

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/helix/pkg/errdefs"
	"github.com/openquant/helix/pkg/types"
)

func noopHandler(ctx context.Context, ev *types.Event) error { return nil }

func newTestRegistry() *Registry {
	return NewRegistry(DefaultSubscriptionConfig())
}

func TestRegistryAddAndGet(t *testing.T) {
	r := newTestRegistry()

	id, err := r.Add("svc", noopHandler, []types.EventType{types.EventCandleUpdate}, 0, 3)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sub, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, "svc", sub.SubscriberID)
	assert.True(t, sub.IsActive())
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, 1, r.ActiveCount())
}

func TestRegistryNilHandlerRejected(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Add("svc", nil, nil, 0, 3)
	require.Error(t, err)
}

func TestRegistryMaxSubscriptions(t *testing.T) {
	r := NewRegistry(SubscriptionConfig{MaxSubscriptions: 2, DefaultMaxRetries: 3})

	_, err := r.Add("a", noopHandler, nil, 0, 3)
	require.NoError(t, err)
	_, err = r.Add("b", noopHandler, nil, 0, 3)
	require.NoError(t, err)

	_, err = r.Add("c", noopHandler, nil, 0, 3)
	require.Error(t, err)

	var structured *errdefs.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, errdefs.CategoryResource, structured.Context.Category)
	assert.Equal(t, errdefs.SeverityHigh, structured.Context.Severity)
}

func TestRegistryRemoveRoundTrip(t *testing.T) {
	r := newTestRegistry()

	before := r.Count()
	id, err := r.Add("svc", noopHandler, []types.EventType{types.EventCandleUpdate}, 0, 3)
	require.NoError(t, err)

	assert.True(t, r.Remove(id))
	assert.Equal(t, before, r.Count())
	assert.False(t, r.Remove(id))
	assert.Empty(t, r.SubscriptionsForEvent(types.EventCandleUpdate))
}

func TestRegistrySubscriptionsForEventOrdering(t *testing.T) {
	r := newTestRegistry()

	lowID, _ := r.Add("low", noopHandler, []types.EventType{types.EventCandleUpdate}, 1, 3)
	highID, _ := r.Add("high", noopHandler, []types.EventType{types.EventCandleUpdate}, 10, 3)
	midID, _ := r.Add("mid", noopHandler, []types.EventType{types.EventCandleUpdate}, 5, 3)

	subs := r.SubscriptionsForEvent(types.EventCandleUpdate)
	require.Len(t, subs, 3)
	assert.Equal(t, highID, subs[0].ID)
	assert.Equal(t, midID, subs[1].ID)
	assert.Equal(t, lowID, subs[2].ID)
}

func TestRegistryEqualPriorityKeepsRegistrationOrder(t *testing.T) {
	r := newTestRegistry()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := r.Add(fmt.Sprintf("sub-%d", i), noopHandler,
			[]types.EventType{types.EventCandleUpdate}, 7, 3)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	subs := r.SubscriptionsForEvent(types.EventCandleUpdate)
	require.Len(t, subs, 5)
	for i, sub := range subs {
		assert.Equal(t, ids[i], sub.ID)
	}
}

func TestRegistryAllEventsSubscribersIncluded(t *testing.T) {
	r := newTestRegistry()

	typedID, _ := r.Add("typed", noopHandler, []types.EventType{types.EventCandleUpdate}, 1, 3)
	allID, _ := r.Add("all", noopHandler, nil, 5, 3)

	subs := r.SubscriptionsForEvent(types.EventCandleUpdate)
	require.Len(t, subs, 2)
	// All-events subscriber has higher priority and comes first
	assert.Equal(t, allID, subs[0].ID)
	assert.Equal(t, typedID, subs[1].ID)

	// An unrelated type still reaches the all-events subscriber
	subs = r.SubscriptionsForEvent(types.EventTradingDecision)
	require.Len(t, subs, 1)
	assert.Equal(t, allID, subs[0].ID)
}

func TestRegistryMultiTypeSubscriptionNoDuplicates(t *testing.T) {
	r := newTestRegistry()

	id, _ := r.Add("multi", noopHandler,
		[]types.EventType{types.EventCandleUpdate, types.EventFeaturesCalculated}, 0, 3)

	subs := r.SubscriptionsForEvent(types.EventCandleUpdate)
	require.Len(t, subs, 1)
	assert.Equal(t, id, subs[0].ID)
}

func TestRegistryRecordFailureDeactivatesTerminally(t *testing.T) {
	r := newTestRegistry()
	id, _ := r.Add("flaky", noopHandler, []types.EventType{types.EventCandleUpdate}, 0, 2)

	require.NoError(t, r.RecordFailure(id, "boom 1"))
	require.NoError(t, r.RecordFailure(id, "boom 2"))
	sub, _ := r.Get(id)
	assert.True(t, sub.IsActive())

	// Third failure exceeds max_retries=2
	require.NoError(t, r.RecordFailure(id, "boom 3"))
	assert.False(t, sub.IsActive())
	assert.Equal(t, 0, r.ActiveCount())

	// Deactivated subscriptions never appear in lookups again
	assert.Empty(t, r.SubscriptionsForEvent(types.EventCandleUpdate))

	status := sub.Status()
	assert.Equal(t, "boom 3", status.LastError)
	assert.Equal(t, int64(3), status.FailedCount)
}

func TestRegistryMaxRetriesZeroDeactivatesOnFirstFailure(t *testing.T) {
	r := newTestRegistry()
	id, _ := r.Add("fragile", noopHandler, nil, 0, 0)

	require.NoError(t, r.RecordFailure(id, "boom"))
	sub, _ := r.Get(id)
	assert.False(t, sub.IsActive())
}

func TestRegistryRecordSuccessResetsRetryState(t *testing.T) {
	r := newTestRegistry()
	id, _ := r.Add("svc", noopHandler, nil, 0, 3)

	require.NoError(t, r.RecordFailure(id, "transient"))
	require.NoError(t, r.RecordSuccess(id))

	status, _ := r.Get(id)
	snap := status.Status()
	assert.Equal(t, 0, snap.RetryCount)
	assert.Empty(t, snap.LastError)
	assert.Equal(t, int64(1), snap.ProcessedCount)
}

func TestRegistryRecordUnknownSubscription(t *testing.T) {
	r := newTestRegistry()
	assert.Error(t, r.RecordFailure("nope", "x"))
	assert.Error(t, r.RecordSuccess("nope"))
}
