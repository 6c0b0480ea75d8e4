package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openquant/helix/pkg/errdefs"
	"github.com/openquant/helix/pkg/types"
)

// Handler processes one event. Handlers that block respect the context
// deadline supplied by the processor; fast synchronous handlers may ignore
// it. This single shape normalizes both kinds uniformly.
type Handler func(ctx context.Context, ev *types.Event) error

// SubscriptionConfig bounds and defaults for the registry
type SubscriptionConfig struct {
	MaxSubscriptions  int
	DefaultPriority   int
	DefaultMaxRetries int
}

// DefaultSubscriptionConfig returns the registry defaults
func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		MaxSubscriptions:  1000,
		DefaultPriority:   0,
		DefaultMaxRetries: 3,
	}
}

// Subscription is a handler registration owned by the Registry. The handler
// and filter are immutable after creation; retry state and counters are
// mutated only through the registry's outcome-recording methods.
type Subscription struct {
	ID           string
	SubscriberID string
	Handler      Handler
	EventTypes   map[types.EventType]struct{} // empty = all events
	Priority     int
	MaxRetries   int
	CreatedAt    time.Time

	mu             sync.Mutex
	retryCount     int
	lastError      string
	active         bool
	processedCount int64
	failedCount    int64
}

// IsActive reports whether the subscription still receives events
func (s *Subscription) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Status is a point-in-time snapshot of a subscription's state
type Status struct {
	SubscriptionID string
	SubscriberID   string
	Active         bool
	Priority       int
	RetryCount     int
	MaxRetries     int
	LastError      string
	ProcessedCount int64
	FailedCount    int64
	CreatedAt      time.Time
}

// Status returns a snapshot of the subscription's mutable state
func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		SubscriptionID: s.ID,
		SubscriberID:   s.SubscriberID,
		Active:         s.active,
		Priority:       s.Priority,
		RetryCount:     s.retryCount,
		MaxRetries:     s.MaxRetries,
		LastError:      s.lastError,
		ProcessedCount: s.processedCount,
		FailedCount:    s.failedCount,
		CreatedAt:      s.CreatedAt,
	}
}

// matches reports whether the subscription filter admits the event type
func (s *Subscription) matches(t types.EventType) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	_, ok := s.EventTypes[t]
	return ok
}

// Registry owns subscription records and their indices. Index updates hold
// the registry-wide exclusive lock; lookups hold the shared lock.
type Registry struct {
	cfg SubscriptionConfig

	mu       sync.RWMutex
	byType   map[types.EventType][]*Subscription // sorted by priority desc
	allTypes []*Subscription                     // "all events" subscribers
	byID     map[string]*Subscription
}

// NewRegistry creates an empty subscription registry
func NewRegistry(cfg SubscriptionConfig) *Registry {
	return &Registry{
		cfg:    cfg,
		byType: make(map[types.EventType][]*Subscription),
		byID:   make(map[string]*Subscription),
	}
}

// Add registers a subscription and returns its ID. Fails with a RESOURCE
// error when the configured maximum count is reached.
func (r *Registry) Add(subscriberID string, handler Handler, eventTypes []types.EventType, priority, maxRetries int) (string, error) {
	if handler == nil {
		return "", errdefs.NewValidationError("subscription handler is nil", "registry", "add_subscription")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byID) >= r.cfg.MaxSubscriptions {
		err := errdefs.NewResourceError(
			fmt.Sprintf("maximum number of subscriptions (%d) exceeded", r.cfg.MaxSubscriptions),
			"registry", "add_subscription")
		err.WithMeta("subscriber_id", subscriberID)
		return "", err
	}

	sub := &Subscription{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		Handler:      handler,
		EventTypes:   make(map[types.EventType]struct{}, len(eventTypes)),
		Priority:     priority,
		MaxRetries:   maxRetries,
		CreatedAt:    time.Now().UTC(),
		active:       true,
	}
	for _, t := range eventTypes {
		sub.EventTypes[t] = struct{}{}
	}

	r.byID[sub.ID] = sub
	if len(eventTypes) == 0 {
		r.allTypes = insertByPriority(r.allTypes, sub)
	} else {
		for _, t := range eventTypes {
			r.byType[t] = insertByPriority(r.byType[t], sub)
		}
	}
	return sub.ID, nil
}

// insertByPriority inserts keeping priority-descending order; equal
// priorities keep registration order.
func insertByPriority(list []*Subscription, sub *Subscription) []*Subscription {
	i := len(list)
	for ; i > 0; i-- {
		if list[i-1].Priority >= sub.Priority {
			break
		}
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = sub
	return list
}

// Remove deletes a subscription. Returns false when the ID is unknown.
func (r *Registry) Remove(subscriptionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[subscriptionID]
	if !ok {
		return false
	}
	delete(r.byID, subscriptionID)

	if len(sub.EventTypes) == 0 {
		r.allTypes = removeSub(r.allTypes, subscriptionID)
	} else {
		for t := range sub.EventTypes {
			r.byType[t] = removeSub(r.byType[t], subscriptionID)
		}
	}
	return true
}

func removeSub(list []*Subscription, id string) []*Subscription {
	for i, s := range list {
		if s.ID == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// SubscriptionsForEvent returns the active subscriptions for an event type:
// type-specific plus "all events" subscribers, priority descending,
// duplicates suppressed.
func (r *Registry) SubscriptionsForEvent(t types.EventType) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	merged := make([]*Subscription, 0, len(r.byType[t])+len(r.allTypes))
	seen := make(map[string]struct{})
	for _, list := range [][]*Subscription{r.byType[t], r.allTypes} {
		for _, sub := range list {
			if _, dup := seen[sub.ID]; dup {
				continue
			}
			seen[sub.ID] = struct{}{}
			if sub.IsActive() {
				merged = append(merged, sub)
			}
		}
	}

	// Both source lists are priority-sorted; a stable sort keeps the
	// descending order. Within each list equal priorities keep registration
	// order; across the lists, at equal priority, type-specific subscribers
	// come before "all events" subscribers whatever their registration order.
	sortByPriorityStable(merged)
	return merged
}

// sortByPriorityStable is an insertion sort: stable, and near-linear on the
// already-sorted lists the indices maintain.
func sortByPriorityStable(list []*Subscription) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j-1].Priority < list[j].Priority; j-- {
			list[j-1], list[j] = list[j], list[j-1]
		}
	}
}

// Get returns a subscription by ID
func (r *Registry) Get(subscriptionID string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[subscriptionID]
	return sub, ok
}

// Count returns the total number of subscriptions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ActiveCount returns the number of active subscriptions
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sub := range r.byID {
		if sub.IsActive() {
			n++
		}
	}
	return n
}

// RecordFailure increments the subscription's retry count and stores the
// error. Exceeding max retries deactivates the subscription terminally.
func (r *Registry) RecordFailure(subscriptionID, errorMessage string) error {
	r.mu.RLock()
	sub, ok := r.byID[subscriptionID]
	r.mu.RUnlock()
	if !ok {
		return errdefs.NewSubscriptionError(
			fmt.Sprintf("subscription %s not found", subscriptionID),
			"registry", "record_failure")
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.retryCount++
	sub.lastError = errorMessage
	sub.failedCount++
	if sub.retryCount > sub.MaxRetries {
		sub.active = false
	}
	return nil
}

// RecordSuccess resets the subscription's retry state
func (r *Registry) RecordSuccess(subscriptionID string) error {
	r.mu.RLock()
	sub, ok := r.byID[subscriptionID]
	r.mu.RUnlock()
	if !ok {
		return errdefs.NewSubscriptionError(
			fmt.Sprintf("subscription %s not found", subscriptionID),
			"registry", "record_success")
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.retryCount = 0
	sub.lastError = ""
	sub.processedCount++
	return nil
}
