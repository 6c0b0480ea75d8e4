package store

import (
	"context"
	"sort"
	"sync"

	"github.com/openquant/helix/pkg/types"
)

// MemoryStore is a mutex-guarded in-memory Store used in tests and
// single-process development setups.
type MemoryStore struct {
	mu         sync.RWMutex
	candles    map[types.CandleKey]*types.Candle
	indicators map[string]*types.Indicator
	zones      map[string]*types.Zone
	orders     map[string]*types.Order
	positions  map[string]*types.Position
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		candles:    make(map[types.CandleKey]*types.Candle),
		indicators: make(map[string]*types.Indicator),
		zones:      make(map[string]*types.Zone),
		orders:     make(map[string]*types.Order),
		positions:  make(map[string]*types.Position),
	}
}

func (s *MemoryStore) UpsertCandle(ctx context.Context, candle *types.Candle) error {
	if err := candle.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *candle
	s.candles[candle.Key()] = &c
	return nil
}

func (s *MemoryStore) UpsertCandles(ctx context.Context, candles []*types.Candle) (int, error) {
	written := 0
	for _, c := range candles {
		if err := s.UpsertCandle(ctx, c); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func (s *MemoryStore) CandleExists(ctx context.Context, key types.CandleKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.candles[key]
	return ok, nil
}

func (s *MemoryStore) GetCandles(ctx context.Context, q Query) ([]*types.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Candle
	for _, c := range s.candles {
		if c.Venue != q.Venue || c.Symbol != q.Symbol || c.Timeframe != q.Timeframe {
			continue
		}
		if q.Start != nil && c.OpenTime.Before(*q.Start) {
			continue
		}
		if q.End != nil && c.OpenTime.After(*q.End) {
			continue
		}
		copied := *c
		out = append(out, &copied)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenTime.Before(out[j].OpenTime)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetLatestCandle(ctx context.Context, venue types.Venue, symbol string, timeframe types.Timeframe) (*types.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *types.Candle
	for _, c := range s.candles {
		if c.Venue != venue || c.Symbol != symbol || c.Timeframe != timeframe {
			continue
		}
		if latest == nil || c.OpenTime.After(latest.OpenTime) {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (s *MemoryStore) UpsertIndicator(ctx context.Context, ind *types.Indicator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(ind.Venue) + "|" + ind.Symbol + "|" + string(ind.Timeframe) + "|" +
		ind.Name + "|" + ind.OpenTime.UTC().String()
	copied := *ind
	s.indicators[key] = &copied
	return nil
}

func (s *MemoryStore) UpsertZone(ctx context.Context, zone *types.Zone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *zone
	s.zones[zone.ID] = &copied
	return nil
}

func (s *MemoryStore) UpsertOrder(ctx context.Context, order *types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *order
	s.orders[order.ID] = &copied
	return nil
}

// UpsertPosition stores a position; test helper for GetActivePositions
func (s *MemoryStore) UpsertPosition(ctx context.Context, pos *types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *pos
	s.positions[pos.ID] = &copied
	return nil
}

func (s *MemoryStore) GetActivePositions(ctx context.Context) ([]*types.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Position
	for _, p := range s.positions {
		if p.Active {
			copied := *p
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
