package eventstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/openquant/helix/pkg/types"
)

var (
	// Bucket names
	bucketEvents = []byte("events")
)

// BoltBackend implements Backend using BoltDB. Events are keyed by a
// monotonically increasing sequence number so readback preserves publish
// order.
type BoltBackend struct {
	db      *bolt.DB
	maxSize int
}

// NewBoltBackend creates a BoltDB-backed event store
func NewBoltBackend(dataDir string, maxSize int) (*BoltBackend, error) {
	dbPath := filepath.Join(dataDir, "helix-events.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEvents); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketEvents, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if maxSize <= 0 {
		maxSize = 100000
	}
	return &BoltBackend{db: db, maxSize: maxSize}, nil
}

// Close closes the database
func (s *BoltBackend) Close() error {
	return s.db.Close()
}

// PersistEvent appends the event, evicting the oldest entry when the
// retention bound is reached.
func (s *BoltBackend) PersistEvent(ev *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		data, err := json.Marshal(FromEvent(ev))
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("failed to put event: %w", err)
		}

		// Evict oldest beyond the retention bound
		if b.Stats().KeyN+1 > s.maxSize {
			c := b.Cursor()
			if k, _ := c.First(); k != nil {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("failed to evict event: %w", err)
				}
			}
		}
		return nil
	})
}

// Events returns up to limit of the most recent events, oldest first
func (s *BoltBackend) Events(limit int) ([]StoredEvent, error) {
	var out []StoredEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		n := b.Stats().KeyN
		if limit <= 0 || limit > n {
			limit = n
		}

		c := b.Cursor()
		k, v := c.Last()
		collected := make([]StoredEvent, 0, limit)
		for ; k != nil && len(collected) < limit; k, v = c.Prev() {
			var ev StoredEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("failed to unmarshal event: %w", err)
			}
			collected = append(collected, ev)
		}

		// Reverse into oldest-first order
		out = make([]StoredEvent, len(collected))
		for i, ev := range collected {
			out[len(collected)-1-i] = ev
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
