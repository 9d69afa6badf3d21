package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/trip-tracking/internal/models"
)

// DefaultRecentLimit and MaxRecentLimit bound history reads.
const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 500
)

// SnapshotStore persists durable location snapshots. Records are append-only.
type SnapshotStore interface {
	Append(ctx context.Context, s models.LocationSnapshot) error
}

// SnapshotReader reads back a trip's history, newest first.
type SnapshotReader interface {
	Recent(ctx context.Context, tripID string, limit int) ([]models.LocationSnapshot, error)
}

// ClampLimit normalises a caller supplied history limit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		return MaxRecentLimit
	}
	return limit
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string][]models.LocationSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string][]models.LocationSnapshot)}
}

func (m *MemoryStore) Append(_ context.Context, s models.LocationSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[s.TripID] = append(m.trips[s.TripID], s)
	return nil
}

func (m *MemoryStore) Recent(_ context.Context, tripID string, limit int) ([]models.LocationSnapshot, error) {
	limit = ClampLimit(limit)
	m.mu.RLock()
	out := append([]models.LocationSnapshot(nil), m.trips[tripID]...)
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns how many snapshots are stored for tripID.
func (m *MemoryStore) Count(tripID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.trips[tripID])
}
