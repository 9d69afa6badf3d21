package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/models"
	"github.com/example/trip-tracking/internal/observability"
)

// Subscriber is anything that can receive trip events. Send must not block.
type Subscriber interface {
	ID() string
	Send(ev models.Event) error
}

// Registry is the process-wide trip -> subscriber membership map.
// Broadcast snapshots the member set before delivering, so joins and
// leaves that race with a broadcast never cause duplicate or torn delivery.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[string]Subscriber // tripID -> subID -> sub
	joined map[string]map[string]struct{}   // subID -> tripIDs
	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		topics: make(map[string]map[string]Subscriber),
		joined: make(map[string]map[string]struct{}),
		logger: logging.OrDiscard(logger),
	}
}

// Join adds sub to tripID. Joining twice is a no-op.
func (r *Registry) Join(sub Subscriber, tripID string) {
	id := sub.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.topics[tripID]
	if !ok {
		members = make(map[string]Subscriber)
		r.topics[tripID] = members
	}
	if _, dup := members[id]; dup {
		return
	}
	members[id] = sub
	trips, ok := r.joined[id]
	if !ok {
		trips = make(map[string]struct{})
		r.joined[id] = trips
	}
	trips[tripID] = struct{}{}
	observability.SubscriptionsActive.Inc()
}

// Leave removes sub from tripID. Leaving a trip not joined is a no-op.
func (r *Registry) Leave(sub Subscriber, tripID string) {
	id := sub.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id, tripID)
}

// LeaveAll removes every membership of sub under a single lock hold and
// returns the trips it was removed from.
func (r *Registry) LeaveAll(sub Subscriber) []string {
	id := sub.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	trips := r.joined[id]
	out := make([]string, 0, len(trips))
	for tripID := range trips {
		out = append(out, tripID)
	}
	for _, tripID := range out {
		r.removeLocked(id, tripID)
	}
	return out
}

func (r *Registry) removeLocked(subID, tripID string) {
	members, ok := r.topics[tripID]
	if !ok {
		return
	}
	if _, ok := members[subID]; !ok {
		return
	}
	delete(members, subID)
	if len(members) == 0 {
		delete(r.topics, tripID)
	}
	if trips, ok := r.joined[subID]; ok {
		delete(trips, tripID)
		if len(trips) == 0 {
			delete(r.joined, subID)
		}
	}
	observability.SubscriptionsActive.Dec()
}

// Broadcast delivers ev to every subscriber of tripID at the moment the
// call begins and returns how many accepted it.
func (r *Registry) Broadcast(tripID string, ev models.Event) int {
	members := r.Members(tripID)
	observability.BroadcastsTotal.Inc()
	delivered := 0
	for _, sub := range members {
		if err := sub.Send(ev); err != nil {
			observability.DeliveryDropsTotal.Inc()
			// a subscriber that left after the member snapshot is routine
			if errors.Is(err, models.ErrConnClosed) {
				r.logger.Debug("broadcast_skipped_closed", "trip_id", tripID, "conn_id", sub.ID())
				continue
			}
			r.logger.Warn("broadcast_delivery_failed", "trip_id", tripID, "conn_id", sub.ID(), "error", err)
			continue
		}
		delivered++
	}
	observability.DeliveriesTotal.Add(float64(delivered))
	return delivered
}

// Members returns a copy of the subscribers currently joined to tripID.
func (r *Registry) Members(tripID string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.topics[tripID]
	out := make([]Subscriber, 0, len(members))
	for _, sub := range members {
		out = append(out, sub)
	}
	return out
}

// Topics returns the trips subID has joined.
func (r *Registry) Topics(subID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	trips := r.joined[subID]
	out := make([]string, 0, len(trips))
	for tripID := range trips {
		out = append(out, tripID)
	}
	return out
}
