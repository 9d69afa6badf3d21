package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/example/trip-tracking/internal/cache"
	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/models"
	"github.com/example/trip-tracking/internal/observability"
	"github.com/example/trip-tracking/internal/storage"
	"github.com/example/trip-tracking/internal/worker"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Broadcaster interface {
	Broadcast(tripID string, ev models.Event) int
}

type Admitter interface {
	Admit(tripID string, now time.Time) bool
}

type Submitter interface {
	Submit(t worker.Task) bool
}

// Pipeline fans one accepted location update out to live subscribers, the
// ephemeral cache and, when the throttle admits it, the snapshot store.
type Pipeline struct {
	Cache     cache.LocationCache
	Broadcast Broadcaster
	Throttle  Admitter
	Store     storage.SnapshotStore
	Tasks     Submitter
	CacheTTL  time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Ingest validates u and dispatches it. Only ErrInvalidPayload is ever
// returned; cache and store failures end in the log.
func (p *Pipeline) Ingest(ctx context.Context, u models.LocationUpdate) error {
	if err := validate.StructCtx(ctx, u); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	now := p.now()
	ts := normalizeTimestamp(u.Timestamp, now)
	lat, lng := *u.Lat, *u.Lng

	ttl := p.CacheTTL
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	entry := models.CachedLocation{
		TripID:    u.TripID,
		Lat:       lat,
		Lng:       lng,
		Speed:     u.Speed,
		UpdatedAt: ts,
		ExpiresAt: now.Add(ttl),
	}
	p.Tasks.Submit(worker.Task{Name: "cache_set", Key: u.TripID, Run: func(ctx context.Context) error {
		if err := p.Cache.Set(ctx, entry, ttl); err != nil {
			observability.CacheWritesTotal.WithLabelValues("error").Inc()
			return err
		}
		observability.CacheWritesTotal.WithLabelValues("ok").Inc()
		return nil
	}})

	p.Broadcast.Broadcast(u.TripID, models.Event{
		Name: models.EventTripLocation,
		Data: models.TripLocation{
			TripID:    u.TripID,
			Lat:       lat,
			Lng:       lng,
			Speed:     u.Speed,
			Timestamp: models.FormatTimestamp(ts),
		},
	})

	if !p.Throttle.Admit(u.TripID, now) {
		observability.SnapshotsTotal.WithLabelValues("throttled").Inc()
		return nil
	}
	snap := models.LocationSnapshot{TripID: u.TripID, Lat: lat, Lng: lng, Speed: u.Speed, RecordedAt: ts}
	p.Tasks.Submit(worker.Task{Name: "snapshot_append", Key: u.TripID, Run: func(ctx context.Context) error {
		if err := p.Store.Append(ctx, snap); err != nil {
			observability.SnapshotsTotal.WithLabelValues("error").Inc()
			return err
		}
		observability.SnapshotsTotal.WithLabelValues("written").Inc()
		p.logger().Debug("snapshot_written", "trip_id", snap.TripID, "recorded_at", models.FormatTimestamp(snap.RecordedAt))
		return nil
	}})
	return nil
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) logger() *slog.Logger { return logging.OrDiscard(p.Logger) }

// maxEpochMillis bounds numeric timestamps to the range a browser Date accepts.
const maxEpochMillis = 8.64e15

// normalizeTimestamp uses the client's timestamp when it is an RFC 3339
// string or epoch milliseconds, and the server clock otherwise.
func normalizeTimestamp(raw json.RawMessage, now time.Time) time.Time {
	var v any
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return now
	}
	switch v := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	case float64:
		if v >= -maxEpochMillis && v <= maxEpochMillis {
			return time.UnixMilli(int64(v))
		}
	}
	return now
}
