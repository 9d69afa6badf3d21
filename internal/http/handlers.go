package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-tracking/internal/cache"
	"github.com/example/trip-tracking/internal/dispatch"
	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/models"
	"github.com/example/trip-tracking/internal/registry"
	"github.com/example/trip-tracking/internal/session"
	"github.com/example/trip-tracking/internal/storage"
)

// ReadyCheck is one named dependency check for /ready.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps wires the shared components into the HTTP surface.
type Deps struct {
	Verifier  session.Verifier
	Registry  *registry.Registry
	Ingest    session.Ingester
	Cache     cache.LocationCache
	Snapshots storage.SnapshotReader // nil when no readable history is configured
	Hub       *dispatch.Hub
	Conn      dispatch.Options
	Ready     []ReadyCheck
	Logger    *slog.Logger
}

type Server struct {
	deps     Deps
	hub      *dispatch.Hub
	upgrader websocket.Upgrader
	mux      *mux.Router
	logger   *slog.Logger
}

func NewServer(d Deps) *Server {
	if d.Hub == nil {
		d.Hub = dispatch.NewHub()
	}
	s := &Server{
		deps: d,
		hub:  d.Hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// browsers connect from any origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux:    mux.NewRouter(),
		logger: logging.OrDiscard(d.Logger),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { writeJSON(w, http.StatusOK, map[string]bool{"ok": true}) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Handle("/trips/{trip_id}/location", s.requireRole()(http.HandlerFunc(s.handleGetLocation))).Methods(http.MethodGet)
	api.Handle("/trips/{trip_id}/snapshots", s.requireRole()(http.HandlerFunc(s.handleSnapshots))).Methods(http.MethodGet)
	api.Handle("/trips/{trip_id}/location", s.requireRole(models.RoleDriver, models.RoleAdmin)(http.HandlerFunc(s.handlePostLocation))).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	corsMiddleware(s.mux).ServeHTTP(w, r)
}

// Hub exposes the connection set for shutdown.
func (s *Server) Hub() *dispatch.Hub { return s.hub }

// handleWS upgrades the request and runs the connection's session. This
// goroutine is the connection's only reader, so one sender's actions are
// handled in the order they arrive.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the error response
		s.logger.Warn("ws_upgrade_failed", "error", err)
		return
	}
	c := dispatch.NewConn(ws, s.deps.Conn, s.logger)
	s.hub.Add(c)
	defer s.hub.Remove(c)

	sess := session.New(c, session.Deps{
		Verifier: s.deps.Verifier,
		Ingest:   s.deps.Ingest,
		Rooms:    s.deps.Registry,
		Logger:   s.logger,
	}, c.Close)
	go c.WritePump()
	go func() {
		<-c.Done()
		sess.Close()
	}()
	defer c.Close()

	ctx := context.WithoutCancel(r.Context())
	s.logger.Info("ws_connected", "conn_id", c.ID(), "remote_addr", remoteIP(r))
	for {
		frame, err := c.ReadFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("ws_read_failed", "conn_id", c.ID(), "error", err)
			}
			return
		}
		sess.Handle(ctx, session.ParseAction(frame))
		if sess.State() == session.StateClosed {
			return
		}
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for _, rc := range s.deps.Ready {
		if err := rc.Check(ctx); err != nil {
			failed[rc.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

type locationResponse struct {
	models.TripLocation
	ExpiresAt string `json:"expiresAt"`
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	loc, ok, err := s.deps.Cache.Get(r.Context(), tripID)
	if err != nil {
		s.logger.Error("cache_read_failed", "trip_id", tripID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "location unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no live location")
		return
	}
	writeJSON(w, http.StatusOK, locationResponse{
		TripLocation: models.TripLocation{
			TripID:    loc.TripID,
			Lat:       loc.Lat,
			Lng:       loc.Lng,
			Speed:     loc.Speed,
			Timestamp: models.FormatTimestamp(loc.UpdatedAt),
		},
		ExpiresAt: models.FormatTimestamp(loc.ExpiresAt),
	})
}

type snapshotView struct {
	Lat        float64  `json:"lat"`
	Lng        float64  `json:"lng"`
	Speed      *float64 `json:"speed,omitempty"`
	RecordedAt string   `json:"recordedAt"`
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	if s.deps.Snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshots unavailable")
		return
	}
	limit := storage.DefaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	snaps, err := s.deps.Snapshots.Recent(r.Context(), tripID, limit)
	if err != nil {
		s.logger.Error("snapshot_read_failed", "trip_id", tripID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "snapshots unavailable")
		return
	}
	out := make([]snapshotView, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, snapshotView{Lat: sn.Lat, Lng: sn.Lng, Speed: sn.Speed, RecordedAt: models.FormatTimestamp(sn.RecordedAt)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tripId": tripID, "snapshots": out})
}

func (s *Server) handlePostLocation(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	u, err := models.DecodeLocationUpdate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if u.TripID == "" {
		u.TripID = tripID
	}
	if u.TripID != tripID {
		writeError(w, http.StatusBadRequest, "tripId does not match path")
		return
	}
	if err := s.deps.Ingest.Ingest(r.Context(), u); err != nil {
		if msg, ok := models.ClientMessage(err); ok {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		s.logger.Error("ingest_failed", "trip_id", tripID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if id, ok := IdentityFromContext(r.Context()); ok {
		s.logger.Debug("location_posted", "trip_id", tripID, "user_id", id.UserID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
