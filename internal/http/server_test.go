package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/example/trip-tracking/internal/auth"
	"github.com/example/trip-tracking/internal/cache"
	"github.com/example/trip-tracking/internal/dispatch"
	"github.com/example/trip-tracking/internal/ingest"
	"github.com/example/trip-tracking/internal/models"
	"github.com/example/trip-tracking/internal/registry"
	"github.com/example/trip-tracking/internal/storage"
	"github.com/example/trip-tracking/internal/throttle"
	"github.com/example/trip-tracking/internal/worker"
)

const secret = "test-secret"

type stack struct {
	srv   *httptest.Server
	api   *Server
	reg   *registry.Registry
	cache *cache.MemoryCache
	store *storage.MemoryStore
}

func newStack(t *testing.T, ready ...ReadyCheck) *stack {
	t.Helper()
	v, err := auth.NewVerifier(secret)
	if err != nil {
		t.Fatal(err)
	}
	st := &stack{reg: registry.New(nil), cache: cache.NewMemoryCache(nil), store: storage.NewMemoryStore()}
	q := worker.New(nil, 2, 64)
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	p := &ingest.Pipeline{
		Cache:     st.cache,
		Broadcast: st.reg,
		Throttle:  throttle.New(throttle.DefaultInterval),
		Store:     st.store,
		Tasks:     q,
	}
	st.api = NewServer(Deps{
		Verifier:  v,
		Registry:  st.reg,
		Ingest:    p,
		Cache:     st.cache,
		Snapshots: st.store,
		Hub:       dispatch.NewHub(),
		Ready:     ready,
	})
	st.srv = httptest.NewServer(st.api)
	t.Cleanup(st.srv.Close)
	return st
}

func token(t *testing.T, user string, role models.Role) string {
	t.Helper()
	claims := auth.Claims{
		UserID:           user,
		Role:             role,
		RegisteredClaims: jwtlib.RegisteredClaims{ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour))},
	}
	s, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (st *stack) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(st.srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func emit(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	b, _ := json.Marshal(data)
	if err := ws.WriteJSON(models.Frame{Name: event, Data: b}); err != nil {
		t.Fatal(err)
	}
}

func next(t *testing.T, ws *websocket.Conn) models.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f models.Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func expect(t *testing.T, ws *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	f := next(t, ws)
	if f.Name != event {
		t.Fatalf("expected %s, got %s %s", event, f.Name, f.Data)
	}
	return f.Data
}

func expectMessage(t *testing.T, ws *websocket.Conn, event, msg string) {
	t.Helper()
	var body models.MessageBody
	_ = json.Unmarshal(expect(t, ws, event), &body)
	if body.Message != msg {
		t.Fatalf("%s message = %q, want %q", event, body.Message, msg)
	}
}

func (st *stack) login(t *testing.T, user string, role models.Role) *websocket.Conn {
	t.Helper()
	ws := st.dial(t)
	emit(t, ws, "authenticate", map[string]string{"token": token(t, user, role)})
	var id models.Identity
	_ = json.Unmarshal(expect(t, ws, models.EventAuthOK), &id)
	if id.UserID != user || id.Role != role {
		t.Fatalf("auth:ok = %+v", id)
	}
	return ws
}

func subscribe(t *testing.T, ws *websocket.Conn, trip string) {
	t.Helper()
	emit(t, ws, "subscribe:trip", models.TripRef{TripID: trip})
	var ref models.TripRef
	_ = json.Unmarshal(expect(t, ws, models.EventSubscribed), &ref)
	if ref.TripID != trip {
		t.Fatalf("subscribed = %+v", ref)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDriverUpdateReachesSubscribedPassenger(t *testing.T) {
	st := newStack(t)
	driver := st.login(t, "u-driver", models.RoleDriver)
	passenger := st.login(t, "u-pass", models.RolePassenger)
	subscribe(t, passenger, "T1")

	sent := time.Now()
	emit(t, driver, "location:update", map[string]any{"tripId": "T1", "lat": 6.9, "lng": 79.8})

	var loc models.TripLocation
	_ = json.Unmarshal(expect(t, passenger, models.EventTripLocation), &loc)
	if loc.TripID != "T1" || loc.Lat != 6.9 || loc.Lng != 79.8 {
		t.Fatalf("trip:location = %+v", loc)
	}
	ts, err := time.Parse(time.RFC3339Nano, loc.Timestamp)
	if err != nil || ts.Sub(sent).Abs() > 5*time.Second {
		t.Fatalf("timestamp %q not close to now (err=%v)", loc.Timestamp, err)
	}

	eventually(t, func() bool { return st.store.Count("T1") == 1 })
	eventually(t, func() bool {
		_, ok, _ := st.cache.Get(context.Background(), "T1")
		return ok
	})
}

func TestPassengerUpdateIsForbidden(t *testing.T) {
	st := newStack(t)
	watcher := st.login(t, "u-watch", models.RolePassenger)
	subscribe(t, watcher, "T1")
	rogue := st.login(t, "u-rogue", models.RolePassenger)

	emit(t, rogue, "location:update", map[string]any{"tripId": "T1", "lat": 1.0, "lng": 1.0})
	expectMessage(t, rogue, models.EventError, "forbidden")

	// the next event the watcher sees must be the driver's, not the rogue's
	driver := st.login(t, "u-driver", models.RoleDriver)
	emit(t, driver, "location:update", map[string]any{"tripId": "T1", "lat": 6.9, "lng": 79.8})
	var loc models.TripLocation
	_ = json.Unmarshal(expect(t, watcher, models.EventTripLocation), &loc)
	if loc.Lat != 6.9 {
		t.Fatalf("watcher received forbidden update: %+v", loc)
	}

	// the rogue connection stays open
	subscribe(t, rogue, "T2")
}

func TestInvalidTokenClosesConnection(t *testing.T) {
	st := newStack(t)
	ws := st.dial(t)
	emit(t, ws, "authenticate", map[string]string{"token": "Bearer not-a-jwt"})
	expectMessage(t, ws, models.EventAuthError, "Invalid token")

	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("connection should be closed after auth failure")
	}
	eventually(t, func() bool { return st.api.Hub().Len() == 0 })
}

func TestActionsBeforeAuthenticate(t *testing.T) {
	st := newStack(t)
	ws := st.dial(t)
	emit(t, ws, "location:update", map[string]any{"tripId": "T1", "lat": 1.0, "lng": 1.0})
	expectMessage(t, ws, models.EventError, "unauthenticated")
	emit(t, ws, "subscribe:trip", models.TripRef{TripID: "T1"})
	expectMessage(t, ws, models.EventError, "unauthenticated")
	if len(st.reg.Members("T1")) != 0 {
		t.Fatal("unauthenticated subscribe joined the trip")
	}
}

func TestDisconnectLeavesAllTrips(t *testing.T) {
	st := newStack(t)
	p := st.login(t, "u-pass", models.RolePassenger)
	subscribe(t, p, "T1")
	subscribe(t, p, "T2")
	_ = p.Close()

	eventually(t, func() bool { return len(st.reg.Members("T1")) == 0 && len(st.reg.Members("T2")) == 0 })
	if n := st.reg.Broadcast("T1", models.Event{Name: models.EventTripLocation}); n != 0 {
		t.Fatalf("delivered %d after disconnect", n)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	st := newStack(t)
	p := st.login(t, "u-pass", models.RolePassenger)
	subscribe(t, p, "T1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := st.api.Hub().CloseAll(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return len(st.reg.Members("T1")) == 0 })
}

func do(t *testing.T, st *stack, method, path, tok, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(method, st.srv.URL+path, strings.NewReader(body))
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRESTLocationRoundTrip(t *testing.T) {
	st := newStack(t)
	drv := token(t, "u-driver", models.RoleDriver)
	pass := token(t, "u-pass", models.RolePassenger)

	if r := do(t, st, http.MethodGet, "/api/v1/trips/T9/location", pass, ""); r.StatusCode != http.StatusNotFound {
		t.Fatalf("absent location: %d", r.StatusCode)
	}
	if r := do(t, st, http.MethodPost, "/api/v1/trips/T9/location", drv, `{"lat":6.9,"lng":79.8,"speed":40}`); r.StatusCode != http.StatusNoContent {
		t.Fatalf("post: %d", r.StatusCode)
	}

	var got locationResponse
	eventually(t, func() bool {
		r := do(t, st, http.MethodGet, "/api/v1/trips/T9/location", pass, "")
		if r.StatusCode != http.StatusOK {
			return false
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		return true
	})
	if got.TripID != "T9" || got.Lat != 6.9 || got.Speed == nil || *got.Speed != 40 {
		t.Fatalf("location = %+v", got)
	}

	eventually(t, func() bool { return st.store.Count("T9") == 1 })
	r := do(t, st, http.MethodGet, "/api/v1/trips/T9/snapshots?limit=5", pass, "")
	var body struct {
		TripID    string         `json:"tripId"`
		Snapshots []snapshotView `json:"snapshots"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if r.StatusCode != http.StatusOK || body.TripID != "T9" || len(body.Snapshots) != 1 {
		t.Fatalf("snapshots: %d %+v", r.StatusCode, body)
	}
}

func TestRESTAuthAndValidation(t *testing.T) {
	st := newStack(t)
	drv := token(t, "u-driver", models.RoleDriver)
	pass := token(t, "u-pass", models.RolePassenger)

	cases := []struct {
		name, method, path, tok, body string
		want                          int
	}{
		{"no token", http.MethodGet, "/api/v1/trips/T1/location", "", "", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/api/v1/trips/T1/location", "garbage", "", http.StatusUnauthorized},
		{"passenger post", http.MethodPost, "/api/v1/trips/T1/location", pass, `{"lat":1,"lng":1}`, http.StatusForbidden},
		{"lowercase driver post", http.MethodPost, "/api/v1/trips/T1/location", token(t, "u-x", "driver"), `{"lat":1,"lng":1}`, http.StatusForbidden},
		{"missing lng", http.MethodPost, "/api/v1/trips/T1/location", drv, `{"lat":1}`, http.StatusBadRequest},
		{"not json", http.MethodPost, "/api/v1/trips/T1/location", drv, `lat=1`, http.StatusBadRequest},
		{"trip mismatch", http.MethodPost, "/api/v1/trips/T1/location", drv, `{"tripId":"T2","lat":1,"lng":1}`, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/v1/trips/T1/snapshots?limit=abc", pass, "", http.StatusBadRequest},
	}
	for _, c := range cases {
		if r := do(t, st, c.method, c.path, c.tok, c.body); r.StatusCode != c.want {
			t.Fatalf("%s: status %d, want %d", c.name, r.StatusCode, c.want)
		}
	}
}

func TestSnapshotsWithoutReaderAreUnavailable(t *testing.T) {
	st := newStack(t)
	st.api.deps.Snapshots = nil
	r := do(t, st, http.MethodGet, "/api/v1/trips/T1/snapshots", token(t, "u-pass", models.RolePassenger), "")
	if r.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", r.StatusCode)
	}
}

func TestHealthAndReady(t *testing.T) {
	st := newStack(t, ReadyCheck{Name: "redis", Check: func(context.Context) error { return errors.New("dial tcp: refused") }})
	if r := do(t, st, http.MethodGet, "/healthz", "", ""); r.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", r.StatusCode)
	}
	r := do(t, st, http.MethodGet, "/health", "", "")
	var h map[string]bool
	_ = json.NewDecoder(r.Body).Decode(&h)
	if !h["ok"] {
		t.Fatalf("health = %v", h)
	}
	if r := do(t, st, http.MethodGet, "/ready", "", ""); r.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready with failing check: %d", r.StatusCode)
	}
	if r := do(t, newStack(t), http.MethodGet, "/ready", "", ""); r.StatusCode != http.StatusOK {
		t.Fatalf("ready: %d", r.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	st := newStack(t)
	r := do(t, st, http.MethodOptions, "/api/v1/trips/T1/location", "", "")
	if r.StatusCode != http.StatusNoContent || r.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight: %d %v", r.StatusCode, r.Header)
	}
}
