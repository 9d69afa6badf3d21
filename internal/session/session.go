// Package session holds the per-connection state machine.
//
// A session starts Unauthenticated, moves to Authenticated on a verified
// credential and ends in Closed. Closed is terminal: entering it removes the
// connection from every trip it joined, and later actions are ignored.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/trip-tracking/internal/auth"
	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/models"
	"github.com/example/trip-tracking/internal/observability"
	"github.com/example/trip-tracking/internal/registry"
)

type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Verifier interface {
	Verify(credential string) (auth.Payload, error)
}

type Ingester interface {
	Ingest(ctx context.Context, u models.LocationUpdate) error
}

// Rooms is the membership side of the subscription registry.
type Rooms interface {
	Join(sub registry.Subscriber, tripID string)
	Leave(sub registry.Subscriber, tripID string)
	LeaveAll(sub registry.Subscriber) []string
}

// Deps are the shared components a session drives.
type Deps struct {
	Verifier Verifier
	Ingest   Ingester
	Rooms    Rooms
	Logger   *slog.Logger
}

type Session struct {
	conn registry.Subscriber
	deps Deps

	mu       sync.Mutex
	state    State
	identity models.Identity

	closeOnce sync.Once
	onClose   func()
	logger    *slog.Logger
}

// New binds a session to conn. onClose, if set, runs once after the session
// enters Closed; transports use it to tear the connection down.
func New(conn registry.Subscriber, deps Deps, onClose func()) *Session {
	observability.SessionsActive.Inc()
	return &Session{
		conn:    conn,
		deps:    deps,
		onClose: onClose,
		logger:  logging.OrDiscard(deps.Logger).With("conn_id", conn.ID()),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the bound identity; ok is false before authentication.
func (s *Session) Identity() (models.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.state == StateAuthenticated
}

// Handle routes one action through the state machine. The lock is not held
// while the action runs, so a broadcast that closes this session's own
// connection cannot deadlock.
func (s *Session) Handle(ctx context.Context, a Action) {
	s.mu.Lock()
	state, id := s.state, s.identity
	s.mu.Unlock()

	switch state {
	case StateClosed:
		return
	case StateUnauthenticated:
		switch a.Kind {
		case ActionAuthenticate:
			s.authenticate(a)
		case ActionSubscribe, ActionUnsubscribe, ActionLocationUpdate:
			s.reject(a, models.ErrUnauthenticated)
		default:
			s.unknown(a)
		}
	case StateAuthenticated:
		switch a.Kind {
		case ActionAuthenticate:
			s.authenticate(a)
		case ActionSubscribe:
			s.subscribe(a)
		case ActionUnsubscribe:
			s.unsubscribe(a)
		case ActionLocationUpdate:
			s.publish(ctx, id, a)
		default:
			s.unknown(a)
		}
	}
}

func (s *Session) authenticate(a Action) {
	p, err := s.deps.Verifier.Verify(a.Token)
	if err != nil {
		observability.ActionsTotal.WithLabelValues(a.Kind.String(), "rejected").Inc()
		s.logger.Info("auth_failed", "error", err)
		msg, _ := models.ClientMessage(models.ErrCredentialInvalid)
		s.send(models.Event{Name: models.EventAuthError, Data: models.MessageBody{Message: msg}})
		s.Close()
		return
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateAuthenticated
	s.identity = p.Identity
	s.mu.Unlock()

	observability.ActionsTotal.WithLabelValues(a.Kind.String(), "ok").Inc()
	s.logger.Info("authenticated", "user_id", p.UserID, "role", p.Role)
	s.send(models.Event{Name: models.EventAuthOK, Data: p.Identity})
}

func (s *Session) subscribe(a Action) {
	if a.TripID == "" {
		observability.ActionsTotal.WithLabelValues(a.Kind.String(), "ignored").Inc()
		return
	}
	// Join under the lock so a concurrent Close either sees this
	// membership in LeaveAll or prevents it.
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.deps.Rooms.Join(s.conn, a.TripID)
	s.mu.Unlock()
	observability.ActionsTotal.WithLabelValues(a.Kind.String(), "ok").Inc()
	s.send(models.Event{Name: models.EventSubscribed, Data: models.TripRef{TripID: a.TripID}})
}

func (s *Session) unsubscribe(a Action) {
	if a.TripID == "" {
		observability.ActionsTotal.WithLabelValues(a.Kind.String(), "ignored").Inc()
		return
	}
	s.deps.Rooms.Leave(s.conn, a.TripID)
	observability.ActionsTotal.WithLabelValues(a.Kind.String(), "ok").Inc()
	s.send(models.Event{Name: models.EventUnsubscribed, Data: models.TripRef{TripID: a.TripID}})
}

func (s *Session) publish(ctx context.Context, id models.Identity, a Action) {
	if !id.CanPublish() {
		s.reject(a, models.ErrForbidden)
		return
	}
	if a.Err != nil {
		s.reject(a, a.Err)
		return
	}
	if err := s.deps.Ingest.Ingest(ctx, a.Update); err != nil {
		s.reject(a, err)
		return
	}
	observability.ActionsTotal.WithLabelValues(a.Kind.String(), "ok").Inc()
}

func (s *Session) unknown(a Action) {
	if a.Err != nil {
		s.reject(a, a.Err)
		return
	}
	observability.ActionsTotal.WithLabelValues(a.Kind.String(), "rejected").Inc()
	s.logger.Debug("unknown_event", "event", a.Name)
	s.send(models.ErrorEvent("unknown event"))
}

func (s *Session) reject(a Action, err error) {
	observability.ActionsTotal.WithLabelValues(a.Kind.String(), "rejected").Inc()
	msg, ok := models.ClientMessage(err)
	if !ok {
		s.logger.Error("action_failed", "action", a.Kind.String(), "error", err)
		return
	}
	s.logger.Debug("action_rejected", "action", a.Kind.String(), "reason", msg)
	s.send(models.ErrorEvent(msg))
}

func (s *Session) send(ev models.Event) {
	if err := s.conn.Send(ev); err != nil {
		s.logger.Debug("send_failed", "event", ev.Name, "error", err)
	}
}

// Close moves the session to Closed and leaves every joined trip. Only the
// first call has any effect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		left := s.deps.Rooms.LeaveAll(s.conn)
		observability.SessionsActive.Dec()
		s.logger.Info("session_closed", "trips_left", len(left))
		if s.onClose != nil {
			s.onClose()
		}
	})
}
