package session

import (
	"encoding/json"
	"fmt"

	"github.com/example/trip-tracking/internal/models"
)

// ActionKind tags an inbound socket action.
type ActionKind int

const (
	ActionUnknown ActionKind = iota
	ActionAuthenticate
	ActionSubscribe
	ActionUnsubscribe
	ActionLocationUpdate
)

func (k ActionKind) String() string {
	switch k {
	case ActionAuthenticate:
		return models.EventAuthenticate
	case ActionSubscribe:
		return models.EventSubscribe
	case ActionUnsubscribe:
		return models.EventUnsubscribe
	case ActionLocationUpdate:
		return models.EventLocationUpdate
	default:
		return "unknown"
	}
}

// Action is one decoded inbound frame. Only the fields for Kind are set.
// Err is set when the frame or its payload could not be decoded.
type Action struct {
	Kind   ActionKind
	Name   string
	Token  string
	TripID string
	Update models.LocationUpdate
	Err    error
}

type authenticatePayload struct {
	Token string `json:"token"`
}

// ParseAction decodes a wire frame of the form {"event": ..., "data": ...}.
func ParseAction(frame []byte) Action {
	var f models.Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return Action{Kind: ActionUnknown, Err: fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)}
	}
	a := Action{Name: f.Name}
	switch f.Name {
	case models.EventAuthenticate:
		a.Kind = ActionAuthenticate
		var p authenticatePayload
		// a missing or malformed token fails verification
		_ = json.Unmarshal(f.Data, &p)
		a.Token = p.Token
	case models.EventSubscribe, models.EventUnsubscribe:
		a.Kind = ActionSubscribe
		if f.Name == models.EventUnsubscribe {
			a.Kind = ActionUnsubscribe
		}
		var ref models.TripRef
		_ = json.Unmarshal(f.Data, &ref)
		a.TripID = ref.TripID
	case models.EventLocationUpdate:
		a.Kind = ActionLocationUpdate
		a.Update, a.Err = models.DecodeLocationUpdate(f.Data)
	default:
		a.Kind = ActionUnknown
	}
	return a
}
