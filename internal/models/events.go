package models

import "encoding/json"

// Event names exchanged over the socket.
const (
	EventAuthenticate   = "authenticate"
	EventSubscribe      = "subscribe:trip"
	EventUnsubscribe    = "unsubscribe:trip"
	EventLocationUpdate = "location:update"

	EventAuthOK       = "auth:ok"
	EventAuthError    = "auth:error"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventError        = "error"
	EventTripLocation = "trip:location"
)

// Event is the outbound wire envelope.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Frame is the inbound wire envelope; Data is decoded per event.
type Frame struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// MessageBody is used by error-style events.
type MessageBody struct {
	Message string `json:"message"`
}

// TripRef carries just a trip id.
type TripRef struct {
	TripID string `json:"tripId"`
}

// ErrorEvent builds an "error" event with the given message.
func ErrorEvent(msg string) Event {
	return Event{Name: EventError, Data: MessageBody{Message: msg}}
}
