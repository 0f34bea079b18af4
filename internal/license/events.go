package license

import "time"

// EventType names a license lifecycle transition.
type EventType string

const (
	EventCreated   EventType = "license.created"
	EventActivated EventType = "license.activated"
	EventExpired   EventType = "license.expired"
	EventDeleted   EventType = "license.deleted"
)

// Event is published on every state change.
type Event struct {
	Type     EventType `json:"type"`
	Key      string    `json:"key"`
	Identity string    `json:"identity,omitempty"`
	Duration Duration  `json:"duration"`
	At       time.Time `json:"at"`
}

// EventPublisher receives lifecycle events. Publish must not block.
type EventPublisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

func newEvent(t EventType, l License, at time.Time) Event {
	return Event{
		Type:     t,
		Key:      l.Key,
		Identity: l.Identity,
		Duration: l.Duration,
		At:       at,
	}
}
