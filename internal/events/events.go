// Package events publishes account lifecycle notifications after the change
// has committed. Delivery is best effort.
package events

import (
	"context"
	"sync"
	"time"

	"shopfront.dev/internal/ids"
)

// Event types.
const (
	TypeUserRegistered  = "user.registered"
	TypeRoleAdded       = "user.role.added"
	TypeRoleRemoved     = "user.role.removed"
	TypeUserDeleted     = "user.deleted"
	TypePasswordChanged = "user.password.changed"
	TypeProfileUpdated  = "user.profile.updated"
)

// Event is one notification. Payload must be JSON-encodable.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
	UserID     int64     `json:"userId"`
	ActorID    int64     `json:"actorId,omitempty"`
	Payload    any       `json:"payload,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(typ string, userID, actorID int64, payload any) Event {
	now := time.Now().UTC()
	return Event{
		ID:         ids.NewAt(now),
		Type:       typ,
		OccurredAt: now,
		UserID:     userID,
		ActorID:    actorID,
		Payload:    payload,
	}
}

// Publisher delivers events to a downstream system.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
