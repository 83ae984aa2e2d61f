// Package events delivers session lifecycle notifications to the rest of the
// application.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Type names a kind of session event.
type Type string

const (
	Login          Type = "login"
	Logout         Type = "logout"
	TokenRefreshed Type = "token_refreshed"
	AuthError      Type = "auth_error"
)

// Reasons carried by AuthError events.
const (
	ReasonRefreshError  = "refresh_error"  // renewal retries exhausted
	ReasonRefreshFailed = "refresh_failed" // refresh credential rejected, user must sign in again
)

// Event is delivered to every listener registered for its Type.
type Event struct {
	Type   Type      `json:"type"`
	Reason string    `json:"reason,omitempty"`
	UserID string    `json:"user_id,omitempty"`
	At     time.Time `json:"at"`
}

// Handler receives events. It runs on the emitting goroutine.
type Handler func(Event)

// ListenerID identifies a registration so it can be removed later.
type ListenerID uuid.UUID

func (id ListenerID) String() string {
	return uuid.UUID(id).String()
}

type listener struct {
	id ListenerID
	fn Handler
}

// Bus calls listeners synchronously, in registration order, on the emitting
// goroutine.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Type][]listener
	log       zerolog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger overrides the bus logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bus) {
		b.log = l
	}
}

// NewBus creates an empty Bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		listeners: make(map[Type][]listener),
		log:       log.With().Str("component", "events").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddEventListener registers fn for events of type t and returns an id for removing it.
func (b *Bus) AddEventListener(t Type, fn Handler) ListenerID {
	id := ListenerID(uuid.New())
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[t] = append(b.listeners[t], listener{id: id, fn: fn})
	return id
}

// RemoveEventListener reports whether id was registered for t.
func (b *Bus) RemoveEventListener(t Type, id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := b.listeners[t]
	for i, l := range ls {
		if l.id == id {
			b.listeners[t] = append(ls[:i:i], ls[i+1:]...)
			return true
		}
	}
	return false
}

// Emit delivers e to a snapshot of the current listeners, so handlers may add or
// remove listeners without deadlocking. A panicking handler is logged and skipped.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	ls := append([]listener(nil), b.listeners[e.Type]...)
	b.mu.RUnlock()

	for _, l := range ls {
		b.deliver(l, e)
	}
}

func (b *Bus) deliver(l listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("event", string(e.Type)).Str("listener", l.id.String()).Msg("event listener panicked")
		}
	}()
	l.fn(e)
}
