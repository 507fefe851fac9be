// Package bus implements the typed publish/subscribe fabric that carries
// state transitions between the realtime core's subsystems and whatever
// device-facing coordinator listens for them.
package bus

import (
	"reflect"
	"sync"
	"time"

	"github.com/noiacore/noiacore/pkg/rtlog"
)

// EventType enumerates the closed set of events the core ever publishes.
type EventType string

const (
	StartListening       EventType = "START_LISTENING"
	StopListening        EventType = "STOP_LISTENING"
	TalkLevel            EventType = "TALK_LEVEL"
	Shutdown             EventType = "SHUTDOWN"
	FunctionInvoking     EventType = "FUNCTION_INVOKING"
	FunctionInvoked      EventType = "FUNCTION_INVOKED"
	SystemError          EventType = "SYSTEM_ERROR"
	SystemOk             EventType = "SYSTEM_OK"
	WakeWordDetected     EventType = "WAKE_WORD_DETECTED"
	NoiseDetected        EventType = "NOISE_DETECTED"
	SilenceDetected      EventType = "SILENCE_DETECTED"
	ConfigChanged        EventType = "CONFIG_CHANGED"
	HangupInput          EventType = "HANGUP_INPUT"
	VolumeCtrlUp         EventType = "VOLUME_CTRL_UP"
	VolumeCtrlDown       EventType = "VOLUME_CTRL_DOWN"
	NightModeActivated   EventType = "NIGHT_MODE_ACTIVATED"
	NightModeDeactivated EventType = "NIGHT_MODE_DEACTIVATED"
)

// Event is the envelope carried through the bus. Payload fields are typed
// per EventType by convention (Level for TalkLevel, Message for SystemError,
// WakeWord for WakeWordDetected) rather than via a generic interface{} blob,
// so subscribers can type-switch on Type and read the matching field.
type Event struct {
	Timestamp time.Time
	Sender    any
	// SkipLogging suppresses debug tracing for high-frequency events such as
	// per-frame TalkLevel meters.
	SkipLogging bool
	Type        EventType

	// Level carries TalkLevel's 0..255 payload. Nil means "no level" (used to
	// clear the meter on SpeakingStopped, per the Supervisor's TalkLevel(nil)
	// convention).
	Level *int
	// Message carries SystemError's diagnostic text.
	Message string
	// WakeWord carries WakeWordDetected's matched model identifier.
	WakeWord string
}

// Handler processes a published Event. Handlers must not block for long —
// the bus invokes them synchronously, outside its lock, but on the
// publisher's own goroutine.
type Handler func(Event)

// Bus is a typed topic registry. The zero value is not usable; construct
// with New. Safe for concurrent use.
type Bus struct {
	mu          sync.Mutex
	subscribers map[EventType][]subscription
	logger      rtlog.Logger
}

type subscription struct {
	id      uintptr
	handler Handler
}

// New creates a Bus. A nil logger installs a no-op logger.
func New(logger rtlog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[EventType][]subscription),
		logger:      rtlog.Or(logger),
	}
}

// handlerID returns a stable identity for a Handler so duplicate
// registration of the same handler value is idempotent, mirroring the
// donor's description of the bus owning only weak, identity-deduplicated
// references to handlers.
func handlerID(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// Subscribe registers handler for events of the given type. Registering the
// same handler twice for the same type is a no-op.
func (b *Bus) Subscribe(t EventType, handler Handler) {
	if handler == nil {
		return
	}
	id := handlerID(handler)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subscribers[t] {
		if s.id == id {
			return
		}
	}
	b.subscribers[t] = append(b.subscribers[t], subscription{id: id, handler: handler})
}

// Unsubscribe removes handler from the given event type's subscriber list,
// if present.
func (b *Bus) Unsubscribe(t EventType, handler Handler) {
	if handler == nil {
		return
	}
	id := handlerID(handler)

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[t]
	for i, s := range subs {
		if s.id == id {
			b.subscribers[t] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish snapshots the subscriber set for ev.Type under a short lock, then
// invokes each handler outside the lock so a handler that re-subscribes (or
// subscribes to a different event type) cannot deadlock against Publish. If
// ev.Timestamp is zero it is set to time.Now(); if ev.Sender is nil and
// nothing else would identify the event, callers are expected to have set
// Sender themselves — Publish does not invent one.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	subs := make([]subscription, len(b.subscribers[ev.Type]))
	copy(subs, b.subscribers[ev.Type])
	b.mu.Unlock()

	if !ev.SkipLogging {
		b.logger.Debug("bus: publish", "type", ev.Type, "subscribers", len(subs))
	}

	for _, s := range subs {
		b.invoke(s.handler, ev)
	}
}

// invoke calls handler with ev, recovering any panic so one misbehaving
// subscriber cannot take down the publisher.
func (b *Bus) invoke(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("bus: handler panicked", "type", ev.Type, "recover", r)
		}
	}()
	handler(ev)
}

// FromSender builds a minimal Event carrying only a sender reference and
// timestamp, for publishers that have nothing else to report (the bus
// "auto-instantiates an event from a sender reference" per spec §4.1).
func FromSender(t EventType, sender any) Event {
	return Event{Type: t, Sender: sender, Timestamp: time.Now()}
}
