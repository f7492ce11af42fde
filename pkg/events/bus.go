package events

import (
	"sync"
)

type EventType string

const (
	SiteDeployed     EventType = "site:deployed"
	SiteRemoved      EventType = "site:removed"
	ProcessStarted   EventType = "process:started"
	ProcessStopped   EventType = "process:stopped"
	ScriptRan        EventType = "script:ran"
	CommandFailed    EventType = "command:failed"
	ServicesReloaded EventType = "services:reloaded"
)

type Event struct {
	Type    EventType
	Payload interface{}
}

// SitePayload accompanies SiteDeployed and SiteRemoved.
type SitePayload struct {
	Name     string
	ConfFile string
	Port     int
	Process  string
}

// ProcessPayload accompanies ProcessStarted and ProcessStopped.
type ProcessPayload struct {
	Name   string
	Result string
}

// ScriptPayload accompanies ScriptRan.
type ScriptPayload struct {
	Group   string
	Command string
}

// FailurePayload accompanies CommandFailed.
type FailurePayload struct {
	Stage   string
	Subject string
	Err     error
}

type Handler func(Event)

type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

func (b *Bus) Subscribe(topic EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) {
	for _, topic := range []EventType{SiteDeployed, SiteRemoved, ProcessStarted, ProcessStopped, ScriptRan, CommandFailed, ServicesReloaded} {
		b.Subscribe(topic, handler)
	}
}

// Publish runs the handlers of event.Type synchronously, in subscription
// order. A nil Bus drops events.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if handlers, ok := b.handlers[event.Type]; ok {
		for _, h := range handlers {
			h(event)
		}
	}
}
