package oauthflow

import (
	"sync"

	"github.com/unkcaicai/ccswitch/internal/providerset"
)

// EventKind labels the flow milestones external listeners care about.
type EventKind string

const (
	EventDeviceCodeReceived  EventKind = "device_code_received"
	EventDeviceCodeCompleted EventKind = "device_code_completed"
	EventDeviceCodeFailed    EventKind = "device_code_failed"
	EventProjectSelection    EventKind = "project_selection"
)

// Event is one milestone published to subscribers.
type Event struct {
	Session  string
	Provider providerset.Provider
	Kind     EventKind
	// UserCode and VerifyURL accompany device-code events.
	UserCode  string
	VerifyURL string
	// Reason accompanies failure events.
	Reason string
}

// Bus is a bounded fan-out of flow events. Subscribers that fall behind
// lose events rather than blocking the flow.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBus builds an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of future events plus an unsubscribe func
// that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
