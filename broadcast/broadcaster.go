// Package broadcast holds the current connection status and fans status
// and frame events out to subscribers.
package broadcast

import (
	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"

	"can-dashboard/common"
)

// EventType distinguishes the two kinds of pushed events.
type EventType string

const (
	EventStatus EventType = "status"
	EventFrame  EventType = "frame"
)

// Event is one pushed update.
type Event struct {
	Type    EventType                `json:"type"`
	Status  *common.ConnectionStatus `json:"status,omitempty"`
	Frame   *common.Message          `json:"frame,omitempty"`
	Decoded map[string]float64       `json:"decoded,omitempty"`
}

// DefaultBuffer is the per-subscriber queue length used when none is given.
const DefaultBuffer = 256

// Broadcaster owns the process-wide ConnectionStatus and the subscriber
// registry. Events are delivered to every subscriber in publish order.
type Broadcaster struct {
	mu     deadlock.Mutex
	status common.ConnectionStatus
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	logger zerolog.Logger
}

// New creates a broadcaster holding the initial status.
func New(initial common.ConnectionStatus, buffer int, logger zerolog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		status: initial,
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Status returns a snapshot of the current status.
func (b *Broadcaster) Status() common.ConnectionStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// PublishIfChanged publishes status only when it differs from the current
// one and reports whether it did.
func (b *Broadcaster) PublishIfChanged(status common.ConnectionStatus) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == status {
		return false
	}
	b.publishLocked(status)
	return true
}

// Update derives the next status from the current one under the lock and
// publishes it if it changed. fn must not call back into b.
func (b *Broadcaster) Update(fn func(common.ConnectionStatus) common.ConnectionStatus) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := fn(b.status)
	if b.status == status {
		return false
	}
	b.publishLocked(status)
	return true
}

func (b *Broadcaster) publishLocked(status common.ConnectionStatus) {
	b.status = status
	b.fanOut(statusEvent(status))
	b.logger.Info().
		Bool("connected", status.Connected).
		Str("interface", status.Interface).
		Uint32("bitrate", status.Bitrate).
		Str("error", status.Error).
		Msg("CAN status")
}

// PublishFrame notifies all subscribers of a received frame and the signal
// fields it changed.
func (b *Broadcaster) PublishFrame(msg common.Message, decoded map[string]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fanOut(Event{Type: EventFrame, Frame: &msg, Decoded: decoded})
}

// Subscribe registers a new subscriber. Its first event is the current status.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		events: make(chan Event, b.buffer),
		b:      b,
	}
	sub.events <- statusEvent(b.status)
	b.subs[sub.id] = sub
	return sub
}

// Subscribers returns the number of registered subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// fanOut delivers ev without blocking. A subscriber whose queue is full is
// dropped. Callers hold b.mu.
func (b *Broadcaster) fanOut(ev Event) {
	for id, sub := range b.subs {
		select {
		case sub.events <- ev:
		default:
			b.logger.Warn().Uint64("subscriber", id).Msg("subscriber queue full, dropping subscriber")
			delete(b.subs, id)
			close(sub.events)
		}
	}
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.events)
	}
}

func statusEvent(status common.ConnectionStatus) Event {
	return Event{Type: EventStatus, Status: &status}
}

// Subscription is one subscriber's event queue.
type Subscription struct {
	id     uint64
	events chan Event
	b      *Broadcaster
}

// Events returns the event queue. It is closed when the subscription is
// closed or dropped for falling behind.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close unregisters the subscriber. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.remove(s)
}
