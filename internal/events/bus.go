// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from the station simulator (lifecycle,
// control ingress, emitters) to subscribers such as the SQLite journal.
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceStation identifies events from the lifecycle orchestrator.
	SourceStation = "station"
	// SourceControl identifies events from control message handling.
	SourceControl = "control"
	// SourceEmitter identifies events from the periodic emitters.
	SourceEmitter = "emitter"
	// SourceBroker identifies events from broker health monitoring.
	SourceBroker = "broker"
)

// Kind constants describe the type of event within a source.
const (
	// KindStartup signals the station came online.
	// Data: run_id, station_id.
	KindStartup = "startup"
	// KindShutdown signals the station went offline and all emitters
	// have stopped.
	// Data: run_id, station_id, elapsed_ms.
	KindShutdown = "shutdown"

	// KindControl signals an accepted start/stop command.
	// Data: command, running.
	KindControl = "control"
	// KindUnknownCommand signals a control payload that was ignored.
	// Data: payload.
	KindUnknownCommand = "unknown_command"

	// KindPublishFailed signals a dropped telemetry tick.
	// Data: emitter, topic.
	KindPublishFailed = "publish_failed"

	// KindBrokerDown signals the broker connection was lost.
	// Data: error.
	KindBrokerDown = "broker_down"
	// KindBrokerUp signals the broker connection is healthy again.
	KindBrokerUp = "broker_up"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. A zero Timestamp is filled with the current time. Safe
// to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
