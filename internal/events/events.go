// Package events is the fire-and-forget notification sink used by the
// pipeline executor, auto-mode loop, and merge gatekeeper to surface state
// changes to a UI or log without coupling to either.
package events

import (
	"sync"

	"github.com/devhaven/conductor/internal/terminal"
)

// Emitter accepts named events with arbitrary payloads. Implementations
// must never block the caller and must tolerate being called after the
// consumer has gone away.
type Emitter interface {
	Emit(name string, payload any)
}

// Event is one emitted notification.
type Event struct {
	Name    string
	Payload any
}

// LogEmitter writes events to the terminal logger.
type LogEmitter struct {
	logger *terminal.Logger
}

// NewLogEmitter creates an emitter backed by the given logger.
func NewLogEmitter(logger *terminal.Logger) *LogEmitter {
	if logger == nil {
		logger = terminal.NewLogger()
	}
	return &LogEmitter{logger: logger}
}

// Emit logs the event.
func (e *LogEmitter) Emit(name string, payload any) {
	e.logger.Logf(terminal.StyleDim, "event %s: %v", name, payload)
}

// ChannelEmitter delivers events to a buffered channel. When the buffer is
// full the event is dropped rather than blocking the producer.
type ChannelEmitter struct {
	ch chan Event

	mu     sync.Mutex
	closed bool

	// Dropped counts events discarded because the buffer was full.
	dropped int
}

// NewChannelEmitter creates a channel-backed emitter with the given buffer.
func NewChannelEmitter(buffer int) *ChannelEmitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelEmitter{ch: make(chan Event, buffer)}
}

// Events returns the receive side.
func (e *ChannelEmitter) Events() <-chan Event {
	return e.ch
}

// Emit queues the event, dropping it if the buffer is full or the emitter
// is closed.
func (e *ChannelEmitter) Emit(name string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- Event{Name: name, Payload: payload}:
	default:
		e.dropped++
	}
}

// Dropped returns how many events were discarded.
func (e *ChannelEmitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close stops delivery and closes the channel.
func (e *ChannelEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.ch)
}

// Discard ignores every event. Useful default for tests and headless runs.
var Discard Emitter = discardEmitter{}

type discardEmitter struct{}

func (discardEmitter) Emit(string, any) {}
