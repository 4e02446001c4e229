package agentloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// EventKind identifies the type of session event.
type EventKind string

const (
	EventModelReply      EventKind = "model_reply"
	EventActionSucceeded EventKind = "action_succeeded"
	EventActionFailed    EventKind = "action_failed"
	EventInfo            EventKind = "info"
	EventWarning         EventKind = "warning"
	EventAborted         EventKind = "aborted"
	EventCompleted       EventKind = "completed"
)

// Event is one observable step of a session. Payload depends on Kind:
//
//   - model_reply: the decoded reply object, or the raw text when it did
//     not parse
//   - action_succeeded: the unformatted handler payload
//   - action_failed, info, warning, aborted: a message string
//   - completed: the summary string
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Action    string    `json:"action,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	// Outcome is set on terminal events only.
	Outcome Outcome `json:"outcome,omitempty"`
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventAborted
}

// Text renders the payload as a string.
func (e Event) Text() string {
	switch p := e.Payload.(type) {
	case nil:
		return ""
	case string:
		return p
	case fmt.Stringer:
		return p.String()
	}
	s, err := DefaultFormatter(e.Payload)
	if err != nil {
		return fmt.Sprint(e.Payload)
	}
	return s
}

var errEmitterClosed = errors.New("event emitter closed")

// EventEmitter delivers events to one consumer in order. Emit blocks until
// the consumer takes the event or ctx ends, so nothing is dropped.
type EventEmitter struct {
	sessionID string
	ch        chan Event
	closed    bool
	mu        sync.Mutex
}

// NewEventEmitter creates an emitter with a buffered channel.
func NewEventEmitter(sessionID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &EventEmitter{
		sessionID: sessionID,
		ch:        make(chan Event, bufferSize),
	}
}

// Emit stamps and sends an event. It returns ctx.Err() if the consumer
// stopped reading and ctx was cancelled.
func (e *EventEmitter) Emit(ctx context.Context, ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errEmitterClosed
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.SessionID = e.sessionID

	select {
	case e.ch <- ev:
		return nil
	default:
	}
	select {
	case e.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
