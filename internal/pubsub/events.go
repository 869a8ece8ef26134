// Package pubsub provides a generic publish/subscribe event system used to
// fan out supervised-process output and log lines to interested listeners.
package pubsub

import (
	"context"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// OutputEvent carries a captured line from a supervised process.
	OutputEvent EventType = "output"
	// StateEvent signals a process status transition.
	StateEvent EventType = "state"
	// LogEvent carries a formatted orchestrator log entry.
	LogEvent EventType = "log"
)

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
