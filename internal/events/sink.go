package events

import (
	"context"
	"time"
)

// Event is emitted by the execution engine when an instance starts,
// transitions, completes or is cancelled.
type Event struct {
	Type           string    `json:"type"`
	RecordID       string    `json:"record_id"`
	InstanceID     string    `json:"instance_id"`
	WorkflowID     string    `json:"workflow_id"`
	FromState      string    `json:"from_state,omitempty"`
	ToState        string    `json:"to_state,omitempty"`
	TransitionName string    `json:"transition_name,omitempty"`
	Comment        string    `json:"comment,omitempty"`
	Actor          string    `json:"actor,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	RecordID string   `json:"record_id,omitempty"`
	Types    []string `json:"types,omitempty"`
}

// Sink receives engine events. Delivery is fire-and-forget, at-most-once:
// a failing sink never affects the transition that produced the event.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }
