// Package realtime keeps push channels alive and delivers change events.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
)

// EventType classifies a change event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is one row change pushed by the backend.
type Event struct {
	Type  EventType       `json:"eventType"`
	Table string          `json:"table"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// Status is the subscription status reported by a push client.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusClosed       Status = "CLOSED"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusChannelError Status = "CHANNEL_ERROR"
)

// Filter scopes a subscription to rows of one table matching column = value.
type Filter struct {
	Table  string
	Column string
	Value  string
}

// Topic is the wire name both publishers and subscribers use for the filter.
func (f Filter) Topic() string {
	return fmt.Sprintf("%s:%s=eq.%s", f.Table, f.Column, f.Value)
}

// PushClient is the realtime push capability.
type PushClient interface {
	// Subscribe opens channel and reports its lifecycle through onStatus.
	// The returned func closes the subscription without emitting a status.
	Subscribe(ctx context.Context, channel string, filter Filter, onEvent func(Event), onStatus func(Status, error)) (func(), error)
}

// Publisher sends change events to every subscriber of topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
}
