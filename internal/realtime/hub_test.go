package realtime

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterTopic(t *testing.T) {
	f := Filter{Table: "messages", Column: "thread_id", Value: "abc"}
	assert.Equal(t, "messages:thread_id=eq.abc", f.Topic())
}

func TestHubPublishSubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx := context.Background()
	f := Filter{Table: "messages", Column: "thread_id", Value: "t1"}

	var statuses []Status
	var events []Event
	unsub, err := hub.Subscribe(ctx, "c1", f, func(ev Event) { events = append(events, ev) }, func(s Status, _ error) { statuses = append(statuses, s) })
	require.NoError(t, err)
	assert.Equal(t, []Status{StatusSubscribed}, statuses)
	assert.Equal(t, 1, hub.Subscribers(f.Topic()))

	require.NoError(t, hub.Publish(ctx, f.Topic(), Event{Type: EventInsert}))
	require.NoError(t, hub.Publish(ctx, "messages:thread_id=eq.other", Event{Type: EventInsert}))
	assert.Len(t, events, 1)

	unsub()
	unsub()
	assert.Zero(t, hub.Subscribers(f.Topic()))

	require.NoError(t, hub.Publish(ctx, f.Topic(), Event{Type: EventInsert}))
	assert.Len(t, events, 1)
}

func TestHubDisconnectAndClose(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx := context.Background()
	f := Filter{Table: "messages", Column: "thread_id", Value: "t1"}

	var statuses []Status
	_, err := hub.Subscribe(ctx, "c1", f, func(Event) {}, func(s Status, _ error) { statuses = append(statuses, s) })
	require.NoError(t, err)

	hub.Disconnect(f.Topic())
	assert.Equal(t, []Status{StatusSubscribed, StatusClosed}, statuses)
	assert.Zero(t, hub.Subscribers(f.Topic()))

	_, err = hub.Subscribe(ctx, "c1", f, func(Event) {}, func(s Status, _ error) { statuses = append(statuses, s) })
	require.NoError(t, err)
	hub.Close()
	assert.Equal(t, StatusClosed, statuses[len(statuses)-1])

	_, err = hub.Subscribe(ctx, "c2", f, func(Event) {}, func(Status, error) {})
	assert.ErrorIs(t, err, ErrHubClosed)
}
