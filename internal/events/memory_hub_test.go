package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryHub_PublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Event{Type: "workflow_started", RecordID: "rec-1"}))

	got := <-ch
	assert.Equal(t, "workflow_started", got.Type)
	assert.Equal(t, "rec-1", got.RecordID)
}

func TestMemoryHub_FilterByRecord(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{RecordID: "rec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Event{Type: "workflow_started", RecordID: "rec-2"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: "workflow_started", RecordID: "rec-1"}))

	got := <-ch
	assert.Equal(t, "rec-1", got.RecordID)
	assert.Empty(t, ch)
}

func TestMemoryHub_FilterByType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{Types: []string{"workflow_completed"}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Event{Type: "workflow_transitioned", RecordID: "rec-1"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: "workflow_completed", RecordID: "rec-1"}))

	got := <-ch
	assert.Equal(t, "workflow_completed", got.Type)
	assert.Empty(t, ch)
}

func TestMemoryHub_CancelStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, Event{Type: "workflow_started"}))
	assert.Empty(t, ch)
}

func TestMemoryHub_CancelIsIdempotent(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, Event{Type: "workflow_started"}))
	assert.Empty(t, ch)
}

func TestMemoryHub_DropsWhenSubscriberFull(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, Event{Type: "workflow_transitioned"}))
	}
	// The buffer holds exactly its capacity; the overflow was dropped.
	assert.Len(t, ch, subscriberBuffer)
}

func TestMemoryHub_CancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancelCtx := context.WithCancel(context.Background())
	cancelCtx()

	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.Error(t, err)
	assert.Error(t, hub.Publish(ctx, Event{Type: "workflow_started"}))
}
