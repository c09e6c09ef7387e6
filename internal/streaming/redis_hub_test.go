package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisHub(t *testing.T) (*RedisHub, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisHub(client, "cell1", nil), mr
}

func TestRedisHub_PublishSubscribe(t *testing.T) {
	hub, _ := newRedisHub(t)
	ctx := context.Background()
	assert.Equal(t, "cell1:events", hub.Channel())

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-2", EventType: "workflow_queued"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{
		WorkflowID: "wf-1",
		StepID:     "s1",
		EventType:  "step_succeeded",
		Payload:    map[string]any{"status": "succeeded"},
	}))

	select {
	case got := <-ch:
		assert.Equal(t, "wf-1", got.WorkflowID)
		assert.Equal(t, "s1", got.StepID)
		assert.Equal(t, "succeeded", got.Payload["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRedisHub_CancelStopsDelivery(t *testing.T) {
	hub, mr := newRedisHub(t)
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, mr.PubSubNumSub(hub.Channel())[hub.Channel()])

	cancel()
	cancel()

	assert.Eventually(t, func() bool {
		return mr.PubSubNumSub(hub.Channel())[hub.Channel()] == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRedisHub_SubscribeCancelledContext(t *testing.T) {
	hub, _ := newRedisHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
