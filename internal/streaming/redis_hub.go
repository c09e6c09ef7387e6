package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisHub is an EventHub backed by Redis pub/sub, so subscribers in any
// process see events published by the manager. Filtering happens on the
// subscriber side; all events share one channel.
type RedisHub struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

var _ EventHub = (*RedisHub)(nil)

// NewRedisHub creates a hub publishing on "<prefix>:events".
func NewRedisHub(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisHub {
	if prefix == "" {
		prefix = "workcell"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisHub{client: client, channel: prefix + ":events", logger: logger}
}

// Channel returns the Redis channel name.
func (h *RedisHub) Channel() string { return h.channel }

func (h *RedisHub) Publish(ctx context.Context, event StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := h.client.Publish(ctx, h.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe blocks until Redis confirms the subscription, so events
// published after it returns are never missed.
func (h *RedisHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	ps := h.client.Subscribe(ctx, h.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", h.channel, err)
	}

	out := make(chan StreamEvent, defaultChannelBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			var event StreamEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				h.logger.Warn("dropping malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			if matchFilter(filter, event) {
				offer(out, event)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			ps.Close()
			<-done
		})
	}
	return out, cancel, nil
}
