package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultSubscribeTimeout = 10 * time.Second

// RedisPush is a push backend on Redis pub/sub. Topics map 1:1 to Redis channels.
type RedisPush struct {
	client           redis.UniversalClient
	subscribeTimeout time.Duration
	log              zerolog.Logger
}

// NewRedisPush connects to redisURL.
func NewRedisPush(redisURL string, log zerolog.Logger) (*RedisPush, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL must be provided")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisPushFromClient(client, log), nil
}

// NewRedisPushFromClient wraps an existing client.
func NewRedisPushFromClient(client redis.UniversalClient, log zerolog.Logger) *RedisPush {
	return &RedisPush{
		client:           client,
		subscribeTimeout: defaultSubscribeTimeout,
		log:              log.With().Str("component", "redis-push").Logger(),
	}
}

// Subscribe listens on the filter's topic. TIMED_OUT is reported when Redis
// does not confirm the subscription in time, CLOSED when the stream ends.
func (r *RedisPush) Subscribe(ctx context.Context, channel string, filter Filter, onEvent func(Event), onStatus func(Status, error)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	ps := r.client.Subscribe(subCtx, filter.Topic())

	go r.listen(subCtx, channel, ps, onEvent, onStatus)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := ps.Close(); err != nil {
				r.log.Debug().Err(err).Str("channel", channel).Msg("pubsub close")
			}
		})
	}, nil
}

func (r *RedisPush) listen(ctx context.Context, channel string, ps *redis.PubSub, onEvent func(Event), onStatus func(Status, error)) {
	rcvCtx, cancel := context.WithTimeout(ctx, r.subscribeTimeout)
	_, err := ps.Receive(rcvCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			onStatus(StatusTimedOut, err)
		} else {
			onStatus(StatusChannelError, err)
		}
		return
	}
	onStatus(StatusSubscribed, nil)

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() == nil {
					onStatus(StatusClosed, nil)
				}
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Warn().Err(err).Str("channel", channel).Msg("dropping malformed push payload")
				continue
			}
			onEvent(ev)
		}
	}
}

// Publish sends ev on topic.
func (r *RedisPush) Publish(ctx context.Context, topic string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal push event: %w", err)
	}
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases the Redis client.
func (r *RedisPush) Close() error {
	return r.client.Close()
}
