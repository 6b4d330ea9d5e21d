package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Publisher pushes pipeline events onto the bus.
type Publisher interface {
	PublishPriceUpdate(ctx context.Context, update PriceUpdate) error
	PublishDepegAlert(ctx context.Context, alert DepegAlert) error
	PublishTask(ctx context.Context, task TaskEvent) error
	PublishResponse(ctx context.Context, resp ResponseEvent) error
}

// Subscriber consumes pipeline events from the bus. Returned channels close
// when the context is cancelled; undecodable messages are logged and dropped.
type Subscriber interface {
	SubscribePriceUpdates(ctx context.Context) (<-chan PriceUpdate, error)
	SubscribeTasks(ctx context.Context) (<-chan TaskEvent, error)
}

// Bus combines both halves of the pub/sub contract.
type Bus interface {
	Publisher
	Subscriber
}

// RedisBus carries events over Redis pub/sub channels.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisBus wires a redis client into a Bus.
func NewRedisBus(client *redis.Client, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		logger: logger.With().Str("component", "event_bus").Logger(),
	}
}

// PublishPriceUpdate publishes onto the prices channel.
func (b *RedisBus) PublishPriceUpdate(ctx context.Context, update PriceUpdate) error {
	return b.publish(ctx, ChannelPrices, update)
}

// PublishDepegAlert publishes onto the depeg channel.
func (b *RedisBus) PublishDepegAlert(ctx context.Context, alert DepegAlert) error {
	return b.publish(ctx, ChannelDepeg, alert)
}

// PublishTask publishes onto the tasks channel.
func (b *RedisBus) PublishTask(ctx context.Context, task TaskEvent) error {
	return b.publish(ctx, ChannelTasks, task)
}

// PublishResponse publishes onto the responses channel.
func (b *RedisBus) PublishResponse(ctx context.Context, resp ResponseEvent) error {
	return b.publish(ctx, ChannelResponses, resp)
}

func (b *RedisBus) publish(ctx context.Context, channel string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", channel, err)
	}
	if err := b.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", channel, err)
	}
	return nil
}

// SubscribePriceUpdates delivers decoded price updates until ctx is cancelled.
func (b *RedisBus) SubscribePriceUpdates(ctx context.Context) (<-chan PriceUpdate, error) {
	return subscribe[PriceUpdate](ctx, b, ChannelPrices)
}

// SubscribeTasks delivers decoded task events until ctx is cancelled.
func (b *RedisBus) SubscribeTasks(ctx context.Context) (<-chan TaskEvent, error) {
	return subscribe[TaskEvent](ctx, b, ChannelTasks)
}

func subscribe[T any](ctx context.Context, b *RedisBus, channel string) (<-chan T, error) {
	sub := b.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan T)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event T
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Error().Err(err).Str("channel", channel).Msg("dropping undecodable event")
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var _ Bus = (*RedisBus)(nil)
