package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/big14way/Bastion-sub002/internal/events"
)

// ErrNoPrice indicates no cached reading exists (missing or expired).
var ErrNoPrice = errors.New("cache: no cached price")

const defaultPriceTTL = 300 * time.Second

// PriceCache holds the latest reading per asset with a bounded TTL. Entries
// not refreshed by the poller expire on their own.
type PriceCache interface {
	SetLatest(ctx context.Context, update events.PriceUpdate) error
	GetLatest(ctx context.Context, asset string) (events.PriceUpdate, error)
}

// Redis implements PriceCache on a Redis key per asset.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wires a redis client into a price cache.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultPriceTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func priceKey(asset string) string {
	return "price:" + asset
}

// SetLatest overwrites the asset's latest reading and resets its TTL.
func (r *Redis) SetLatest(ctx context.Context, update events.PriceUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal cached price: %w", err)
	}
	if err := r.client.Set(ctx, priceKey(update.Asset), body, r.ttl).Err(); err != nil {
		return fmt.Errorf("set cached price: %w", err)
	}
	return nil
}

// GetLatest returns the asset's latest cached reading.
func (r *Redis) GetLatest(ctx context.Context, asset string) (events.PriceUpdate, error) {
	body, err := r.client.Get(ctx, priceKey(asset)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return events.PriceUpdate{}, ErrNoPrice
		}
		return events.PriceUpdate{}, fmt.Errorf("get cached price: %w", err)
	}

	var update events.PriceUpdate
	if err := json.Unmarshal([]byte(body), &update); err != nil {
		return events.PriceUpdate{}, fmt.Errorf("unmarshal cached price: %w", err)
	}
	return update, nil
}

var _ PriceCache = (*Redis)(nil)
