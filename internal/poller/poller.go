package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/big14way/Bastion-sub002/internal/cache"
	"github.com/big14way/Bastion-sub002/internal/events"
	"github.com/big14way/Bastion-sub002/internal/feeds"
	"github.com/big14way/Bastion-sub002/internal/storage"
)

// Poller fetches all configured feeds on demand, refreshes the latest-price
// cache, appends price history, and publishes price-update events.
type Poller struct {
	client  feeds.Client
	cache   cache.PriceCache
	history storage.PriceHistoryStore
	bus     events.Publisher
	logger  zerolog.Logger

	// Guards against overlapping polls; a tick arriving while a poll is
	// still running is skipped, not queued.
	mu sync.Mutex
}

// New constructs a Poller.
func New(client feeds.Client, priceCache cache.PriceCache, history storage.PriceHistoryStore, bus events.Publisher, logger zerolog.Logger) *Poller {
	return &Poller{
		client:  client,
		cache:   priceCache,
		history: history,
		bus:     bus,
		logger:  logger.With().Str("component", "feed_poller").Logger(),
	}
}

// PollOnce fetches every configured asset concurrently. One asset's failure
// never blocks or fails the others; partial success is logged, not fatal.
func (p *Poller) PollOnce(ctx context.Context) error {
	if !p.mu.TryLock() {
		p.logger.Debug().Msg("previous poll still running; skipping tick")
		return nil
	}
	defer p.mu.Unlock()

	assets := p.client.Assets()
	if len(assets) == 0 {
		p.logger.Warn().Msg("no feeds configured")
		return nil
	}

	var wg sync.WaitGroup
	for _, asset := range assets {
		wg.Add(1)
		go func(asset string) {
			defer wg.Done()
			p.pollAsset(ctx, asset)
		}(asset)
	}
	wg.Wait()
	return nil
}

func (p *Poller) pollAsset(ctx context.Context, asset string) {
	reading, err := p.client.FetchLatest(ctx, asset)
	if err != nil {
		p.logger.Error().Err(err).Str("asset", asset).Msg("feed fetch failed")
		return
	}

	rec := storage.PriceRecord{
		Asset:     reading.Asset,
		RawValue:  reading.RawValue,
		Decimals:  reading.Decimals,
		UpdatedAt: reading.UpdatedAt,
		RoundID:   reading.RoundID,
		CreatedAt: time.Now().UTC(),
	}
	update := events.PriceUpdateFromRecord(rec)

	if err := p.cache.SetLatest(ctx, update); err != nil {
		p.logger.Error().Err(err).Str("asset", asset).Msg("failed to refresh price cache")
	}

	inserted, err := p.history.InsertPriceRecord(ctx, rec)
	if err != nil {
		p.logger.Error().Err(err).Str("asset", asset).Msg("failed to append price history")
		return
	}
	if !inserted {
		p.logger.Debug().Str("asset", asset).Str("round_id", update.RoundID).Msg("round already recorded")
	}

	if err := p.bus.PublishPriceUpdate(ctx, update); err != nil {
		p.logger.Error().Err(err).Str("asset", asset).Msg("failed to publish price update")
		return
	}

	p.logger.Info().
		Str("asset", asset).
		Str("price", update.Price).
		Str("round_id", update.RoundID).
		Msg("price recorded")
}
