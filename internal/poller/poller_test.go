package poller

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/big14way/Bastion-sub002/internal/cache"
	"github.com/big14way/Bastion-sub002/internal/events"
	"github.com/big14way/Bastion-sub002/internal/feeds"
	"github.com/big14way/Bastion-sub002/internal/storage"
)

type fakeFeedClient struct {
	readings map[string]feeds.Reading
	errs     map[string]error
	fetches  atomic.Int64
	block    chan struct{}
}

func (f *fakeFeedClient) FetchLatest(ctx context.Context, asset string) (feeds.Reading, error) {
	f.fetches.Add(1)
	if f.block != nil {
		<-f.block
	}
	if err := f.errs[asset]; err != nil {
		return feeds.Reading{}, err
	}
	return f.readings[asset], nil
}

func (f *fakeFeedClient) FetchRound(ctx context.Context, asset string, roundID *big.Int) (feeds.Reading, error) {
	return f.FetchLatest(ctx, asset)
}

func (f *fakeFeedClient) Assets() []string {
	assets := make([]string, 0, len(f.readings)+len(f.errs))
	for asset := range f.readings {
		assets = append(assets, asset)
	}
	for asset := range f.errs {
		assets = append(assets, asset)
	}
	return assets
}

type fakeCache struct {
	mu     sync.Mutex
	latest map[string]events.PriceUpdate
}

func newFakeCache() *fakeCache {
	return &fakeCache{latest: make(map[string]events.PriceUpdate)}
}

func (c *fakeCache) SetLatest(ctx context.Context, update events.PriceUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest[update.Asset] = update
	return nil
}

func (c *fakeCache) GetLatest(ctx context.Context, asset string) (events.PriceUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	update, ok := c.latest[asset]
	if !ok {
		return events.PriceUpdate{}, cache.ErrNoPrice
	}
	return update, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	records map[string]storage.PriceRecord
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{records: make(map[string]storage.PriceRecord)}
}

func (h *fakeHistory) key(asset string, round *big.Int) string {
	return asset + "/" + round.String()
}

func (h *fakeHistory) InsertPriceRecord(ctx context.Context, rec storage.PriceRecord) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := h.key(rec.Asset, rec.RoundID)
	if _, ok := h.records[k]; ok {
		return false, nil
	}
	h.records[k] = rec
	return true, nil
}

func (h *fakeHistory) LatestPrice(ctx context.Context, asset string) (storage.PriceRecord, error) {
	return storage.PriceRecord{}, storage.ErrNotFound
}

func (h *fakeHistory) PriceHistoryBetween(ctx context.Context, asset string, from, to time.Time) ([]storage.PriceRecord, error) {
	return nil, nil
}

func (h *fakeHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

type fakePublisher struct {
	mu      sync.Mutex
	updates []events.PriceUpdate
}

func (p *fakePublisher) PublishPriceUpdate(ctx context.Context, update events.PriceUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
	return nil
}

func (p *fakePublisher) PublishDepegAlert(ctx context.Context, alert events.DepegAlert) error {
	return nil
}

func (p *fakePublisher) PublishTask(ctx context.Context, task events.TaskEvent) error {
	return nil
}

func (p *fakePublisher) PublishResponse(ctx context.Context, resp events.ResponseEvent) error {
	return nil
}

func (p *fakePublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.updates)
}

func reading(asset string, round int64) feeds.Reading {
	return feeds.Reading{
		Asset:     asset,
		RawValue:  big.NewInt(1_0000_0000),
		Decimals:  8,
		UpdatedAt: time.Unix(1_700_000_000, 0).UTC(),
		RoundID:   big.NewInt(round),
	}
}

func TestPollOncePartialFailure(t *testing.T) {
	client := &fakeFeedClient{
		readings: map[string]feeds.Reading{
			"USDC": reading("USDC", 1),
			"DAI":  reading("DAI", 1),
		},
		errs: map[string]error{"USDT": errors.New("rpc down")},
	}
	priceCache := newFakeCache()
	history := newFakeHistory()
	bus := &fakePublisher{}

	p := New(client, priceCache, history, bus, zerolog.Nop())
	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll with partial failure should not return error: %v", err)
	}

	if history.count() != 2 {
		t.Fatalf("expected 2 history rows, got %d", history.count())
	}
	if bus.published() != 2 {
		t.Fatalf("expected 2 published updates, got %d", bus.published())
	}
	if _, err := priceCache.GetLatest(context.Background(), "USDC"); err != nil {
		t.Fatalf("USDC should be cached: %v", err)
	}
	if _, err := priceCache.GetLatest(context.Background(), "USDT"); !errors.Is(err, cache.ErrNoPrice) {
		t.Fatalf("failed asset should not be cached, got %v", err)
	}
}

func TestPollOnceIdempotentRounds(t *testing.T) {
	client := &fakeFeedClient{
		readings: map[string]feeds.Reading{"USDC": reading("USDC", 42)},
	}
	history := newFakeHistory()
	p := New(client, newFakeCache(), history, &fakePublisher{}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if err := p.PollOnce(context.Background()); err != nil {
			t.Fatalf("poll %d failed: %v", i, err)
		}
	}

	if history.count() != 1 {
		t.Fatalf("same (asset, round) polled three times should persist once, got %d rows", history.count())
	}
}

func TestPollOnceSkipsWhileRunning(t *testing.T) {
	client := &fakeFeedClient{
		readings: map[string]feeds.Reading{"USDC": reading("USDC", 1)},
		block:    make(chan struct{}),
	}
	p := New(client, newFakeCache(), newFakeHistory(), &fakePublisher{}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.PollOnce(context.Background())
	}()

	// Wait until the first poll is in flight, then tick again.
	for client.fetches.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("overlapping poll should be a silent skip: %v", err)
	}
	if got := client.fetches.Load(); got != 1 {
		t.Fatalf("overlapping poll must not fetch, fetches=%d", got)
	}

	close(client.block)
	<-done
}
