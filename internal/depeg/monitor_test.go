package depeg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/big14way/Bastion-sub002/internal/alerting"
	"github.com/big14way/Bastion-sub002/internal/cache"
	"github.com/big14way/Bastion-sub002/internal/events"
	"github.com/big14way/Bastion-sub002/internal/storage"
)

type fakeCache struct {
	latest map[string]events.PriceUpdate
}

func (c *fakeCache) SetLatest(ctx context.Context, update events.PriceUpdate) error {
	c.latest[update.Asset] = update
	return nil
}

func (c *fakeCache) GetLatest(ctx context.Context, asset string) (events.PriceUpdate, error) {
	update, ok := c.latest[asset]
	if !ok {
		return events.PriceUpdate{}, cache.ErrNoPrice
	}
	return update, nil
}

type fakeEventStore struct {
	active   map[string]*storage.DepegEvent
	inserts  int
	resolves int
	nextID   int64
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{active: make(map[string]*storage.DepegEvent)}
}

func (s *fakeEventStore) InsertDepegEvent(ctx context.Context, event storage.DepegEvent) (storage.DepegEvent, bool, error) {
	if _, ok := s.active[event.Asset]; ok {
		return storage.DepegEvent{}, false, nil
	}
	s.nextID++
	event.ID = s.nextID
	s.active[event.Asset] = &event
	s.inserts++
	return event, true, nil
}

func (s *fakeEventStore) ActiveDepegEvent(ctx context.Context, asset string) (*storage.DepegEvent, error) {
	return s.active[asset], nil
}

func (s *fakeEventStore) LatestActiveDepegEvent(ctx context.Context) (*storage.DepegEvent, error) {
	var latest *storage.DepegEvent
	for _, event := range s.active {
		if latest == nil || event.DetectedAt.After(latest.DetectedAt) {
			latest = event
		}
	}
	return latest, nil
}

func (s *fakeEventStore) ResolveDepegEvents(ctx context.Context, asset string, at time.Time) (int64, error) {
	if _, ok := s.active[asset]; !ok {
		return 0, nil
	}
	delete(s.active, asset)
	s.resolves++
	return 1, nil
}

type fakeBus struct {
	alerts []events.DepegAlert
}

func (b *fakeBus) PublishPriceUpdate(ctx context.Context, update events.PriceUpdate) error {
	return nil
}
func (b *fakeBus) PublishTask(ctx context.Context, task events.TaskEvent) error         { return nil }
func (b *fakeBus) PublishResponse(ctx context.Context, resp events.ResponseEvent) error { return nil }
func (b *fakeBus) PublishDepegAlert(ctx context.Context, alert events.DepegAlert) error {
	b.alerts = append(b.alerts, alert)
	return nil
}

type fakeNotifier struct {
	notes []alerting.Notification
}

func (n *fakeNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	n.notes = append(n.notes, note)
	return nil
}

func priceUpdate(asset, price string) events.PriceUpdate {
	d := decimal.RequireFromString(price)
	raw := d.Shift(8).Truncate(0)
	return events.PriceUpdate{
		Asset:     asset,
		RawValue:  raw.String(),
		Decimals:  8,
		UpdatedAt: time.Now().Unix(),
		RoundID:   "1",
		Price:     d.String(),
	}
}

func newTestMonitor(store *fakeEventStore, bus *fakeBus, notifier alerting.Notifier, refPrice string) (*Monitor, *fakeCache) {
	c := &fakeCache{latest: make(map[string]events.PriceUpdate)}
	if refPrice != "" {
		c.latest["USDT"] = priceUpdate("USDT", refPrice)
	}
	pegs := []Peg{{Asset: "USDC", Reference: "USDT", ThresholdBps: 2000}}
	return New(pegs, c, store, bus, notifier, zerolog.Nop()), c
}

func TestDeviationBpsSymmetric(t *testing.T) {
	cases := []struct {
		a, b string
		want int64
	}{
		{"2000", "1500", 2500},
		{"1", "1", 0},
		{"1.00", "0.98", 200},
		{"0.98", "1.00", 200},
		{"3", "1", 6666},
	}
	for _, tc := range cases {
		a := decimal.RequireFromString(tc.a)
		b := decimal.RequireFromString(tc.b)

		got, err := DeviationBps(a, b)
		if err != nil {
			t.Fatalf("DeviationBps(%s, %s): %v", tc.a, tc.b, err)
		}
		if got != tc.want {
			t.Fatalf("DeviationBps(%s, %s) = %d, want %d", tc.a, tc.b, got, tc.want)
		}

		swapped, err := DeviationBps(b, a)
		if err != nil {
			t.Fatalf("DeviationBps(%s, %s): %v", tc.b, tc.a, err)
		}
		if swapped != got {
			t.Fatalf("DeviationBps not symmetric: %d vs %d", got, swapped)
		}
	}
}

func TestDeviationBpsZeroReference(t *testing.T) {
	if _, err := DeviationBps(decimal.Zero, decimal.Zero); !errors.Is(err, ErrZeroReference) {
		t.Fatalf("expected ErrZeroReference, got %v", err)
	}
}

func TestHandleUpdateCreatesEvent(t *testing.T) {
	store := newFakeEventStore()
	bus := &fakeBus{}
	notifier := &fakeNotifier{}
	monitor, _ := newTestMonitor(store, bus, notifier, "2000.00")

	// Reference 2000, observed 1500: floor(500/2000*10000) = 2500 > 2000.
	if err := monitor.HandleUpdate(context.Background(), priceUpdate("USDC", "1500.00")); err != nil {
		t.Fatalf("HandleUpdate failed: %v", err)
	}

	if store.inserts != 1 {
		t.Fatalf("expected 1 depeg event, got %d", store.inserts)
	}
	event := store.active["USDC"]
	if event == nil || event.DepegBps != 2500 {
		t.Fatalf("expected active event with 2500 bps, got %+v", event)
	}
	if len(bus.alerts) != 1 || bus.alerts[0].DepegBps != 2500 {
		t.Fatalf("expected one published alert with 2500 bps, got %+v", bus.alerts)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.notes))
	}
}

func TestHandleUpdateBelowThresholdNoAlert(t *testing.T) {
	store := newFakeEventStore()
	bus := &fakeBus{}
	monitor, _ := newTestMonitor(store, bus, nil, "1.00")

	// 200 bps deviation, threshold 2000: no event.
	if err := monitor.HandleUpdate(context.Background(), priceUpdate("USDC", "0.98")); err != nil {
		t.Fatalf("HandleUpdate failed: %v", err)
	}
	if store.inserts != 0 || len(bus.alerts) != 0 {
		t.Fatal("deviation below threshold must not alert")
	}

	// Exactly at the threshold is not a breach: alert fires iff bps > threshold.
	if err := monitor.HandleUpdate(context.Background(), priceUpdate("USDC", "0.80")); err != nil {
		t.Fatalf("HandleUpdate failed: %v", err)
	}
	if store.inserts != 0 {
		t.Fatal("deviation equal to threshold must not alert")
	}
}

func TestHandleUpdateNoDuplicateActiveEvent(t *testing.T) {
	store := newFakeEventStore()
	bus := &fakeBus{}
	monitor, _ := newTestMonitor(store, bus, nil, "2000.00")

	for i := 0; i < 3; i++ {
		if err := monitor.HandleUpdate(context.Background(), priceUpdate("USDC", "1500.00")); err != nil {
			t.Fatalf("HandleUpdate %d failed: %v", i, err)
		}
	}

	if store.inserts != 1 {
		t.Fatalf("repeated breaches must keep exactly one active event, got %d", store.inserts)
	}
	if len(bus.alerts) != 1 {
		t.Fatalf("repeated breaches must alert once, got %d", len(bus.alerts))
	}
}

func TestHandleUpdateMissingReferenceSkips(t *testing.T) {
	store := newFakeEventStore()
	monitor, _ := newTestMonitor(store, &fakeBus{}, nil, "")

	if err := monitor.HandleUpdate(context.Background(), priceUpdate("USDC", "0.50")); err != nil {
		t.Fatalf("missing reference must be a silent no-op: %v", err)
	}
	if store.inserts != 0 {
		t.Fatal("no event without a reference reading")
	}
}

func TestHandleUpdateZeroReferenceFailsClosed(t *testing.T) {
	store := newFakeEventStore()
	monitor, c := newTestMonitor(store, &fakeBus{}, nil, "")
	c.latest["USDT"] = events.PriceUpdate{Asset: "USDT", RawValue: "0", Decimals: 8, RoundID: "1", Price: "0"}

	if err := monitor.HandleUpdate(context.Background(), priceUpdate("USDC", "0.50")); err != nil {
		t.Fatalf("zero reference must fail closed without surfacing an error: %v", err)
	}
	if store.inserts != 0 {
		t.Fatal("no alert on a degenerate reference")
	}
}

func TestHandleUpdateRecoveryResolvesOnce(t *testing.T) {
	store := newFakeEventStore()
	monitor, _ := newTestMonitor(store, &fakeBus{}, nil, "2000.00")

	if err := monitor.HandleUpdate(context.Background(), priceUpdate("USDC", "1500.00")); err != nil {
		t.Fatalf("breach failed: %v", err)
	}
	if len(store.active) != 1 {
		t.Fatal("expected an active event")
	}

	for i := 0; i < 2; i++ {
		if err := monitor.HandleUpdate(context.Background(), priceUpdate("USDC", "1990.00")); err != nil {
			t.Fatalf("recovery pass %d failed: %v", i, err)
		}
	}

	if len(store.active) != 0 {
		t.Fatal("event should be resolved after recovery")
	}
	if store.resolves != 1 {
		t.Fatalf("resolution must happen exactly once, got %d", store.resolves)
	}
}
