package depeg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/big14way/Bastion-sub002/internal/alerting"
	"github.com/big14way/Bastion-sub002/internal/cache"
	"github.com/big14way/Bastion-sub002/internal/events"
	"github.com/big14way/Bastion-sub002/internal/storage"
)

// ErrZeroReference marks a degenerate reference price. The monitor fails
// closed on it: no alert, an error log, nothing else.
var ErrZeroReference = errors.New("depeg: zero reference price")

var tenThousand = decimal.NewFromInt(10000)

// Peg pairs a pegged asset with its reference asset and threshold.
type Peg struct {
	Asset        string
	Reference    string
	ThresholdBps int64
}

// Monitor watches price updates for pegged assets and maintains the
// one-active-event-per-asset depeg record invariant.
type Monitor struct {
	pegs     map[string]Peg
	cache    cache.PriceCache
	store    storage.DepegEventStore
	bus      events.Publisher
	notifier alerting.Notifier
	logger   zerolog.Logger
}

// New constructs a Monitor. notifier may be nil when no alert channel is configured.
func New(pegs []Peg, priceCache cache.PriceCache, store storage.DepegEventStore, bus events.Publisher, notifier alerting.Notifier, logger zerolog.Logger) *Monitor {
	byAsset := make(map[string]Peg, len(pegs))
	for _, peg := range pegs {
		byAsset[peg.Asset] = peg
	}
	return &Monitor{
		pegs:     byAsset,
		cache:    priceCache,
		store:    store,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With().Str("component", "depeg_monitor").Logger(),
	}
}

// DeviationBps is the absolute relative difference between two prices in
// basis points, floored to an integer. The larger price is the denominator,
// which makes the result symmetric in its arguments.
func DeviationBps(reference, observed decimal.Decimal) (int64, error) {
	if reference.Sign() <= 0 || observed.Sign() <= 0 {
		return 0, ErrZeroReference
	}
	denom := reference
	if observed.GreaterThan(denom) {
		denom = observed
	}
	diff := reference.Sub(observed).Abs()
	return diff.Mul(tenThousand).Div(denom).Truncate(0).IntPart(), nil
}

// Run consumes price updates until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, sub events.Subscriber) error {
	updates, err := sub.SubscribePriceUpdates(ctx)
	if err != nil {
		return fmt.Errorf("subscribe price updates: %w", err)
	}

	m.logger.Info().Int("pegs", len(m.pegs)).Msg("depeg monitor started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := m.HandleUpdate(ctx, update); err != nil {
				m.logger.Error().Err(err).Str("asset", update.Asset).Msg("failed to process price update")
			}
		}
	}
}

// HandleUpdate evaluates one price update against its peg. Updates for
// assets without a configured peg are ignored; a missing reference reading
// is a silent precondition no-op.
func (m *Monitor) HandleUpdate(ctx context.Context, update events.PriceUpdate) error {
	peg, ok := m.pegs[update.Asset]
	if !ok {
		return nil
	}

	refUpdate, err := m.cache.GetLatest(ctx, peg.Reference)
	if err != nil {
		if errors.Is(err, cache.ErrNoPrice) {
			m.logger.Debug().Str("asset", update.Asset).Str("reference", peg.Reference).Msg("no reference reading cached; skipping")
			return nil
		}
		return fmt.Errorf("read reference price: %w", err)
	}

	observed, err := update.NormalizedPrice()
	if err != nil {
		return fmt.Errorf("parse observed price: %w", err)
	}
	reference, err := refUpdate.NormalizedPrice()
	if err != nil {
		return fmt.Errorf("parse reference price: %w", err)
	}

	bps, err := DeviationBps(reference, observed)
	if err != nil {
		// Fail closed on a degenerate reference: log, no alert.
		m.logger.Error().Err(err).Str("asset", update.Asset).Msg("degenerate reference price")
		return nil
	}

	if bps > peg.ThresholdBps {
		return m.raise(ctx, peg, observed, reference, bps)
	}
	return m.recover(ctx, peg, bps)
}

// raise creates and publishes a depeg event unless one is already active.
// An active event is left immutable on repeated breaches.
func (m *Monitor) raise(ctx context.Context, peg Peg, observed, reference decimal.Decimal, bps int64) error {
	active, err := m.store.ActiveDepegEvent(ctx, peg.Asset)
	if err != nil {
		return fmt.Errorf("check active depeg event: %w", err)
	}
	if active != nil {
		m.logger.Debug().Str("asset", peg.Asset).Int64("depeg_bps", bps).Msg("depeg already active")
		return nil
	}

	event := storage.DepegEvent{
		Asset:          peg.Asset,
		DepegBps:       bps,
		ObservedPrice:  observed,
		ReferencePrice: reference,
		DetectedAt:     time.Now().UTC(),
	}

	event, created, err := m.store.InsertDepegEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("persist depeg event: %w", err)
	}
	if !created {
		// Lost the race against a concurrent monitor pass; the winner alerts.
		m.logger.Debug().Str("asset", peg.Asset).Msg("depeg event created elsewhere")
		return nil
	}

	m.logger.Warn().
		Str("asset", peg.Asset).
		Int64("depeg_bps", bps).
		Str("observed", observed.String()).
		Str("reference", reference.String()).
		Msg("depeg detected")

	if err := m.bus.PublishDepegAlert(ctx, events.AlertFromEvent(event)); err != nil {
		m.logger.Error().Err(err).Str("asset", peg.Asset).Msg("failed to publish depeg alert")
	}

	if m.notifier != nil {
		note := alerting.Notification{
			Asset:          peg.Asset,
			DepegBps:       bps,
			ThresholdBps:   peg.ThresholdBps,
			ObservedPrice:  observed,
			ReferencePrice: reference,
			ReferenceAsset: peg.Reference,
			DetectedAt:     event.DetectedAt,
		}
		if err := m.notifier.Notify(ctx, note); err != nil {
			m.logger.Error().Err(err).Str("asset", peg.Asset).Msg("failed to dispatch depeg notification")
		}
	}
	return nil
}

// recover resolves an active event once deviation is back within threshold.
// The storage guard makes resolution exactly-once.
func (m *Monitor) recover(ctx context.Context, peg Peg, bps int64) error {
	resolved, err := m.store.ResolveDepegEvents(ctx, peg.Asset, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("resolve depeg events: %w", err)
	}
	if resolved > 0 {
		m.logger.Info().Str("asset", peg.Asset).Int64("depeg_bps", bps).Msg("depeg recovered")
	}
	return nil
}
