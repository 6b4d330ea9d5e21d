package app

import (
	"context"
	"errors"
	"math/big"

	"github.com/big14way/Bastion-sub002/internal/feeds"
	"github.com/big14way/Bastion-sub002/internal/storage"
)

// Backfill walks an asset's aggregator rounds backwards from the latest one
// and persists any observation not already recorded. Rounds that the
// aggregator no longer serves are skipped.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.Asset == "" {
		return errors.New("--asset is required")
	}
	if opts.Rounds <= 0 {
		return errors.New("--rounds must be positive")
	}

	var store *storage.Store
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing will be written")
	} else {
		var closeStore func()
		var err error
		store, closeStore, err = a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn not configured; cannot backfill")
		}
		defer closeStore()
	}

	client := a.newFeedClient()

	latest, err := client.FetchLatest(ctx, opts.Asset)
	if err != nil {
		return err
	}

	inserted := 0
	skipped := 0
	failed := 0

	one := big.NewInt(1)
	roundID := new(big.Int).Set(latest.RoundID)
	for i := 0; i < opts.Rounds && roundID.Sign() > 0; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		reading, err := client.FetchRound(ctx, opts.Asset, roundID)
		roundID = new(big.Int).Sub(roundID, one)
		if err != nil {
			if errors.Is(err, feeds.ErrStaleRound) || errors.Is(err, feeds.ErrFeedUnavailable) {
				skipped++
				continue
			}
			failed++
			a.Logger.Error().Err(err).Str("asset", opts.Asset).Msg("round fetch failed")
			continue
		}

		if store == nil {
			inserted++
			continue
		}

		ok, err := store.InsertPriceRecord(ctx, storage.PriceRecord{
			Asset:     reading.Asset,
			RawValue:  reading.RawValue,
			Decimals:  reading.Decimals,
			UpdatedAt: reading.UpdatedAt,
			RoundID:   reading.RoundID,
		})
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("asset", opts.Asset).Msg("failed to persist round")
			continue
		}
		if ok {
			inserted++
		} else {
			skipped++
		}
	}

	a.Logger.Info().
		Str("asset", opts.Asset).
		Int("inserted", inserted).
		Int("skipped", skipped).
		Int("failed", failed).
		Msg("backfill complete")

	if failed > 0 {
		return errors.New("some rounds failed to backfill; check the logs")
	}
	return nil
}
