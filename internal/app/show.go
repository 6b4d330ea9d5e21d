package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/big14way/Bastion-sub002/internal/storage"
)

// Show prints recent operator state: observed prices, depeg events, or
// signed task responses.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; nothing to show")
	}
	defer closeStore()

	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	switch opts.View {
	case "prices":
		return a.showPrices(ctx, store, opts.Limit)
	case "depegs":
		return a.showDepegEvents(ctx, store, opts.Limit)
	case "responses":
		return a.showResponses(ctx, store, opts.Limit)
	default:
		return fmt.Errorf("unknown view %q (expected prices, depegs, or responses)", opts.View)
	}
}

func (a *App) showPrices(ctx context.Context, store *storage.Store, limit int) error {
	records, err := store.ListRecentPrices(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no prices recorded")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Updated (UTC)\tAsset\tPrice\tRound\tDecimals")
	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\n",
			rec.UpdatedAt.UTC().Format(time.RFC3339),
			rec.Asset,
			rec.Normalized().String(),
			rec.RoundID.String(),
			rec.Decimals,
		)
	}
	return writer.Flush()
}

func (a *App) showDepegEvents(ctx context.Context, store *storage.Store, limit int) error {
	events, err := store.ListRecentDepegEvents(ctx, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stdout, "no depeg events recorded")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Detected (UTC)\tAsset\tDepeg (bps)\tObserved\tReference\tResolved (UTC)")
	for _, event := range events {
		resolved := "active"
		if event.ResolvedAt != nil {
			resolved = event.ResolvedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\t%s\t%s\n",
			event.DetectedAt.UTC().Format(time.RFC3339),
			event.Asset,
			event.DepegBps,
			event.ObservedPrice.String(),
			event.ReferencePrice.String(),
			resolved,
		)
	}
	return writer.Flush()
}

func (a *App) showResponses(ctx context.Context, store *storage.Store, limit int) error {
	responses, err := store.ListRecentResponses(ctx, limit)
	if err != nil {
		return err
	}
	if len(responses) == 0 {
		fmt.Fprintln(os.Stdout, "no task responses recorded")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tTask\tOperator\tSignature\tPayload")
	for _, resp := range responses {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\n",
			resp.CreatedAt.UTC().Format(time.RFC3339),
			resp.TaskIndex,
			resp.Operator,
			abbreviateHex(resp.Signature),
			string(resp.Payload),
		)
	}
	return writer.Flush()
}

func abbreviateHex(b []byte) string {
	encoded := hex.EncodeToString(b)
	if len(encoded) > 16 {
		return "0x" + encoded[:16] + "..."
	}
	return "0x" + encoded
}
