package feeds

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrFeedUnavailable marks a transient source failure; the next poll cycle retries.
	ErrFeedUnavailable = errors.New("feeds: feed unavailable")
	// ErrStaleRound marks an internally inconsistent or unanswered round.
	ErrStaleRound = errors.New("feeds: stale round")
	// ErrUnknownAsset marks an asset with no configured feed.
	ErrUnknownAsset = errors.New("feeds: unknown asset")
)

// Reading is one observation from an external price source. RawValue and
// Decimals come back exactly as the source reports them; normalisation is
// the caller's job.
type Reading struct {
	Asset     string
	RawValue  *big.Int
	Decimals  uint8
	UpdatedAt time.Time
	RoundID   *big.Int
}

// Normalized scales the raw answer by the reported decimals.
func (r Reading) Normalized() decimal.Decimal {
	if r.RawValue == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(r.RawValue, -int32(r.Decimals))
}

// Client retrieves readings from external price sources. Implementations do
// not retry; retry policy belongs to the poller.
type Client interface {
	// FetchLatest returns the source's latest reading for an asset.
	FetchLatest(ctx context.Context, asset string) (Reading, error)
	// FetchRound returns a specific historical round for an asset.
	FetchRound(ctx context.Context, asset string, roundID *big.Int) (Reading, error)
	// Assets lists the assets this client is configured for.
	Assets() []string
}
