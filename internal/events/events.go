package events

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/big14way/Bastion-sub002/internal/storage"
)

// Channel names carried over the pub/sub bus.
const (
	ChannelPrices    = "bastion:prices"
	ChannelDepeg     = "bastion:depeg"
	ChannelTasks     = "bastion:tasks"
	ChannelResponses = "bastion:responses"
)

// PriceUpdate is the serialised form of a price reading, published after
// every successful poll and cached as the asset's latest value.
type PriceUpdate struct {
	Asset     string `json:"asset"`
	RawValue  string `json:"raw_value"`
	Decimals  uint8  `json:"decimals"`
	UpdatedAt int64  `json:"updated_at"`
	RoundID   string `json:"round_id"`
	Price     string `json:"price"`
}

// PriceUpdateFromRecord serialises a price record for the wire.
func PriceUpdateFromRecord(rec storage.PriceRecord) PriceUpdate {
	return PriceUpdate{
		Asset:     rec.Asset,
		RawValue:  rec.RawValue.String(),
		Decimals:  rec.Decimals,
		UpdatedAt: rec.UpdatedAt.Unix(),
		RoundID:   rec.RoundID.String(),
		Price:     rec.Normalized().String(),
	}
}

// Record parses the update back into a price record.
func (u PriceUpdate) Record() (storage.PriceRecord, error) {
	raw, ok := new(big.Int).SetString(u.RawValue, 10)
	if !ok {
		return storage.PriceRecord{}, fmt.Errorf("parse raw value %q", u.RawValue)
	}
	round, ok := new(big.Int).SetString(u.RoundID, 10)
	if !ok {
		return storage.PriceRecord{}, fmt.Errorf("parse round id %q", u.RoundID)
	}
	return storage.PriceRecord{
		Asset:     u.Asset,
		RawValue:  raw,
		Decimals:  u.Decimals,
		UpdatedAt: time.Unix(u.UpdatedAt, 0).UTC(),
		RoundID:   round,
	}, nil
}

// NormalizedPrice parses the pre-normalised price field.
func (u PriceUpdate) NormalizedPrice() (decimal.Decimal, error) {
	return decimal.NewFromString(u.Price)
}

// DepegAlert is published when a peg deviation crosses its threshold.
type DepegAlert struct {
	Asset          string `json:"asset"`
	DepegBps       int64  `json:"depeg_bps"`
	ObservedPrice  string `json:"observed_price"`
	ReferencePrice string `json:"reference_price"`
	DetectedAt     int64  `json:"detected_at"`
}

// AlertFromEvent serialises a depeg event for the wire.
func AlertFromEvent(event storage.DepegEvent) DepegAlert {
	return DepegAlert{
		Asset:          event.Asset,
		DepegBps:       event.DepegBps,
		ObservedPrice:  event.ObservedPrice.String(),
		ReferencePrice: event.ReferencePrice.String(),
		DetectedAt:     event.DetectedAt.Unix(),
	}
}

// TaskEvent is the inbound new-task notification. Delivery is at-least-once;
// consumers key idempotency off TaskIndex.
type TaskEvent struct {
	TaskIndex   uint64 `json:"task_index"`
	TaskType    uint8  `json:"task_type"`
	TaskData    []byte `json:"task_data"`
	BlockNumber uint64 `json:"block_number"`
}

// ResponseEvent is the outbound response-ready notification consumed by the
// submission relay. The operator's obligation ends at publishing it.
type ResponseEvent struct {
	TaskIndex uint64 `json:"task_index"`
	Operator  string `json:"operator"`
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"`
}
