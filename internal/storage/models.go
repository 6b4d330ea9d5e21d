package storage

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// TaskType enumerates the verification task variants created on-chain.
type TaskType uint8

const (
	TaskTypePriceVerification TaskType = 0
	TaskTypeDepegDetection    TaskType = 1
	TaskTypeVolatilityCalc    TaskType = 2
	TaskTypeRiskAssessment    TaskType = 3
)

// String renders the on-chain enum name.
func (t TaskType) String() string {
	switch t {
	case TaskTypePriceVerification:
		return "PRICE_VERIFICATION"
	case TaskTypeDepegDetection:
		return "DEPEG_DETECTION"
	case TaskTypeVolatilityCalc:
		return "VOLATILITY_CALC"
	case TaskTypeRiskAssessment:
		return "RISK_ASSESSMENT"
	default:
		return "UNKNOWN"
	}
}

// Known reports whether the enum value maps to a handler.
func (t TaskType) Known() bool {
	return t <= TaskTypeRiskAssessment
}

// Task lifecycle statuses. Responded and failed are terminal.
const (
	TaskStatusPending   = "pending"
	TaskStatusResponded = "responded"
	TaskStatusFailed    = "failed"
)

// PriceRecord is one immutable feed observation keyed by (asset, round).
type PriceRecord struct {
	Asset     string
	RawValue  *big.Int
	Decimals  uint8
	UpdatedAt time.Time
	RoundID   *big.Int
	CreatedAt time.Time
}

// Normalized scales the raw answer by the feed's reported decimals.
func (p PriceRecord) Normalized() decimal.Decimal {
	if p.RawValue == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(p.RawValue, -int32(p.Decimals))
}

// DepegEvent records a detected peg deviation. ResolvedAt nil means active.
type DepegEvent struct {
	ID             int64
	Asset          string
	DepegBps       int64
	ObservedPrice  decimal.Decimal
	ReferencePrice decimal.Decimal
	DetectedAt     time.Time
	ResolvedAt     *time.Time
}

// Active reports whether the event has not been resolved yet.
func (e DepegEvent) Active() bool {
	return e.ResolvedAt == nil
}

// TaskRecord mirrors an on-chain task as seen by this operator.
type TaskRecord struct {
	TaskIndex   uint64
	TaskType    TaskType
	TaskData    []byte
	BlockNumber uint64
	Status      string
	CreatedAt   time.Time
}

// TaskResponseRecord is this operator's signed response to a task.
// Immutable once written; one row per (task_index, operator).
type TaskResponseRecord struct {
	TaskIndex uint64
	Operator  string
	Payload   []byte
	Signature []byte
	CreatedAt time.Time
}
