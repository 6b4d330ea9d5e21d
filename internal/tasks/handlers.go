package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/big14way/Bastion-sub002/internal/storage"
)

// Annualization assumes a fixed hourly sampling cadence regardless of the
// actual spacing of stored points.
const periodsPerYear = 24 * 365

const (
	depegRiskWeight   = 50
	maxVolatilityRisk = 50
)

// Handlers computes the typed result for each task variant. Handlers only
// read; all writes belong to the dispatcher.
type Handlers struct {
	prices       storage.PriceHistoryStore
	depegEvents  storage.DepegEventStore
	riskLookback time.Duration
	logger       zerolog.Logger
	now          func() time.Time
}

// NewHandlers constructs the handler set.
func NewHandlers(prices storage.PriceHistoryStore, depegEvents storage.DepegEventStore, riskLookback time.Duration, logger zerolog.Logger) *Handlers {
	if riskLookback <= 0 {
		riskLookback = 24 * time.Hour
	}
	return &Handlers{
		prices:       prices,
		depegEvents:  depegEvents,
		riskLookback: riskLookback,
		logger:       logger.With().Str("component", "task_handlers").Logger(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Handle runs the handler for the task's type and returns the encoded
// response payload. The caller guarantees the type is known.
func (h *Handlers) Handle(ctx context.Context, task storage.TaskRecord) ([]byte, error) {
	switch task.TaskType {
	case storage.TaskTypePriceVerification:
		return h.handlePriceVerification(ctx, task.TaskData)
	case storage.TaskTypeDepegDetection:
		return h.handleDepegDetection(ctx, task.TaskData)
	case storage.TaskTypeVolatilityCalc:
		return h.handleVolatilityCalc(ctx, task.TaskData)
	case storage.TaskTypeRiskAssessment:
		return h.handleRiskAssessment(ctx, task.TaskData)
	default:
		return nil, fmt.Errorf("no handler for task type %d", task.TaskType)
	}
}

func (h *Handlers) handlePriceVerification(ctx context.Context, data []byte) ([]byte, error) {
	var params PriceVerificationParams
	if err := json.Unmarshal(data, &params); err != nil || params.Asset == "" {
		return nil, fmt.Errorf("%w: price verification params", ErrMalformedTaskData)
	}

	rec, err := h.prices.LatestPrice(ctx, params.Asset)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoPriceData, params.Asset)
		}
		return nil, fmt.Errorf("read latest price: %w", err)
	}

	return json.Marshal(PriceVerificationResult{
		Asset:     rec.Asset,
		Price:     rec.Normalized().String(),
		RawValue:  rec.RawValue.String(),
		Decimals:  rec.Decimals,
		Timestamp: rec.UpdatedAt.Unix(),
		Verified:  true,
	})
}

// handleDepegDetection reports the active depeg event for the named asset,
// or the most recently detected active event across all assets when the
// task names none.
func (h *Handlers) handleDepegDetection(ctx context.Context, data []byte) ([]byte, error) {
	var params DepegDetectionParams
	if len(data) > 0 {
		if err := json.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("%w: depeg detection params", ErrMalformedTaskData)
		}
	}

	var event *storage.DepegEvent
	var err error
	if params.Asset != "" {
		event, err = h.depegEvents.ActiveDepegEvent(ctx, params.Asset)
	} else {
		event, err = h.depegEvents.LatestActiveDepegEvent(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("read active depeg event: %w", err)
	}

	checkedAt := h.now().Unix()
	if event == nil {
		return json.Marshal(DepegDetectionResult{
			Depegged:  false,
			Asset:     params.Asset,
			DepegBps:  0,
			CheckedAt: checkedAt,
		})
	}

	return json.Marshal(DepegDetectionResult{
		Depegged:       true,
		Asset:          event.Asset,
		DepegBps:       event.DepegBps,
		ObservedPrice:  event.ObservedPrice.String(),
		ReferencePrice: event.ReferencePrice.String(),
		DetectedAt:     event.DetectedAt.Unix(),
		CheckedAt:      checkedAt,
	})
}

func (h *Handlers) handleVolatilityCalc(ctx context.Context, data []byte) ([]byte, error) {
	var params VolatilityParams
	if err := json.Unmarshal(data, &params); err != nil || params.Asset == "" || params.WindowHours <= 0 {
		return nil, fmt.Errorf("%w: volatility params", ErrMalformedTaskData)
	}

	now := h.now()
	from := now.Add(-time.Duration(params.WindowHours) * time.Hour)
	records, err := h.prices.PriceHistoryBetween(ctx, params.Asset, from, now)
	if err != nil {
		return nil, fmt.Errorf("read price history: %w", err)
	}

	volBps, err := VolatilityBps(records)
	if err != nil {
		return nil, err
	}

	return json.Marshal(VolatilityResult{
		Asset:         params.Asset,
		WindowHours:   params.WindowHours,
		Samples:       len(records),
		VolatilityBps: volBps,
		CheckedAt:     now.Unix(),
	})
}

func (h *Handlers) handleRiskAssessment(ctx context.Context, data []byte) ([]byte, error) {
	var params RiskAssessmentParams
	if err := json.Unmarshal(data, &params); err != nil || params.Asset == "" {
		return nil, fmt.Errorf("%w: risk assessment params", ErrMalformedTaskData)
	}

	event, err := h.depegEvents.ActiveDepegEvent(ctx, params.Asset)
	if err != nil {
		return nil, fmt.Errorf("read active depeg event: %w", err)
	}
	depegged := event != nil

	now := h.now()
	records, err := h.prices.PriceHistoryBetween(ctx, params.Asset, now.Add(-h.riskLookback), now)
	if err != nil {
		return nil, fmt.Errorf("read price history: %w", err)
	}

	// Too little history means no volatility contribution, not a failure;
	// the depeg flag alone can still score.
	volBps := int64(0)
	if bps, volErr := VolatilityBps(records); volErr == nil {
		volBps = bps
	} else if !errors.Is(volErr, ErrInsufficientHistory) {
		return nil, volErr
	}

	score := int64(0)
	if depegged {
		score += depegRiskWeight
	}
	volPoints := volBps / 100
	if volPoints > maxVolatilityRisk {
		volPoints = maxVolatilityRisk
	}
	score += volPoints

	return json.Marshal(RiskAssessmentResult{
		Asset:         params.Asset,
		Amount:        params.Amount,
		RiskScore:     score,
		IsDepegged:    depegged,
		VolatilityBps: volBps,
		CheckedAt:     now.Unix(),
	})
}

// VolatilityBps computes annualized realized volatility in basis points
// from time-ascending price records: the population standard deviation of
// log-returns, annualized by sqrt(periodsPerYear) for the assumed hourly
// cadence. Intermediate math runs in float64 and the final value is
// floored, so results only ever round down.
func VolatilityBps(records []storage.PriceRecord) (int64, error) {
	if len(records) < 2 {
		return 0, fmt.Errorf("%w: need at least 2 points, have %d", ErrInsufficientHistory, len(records))
	}

	returns := make([]float64, 0, len(records)-1)
	prev := records[0].Normalized().InexactFloat64()
	for _, rec := range records[1:] {
		cur := rec.Normalized().InexactFloat64()
		if prev <= 0 || cur <= 0 {
			return 0, fmt.Errorf("%w: non-positive price in window", ErrInsufficientHistory)
		}
		returns = append(returns, math.Log(cur/prev))
		prev = cur
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))

	annualized := math.Sqrt(variance) * math.Sqrt(periodsPerYear)
	return int64(math.Floor(annualized * 10000)), nil
}
