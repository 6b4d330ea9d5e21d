package tasks

import "errors"

var (
	// ErrNoPriceData means no stored reading exists for the requested asset.
	ErrNoPriceData = errors.New("tasks: no price data")
	// ErrInsufficientHistory means the lookback window holds fewer than two points.
	ErrInsufficientHistory = errors.New("tasks: insufficient history")
	// ErrMalformedTaskData means the task parameters failed to decode.
	ErrMalformedTaskData = errors.New("tasks: malformed task data")
)

// PriceVerificationParams decode PRICE_VERIFICATION task data.
type PriceVerificationParams struct {
	Asset string `json:"asset"`
}

// PriceVerificationResult is the signed payload for a price verification.
type PriceVerificationResult struct {
	Asset     string `json:"asset"`
	Price     string `json:"price"`
	RawValue  string `json:"raw_value"`
	Decimals  uint8  `json:"decimals"`
	Timestamp int64  `json:"timestamp"`
	Verified  bool   `json:"verified"`
}

// DepegDetectionParams decode DEPEG_DETECTION task data. Asset is optional;
// when empty the check spans all assets.
type DepegDetectionParams struct {
	Asset string `json:"asset,omitempty"`
}

// DepegDetectionResult is the signed payload for a depeg check.
type DepegDetectionResult struct {
	Depegged       bool   `json:"depegged"`
	Asset          string `json:"asset,omitempty"`
	DepegBps       int64  `json:"depeg_bps"`
	ObservedPrice  string `json:"observed_price,omitempty"`
	ReferencePrice string `json:"reference_price,omitempty"`
	DetectedAt     int64  `json:"detected_at,omitempty"`
	CheckedAt      int64  `json:"checked_at"`
}

// VolatilityParams decode VOLATILITY_CALC task data.
type VolatilityParams struct {
	Asset       string `json:"asset"`
	WindowHours int    `json:"window_hours"`
}

// VolatilityResult is the signed payload for a volatility calculation.
type VolatilityResult struct {
	Asset         string `json:"asset"`
	WindowHours   int    `json:"window_hours"`
	Samples       int    `json:"samples"`
	VolatilityBps int64  `json:"volatility_bps"`
	CheckedAt     int64  `json:"checked_at"`
}

// RiskAssessmentParams decode RISK_ASSESSMENT task data.
type RiskAssessmentParams struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// RiskAssessmentResult is the signed payload for a risk assessment.
type RiskAssessmentResult struct {
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	RiskScore     int64  `json:"risk_score"`
	IsDepegged    bool   `json:"is_depegged"`
	VolatilityBps int64  `json:"volatility_bps"`
	CheckedAt     int64  `json:"checked_at"`
}
