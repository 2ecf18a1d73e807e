// Package sizing converts validated signals into order quantities under the
// account's risk limits.
package sizing

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"trading-client/pkg/config"
)

var (
	ErrNoBalance    = errors.New("no balance available")
	ErrBelowMinimum = errors.New("position below minimum trade value")
)

// Hard ceiling on per-trade risk regardless of configuration.
const maxRiskPerTrade = 0.02

// Stop distance assumed when the signal's stop produces a degenerate value.
const fallbackStopDistancePct = 0.02

// Confidence floor applied so low-confidence entries still carry meaningful
// size once they clear validation.
const confidenceFloor = 0.5

// Result describes a computed position size.
type Result struct {
	Quantity        float64 `json:"quantity"`
	ValueUSDT       float64 `json:"usdt_value"`
	RiskAmount      float64 `json:"risk_amount"`
	StopDistancePct float64 `json:"stop_distance_pct"`
	PositionPct     float64 `json:"position_pct"`
}

// Sizer computes position sizes from balance, stop distance, confidence and
// market regime.
type Sizer struct {
	riskPerTrade   float64
	maxPositionPct float64
	tunables       *config.Tunables
	logger         *zap.Logger
}

// NewSizer builds a Sizer. riskPerTrade and maxPositionPct are fractions of
// balance; riskPerTrade is clamped to the hard ceiling.
func NewSizer(riskPerTrade, maxPositionPct float64, tun *config.Tunables, logger *zap.Logger) *Sizer {
	return &Sizer{
		riskPerTrade:   math.Min(riskPerTrade, maxRiskPerTrade),
		maxPositionPct: maxPositionPct,
		tunables:       tun,
		logger:         logger,
	}
}

// Size computes the order quantity for a trade. minTradeValue is the venue
// minimum in USDT (spot and futures differ).
func (s *Sizer) Size(balance, entry, stop, confidence float64, regime string, minTradeValue float64) (Result, error) {
	if balance <= 0 {
		return Result{}, fmt.Errorf("%w: %.2f USDT", ErrNoBalance, balance)
	}
	if balance < minTradeValue {
		return Result{}, fmt.Errorf("%w: balance %.2f under minimum %.2f", ErrBelowMinimum, balance, minTradeValue)
	}

	stopDistPct := fallbackStopDistancePct
	if entry > 0 {
		if d := math.Abs(entry-stop) / entry; d > 0 {
			stopDistPct = d
		}
	}

	// Risk scales down in choppy regimes and up in strong trends, and with
	// signal confidence above the floor.
	regimeMult := s.tunables.RegimeMultiplier(regime)
	effectiveRisk := s.riskPerTrade * math.Max(confidence, confidenceFloor) * regimeMult
	riskAmount := balance * effectiveRisk

	// Risk = size * stop distance, so size = risk / stop distance.
	sizeUSDT := riskAmount / stopDistPct

	maxUSDT := balance * s.maxPositionPct
	sizeUSDT = math.Min(sizeUSDT, maxUSDT)

	// Small accounts are sized by percentage instead of risk, otherwise
	// fees eat every profit.
	if balance < s.tunables.SmallAccountUSDT {
		minSize := balance * s.tunables.SmallAccountFloor
		if sizeUSDT < minSize {
			sizeUSDT = minSize
			s.logger.Info("small account sizing floor applied",
				zap.Float64("balance", balance),
				zap.Float64("size_usdt", sizeUSDT))
		}
	}

	if sizeUSDT < minTradeValue {
		// Snap up to the venue minimum when the account has headroom.
		if balance >= minTradeValue*1.2 {
			sizeUSDT = minTradeValue
		} else {
			return Result{}, fmt.Errorf("%w: %.2f under %.2f", ErrBelowMinimum, sizeUSDT, minTradeValue)
		}
	}

	return Result{
		Quantity:        sizeUSDT / entry,
		ValueUSDT:       sizeUSDT,
		RiskAmount:      riskAmount,
		StopDistancePct: stopDistPct,
		PositionPct:     sizeUSDT / balance,
	}, nil
}
