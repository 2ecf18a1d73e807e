// Package position tracks open positions, realized trade history and the
// circuit breakers that halt entries after sustained losses.
package position

import (
	"strings"
	"time"
)

// Direction is the thesis or holding direction of a position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// ParseDirection maps feed side strings onto a Direction.
func ParseDirection(side string) Direction {
	switch strings.ToLower(side) {
	case "short", "sell":
		return Short
	default:
		return Long
	}
}

// Opposite returns the flipped direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Position is one tracked holding. Side is what we actually hold; Thesis is
// the direction we are currently betting. On spot the two can diverge after
// a fee-free flip: we keep holding the asset but the stop and target invert.
type Position struct {
	Symbol      string    `json:"symbol"`
	Side        Direction `json:"side"`
	Thesis      Direction `json:"thesis"`
	ThesisEntry float64   `json:"thesis_entry"`
	EntryPrice  float64   `json:"entry_price"`
	Market      string    `json:"market"` // "spot" or "futures"
	Exchange    string    `json:"exchange"`
	Quantity    float64   `json:"quantity"`
	StopLoss    float64   `json:"stop_loss"`
	TakeProfit  float64   `json:"take_profit"`
	OrderID     string    `json:"order_id,omitempty"`
	SignalID    string    `json:"signal_id,omitempty"`
	Confidence  float64   `json:"confidence"`
	Regime      string    `json:"regime,omitempty"`
	EntryFee    float64   `json:"entry_fee"`
	EntryTime   time.Time `json:"entry_time"`
	FlipCount   int       `json:"flip_count"`
	LastFlip    time.Time `json:"last_flip,omitempty"`

	// Exit management, owned by the monitor.
	TPOrderID      string  `json:"tp_order_id,omitempty"`
	TrailingActive bool    `json:"trailing_active"`
	BreakevenMoved bool    `json:"breakeven_moved"`
	BestPrice      float64 `json:"best_price"`
	ExitFailures   int     `json:"exit_failures"`

	// Mark-to-market, refreshed each tick.
	CurrentPrice  float64 `json:"current_price"`
	PnL           float64 `json:"unrealized_pnl"`
	PnLPct        float64 `json:"unrealized_pnl_pct"`
	PnLNet        float64 `json:"unrealized_pnl_net"`
	PnLPctNet     float64 `json:"unrealized_pnl_pct_net"`
	EstimatedFees float64 `json:"estimated_fees"`
}

// Value returns the position's USDT value at entry.
func (p *Position) Value() float64 {
	return p.EntryPrice * p.Quantity
}

// Age reports how long the position has been open.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// ClosedTrade is a realized trade kept in the rolling history.
type ClosedTrade struct {
	Symbol     string    `json:"symbol"`
	Thesis     Direction `json:"thesis"`
	Market     string    `json:"market"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	PnL        float64   `json:"pnl"`     // gross
	PnLNet     float64   `json:"pnl_net"` // after fees
	Fees       float64   `json:"fees"`
	Reason     string    `json:"reason"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
}

// Stats summarizes the realized history.
type Stats struct {
	TotalTrades  int     `json:"total_trades"`
	WinCount     int     `json:"win_count"`
	LossCount    int     `json:"loss_count"`
	WinRate      float64 `json:"win_rate"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	ProfitFactor float64 `json:"profit_factor"`
	TotalPnL     float64 `json:"total_pnl"`
}

// BreakerResult is the outcome of a circuit-breaker check.
type BreakerResult struct {
	TradingAllowed    bool    `json:"trading_allowed"`
	Reason            string  `json:"reason,omitempty"`
	DailyTrades       int     `json:"daily_trades"`
	DailyPnL          float64 `json:"daily_pnl"`
	DailyPnLPct       float64 `json:"daily_pnl_pct"`
	WeeklyPnL         float64 `json:"weekly_pnl"`
	WeeklyPnLPct      float64 `json:"weekly_pnl_pct"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	WinRate           float64 `json:"win_rate"`
}

// RepairSummary reports what a validation pass changed.
type RepairSummary struct {
	Fixed   int      `json:"fixed"`
	Removed int      `json:"removed"`
	Symbols []string `json:"symbols"`
}
