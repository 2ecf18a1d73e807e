package events

import "time"

// Event enumerates high-level topics inside the trading client.
type Event string

const (
	EventSignalAccepted  Event = "signal.accepted"
	EventSignalRejected  Event = "signal.rejected"
	EventPositionOpened  Event = "position.opened"
	EventPositionFlipped Event = "position.flipped"
	EventPositionClosed  Event = "position.closed"
	EventStopUpdated     Event = "position.stop_updated"
	EventRiskAlert       Event = "risk_alert"
	EventExitFailed      Event = "exit.failed"
)

// SignalEvent reports the outcome of signal validation.
type SignalEvent struct {
	SignalID string    `json:"signal_id"`
	Pair     string    `json:"pair"`
	Side     string    `json:"side"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// PositionEvent describes a lifecycle transition of a position.
type PositionEvent struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	MarketType string    `json:"market_type"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price,omitempty"`
	Quantity   float64   `json:"quantity"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	PnL        float64   `json:"pnl,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// StopEvent reports a stop-loss move (trailing, breakeven, repair).
type StopEvent struct {
	Symbol  string    `json:"symbol"`
	OldStop float64   `json:"old_stop"`
	NewStop float64   `json:"new_stop"`
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
}

// RiskEvent signals a tripped circuit breaker or other risk halt.
type RiskEvent struct {
	Code   string    `json:"code"`
	Detail string    `json:"detail"`
	Halted bool      `json:"halted"`
	At     time.Time `json:"at"`
}
