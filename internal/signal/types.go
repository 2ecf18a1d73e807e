// Package signal validates and normalizes incoming trade signals before they
// reach sizing and execution.
package signal

import (
	"fmt"
	"strings"
)

// Signal is a trade recommendation as received from the feed. Raw field
// values are kept as sent; Normalize produces the canonical form used by the
// rest of the pipeline.
type Signal struct {
	ID          string   `json:"id,omitempty"`
	Pair        string   `json:"pair"`
	Side        string   `json:"side"`
	EntryPrice  float64  `json:"entry_price"`
	StopLoss    float64  `json:"stop_loss"`
	TakeProfit  float64  `json:"take_profit,omitempty"`
	TargetPrice float64  `json:"target_price,omitempty"` // alias for take_profit, wins when set
	Confidence  float64  `json:"confidence"`
	Regime      string   `json:"regime,omitempty"`
	Timestamp   int64    `json:"timestamp"`
	Signature   string   `json:"signature,omitempty"`
	Continuing  bool     `json:"continuing,omitempty"`
	Reasons     []string `json:"reasons,omitempty"`
}

// IsHold reports whether the signal recommends no trade.
func (s *Signal) IsHold() bool {
	return strings.EqualFold(s.Side, "hold")
}

// IsLong reports whether the signal opens or extends a long thesis.
func (s *Signal) IsLong() bool {
	side := strings.ToLower(s.Side)
	return side == "long" || side == "buy"
}

// Target returns the effective take-profit, preferring target_price.
func (s *Signal) Target() float64 {
	if s.TargetPrice > 0 {
		return s.TargetPrice
	}
	return s.TakeProfit
}

// Symbol returns the pair in canonical BASE/QUOTE form.
func (s *Signal) Symbol() string {
	return NormalizeSymbol(s.Pair)
}

// String renders a one-line summary for logs.
func (s *Signal) String() string {
	if s.IsHold() {
		return fmt.Sprintf("%s HOLD regime=%s", s.Symbol(), s.Regime)
	}
	return fmt.Sprintf("%s %s entry=%.4f sl=%.4f tp=%.4f conf=%.2f regime=%s",
		s.Symbol(), strings.ToUpper(s.Side), s.EntryPrice, s.StopLoss, s.Target(), s.Confidence, s.Regime)
}

// NormalizeSymbol upper-cases a pair and inserts the slash when the feed
// sends the compact form ("btcusdt" -> "BTC/USDT").
func NormalizeSymbol(pair string) string {
	p := strings.ToUpper(strings.TrimSpace(pair))
	if strings.Contains(p, "/") {
		return p
	}
	for _, quote := range []string{"USDT", "USDC", "BTC", "ETH"} {
		if strings.HasSuffix(p, quote) && len(p) > len(quote) {
			return p[:len(p)-len(quote)] + "/" + quote
		}
	}
	return p
}
