package position

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"trading-client/pkg/config"
)

// BreakerLimits are the loss thresholds that halt new entries.
type BreakerLimits struct {
	DailyLossPct   float64 // e.g. 0.10
	WeeklyLossPct  float64 // e.g. 0.30
	MaxConsecutive int
	MinWinRate     float64 // e.g. 0.30
	MinTrades      int     // win-rate check needs at least this many trades
	WindowTrades   int     // win rate measured over this many recent trades
}

// LimitsFromTunables maps the tunables file onto BreakerLimits.
func LimitsFromTunables(t *config.Tunables) BreakerLimits {
	return BreakerLimits{
		DailyLossPct:   t.DailyLossLimitPct,
		WeeklyLossPct:  t.WeeklyLossLimitPct,
		MaxConsecutive: t.MaxConsecutiveLoss,
		MinWinRate:     t.MinWinRate,
		MinTrades:      t.WinRateMinTrades,
		WindowTrades:   t.WinRateWindowTrades,
	}
}

// CheckCircuitBreaker decides whether new entries are allowed. Checks run in
// severity order: daily drawdown, weekly drawdown, consecutive losses, then
// win rate. Net P&L (after fees) drives the drawdown and loss-streak checks;
// the win rate counts gross winners.
func (s *Store) CheckCircuitBreaker(startingBalance float64, lim BreakerLimits) BreakerResult {
	s.mu.RLock()
	history := make([]ClosedTrade, len(s.history))
	copy(history, s.history)
	s.mu.RUnlock()

	now := s.now().UTC()
	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.Add(-7 * 24 * time.Hour)

	res := BreakerResult{TradingAllowed: true}

	for _, t := range history {
		if t.ExitTime.After(dayAgo) {
			res.DailyTrades++
			res.DailyPnL += t.PnLNet
		}
		if t.ExitTime.After(weekAgo) {
			res.WeeklyPnL += t.PnLNet
		}
	}
	if startingBalance > 0 {
		res.DailyPnLPct = res.DailyPnL / startingBalance
		res.WeeklyPnLPct = res.WeeklyPnL / startingBalance
	}

	for i := len(history) - 1; i >= 0; i-- {
		if history[i].PnLNet < 0 {
			res.ConsecutiveLosses++
		} else {
			break
		}
	}

	res.WinRate = 0.5
	var window []ClosedTrade
	if len(history) >= lim.MinTrades {
		start := len(history) - lim.WindowTrades
		if start < 0 {
			start = 0
		}
		window = history[start:]
		wins := 0
		for _, t := range window {
			if t.PnL > 0 {
				wins++
			}
		}
		res.WinRate = float64(wins) / float64(len(window))
	}

	trip := func(reason string) BreakerResult {
		res.TradingAllowed = false
		res.Reason = reason
		s.logger.Error("circuit breaker tripped", zap.String("reason", reason))
		return res
	}

	if res.DailyPnLPct < -lim.DailyLossPct {
		return trip(fmt.Sprintf("daily drawdown %.1f%% exceeds -%.0f%%",
			res.DailyPnLPct*100, lim.DailyLossPct*100))
	}
	if res.WeeklyPnLPct < -lim.WeeklyLossPct {
		return trip(fmt.Sprintf("weekly drawdown %.1f%% exceeds -%.0f%%",
			res.WeeklyPnLPct*100, lim.WeeklyLossPct*100))
	}
	if res.ConsecutiveLosses >= lim.MaxConsecutive {
		return trip(fmt.Sprintf("%d consecutive losses (max %d)",
			res.ConsecutiveLosses, lim.MaxConsecutive))
	}
	if len(window) >= lim.MinTrades && res.WinRate < lim.MinWinRate {
		return trip(fmt.Sprintf("win rate %.0f%% below %.0f%% over last %d trades",
			res.WinRate*100, lim.MinWinRate*100, len(window)))
	}
	return res
}

// DailySummary is today's realized results, measured from UTC midnight.
type DailySummary struct {
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	TotalPnL float64 `json:"total_pnl"`
	WinRate  float64 `json:"win_rate"`
}

// DailyPnL summarizes trades closed since UTC midnight.
func (s *Store) DailyPnL() DailySummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var sum DailySummary
	for _, t := range s.history {
		if t.ExitTime.Before(midnight) {
			continue
		}
		sum.Trades++
		sum.TotalPnL += t.PnLNet
		if t.PnL > 0 {
			sum.Wins++
		} else {
			sum.Losses++
		}
	}
	if sum.Trades > 0 {
		sum.WinRate = float64(sum.Wins) / float64(sum.Trades) * 100
	}
	return sum
}
