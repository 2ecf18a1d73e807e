package position

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"trading-client/pkg/exchange"
)

// ValidateAndFix scans every position, repairing stops and targets on the
// wrong side of the thesis entry and dropping entries too corrupted to use.
// Rebuilt levels sit stopPct and targetPct away from the thesis entry. When
// expectedExchange is set, positions recorded against another venue are
// removed rather than repaired.
func (s *Store) ValidateAndFix(ctx context.Context, expectedExchange string, stopPct, targetPct float64) RepairSummary {
	var sum RepairSummary

	s.mu.Lock()
	for symbol, p := range s.positions {
		if expectedExchange != "" && p.Exchange != expectedExchange {
			s.logger.Warn("removing position from another exchange",
				zap.String("symbol", symbol),
				zap.String("position_exchange", p.Exchange),
				zap.String("connected", expectedExchange))
			delete(s.positions, symbol)
			sum.Removed++
			continue
		}
		if p.Side == "" || p.Quantity <= 0 || p.ThesisEntry <= 0 {
			s.logger.Warn("removing corrupted position",
				zap.String("symbol", symbol),
				zap.Float64("quantity", p.Quantity),
				zap.Float64("thesis_entry", p.ThesisEntry))
			delete(s.positions, symbol)
			sum.Removed++
			continue
		}

		entry := p.ThesisEntry
		if p.Thesis == Long {
			if p.StopLoss >= entry {
				old := p.StopLoss
				p.StopLoss = entry * (1 - stopPct)
				s.logger.Warn("repaired long stop",
					zap.String("symbol", symbol),
					zap.Float64("from", old), zap.Float64("to", p.StopLoss))
				sum.Fixed++
			}
			if p.TakeProfit <= entry {
				old := p.TakeProfit
				p.TakeProfit = entry * (1 + targetPct)
				s.logger.Warn("repaired long target",
					zap.String("symbol", symbol),
					zap.Float64("from", old), zap.Float64("to", p.TakeProfit))
				sum.Fixed++
			}
		} else {
			if p.StopLoss <= entry {
				old := p.StopLoss
				p.StopLoss = entry * (1 + stopPct)
				s.logger.Warn("repaired short stop",
					zap.String("symbol", symbol),
					zap.Float64("from", old), zap.Float64("to", p.StopLoss))
				sum.Fixed++
			}
			if p.TakeProfit >= entry {
				old := p.TakeProfit
				p.TakeProfit = entry * (1 - targetPct)
				s.logger.Warn("repaired short target",
					zap.String("symbol", symbol),
					zap.Float64("from", old), zap.Float64("to", p.TakeProfit))
				sum.Fixed++
			}
		}
	}
	for symbol := range s.positions {
		sum.Symbols = append(sum.Symbols, symbol)
	}
	s.mu.Unlock()

	if sum.Fixed > 0 || sum.Removed > 0 {
		s.logger.Info("position validation",
			zap.Int("fixed", sum.Fixed), zap.Int("removed", sum.Removed))
		s.persist(ctx)
	}
	return sum
}

// BalanceSource is the slice of the exchange client orphan import needs.
type BalanceSource interface {
	Name() string
	AllBalances(ctx context.Context, minValueUSDT float64) (map[string]exchange.AssetBalance, error)
}

// ImportResult summarizes an orphan import pass.
type ImportResult struct {
	Imported      []string `json:"imported"`
	Skipped       []string `json:"skipped"`
	Errors        []string `json:"errors"`
	ImportedValue float64  `json:"imported_value"`
}

// ImportOrphans adopts spot holdings the exchange reports but the store does
// not track, so manual buys and leftovers from crashes get managed exits.
// The current price stands in for the unknown entry, with wide default
// levels around it.
func (s *Store) ImportOrphans(ctx context.Context, src BalanceSource, minValueUSDT, defaultStopPct, defaultTargetPct float64) ImportResult {
	var res ImportResult

	balances, err := src.AllBalances(ctx, minValueUSDT)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		s.logger.Error("orphan import: balance fetch failed", zap.Error(err))
		return res
	}

	for currency, bal := range balances {
		if strings.EqualFold(currency, "USDT") {
			continue
		}
		symbol := strings.ToUpper(currency) + "/USDT"
		if s.Has(symbol) {
			res.Skipped = append(res.Skipped, symbol)
			continue
		}
		if bal.Price <= 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: no price", symbol))
			continue
		}

		// We hold the asset, so the orphan is a long.
		s.Add(ctx, Position{
			Symbol:     symbol,
			Side:       Long,
			EntryPrice: bal.Price,
			Quantity:   bal.Free,
			StopLoss:   bal.Price * (1 - defaultStopPct),
			TakeProfit: bal.Price * (1 + defaultTargetPct),
			Market:     "spot",
			Exchange:   src.Name(),
		})
		res.Imported = append(res.Imported, symbol)
		res.ImportedValue += bal.USDTValue

		s.logger.Info("imported orphaned holding",
			zap.String("symbol", symbol),
			zap.Float64("quantity", bal.Free),
			zap.Float64("price", bal.Price),
			zap.Float64("value", bal.USDTValue))
	}

	s.logger.Info("orphan import complete",
		zap.Int("imported", len(res.Imported)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("errors", len(res.Errors)))
	return res
}
