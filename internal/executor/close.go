package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trading-client/internal/events"
	"trading-client/internal/position"
	"trading-client/pkg/exchange"
)

// Exchanges reject sells whose notional is under roughly this value, so a
// position below it can only be dropped from tracking.
const minCloseNotional = 5.0

// CloseResult reports the outcome of closing one position.
type CloseResult struct {
	Closed    bool                  `json:"closed"`
	Cleaned   bool                  `json:"cleaned"` // removed from tracking without a sell
	Reason    string                `json:"reason,omitempty"`
	ExitPrice float64               `json:"exit_price,omitempty"`
	Quantity  float64               `json:"quantity,omitempty"`
	Trade     *position.ClosedTrade `json:"trade,omitempty"`
}

// ClosePosition exits a tracked position at market. The resting take-profit
// order is canceled first so the exchange cannot double-fill, and the sell
// quantity comes from the live balance rather than the stored one, which can
// drift after partial fills.
func (e *Executor) ClosePosition(ctx context.Context, pair, reason string) (CloseResult, error) {
	pos, ok := e.store.Get(pair)
	if !ok {
		return CloseResult{Reason: fmt.Sprintf("no position for %s", pair)}, nil
	}

	if pos.TPOrderID != "" {
		if err := e.client.CancelOrder(ctx, pos.TPOrderID, pair); err != nil {
			e.logger.Warn("take-profit cancel failed",
				zap.String("symbol", pair),
				zap.String("order_id", pos.TPOrderID),
				zap.Error(err))
		}
	}

	if pos.Market == string(exchange.MarketFutures) {
		return e.closeFutures(ctx, pos, reason)
	}
	return e.closeSpot(ctx, pos, reason)
}

func (e *Executor) closeSpot(ctx context.Context, pos position.Position, reason string) (CloseResult, error) {
	bal, err := e.client.AssetBalance(ctx, pos.Symbol, 1.0)
	if err != nil {
		return CloseResult{}, fmt.Errorf("asset balance: %w", err)
	}

	qty := pos.Quantity
	if bal.Total > 0 {
		// Leave 0.1% behind so rounding on the venue side never rejects
		// the sell for exceeding the balance.
		qty = bal.Total * 0.999
	}
	if qty <= 0 {
		e.logger.Warn("nothing to close, dropping stale position", zap.String("symbol", pos.Symbol))
		e.removeAndPublish(ctx, pos.Symbol, bal.Price, "stale")
		return CloseResult{Cleaned: true, Reason: "no balance behind position"}, nil
	}

	price := bal.Price
	if price > 0 && qty*price < minCloseNotional {
		e.logger.Warn("position under minimum notional, dropping from tracking",
			zap.String("symbol", pos.Symbol),
			zap.Float64("value", qty*price))
		e.removeAndPublish(ctx, pos.Symbol, price, reason)
		return CloseResult{Cleaned: true, Reason: "below minimum notional"}, nil
	}

	side := exchange.SideSell
	if pos.Side == position.Short {
		side = exchange.SideBuy
	}
	order, err := e.client.PlaceMarketOrder(ctx, pos.Symbol, side, qty)
	if err != nil {
		// A rejected or unfundable close means the tracked quantity no
		// longer matches reality; keeping the entry would wedge the slot.
		if k := exchange.KindOf(err); k == exchange.KindInvalidOrder || k == exchange.KindInsufficientFunds {
			e.logger.Warn("close rejected, dropping from tracking",
				zap.String("symbol", pos.Symbol), zap.Error(err))
			e.removeAndPublish(ctx, pos.Symbol, price, reason)
			return CloseResult{Cleaned: true, Reason: "close order rejected"}, nil
		}
		return CloseResult{}, fmt.Errorf("close %s: %w", pos.Symbol, err)
	}

	fill := order.FillPrice(price)
	trade := e.removeAndPublish(ctx, pos.Symbol, fill, reason)
	return CloseResult{Closed: true, ExitPrice: fill, Quantity: qty, Trade: trade, Reason: reason}, nil
}

func (e *Executor) closeFutures(ctx context.Context, pos position.Position, reason string) (CloseResult, error) {
	qty := pos.Quantity
	if fp, err := e.client.FuturesPosition(ctx, pos.Symbol); err == nil {
		if !fp.Exists() {
			e.logger.Warn("futures position already flat on exchange", zap.String("symbol", pos.Symbol))
			price, _ := exchange.CurrentPrice(ctx, e.client, pos.Symbol)
			e.removeAndPublish(ctx, pos.Symbol, price, "stale")
			return CloseResult{Cleaned: true, Reason: "no position on exchange"}, nil
		}
		if c := fp.Contracts; c != 0 {
			if c < 0 {
				c = -c
			}
			qty = c
		}
	}

	side := exchange.SideSell
	if pos.Side == position.Short {
		side = exchange.SideBuy
	}
	order, err := e.client.PlaceFuturesMarketOrder(ctx, pos.Symbol, side, qty)
	if err != nil {
		return CloseResult{}, fmt.Errorf("close futures %s: %w", pos.Symbol, err)
	}

	fill := order.FillPrice(pos.EntryPrice)
	trade := e.removeAndPublish(ctx, pos.Symbol, fill, reason)
	return CloseResult{Closed: true, ExitPrice: fill, Quantity: qty, Trade: trade, Reason: reason}, nil
}

func (e *Executor) removeAndPublish(ctx context.Context, symbol string, exitPrice float64, reason string) *position.ClosedTrade {
	trade := e.store.Remove(ctx, symbol, exitPrice, reason)
	if trade == nil {
		return nil
	}
	e.bus.Publish(events.EventPositionClosed, events.PositionEvent{
		Symbol: symbol, Side: string(trade.Thesis), MarketType: trade.Market,
		EntryPrice: trade.EntryPrice, ExitPrice: trade.ExitPrice,
		Quantity: trade.Quantity, PnL: trade.PnLNet, Reason: reason,
		At: e.now().UTC(),
	})
	return trade
}

// CloseAllSummary aggregates a close-everything sweep.
type CloseAllSummary struct {
	Attempted int                    `json:"attempted"`
	Closed    int                    `json:"closed"`
	Cleaned   int                    `json:"cleaned"`
	Results   map[string]CloseResult `json:"results"`
	Errors    map[string]string      `json:"errors,omitempty"`
}

// CloseAllPositions closes every tracked position, continuing past
// per-symbol failures.
func (e *Executor) CloseAllPositions(ctx context.Context, reason string) CloseAllSummary {
	sum := CloseAllSummary{
		Results: make(map[string]CloseResult),
		Errors:  make(map[string]string),
	}
	for _, pos := range e.store.All() {
		sum.Attempted++
		res, err := e.ClosePosition(ctx, pos.Symbol, reason)
		if err != nil {
			e.logger.Error("close failed", zap.String("symbol", pos.Symbol), zap.Error(err))
			sum.Errors[pos.Symbol] = err.Error()
			continue
		}
		sum.Results[pos.Symbol] = res
		if res.Closed {
			sum.Closed++
		}
		if res.Cleaned {
			sum.Cleaned++
		}
	}
	return sum
}

// LiquidationLine is one position in a liquidation plan.
type LiquidationLine struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Value    float64 `json:"value"`
	Fee      float64 `json:"fee"`
}

// LiquidationSummary reports a force-liquidation pass.
type LiquidationSummary struct {
	EstimateOnly  bool              `json:"estimate_only"`
	Lines         []LiquidationLine `json:"lines"`
	TotalValue    float64           `json:"total_value"`
	EstimatedFees float64           `json:"estimated_fees"`
	Closed        int               `json:"closed"`
	ActualFees    float64           `json:"actual_fees"`
	USDTRecovered float64           `json:"usdt_recovered"`
	Errors        map[string]string `json:"errors,omitempty"`
}

// ForceLiquidateAllToUSDT market-sells every tracked spot holding. Futures
// positions are skipped; they carry their own margin and exit orders. With
// estimateOnly the plan and its fee cost are computed without trading.
func (e *Executor) ForceLiquidateAllToUSDT(ctx context.Context, estimateOnly bool) LiquidationSummary {
	sum := LiquidationSummary{EstimateOnly: estimateOnly, Errors: make(map[string]string)}
	feeRate := e.tunables.FeeRate(e.client.Name())

	for _, pos := range e.store.All() {
		if pos.Market == string(exchange.MarketFutures) {
			e.logger.Info("liquidation skipping futures position", zap.String("symbol", pos.Symbol))
			continue
		}
		price, err := exchange.CurrentPrice(ctx, e.client, pos.Symbol)
		if err != nil {
			sum.Errors[pos.Symbol] = err.Error()
			continue
		}
		value := price * pos.Quantity
		sum.Lines = append(sum.Lines, LiquidationLine{
			Symbol: pos.Symbol, Quantity: pos.Quantity, Price: price,
			Value: value, Fee: value * feeRate,
		})
		sum.TotalValue += value
		sum.EstimatedFees += value * feeRate
	}

	e.logger.Warn("force liquidation plan",
		zap.Int("positions", len(sum.Lines)),
		zap.Float64("total_value", sum.TotalValue),
		zap.Float64("estimated_fees", sum.EstimatedFees),
		zap.Bool("estimate_only", estimateOnly))
	if estimateOnly {
		return sum
	}

	// Resting take-profit and stop orders hold the balance the sells need;
	// sweep them off the book first.
	if open, err := e.client.OpenOrders(ctx, ""); err != nil {
		e.logger.Warn("open-order sweep failed before liquidation", zap.Error(err))
	} else {
		for _, o := range open {
			if err := e.client.CancelOrder(ctx, o.ID, o.Symbol); err != nil {
				e.logger.Warn("cancel before liquidation failed",
					zap.String("symbol", o.Symbol),
					zap.String("order_id", o.ID),
					zap.Error(err))
			}
		}
	}

	for _, line := range sum.Lines {
		bal, err := e.client.AssetBalance(ctx, line.Symbol, 1.0)
		if err != nil {
			sum.Errors[line.Symbol] = err.Error()
			continue
		}
		if !bal.HasAsset {
			e.logger.Warn("no balance behind position, dropping", zap.String("symbol", line.Symbol))
			e.removeAndPublish(ctx, line.Symbol, line.Price, "liquidation")
			continue
		}
		qty := bal.Total * 0.999
		order, err := e.client.PlaceMarketOrder(ctx, line.Symbol, exchange.SideSell, qty)
		if err != nil {
			e.logger.Error("liquidation sell failed", zap.String("symbol", line.Symbol), zap.Error(err))
			sum.Errors[line.Symbol] = err.Error()
			continue
		}
		fill := order.FillPrice(line.Price)
		value := fill * qty
		fee := value * feeRate
		sum.ActualFees += fee
		sum.USDTRecovered += value - fee
		sum.Closed++
		e.removeAndPublish(ctx, line.Symbol, fill, "liquidation")
	}

	e.logger.Info("force liquidation complete",
		zap.Int("closed", sum.Closed),
		zap.Float64("fees", sum.ActualFees),
		zap.Float64("usdt_recovered", sum.USDTRecovered))
	return sum
}
