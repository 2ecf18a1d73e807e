package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trading-client/internal/events"
	"trading-client/internal/position"
	"trading-client/internal/signal"
	"trading-client/pkg/exchange"
)

// adjustLevels rebases the stop and target onto the actual fill price,
// preserving the signal's percentage distances. Slippage can otherwise leave
// a stop on the wrong side of the fill; when that happens the level is forced
// to a sane distance instead.
func adjustLevels(dir position.Direction, signalEntry, fill, stop, target float64) (float64, float64) {
	if signalEntry <= 0 || fill <= 0 {
		return stop, target
	}
	long := dir == position.Long

	if stop > 0 {
		var adjusted float64
		if long {
			adjusted = fill * (1 - (signalEntry-stop)/signalEntry)
			if adjusted >= fill {
				adjusted = fill * 0.98
			}
		} else {
			adjusted = fill * (1 + (stop-signalEntry)/signalEntry)
			if adjusted <= fill {
				adjusted = fill * 1.02
			}
		}
		stop = adjusted
	}
	if target > 0 {
		var adjusted float64
		if long {
			adjusted = fill * (1 + (target-signalEntry)/signalEntry)
			if adjusted <= fill {
				adjusted = fill * 1.04
			}
		} else {
			adjusted = fill * (1 - (signalEntry-target)/signalEntry)
			if adjusted >= fill {
				adjusted = fill * 0.96
			}
		}
		target = adjusted
	}
	// Belt and braces: a target on the wrong side of the fill would make the
	// monitor close the position immediately.
	if long && target <= fill {
		target = fill * 1.04
	} else if !long && target >= fill {
		target = fill * 0.96
	}
	return stop, target
}

// spotBuy opens a long on the spot market from the USDT balance.
func (e *Executor) spotBuy(ctx context.Context, pair string, entry, stop, target float64, sig signal.Signal) (Result, error) {
	balance, err := e.client.FetchBalance(ctx, "USDT")
	if err != nil {
		return Result{}, fmt.Errorf("fetch balance: %w", err)
	}
	size, err := e.sizer.Size(balance, entry, stop, sig.Confidence, sig.Regime, e.tunables.MinTradeSpot)
	if err != nil {
		return skip(CodeSizing, "sizing: %v", err), nil
	}

	e.logger.Info("executing spot buy",
		zap.String("symbol", pair),
		zap.Float64("quantity", size.Quantity),
		zap.Float64("value", size.ValueUSDT))

	order, err := e.client.PlaceMarketOrder(ctx, pair, exchange.SideBuy, size.Quantity)
	if err != nil {
		return Result{}, fmt.Errorf("market buy: %w", err)
	}
	fill := order.FillPrice(entry)
	stop, target = adjustLevels(position.Long, entry, fill, stop, target)

	tpOrderID := e.placeSpotTP(ctx, pair, position.Long, fill, target, size.Quantity)

	e.openPosition(ctx, position.Position{
		Symbol: pair, Side: position.Long, Market: string(exchange.MarketSpot),
		Exchange: e.client.Name(), EntryPrice: fill, Quantity: size.Quantity,
		StopLoss: stop, TakeProfit: target, OrderID: order.ID,
		SignalID: sig.ID, Confidence: sig.Confidence, Regime: sig.Regime,
		TPOrderID: tpOrderID,
	})

	return Result{
		Success: true, Action: "opened", Pair: pair, Side: "buy",
		Market: string(exchange.MarketSpot), Quantity: size.Quantity,
		FillPrice: fill, ValueUSDT: size.Quantity * fill,
		StopLoss: stop, TakeProfit: target, OrderID: order.ID, TPOrderID: tpOrderID,
	}, nil
}

// spotSell expresses a short thesis on spot by selling part of an existing
// holding. The sold fraction scales with confidence, 25% up to 90%.
func (e *Executor) spotSell(ctx context.Context, pair string, bal exchange.AssetBalance,
	entry, stop, target float64, sig signal.Signal) (Result, error) {

	price := bal.Price
	if price <= 0 {
		price = entry
	}
	portion := 0.25 + sig.Confidence*0.5
	if portion > 0.9 {
		portion = 0.9
	}
	qty := bal.Total * portion
	if qty*price < e.tunables.MinTradeSpot {
		if bal.USDTValue < e.tunables.MinTradeSpot {
			return skip(CodeBelowMinimum, "%s holding worth $%.2f, below minimum trade", bal.Currency, bal.USDTValue), nil
		}
		// The partial sell is under the venue minimum; sell nearly all of
		// it, leaving a sliver so the remainder never becomes dust.
		qty = bal.Total * 0.95
	}

	e.logger.Info("executing spot sell",
		zap.String("symbol", pair),
		zap.Float64("quantity", qty),
		zap.Float64("portion", portion))

	order, err := e.client.PlaceMarketOrder(ctx, pair, exchange.SideSell, qty)
	if err != nil {
		return Result{}, fmt.Errorf("market sell: %w", err)
	}
	fill := order.FillPrice(price)
	stop, target = adjustLevels(position.Short, entry, fill, stop, target)

	tpOrderID := e.placeSpotTP(ctx, pair, position.Short, fill, target, qty)

	e.openPosition(ctx, position.Position{
		Symbol: pair, Side: position.Short, Market: string(exchange.MarketSpot),
		Exchange: e.client.Name(), EntryPrice: fill, Quantity: qty,
		StopLoss: stop, TakeProfit: target, OrderID: order.ID,
		SignalID: sig.ID, Confidence: sig.Confidence, Regime: sig.Regime,
		TPOrderID: tpOrderID,
	})

	return Result{
		Success: true, Action: "opened", Pair: pair, Side: "sell",
		Market: string(exchange.MarketSpot), Quantity: qty,
		FillPrice: fill, ValueUSDT: qty * fill,
		StopLoss: stop, TakeProfit: target, OrderID: order.ID, TPOrderID: tpOrderID,
	}, nil
}

// futuresEntry opens a 1x futures position in either direction. Longs fall
// back to spot when the futures wallet cannot fund the trade; shorts cannot,
// because spot has no way to open one.
func (e *Executor) futuresEntry(ctx context.Context, pair string, dir position.Direction,
	entry, stop, target float64, sig signal.Signal) (Result, error) {

	futBalance, err := e.client.FetchFuturesBalance(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("futures balance: %w", err)
	}

	if futBalance < e.tunables.MinTradeFutures {
		spotBalance, err := e.client.FetchBalance(ctx, "USDT")
		if err != nil {
			return Result{}, fmt.Errorf("fetch balance: %w", err)
		}
		if dir == position.Long && spotBalance >= e.tunables.MinTradeFutures {
			e.logger.Warn("futures wallet underfunded, falling back to spot",
				zap.Float64("futures_balance", futBalance),
				zap.Float64("spot_balance", spotBalance))
			return e.spotBuy(ctx, pair, entry, stop, target, sig)
		}
		if dir == position.Short && spotBalance >= e.tunables.MinTradeFutures {
			// Funds exist but in the wrong wallet; only the user can move them.
			return skip(CodeInsufficientFunds, "futures wallet has $%.2f, spot has $%.2f: transfer funds to the derivatives wallet on %s",
				futBalance, spotBalance, e.client.Name()), nil
		}
		return skip(CodeInsufficientFunds, "insufficient balance: futures $%.2f, spot $%.2f", futBalance, spotBalance), nil
	}

	size, sizeErr := e.sizer.Size(futBalance, entry, stop, sig.Confidence, sig.Regime, e.tunables.MinTradeFutures)
	if sizeErr != nil {
		if dir == position.Long {
			spotBalance, err := e.client.FetchBalance(ctx, "USDT")
			if err == nil && spotBalance >= e.tunables.MinTradeSpot {
				e.logger.Info("futures sizing failed, falling back to spot", zap.Error(sizeErr))
				return e.spotBuy(ctx, pair, entry, stop, target, sig)
			}
		}
		return skip(CodeSizing, "futures sizing: %v (balance $%.2f)", sizeErr, futBalance), nil
	}

	side := exchange.SideBuy
	if dir == position.Short {
		side = exchange.SideSell
	}
	e.logger.Info("executing futures entry",
		zap.String("symbol", pair),
		zap.String("direction", string(dir)),
		zap.Float64("quantity", size.Quantity),
		zap.Float64("value", size.ValueUSDT))

	order, err := e.client.PlaceFuturesMarketOrder(ctx, pair, side, size.Quantity)
	if err != nil {
		return Result{}, fmt.Errorf("futures market order: %w", err)
	}
	fill := order.FillPrice(entry)
	stop, target = adjustLevels(dir, entry, fill, stop, target)

	// Resting SL/TP on the venue guard against this client going offline;
	// failures are non-fatal because the monitor covers the same levels.
	closeSide := side.Opposite()
	var slOrderID, tpOrderID string
	if sl, err := e.client.PlaceFuturesStopLoss(ctx, pair, closeSide, stop, size.Quantity); err != nil {
		e.logger.Warn("futures stop order failed, monitoring locally",
			zap.String("symbol", pair), zap.Error(err))
	} else {
		slOrderID = sl.ID
	}
	if tp, err := e.client.PlaceFuturesTakeProfit(ctx, pair, closeSide, target, size.Quantity); err != nil {
		e.logger.Warn("futures take-profit order failed, monitoring locally",
			zap.String("symbol", pair), zap.Error(err))
	} else {
		tpOrderID = tp.ID
	}

	e.openPosition(ctx, position.Position{
		Symbol: pair, Side: dir, Market: string(exchange.MarketFutures),
		Exchange: e.client.Name(), EntryPrice: fill, Quantity: size.Quantity,
		StopLoss: stop, TakeProfit: target, OrderID: order.ID,
		SignalID: sig.ID, Confidence: sig.Confidence, Regime: sig.Regime,
		TPOrderID: tpOrderID,
	})

	return Result{
		Success: true, Action: "opened", Pair: pair, Side: string(dir),
		Market: string(exchange.MarketFutures), Quantity: size.Quantity,
		FillPrice: fill, ValueUSDT: size.Quantity * fill,
		StopLoss: stop, TakeProfit: target,
		OrderID: order.ID, SLOrderID: slOrderID, TPOrderID: tpOrderID,
	}, nil
}

// placeSpotTP rests a limit order at the target so profit is taken even if
// this client is offline. Skipped when the target sits within 0.5% of the
// fill, where it would execute immediately.
func (e *Executor) placeSpotTP(ctx context.Context, pair string, dir position.Direction, fill, target, qty float64) string {
	if !e.cfg.PlaceTPOnExchange {
		return ""
	}
	side := exchange.SideSell
	ok := target > fill*1.005
	if dir == position.Short {
		side = exchange.SideBuy
		ok = target < fill*0.995
	}
	if !ok {
		return ""
	}
	order, err := e.client.PlaceLimitOrder(ctx, pair, side, qty, target)
	if err != nil {
		e.logger.Warn("take-profit order failed, monitoring locally",
			zap.String("symbol", pair), zap.Error(err))
		return ""
	}
	e.logger.Info("take-profit order resting on exchange",
		zap.String("symbol", pair),
		zap.String("side", string(side)),
		zap.Float64("price", target))
	return order.ID
}

func (e *Executor) openPosition(ctx context.Context, p position.Position) {
	e.store.Add(ctx, p)
	e.bus.Publish(events.EventPositionOpened, events.PositionEvent{
		Symbol: p.Symbol, Side: string(p.Side), MarketType: p.Market,
		EntryPrice: p.EntryPrice, Quantity: p.Quantity,
		StopLoss: p.StopLoss, TakeProfit: p.TakeProfit,
		At: e.now().UTC(),
	})
}
