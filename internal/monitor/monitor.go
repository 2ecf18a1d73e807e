// Package monitor watches open positions for stop-loss, take-profit,
// trailing-stop and time-limit exits. The exchange holds resting exit orders
// where possible; this loop is the backup that also manages the levels the
// venue cannot express, like a trailing stop on spot.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trading-client/internal/events"
	"trading-client/internal/executor"
	"trading-client/internal/position"
	"trading-client/pkg/config"
	"trading-client/pkg/exchange"
)

// ExitReason explains why a position is being closed.
type ExitReason string

const (
	ReasonStopLoss   ExitReason = "stop_loss"
	ReasonTakeProfit ExitReason = "take_profit"
	ReasonTrailing   ExitReason = "trailing_stop"
	ReasonBreakeven  ExitReason = "breakeven_stop"
	ReasonTimeLimit  ExitReason = "time_limit"
	ReasonManual     ExitReason = "manual"
)

// A position whose exit keeps failing is removed from tracking after this
// many attempts; the asset backing it is evidently gone.
const maxExitFailures = 3

// ExitSignal is a decision that a position should be closed now.
type ExitSignal struct {
	Symbol    string             `json:"symbol"`
	Reason    ExitReason         `json:"reason"`
	ExitPrice float64            `json:"exit_price"`
	Quantity  float64            `json:"quantity"`
	ProfitPct float64            `json:"profit_pct"`
	Thesis    position.Direction `json:"thesis"`
	Holding   position.Direction `json:"holding"`
}

// Closer executes position exits. *executor.Executor satisfies it.
type Closer interface {
	ClosePosition(ctx context.Context, pair, reason string) (executor.CloseResult, error)
	RecordStopout(pair string)
}

// Config carries the monitor's loop timings.
type Config struct {
	Interval        time.Duration
	MinHold         time.Duration // TP suppressed this long after entry
	MaxHold         time.Duration // forced exit past this age
	TrailingEnabled bool
	SyncEvery       int // ticks between exchange reconciliations
}

// Monitor drives the exit state machine over the position store.
type Monitor struct {
	client   exchange.Client
	store    *position.Store
	closer   Closer
	tunables *config.Tunables
	cfg      Config
	bus      *events.Bus
	metrics  *ClientMetrics
	logger   *zap.Logger

	now func() time.Time
}

// New builds a Monitor. metrics may be nil.
func New(client exchange.Client, store *position.Store, closer Closer,
	tun *config.Tunables, cfg Config, bus *events.Bus, metrics *ClientMetrics, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.SyncEvery <= 0 {
		cfg.SyncEvery = 30
	}
	return &Monitor{
		client:   client,
		store:    store,
		closer:   closer,
		tunables: tun,
		cfg:      cfg,
		bus:      bus,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Run ticks the monitor until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("exit monitor running",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("max_hold", m.cfg.MaxHold))

	tick := 0
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("exit monitor stopped")
			return
		case <-ticker.C:
			tick++
			for _, exit := range m.CheckAll(ctx) {
				if _, err := m.ExecuteExit(ctx, exit); err != nil {
					m.logger.Error("exit failed",
						zap.String("symbol", exit.Symbol),
						zap.String("reason", string(exit.Reason)),
						zap.Error(err))
				}
			}
			if tick%m.cfg.SyncEvery == 0 {
				m.SyncWithExchange(ctx)
			}
		}
	}
}

// CheckAll evaluates every tracked position and returns the exits due.
func (m *Monitor) CheckAll(ctx context.Context) []ExitSignal {
	if m.metrics != nil {
		defer NewTimer(m.metrics.CheckLatency).Stop()
	}
	var exits []ExitSignal
	for _, pos := range m.store.All() {
		exit, err := m.CheckPosition(ctx, pos.Symbol)
		if err != nil {
			m.logger.Warn("position check failed",
				zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}
		if exit != nil {
			exits = append(exits, *exit)
		}
	}
	return exits
}

// CheckPosition runs one position through the exit state machine. A nil
// ExitSignal means the position stays open (or was resolved internally, e.g.
// its take-profit order filled on the exchange).
func (m *Monitor) CheckPosition(ctx context.Context, symbol string) (*ExitSignal, error) {
	pos, ok := m.store.Get(symbol)
	if !ok {
		return nil, nil
	}

	age := pos.Age(m.now())

	if m.cfg.MaxHold > 0 && age > m.cfg.MaxHold {
		price, err := exchange.CurrentPrice(ctx, m.client, symbol)
		if err != nil {
			return nil, fmt.Errorf("price for time exit: %w", err)
		}
		m.logger.Warn("position past maximum hold, forcing exit",
			zap.String("symbol", symbol),
			zap.Duration("age", age))
		return &ExitSignal{
			Symbol: symbol, Reason: ReasonTimeLimit, ExitPrice: price,
			Quantity: pos.Quantity, Thesis: pos.Thesis, Holding: pos.Side,
		}, nil
	}

	if pos.TPOrderID != "" {
		resolved, err := m.resolveTPOrder(ctx, &pos)
		if err != nil {
			m.logger.Debug("take-profit order check failed",
				zap.String("symbol", symbol), zap.Error(err))
		} else if resolved {
			return nil, nil
		}
		// resolveTPOrder may have cleared the order id; reload.
		pos, ok = m.store.Get(symbol)
		if !ok {
			return nil, nil
		}
	}

	price, err := exchange.CurrentPrice(ctx, m.client, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch price: %w", err)
	}
	m.store.UpdateMark(symbol, price)

	// Profit and the trailing peak follow the thesis, which on spot can
	// point the other way from the holding after a fee-free flip.
	profit := thesisProfit(pos.Thesis, pos.ThesisEntry, price)
	m.store.Mutate(ctx, symbol, func(p *position.Position) {
		if p.Thesis == position.Long && price > p.BestPrice {
			p.BestPrice = price
		} else if p.Thesis == position.Short && (p.BestPrice == 0 || price < p.BestPrice) {
			p.BestPrice = price
		}
	})
	pos, _ = m.store.Get(symbol)

	if stopHit(pos.Thesis, price, pos.StopLoss) {
		reason := ReasonStopLoss
		if pos.TrailingActive {
			reason = ReasonTrailing
		} else if pos.BreakevenMoved {
			reason = ReasonBreakeven
		}
		return &ExitSignal{
			Symbol: symbol, Reason: reason, ExitPrice: price,
			Quantity: pos.Quantity, ProfitPct: profit * 100,
			Thesis: pos.Thesis, Holding: pos.Side,
		}, nil
	}

	// Local TP check only when no order rests on the venue. Fresh positions
	// are given time to develop so a wiggle does not churn fees.
	if pos.TPOrderID == "" && pos.TakeProfit > 0 && age >= m.cfg.MinHold {
		if targetHit(pos.Thesis, price, pos.TakeProfit) {
			return &ExitSignal{
				Symbol: symbol, Reason: ReasonTakeProfit, ExitPrice: price,
				Quantity: pos.Quantity, ProfitPct: profit * 100,
				Thesis: pos.Thesis, Holding: pos.Side,
			}, nil
		}
	}

	if m.cfg.TrailingEnabled {
		m.updateStops(ctx, pos, profit)
	}
	return nil, nil
}

// resolveTPOrder reconciles the resting take-profit order with the exchange.
// Returns true when the position was closed (or removed) and needs no
// further checks this tick.
func (m *Monitor) resolveTPOrder(ctx context.Context, pos *position.Position) (bool, error) {
	order, err := m.client.FetchOrder(ctx, pos.TPOrderID, pos.Symbol)
	switch {
	case err == nil && order.Status == exchange.StatusFilled:
		m.logger.Info("take-profit order filled on exchange",
			zap.String("symbol", pos.Symbol),
			zap.Float64("price", pos.TakeProfit))
		m.finalize(ctx, pos.Symbol, order.FillPrice(pos.TakeProfit), ReasonTakeProfit)
		return true, nil

	case err == nil && order.Status == exchange.StatusOpen:
		return false, nil

	case err != nil && !errors.Is(err, exchange.ErrOrderNotFound):
		return false, err
	}

	// The order is gone (or canceled) and the venue cannot tell us why. The
	// ground truth is whether the holding itself still exists.
	if pos.Market == string(exchange.MarketFutures) {
		fp, err := m.client.FuturesPosition(ctx, pos.Symbol)
		if err != nil {
			// Cannot verify; keep the position rather than guess.
			return false, err
		}
		if fp.Exists() {
			m.logger.Warn("take-profit order missing but futures position open, monitoring locally",
				zap.String("symbol", pos.Symbol))
			m.clearTPOrder(ctx, pos.Symbol)
			return false, nil
		}
		m.logger.Info("futures position gone with its take-profit order, assuming filled",
			zap.String("symbol", pos.Symbol))
		m.finalize(ctx, pos.Symbol, pos.TakeProfit, ReasonTakeProfit)
		return true, nil
	}

	bal, err := m.client.AssetBalance(ctx, pos.Symbol, 1.0)
	if err != nil {
		return false, err
	}
	if bal.HasAsset {
		if bal.Used > 0 {
			// Locked in some other order; whatever replaced our TP now owns
			// the exit, stop tracking the stale id.
			m.logger.Warn("take-profit order missing with assets locked elsewhere",
				zap.String("symbol", pos.Symbol),
				zap.Float64("used", bal.Used))
		} else {
			m.logger.Warn("take-profit order canceled but asset still held, monitoring locally",
				zap.String("symbol", pos.Symbol))
		}
		m.clearTPOrder(ctx, pos.Symbol)
		return false, nil
	}

	m.logger.Info("asset and take-profit order both gone, assuming filled",
		zap.String("symbol", pos.Symbol))
	m.finalize(ctx, pos.Symbol, pos.TakeProfit, ReasonTakeProfit)
	return true, nil
}

func (m *Monitor) clearTPOrder(ctx context.Context, symbol string) {
	m.store.Mutate(ctx, symbol, func(p *position.Position) { p.TPOrderID = "" })
}

func (m *Monitor) finalize(ctx context.Context, symbol string, exitPrice float64, reason ExitReason) {
	trade := m.store.Remove(ctx, symbol, exitPrice, string(reason))
	if trade == nil {
		return
	}
	m.bus.Publish(events.EventPositionClosed, events.PositionEvent{
		Symbol: symbol, Side: string(trade.Thesis), MarketType: trade.Market,
		EntryPrice: trade.EntryPrice, ExitPrice: trade.ExitPrice,
		Quantity: trade.Quantity, PnL: trade.PnLNet, Reason: string(reason),
		At: m.now().UTC(),
	})
}

// updateStops moves the stop toward profit: first to breakeven plus a small
// buffer, then trailing behind the best price. Stops only ever tighten.
func (m *Monitor) updateStops(ctx context.Context, pos position.Position, profit float64) {
	long := pos.Thesis == position.Long

	if !pos.BreakevenMoved && profit >= m.tunables.BreakevenTriggerPct {
		var newSL float64
		if long {
			newSL = pos.ThesisEntry * (1 + m.tunables.BreakevenBufferPct)
		} else {
			newSL = pos.ThesisEntry * (1 - m.tunables.BreakevenBufferPct)
		}
		if tightens(long, newSL, pos.StopLoss) {
			m.moveStop(ctx, pos.Symbol, pos.StopLoss, newSL, "breakeven", func(p *position.Position) {
				p.StopLoss = newSL
				p.BreakevenMoved = true
			})
			pos.StopLoss = newSL
		}
	}

	if profit >= m.tunables.TrailingActivationPct {
		best := pos.BestPrice
		var trailSL float64
		if long {
			trailSL = best * (1 - m.tunables.TrailingDistancePct)
		} else {
			trailSL = best * (1 + m.tunables.TrailingDistancePct)
		}
		if tightens(long, trailSL, pos.StopLoss) {
			m.moveStop(ctx, pos.Symbol, pos.StopLoss, trailSL, "trailing", func(p *position.Position) {
				p.StopLoss = trailSL
				p.TrailingActive = true
			})
		} else if !pos.TrailingActive {
			m.store.Mutate(ctx, pos.Symbol, func(p *position.Position) { p.TrailingActive = true })
		}
	}
}

// tightens reports whether newSL is strictly closer to price action than the
// current stop for the thesis direction.
func tightens(long bool, newSL, currentSL float64) bool {
	if long {
		return newSL > currentSL
	}
	return newSL < currentSL
}

func (m *Monitor) moveStop(ctx context.Context, symbol string, oldSL, newSL float64, kind string, fn func(*position.Position)) {
	if !m.store.Mutate(ctx, symbol, fn) {
		return
	}
	m.logger.Info("stop moved",
		zap.String("symbol", symbol),
		zap.String("kind", kind),
		zap.Float64("old", oldSL),
		zap.Float64("new", newSL))
	m.bus.Publish(events.EventStopUpdated, events.StopEvent{
		Symbol: symbol, OldStop: oldSL, NewStop: newSL, Kind: kind, At: m.now().UTC(),
	})
}

// ExecuteExit closes the position behind an exit signal. Failures are
// counted per position; after too many the entry is dropped from tracking,
// since the asset backing it evidently no longer exists.
func (m *Monitor) ExecuteExit(ctx context.Context, exit ExitSignal) (executor.CloseResult, error) {
	res, err := m.closer.ClosePosition(ctx, exit.Symbol, string(exit.Reason))
	if err != nil {
		failures := 0
		m.store.Mutate(ctx, exit.Symbol, func(p *position.Position) {
			p.ExitFailures++
			failures = p.ExitFailures
		})
		m.bus.Publish(events.EventExitFailed, events.PositionEvent{
			Symbol: exit.Symbol, Side: string(exit.Thesis),
			Reason: err.Error(), At: m.now().UTC(),
		})
		if failures >= maxExitFailures {
			m.logger.Warn("removing position after repeated exit failures",
				zap.String("symbol", exit.Symbol),
				zap.Int("failures", failures))
			m.finalize(ctx, exit.Symbol, exit.ExitPrice, ReasonManual)
			return executor.CloseResult{Cleaned: true, Reason: "exit failures exhausted"}, nil
		}
		return executor.CloseResult{}, err
	}

	if m.metrics != nil {
		m.metrics.IncrementExits()
	}
	switch exit.Reason {
	case ReasonStopLoss, ReasonTrailing, ReasonBreakeven:
		m.closer.RecordStopout(exit.Symbol)
	}
	return res, nil
}

// SyncSummary reports an exchange reconciliation pass.
type SyncSummary struct {
	Kept    []string          `json:"kept"`
	Removed []string          `json:"removed"`
	Issues  map[string]string `json:"issues,omitempty"`
}

// SyncWithExchange reconciles tracked positions against exchange state and
// drops entries whose backing asset or futures position no longer exists.
// The exchange is the ground truth; local state only mirrors it.
func (m *Monitor) SyncWithExchange(ctx context.Context) SyncSummary {
	sum := SyncSummary{Issues: make(map[string]string)}

	for _, pos := range m.store.All() {
		if pos.Market == string(exchange.MarketFutures) {
			fp, err := m.client.FuturesPosition(ctx, pos.Symbol)
			if err != nil {
				sum.Issues[pos.Symbol] = err.Error()
				continue
			}
			if !fp.Exists() {
				m.logger.Warn("sync: futures position not on exchange, removing",
					zap.String("symbol", pos.Symbol))
				m.finalize(ctx, pos.Symbol, m.lastPrice(ctx, pos), ReasonManual)
				sum.Removed = append(sum.Removed, pos.Symbol)
				continue
			}
			sum.Kept = append(sum.Kept, pos.Symbol)
			continue
		}

		bal, err := m.client.AssetBalance(ctx, pos.Symbol, 1.0)
		if err != nil {
			sum.Issues[pos.Symbol] = err.Error()
			continue
		}
		if !bal.HasAsset {
			m.logger.Warn("sync: no asset behind tracked position, removing",
				zap.String("symbol", pos.Symbol))
			m.finalize(ctx, pos.Symbol, m.lastPrice(ctx, pos), ReasonManual)
			sum.Removed = append(sum.Removed, pos.Symbol)
			continue
		}
		if pos.Quantity > 0 {
			drift := (bal.Total - pos.Quantity) / pos.Quantity
			if drift < 0 {
				drift = -drift
			}
			if drift > 0.1 {
				m.logger.Warn("sync: quantity drift between store and exchange",
					zap.String("symbol", pos.Symbol),
					zap.Float64("stored", pos.Quantity),
					zap.Float64("actual", bal.Total))
				sum.Issues[pos.Symbol] = fmt.Sprintf("quantity drift: stored %v actual %v", pos.Quantity, bal.Total)
			}
		}
		sum.Kept = append(sum.Kept, pos.Symbol)
	}

	m.logger.Info("position sync complete",
		zap.Int("kept", len(sum.Kept)),
		zap.Int("removed", len(sum.Removed)),
		zap.Int("issues", len(sum.Issues)))
	return sum
}

func (m *Monitor) lastPrice(ctx context.Context, pos position.Position) float64 {
	if price, err := exchange.CurrentPrice(ctx, m.client, pos.Symbol); err == nil && price > 0 {
		return price
	}
	if pos.CurrentPrice > 0 {
		return pos.CurrentPrice
	}
	return pos.EntryPrice
}

func thesisProfit(thesis position.Direction, entry, price float64) float64 {
	if entry <= 0 {
		return 0
	}
	if thesis == position.Long {
		return (price - entry) / entry
	}
	return (entry - price) / entry
}

func stopHit(thesis position.Direction, price, stop float64) bool {
	if stop <= 0 {
		return false
	}
	if thesis == position.Long {
		return price <= stop
	}
	return price >= stop
}

func targetHit(thesis position.Direction, price, target float64) bool {
	if thesis == position.Long {
		return price >= target
	}
	return price <= target
}
