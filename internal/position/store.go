package position

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-client/pkg/db"
)

// historyKeep bounds the rolling realized-trade history.
const historyKeep = 100

// Snapshotter persists the position set and trade history across restarts.
type Snapshotter interface {
	ReplacePositions(ctx context.Context, rows []db.PositionRow) error
	ListPositions(ctx context.Context) ([]db.PositionRow, error)
	InsertTrade(ctx context.Context, t db.TradeRow, keep int) error
	RecentTrades(ctx context.Context, limit int) ([]db.TradeRow, error)
}

// Store owns all open positions and the realized history. Every mutation is
// snapshotted; a snapshot failure is logged but never blocks trading.
type Store struct {
	mu        sync.RWMutex
	positions map[string]*Position
	history   []ClosedTrade

	snap    Snapshotter
	feeRate func(exchange string) float64
	logger  *zap.Logger
	now     func() time.Time
}

// NewStore builds an empty Store. snap may be nil for tests.
func NewStore(snap Snapshotter, feeRate func(exchange string) float64, logger *zap.Logger) *Store {
	return &Store{
		positions: make(map[string]*Position),
		snap:      snap,
		feeRate:   feeRate,
		logger:    logger,
		now:       time.Now,
	}
}

// Load restores positions and history from the snapshot store. Callers run
// ValidateAndFix afterwards to repair corrupted stop or target levels.
func (s *Store) Load(ctx context.Context) error {
	if s.snap == nil {
		return nil
	}
	rows, err := s.snap.ListPositions(ctx)
	if err != nil {
		return err
	}
	trades, err := s.snap.RecentTrades(ctx, historyKeep)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.positions = make(map[string]*Position, len(rows))
	for _, r := range rows {
		p := fromRow(r)
		s.positions[p.Symbol] = p
	}
	// RecentTrades is newest-first; history is kept oldest-first.
	s.history = s.history[:0]
	for i := len(trades) - 1; i >= 0; i-- {
		s.history = append(s.history, fromTradeRow(trades[i]))
	}
	s.mu.Unlock()

	s.logger.Info("positions restored",
		zap.Int("positions", len(rows)),
		zap.Int("trades", len(trades)))
	return nil
}

// Add registers a new position and charges the entry fee estimate.
func (s *Store) Add(ctx context.Context, p Position) {
	p.Symbol = strings.ToUpper(p.Symbol)
	if p.Thesis == "" {
		p.Thesis = p.Side
	}
	if p.ThesisEntry == 0 {
		p.ThesisEntry = p.EntryPrice
	}
	if p.EntryTime.IsZero() {
		p.EntryTime = s.now().UTC()
	}
	if p.EntryFee == 0 {
		p.EntryFee = p.EntryPrice * p.Quantity * s.feeRate(p.Exchange)
	}
	if p.BestPrice == 0 {
		p.BestPrice = p.EntryPrice
	}

	s.mu.Lock()
	s.positions[p.Symbol] = &p
	s.mu.Unlock()

	s.logger.Info("position added",
		zap.String("symbol", p.Symbol),
		zap.String("side", string(p.Side)),
		zap.String("market", p.Market),
		zap.Float64("quantity", p.Quantity),
		zap.Float64("entry", p.EntryPrice),
		zap.Float64("entry_fee", p.EntryFee))
	s.persist(ctx)
}

// Flip inverts the thesis of an existing position without trading, so no fee
// is paid. The stop and target are replaced with the new thesis's levels.
func (s *Store) Flip(ctx context.Context, symbol string, newThesis Direction, newEntry, newStop, newTarget float64) bool {
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	p, ok := s.positions[symbol]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("cannot flip: no position", zap.String("symbol", symbol))
		return false
	}
	old := p.Thesis
	p.Thesis = newThesis
	p.ThesisEntry = newEntry
	p.StopLoss = newStop
	p.TakeProfit = newTarget
	p.FlipCount++
	p.LastFlip = s.now().UTC()
	// Exit management restarts against the new thesis.
	p.TrailingActive = false
	p.BreakevenMoved = false
	p.BestPrice = newEntry
	s.mu.Unlock()

	if old == newThesis {
		s.logger.Info("thesis unchanged, levels updated", zap.String("symbol", symbol))
	} else {
		s.logger.Info("position flipped without trading",
			zap.String("symbol", symbol),
			zap.String("from", string(old)),
			zap.String("to", string(newThesis)))
	}
	s.persist(ctx)
	return true
}

// Remove closes a position, realizes its P&L at exitPrice and appends it to
// the history. Returns the closed trade, or nil when untracked.
func (s *Store) Remove(ctx context.Context, symbol string, exitPrice float64, reason string) *ClosedTrade {
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	p, ok := s.positions[symbol]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.positions, symbol)

	gross, net, fees := s.realize(p, exitPrice)
	trade := ClosedTrade{
		Symbol:     p.Symbol,
		Thesis:     p.Thesis,
		Market:     p.Market,
		EntryPrice: p.ThesisEntry,
		ExitPrice:  exitPrice,
		Quantity:   p.Quantity,
		PnL:        gross,
		PnLNet:     net,
		Fees:       fees,
		Reason:     reason,
		EntryTime:  p.EntryTime,
		ExitTime:   s.now().UTC(),
	}
	s.history = append(s.history, trade)
	if len(s.history) > historyKeep {
		s.history = s.history[len(s.history)-historyKeep:]
	}
	s.mu.Unlock()

	s.logger.Info("position closed",
		zap.String("symbol", symbol),
		zap.String("reason", reason),
		zap.Float64("exit", exitPrice),
		zap.Float64("pnl_net", net))

	if s.snap != nil {
		row := db.TradeRow{
			Symbol: trade.Symbol, Side: string(trade.Thesis), MarketType: trade.Market,
			EntryPrice: trade.EntryPrice, ExitPrice: trade.ExitPrice, Quantity: trade.Quantity,
			PnL: trade.PnLNet, Fees: trade.Fees, Reason: trade.Reason,
			OpenedAt: trade.EntryTime, ClosedAt: trade.ExitTime,
		}
		if err := s.snap.InsertTrade(ctx, row, historyKeep); err != nil {
			s.logger.Error("failed to persist trade", zap.Error(err))
		}
	}
	s.persist(ctx)
	return &trade
}

// realize computes gross and net P&L for an exit at price. A flipped
// position pays only the exit fee: the entry fee was already sunk when the
// original holding was bought.
func (s *Store) realize(p *Position, exitPrice float64) (gross, net, fees float64) {
	if p.Thesis == Long {
		gross = (exitPrice - p.ThesisEntry) * p.Quantity
	} else {
		gross = (p.ThesisEntry - exitPrice) * p.Quantity
	}
	exitFee := exitPrice * p.Quantity * s.feeRate(p.Exchange)
	if p.FlipCount > 0 {
		fees = exitFee
	} else {
		fees = p.EntryFee + exitFee
	}
	return gross, gross - fees, fees
}

// Get returns a copy of the position for symbol.
func (s *Store) Get(symbol string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[strings.ToUpper(symbol)]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Has reports whether a position is tracked for symbol.
func (s *Store) Has(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.positions[strings.ToUpper(symbol)]
	return ok
}

// Thesis returns the current thesis for symbol, or "" when untracked.
func (s *Store) Thesis(symbol string) Direction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.positions[strings.ToUpper(symbol)]; ok {
		return p.Thesis
	}
	return ""
}

// All returns copies of every open position.
func (s *Store) All() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out
}

// Count returns the number of open positions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// Mutate applies fn to the position under the store lock and snapshots the
// result. Used by the monitor for stop moves and exit bookkeeping.
func (s *Store) Mutate(ctx context.Context, symbol string, fn func(*Position)) bool {
	s.mu.Lock()
	p, ok := s.positions[strings.ToUpper(symbol)]
	if ok {
		fn(p)
	}
	s.mu.Unlock()
	if ok {
		s.persist(ctx)
	}
	return ok
}

// UpdateMark refreshes a position's unrealized P&L at the current price.
// P&L is measured against the thesis entry, not the original buy price.
func (s *Store) UpdateMark(symbol string, currentPrice float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[strings.ToUpper(symbol)]
	if !ok {
		return
	}

	var gross float64
	if p.Thesis == Long {
		gross = (currentPrice - p.ThesisEntry) * p.Quantity
	} else {
		gross = (p.ThesisEntry - currentPrice) * p.Quantity
	}
	exitFee := currentPrice * p.Quantity * s.feeRate(p.Exchange)
	fees := exitFee
	if p.FlipCount == 0 {
		fees += p.EntryFee
	}

	value := p.ThesisEntry * p.Quantity
	p.CurrentPrice = currentPrice
	p.PnL = round4(gross)
	p.PnLNet = round4(gross - fees)
	p.EstimatedFees = round4(fees)
	if p.ThesisEntry > 0 {
		if p.Thesis == Long {
			p.PnLPct = round2((currentPrice - p.ThesisEntry) / p.ThesisEntry * 100)
		} else {
			p.PnLPct = round2((p.ThesisEntry - currentPrice) / p.ThesisEntry * 100)
		}
	}
	if value > 0 {
		p.PnLPctNet = round2((gross - fees) / value * 100)
	}
}

// TotalExposure sums USDT value at entry across open positions.
func (s *Store) TotalExposure() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, p := range s.positions {
		total += p.Value()
	}
	return total
}

// TotalUnrealizedPnL sums gross unrealized P&L across open positions.
func (s *Store) TotalUnrealizedPnL() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, p := range s.positions {
		total += p.PnL
	}
	return total
}

// Stats summarizes the realized history.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	st.TotalTrades = len(s.history)
	if st.TotalTrades == 0 {
		return st
	}

	var totalWins, totalLosses float64
	for _, t := range s.history {
		if t.PnL > 0 {
			st.WinCount++
			totalWins += t.PnL
		} else {
			st.LossCount++
			totalLosses += math.Abs(t.PnL)
		}
	}
	st.WinRate = float64(st.WinCount) / float64(st.TotalTrades) * 100
	if st.WinCount > 0 {
		st.AvgWin = totalWins / float64(st.WinCount)
	}
	if st.LossCount > 0 {
		st.AvgLoss = totalLosses / float64(st.LossCount)
	}
	if totalLosses > 0 {
		st.ProfitFactor = totalWins / totalLosses
	}
	st.TotalPnL = totalWins - totalLosses
	return st
}

// ClearAll drops every open position, e.g. when switching exchanges.
func (s *Store) ClearAll(ctx context.Context) int {
	s.mu.Lock()
	n := len(s.positions)
	s.positions = make(map[string]*Position)
	s.mu.Unlock()

	s.logger.Info("cleared all positions", zap.Int("count", n))
	s.persist(ctx)
	return n
}

func (s *Store) persist(ctx context.Context) {
	if s.snap == nil {
		return
	}
	s.mu.RLock()
	rows := make([]db.PositionRow, 0, len(s.positions))
	for _, p := range s.positions {
		rows = append(rows, toRow(p))
	}
	s.mu.RUnlock()

	if err := s.snap.ReplacePositions(ctx, rows); err != nil {
		s.logger.Error("failed to snapshot positions", zap.Error(err))
	}
}

func toRow(p *Position) db.PositionRow {
	return db.PositionRow{
		Symbol: p.Symbol, Side: string(p.Side), MarketType: p.Market,
		EntryPrice: p.EntryPrice, Quantity: p.Quantity,
		StopLoss: p.StopLoss, TakeProfit: p.TakeProfit,
		Confidence: p.Confidence, Regime: p.Regime,
		Thesis: string(p.Thesis), ThesisEntry: p.ThesisEntry, FlipCount: p.FlipCount,
		EntryFee: p.EntryFee, SignalID: p.SignalID, TPOrderID: p.TPOrderID,
		TrailingActive: p.TrailingActive, BreakevenMoved: p.BreakevenMoved,
		BestPrice: p.BestPrice, ExitFailures: p.ExitFailures,
		OpenedAt: p.EntryTime,
	}
}

func fromRow(r db.PositionRow) *Position {
	p := &Position{
		Symbol: r.Symbol, Side: Direction(r.Side), Market: r.MarketType,
		EntryPrice: r.EntryPrice, Quantity: r.Quantity,
		StopLoss: r.StopLoss, TakeProfit: r.TakeProfit,
		Confidence: r.Confidence, Regime: r.Regime,
		Thesis: Direction(r.Thesis), ThesisEntry: r.ThesisEntry, FlipCount: r.FlipCount,
		EntryFee: r.EntryFee, SignalID: r.SignalID, TPOrderID: r.TPOrderID,
		TrailingActive: r.TrailingActive, BreakevenMoved: r.BreakevenMoved,
		BestPrice: r.BestPrice, ExitFailures: r.ExitFailures,
		EntryTime: r.OpenedAt,
	}
	if p.Thesis == "" {
		p.Thesis = p.Side
	}
	if p.ThesisEntry == 0 {
		p.ThesisEntry = p.EntryPrice
	}
	return p
}

func fromTradeRow(r db.TradeRow) ClosedTrade {
	return ClosedTrade{
		Symbol: r.Symbol, Thesis: Direction(r.Side), Market: r.MarketType,
		EntryPrice: r.EntryPrice, ExitPrice: r.ExitPrice, Quantity: r.Quantity,
		PnL: r.PnL + r.Fees, PnLNet: r.PnL, Fees: r.Fees,
		Reason: r.Reason, EntryTime: r.OpenedAt, ExitTime: r.ClosedAt,
	}
}

func round4(x float64) float64 { return math.Round(x*1e4) / 1e4 }
func round2(x float64) float64 { return math.Round(x*1e2) / 1e2 }
