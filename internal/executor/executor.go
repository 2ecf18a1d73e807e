// Package executor turns validated signals into exchange orders, guarded by
// the circuit breakers, entry filters and the flip/update resolution against
// existing positions.
package executor

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-client/internal/events"
	"trading-client/internal/position"
	"trading-client/internal/signal"
	"trading-client/internal/sizing"
	"trading-client/pkg/config"
	"trading-client/pkg/exchange"
)

// Config carries the executor's behavioral switches.
type Config struct {
	MaxPositions      int
	SpotMinConfidence float64
	PreferFutures     bool
	PlaceTPOnExchange bool
	UseEntryDelay     bool
	EntryDelayMin     time.Duration
	EntryDelayMax     time.Duration
	ExecutionEnabled  bool
}

// Rejection codes carried on Result.Code. Reason stays human-readable;
// callers branch on the code.
const (
	CodeHold              = "hold"
	CodeExecutionDisabled = "execution_disabled"
	CodeCircuitBreaker    = "circuit_breaker"
	CodeUnsupportedPair   = "unsupported_pair"
	CodeNotTradeable      = "not_tradeable"
	CodeInvalidLevels     = "invalid_levels"
	CodeStopTooTight      = "stop_too_tight"
	CodeStopWrongSide     = "stop_wrong_side"
	CodePositionLimit     = "position_limit"
	CodeSpotConfidence    = "spot_confidence"
	CodeLateEntry         = "late_entry"
	CodeCooldown          = "cooldown"
	CodeSpreadTooWide     = "spread_too_wide"
	CodePriceMismatch     = "price_mismatch"
	CodeDelayAbort        = "delay_abort"
	CodeNoAsset           = "no_asset"
	CodeInsufficientFunds = "insufficient_funds"
	CodeSizing            = "sizing"
	CodeBelowMinimum      = "below_minimum"
	CodeFlipFailed        = "flip_failed"
)

// Result reports the outcome of one signal execution.
type Result struct {
	Success        bool    `json:"success"`
	Action         string  `json:"action,omitempty"` // opened, flipped, updated
	Code           string  `json:"code,omitempty"`   // rejection code when Success is false
	Reason         string  `json:"reason,omitempty"`
	Pair           string  `json:"pair,omitempty"`
	Side           string  `json:"side,omitempty"`
	Market         string  `json:"market,omitempty"`
	Quantity       float64 `json:"quantity,omitempty"`
	FillPrice      float64 `json:"fill_price,omitempty"`
	ValueUSDT      float64 `json:"usdt_value,omitempty"`
	StopLoss       float64 `json:"stop_loss,omitempty"`
	TakeProfit     float64 `json:"take_profit,omitempty"`
	OrderID        string  `json:"order_id,omitempty"`
	TPOrderID      string  `json:"tp_order_id,omitempty"`
	SLOrderID      string  `json:"sl_order_id,omitempty"`
	FeeSaved       float64 `json:"fee_saved,omitempty"` // fees avoided by flipping instead of closing and reopening
	CircuitBreaker bool    `json:"circuit_breaker,omitempty"`
}

func skip(code, reason string, args ...any) Result {
	return Result{Code: code, Reason: fmt.Sprintf(reason, args...)}
}

// Executor wires the exchange client, sizer and position store into the
// entry pipeline.
type Executor struct {
	client   exchange.Client
	sizer    *sizing.Sizer
	store    *position.Store
	tunables *config.Tunables
	cfg      Config
	limits   position.BreakerLimits
	bus      *events.Bus
	logger   *zap.Logger

	mu       sync.Mutex
	stopouts map[string]time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	randf func() float64
}

// New builds an Executor.
func New(client exchange.Client, sizer *sizing.Sizer, store *position.Store,
	tun *config.Tunables, cfg Config, bus *events.Bus, logger *zap.Logger) *Executor {
	return &Executor{
		client:   client,
		sizer:    sizer,
		store:    store,
		tunables: tun,
		cfg:      cfg,
		limits:   position.LimitsFromTunables(tun),
		bus:      bus,
		logger:   logger,
		stopouts: make(map[string]time.Time),
		now:      time.Now,
		sleep:    sleepCtx,
		randf:    rand.Float64,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExecuteSignal runs the full entry pipeline for a validated signal. A
// Result with Success=false and a Reason is a business rejection; the error
// is reserved for transport-level failures.
func (e *Executor) ExecuteSignal(ctx context.Context, sig signal.Signal) (Result, error) {
	pair := sig.Symbol()
	long := sig.IsLong()
	entry, stop, target := sig.EntryPrice, sig.StopLoss, sig.Target()

	if sig.IsHold() {
		return skip(CodeHold, "hold signal for %s", pair), nil
	}
	if !e.cfg.ExecutionEnabled {
		return skip(CodeExecutionDisabled, "execution disabled"), nil
	}

	balance, err := e.client.FetchBalance(ctx, "USDT")
	if err != nil {
		return Result{}, fmt.Errorf("fetch balance: %w", err)
	}

	breaker := e.store.CheckCircuitBreaker(balance, e.limits)
	if !breaker.TradingAllowed {
		e.bus.Publish(events.EventRiskAlert, events.RiskEvent{
			Code: "circuit_breaker", Detail: breaker.Reason, Halted: true, At: e.now().UTC(),
		})
		return Result{Code: CodeCircuitBreaker, Reason: breaker.Reason, CircuitBreaker: true}, nil
	}

	if !e.tunables.PairSupported(pair) {
		return skip(CodeUnsupportedPair, "%s not on the supported-pair whitelist", pair), nil
	}
	tradeable, why, err := e.client.SymbolTradeable(ctx, pair)
	if err != nil {
		return Result{}, fmt.Errorf("tradeable check: %w", err)
	}
	if !tradeable {
		return skip(CodeNotTradeable, "%s not tradeable on %s: %s", pair, e.client.Name(), why), nil
	}

	if entry <= 0 || stop <= 0 || target <= 0 {
		return skip(CodeInvalidLevels, "invalid levels: entry=%v sl=%v tp=%v", entry, stop, target), nil
	}
	stopDistPct := math.Abs(entry-stop) / entry
	if stopDistPct < 0.005 {
		return skip(CodeStopTooTight, "stop %.2f%% from entry would trigger instantly", stopDistPct*100), nil
	}
	if long && stop >= entry {
		return skip(CodeStopWrongSide, "long stop %.4f above entry %.4f", stop, entry), nil
	}
	if !long && stop <= entry {
		return skip(CodeStopWrongSide, "short stop %.4f below entry %.4f", stop, entry), nil
	}

	existing, hasExisting := e.store.Get(pair)
	if !hasExisting && e.store.Count() >= e.cfg.MaxPositions {
		return skip(CodePositionLimit, "position limit reached (%d/%d)", e.store.Count(), e.cfg.MaxPositions), nil
	}

	// Spot longs pay roughly double the fees of futures; when a futures
	// route exists at all, marginal longs wait for a stronger signal.
	futuresReady := e.cfg.PreferFutures && e.client.FuturesEnabled() && e.client.FuturesConnected()
	if long && sig.Confidence < e.cfg.SpotMinConfidence &&
		e.cfg.PreferFutures && e.client.FuturesEnabled() {
		return skip(CodeSpotConfidence, "spot confidence %.0f%% under %.0f%%",
			sig.Confidence*100, e.cfg.SpotMinConfidence*100), nil
	}

	price, err := exchange.CurrentPrice(ctx, e.client, pair)
	if err != nil {
		return Result{}, fmt.Errorf("fetch price: %w", err)
	}

	// Entering after most of the move is done only churns fees.
	if prog := moveProgress(long, entry, target, price); prog > 0.5 {
		return skip(CodeLateEntry, "price already %.0f%% toward target", prog*100), nil
	}

	if remaining := e.stopoutRemaining(pair); remaining > 0 {
		return skip(CodeCooldown, "stopout cooldown: %s left for %s", remaining.Round(time.Second), pair), nil
	}

	ticker, err := e.client.FetchTicker(ctx, pair)
	if err == nil {
		if sp := ticker.SpreadPct(); sp > e.tunables.MaxSpreadPct*100 {
			return skip(CodeSpreadTooWide, "spread %.2f%% over limit %.2f%%", sp, e.tunables.MaxSpreadPct*100), nil
		}
	} else {
		e.logger.Warn("spread check unavailable", zap.String("symbol", pair), zap.Error(err))
	}

	// A large gap between the signal's entry and the venue price means the
	// signal was computed against another market. Blocking here prevents
	// entering at a price the stop math was never based on.
	mismatch := math.Abs(price-entry) / entry
	if mismatch > e.tunables.MaxPriceMismatchPct {
		return skip(CodePriceMismatch, "price mismatch: signal %.4f vs exchange %.4f (%.1f%%)",
			entry, price, mismatch*100), nil
	}

	if hasExisting {
		return e.resolveExisting(ctx, existing, sig), nil
	}

	if long {
		entry, ok, why := e.entryAfterDelay(ctx, sig, entry)
		if !ok {
			return skip(CodeDelayAbort, "skipped after delay: %s", why), nil
		}
		if futuresReady {
			return e.futuresEntry(ctx, pair, position.Long, entry, stop, target, sig)
		}
		return e.spotBuy(ctx, pair, entry, stop, target, sig)
	}

	if e.client.FuturesEnabled() && e.client.FuturesConnected() {
		entry, ok, why := e.entryAfterDelay(ctx, sig, entry)
		if !ok {
			return skip(CodeDelayAbort, "skipped after delay: %s", why), nil
		}
		return e.futuresEntry(ctx, pair, position.Short, entry, stop, target, sig)
	}

	// Spot cannot open a short; it can only reduce a holding.
	bal, err := e.client.AssetBalance(ctx, pair, e.tunables.MinTradeSpot)
	if err != nil {
		return Result{}, fmt.Errorf("asset balance: %w", err)
	}
	if !bal.HasAsset {
		return skip(CodeNoAsset, "no %s to sell: shorting needs futures or a holding", bal.Currency), nil
	}
	entry2, ok, why := e.entryAfterDelay(ctx, sig, entry)
	if !ok {
		return skip(CodeDelayAbort, "skipped after delay: %s", why), nil
	}
	return e.spotSell(ctx, pair, bal, entry2, stop, target, sig)
}

// resolveExisting handles a signal against a pair we already hold: an
// opposite signal flips the thesis without trading, a same-direction signal
// refreshes the levels.
func (e *Executor) resolveExisting(ctx context.Context, existing position.Position, sig signal.Signal) Result {
	pair := sig.Symbol()
	dir := position.ParseDirection(sig.Side)
	entry, stop, target := sig.EntryPrice, sig.StopLoss, sig.Target()

	if existing.Thesis != dir {
		if !e.store.Flip(ctx, pair, dir, entry, stop, target) {
			return skip(CodeFlipFailed, "flip failed for %s", pair)
		}
		e.bus.Publish(events.EventPositionFlipped, events.PositionEvent{
			Symbol: pair, Side: string(dir), MarketType: existing.Market,
			EntryPrice: entry, Quantity: existing.Quantity, At: e.now().UTC(),
		})
		// Flipping keeps the holding, skipping the sell and re-buy a close
		// plus reopen would have paid for.
		feeSaved := existing.Quantity * entry * e.tunables.FeeRate(e.client.Name()) * 2
		return Result{
			Success: true, Action: "flipped", Pair: pair, Side: string(dir),
			Market: existing.Market, Quantity: existing.Quantity,
			StopLoss: stop, TakeProfit: target, FeeSaved: feeSaved,
		}
	}

	// Same thesis again: refresh the protective levels, keep the position.
	e.store.Mutate(ctx, pair, func(p *position.Position) {
		if stop > 0 {
			p.StopLoss = stop
		}
		if target > 0 {
			p.TakeProfit = target
		}
	})
	return Result{
		Success: true, Action: "updated", Pair: pair, Side: string(dir),
		Market: existing.Market, StopLoss: stop, TakeProfit: target,
	}
}

func moveProgress(long bool, entry, target, price float64) float64 {
	var dist, progress float64
	if long {
		dist = target - entry
		progress = price - entry
	} else {
		dist = entry - target
		progress = entry - price
	}
	if dist <= 0 || progress <= 0 {
		return 0
	}
	return progress / dist
}

// RecordStopout starts the re-entry cooldown after a stop-loss exit.
func (e *Executor) RecordStopout(pair string) {
	e.mu.Lock()
	e.stopouts[strings.ToUpper(pair)] = e.now()
	e.mu.Unlock()
	e.logger.Info("stopout cooldown started",
		zap.String("symbol", pair),
		zap.Int("cooldown_sec", e.tunables.StopoutCooldownSec))
}

// ClearStopout lifts the cooldown early.
func (e *Executor) ClearStopout(pair string) {
	e.mu.Lock()
	delete(e.stopouts, strings.ToUpper(pair))
	e.mu.Unlock()
}

func (e *Executor) stopoutRemaining(pair string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.stopouts[strings.ToUpper(pair)]
	if !ok {
		return 0
	}
	cooldown := time.Duration(e.tunables.StopoutCooldownSec) * time.Second
	remaining := cooldown - e.now().Sub(at)
	if remaining <= 0 {
		delete(e.stopouts, strings.ToUpper(pair))
		return 0
	}
	return remaining
}
