package executor

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"trading-client/internal/signal"
	"trading-client/pkg/exchange"
)

// entryAfterDelay waits a randomized interval before entering, then
// revalidates the setup against the post-delay price. Randomizing the entry
// keeps the client from trading in lockstep with everyone else on the same
// feed. Returns the (possibly replaced) entry price, whether to proceed, and
// the skip reason when not.
func (e *Executor) entryAfterDelay(ctx context.Context, sig signal.Signal, entry float64) (float64, bool, string) {
	if !e.cfg.UseEntryDelay {
		return entry, true, ""
	}

	d := e.pickDelay(sig.Confidence)
	e.logger.Info("entry delay",
		zap.String("symbol", sig.Symbol()),
		zap.Duration("delay", d),
		zap.Float64("confidence", sig.Confidence))
	if err := e.sleep(ctx, d); err != nil {
		return entry, false, fmt.Sprintf("delay interrupted: %v", err)
	}

	price, err := exchange.CurrentPrice(ctx, e.client, sig.Symbol())
	if err != nil {
		// Proceed on the signal's entry rather than drop a setup over a
		// transient ticker failure.
		e.logger.Warn("post-delay price unavailable",
			zap.String("symbol", sig.Symbol()), zap.Error(err))
		return entry, true, ""
	}

	long := sig.IsLong()
	stop, target := sig.StopLoss, sig.Target()

	if prog := moveProgress(long, entry, target, price); prog >= 1 {
		return entry, false, "target already hit during delay"
	} else if prog > 0.7 {
		return entry, false, fmt.Sprintf("price moved %.0f%% toward target during delay", prog*100)
	}
	if (long && price <= stop) || (!long && price >= stop) {
		return entry, false, "price crossed the stop during delay"
	}
	adverse := (entry - price) / entry
	if !long {
		adverse = -adverse
	}
	if adverse > 0.015 {
		return entry, false, fmt.Sprintf("price moved %.1f%% against entry during delay", adverse*100)
	}

	if math.Abs(price-entry)/entry > 0.001 {
		e.logger.Debug("entry price refreshed after delay",
			zap.String("symbol", sig.Symbol()),
			zap.Float64("signal_entry", entry),
			zap.Float64("market", price))
	}
	return price, true, ""
}

// pickDelay scales the wait inversely with conviction: strong signals can
// afford to wait out front-runners, weak ones get filled before the edge
// decays further.
func (e *Executor) pickDelay(confidence float64) time.Duration {
	min, max := e.cfg.EntryDelayMin, e.cfg.EntryDelayMax
	if max <= min {
		return min
	}
	var lo, hi time.Duration
	switch {
	case confidence > 0.8:
		lo, hi = min+10*time.Second, max
	case confidence > 0.65:
		lo, hi = min, max-10*time.Second
	default:
		lo, hi = min, min+15*time.Second
	}
	if hi < lo {
		hi = lo
	}
	if hi > max {
		hi = max
	}
	return lo + time.Duration(e.randf()*float64(hi-lo))
}
