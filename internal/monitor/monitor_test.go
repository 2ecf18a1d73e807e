package monitor

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap"

	"trading-client/internal/events"
	"trading-client/internal/executor"
	"trading-client/internal/position"
	"trading-client/pkg/config"
	"trading-client/pkg/exchange"
)

type stubCloser struct {
	res      executor.CloseResult
	err      error
	closed   []string
	stopouts []string
}

func (s *stubCloser) ClosePosition(ctx context.Context, pair, reason string) (executor.CloseResult, error) {
	s.closed = append(s.closed, pair+":"+reason)
	if s.err != nil {
		return executor.CloseResult{}, s.err
	}
	return s.res, nil
}

func (s *stubCloser) RecordStopout(pair string) {
	s.stopouts = append(s.stopouts, pair)
}

func testMonitor(t *testing.T, paper *exchange.Paper, closer Closer, mod func(*Config)) (*Monitor, *position.Store) {
	t.Helper()
	logger := zap.NewNop()
	store := position.NewStore(nil, func(string) float64 { return 0.001 }, logger)
	tun := config.DefaultTunables()
	cfg := Config{
		Interval:        10 * time.Second,
		MinHold:         180 * time.Second,
		MaxHold:         48 * time.Hour,
		TrailingEnabled: true,
		SyncEvery:       30,
	}
	if mod != nil {
		mod(&cfg)
	}
	if closer == nil {
		closer = &stubCloser{}
	}
	mon := New(paper, store, closer, tun, cfg, events.NewBus(), NewClientMetrics(), logger)
	return mon, store
}

func longBTC(age time.Duration) position.Position {
	return position.Position{
		Symbol:     "BTC/USDT",
		Side:       position.Long,
		Market:     string(exchange.MarketSpot),
		EntryPrice: 50000,
		Quantity:   0.1,
		StopLoss:   49000,
		TakeProfit: 53000,
		EntryTime:  time.Now().UTC().Add(-age),
	}
}

func wantExit(t *testing.T, exit *ExitSignal, reason ExitReason, price float64) {
	t.Helper()
	if exit == nil {
		t.Fatalf("expected %s exit, got none", reason)
	}
	if exit.Reason != reason {
		t.Fatalf("exit reason = %s, want %s", exit.Reason, reason)
	}
	if exit.ExitPrice != price {
		t.Fatalf("exit price = %v, want %v", exit.ExitPrice, price)
	}
}

func TestMetricsRecorded(t *testing.T) {
	ctx := context.Background()
	paper := exchange.NewPaper("paper", 10000, false)
	closer := &stubCloser{res: executor.CloseResult{Closed: true}}
	mon, store := testMonitor(t, paper, closer, nil)

	store.Add(ctx, longBTC(10*time.Minute))
	paper.SetPrice("BTC/USDT", 48800)

	exits := mon.CheckAll(ctx)
	if len(exits) != 1 {
		t.Fatalf("expected 1 exit, got %d", len(exits))
	}
	if _, err := mon.ExecuteExit(ctx, exits[0]); err != nil {
		t.Fatal(err)
	}

	snap := mon.metrics.GetSnapshot()
	if snap.CheckLatency.Count != 1 {
		t.Errorf("check latency samples = %d, want 1", snap.CheckLatency.Count)
	}
	if snap.ExitsExecuted != 1 {
		t.Errorf("exits executed = %d, want 1", snap.ExitsExecuted)
	}
}

func TestCheckPositionStopLoss(t *testing.T) {
	ctx := context.Background()
	paper := exchange.NewPaper("paper", 10000, false)
	mon, store := testMonitor(t, paper, nil, nil)

	store.Add(ctx, longBTC(10*time.Minute))
	paper.SetPrice("BTC/USDT", 48800)

	exit, err := mon.CheckPosition(ctx, "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	wantExit(t, exit, ReasonStopLoss, 48800)
	if exit.Quantity != 0.1 {
		t.Fatalf("exit quantity = %v, want 0.1", exit.Quantity)
	}
}

func TestCheckPositionTakeProfit(t *testing.T) {
	ctx := context.Background()

	t.Run("suppressed during minimum hold", func(t *testing.T) {
		paper := exchange.NewPaper("paper", 10000, false)
		mon, store := testMonitor(t, paper, nil, nil)

		store.Add(ctx, longBTC(60*time.Second))
		paper.SetPrice("BTC/USDT", 53100)

		exit, err := mon.CheckPosition(ctx, "BTC/USDT")
		if err != nil {
			t.Fatal(err)
		}
		if exit != nil {
			t.Fatalf("young position exited with %s", exit.Reason)
		}
	})

	t.Run("fires after minimum hold", func(t *testing.T) {
		paper := exchange.NewPaper("paper", 10000, false)
		mon, store := testMonitor(t, paper, nil, nil)

		store.Add(ctx, longBTC(10*time.Minute))
		paper.SetPrice("BTC/USDT", 53100)

		exit, err := mon.CheckPosition(ctx, "BTC/USDT")
		if err != nil {
			t.Fatal(err)
		}
		wantExit(t, exit, ReasonTakeProfit, 53100)
	})
}

func TestCheckPositionTimeLimit(t *testing.T) {
	ctx := context.Background()
	paper := exchange.NewPaper("paper", 10000, false)
	mon, store := testMonitor(t, paper, nil, func(c *Config) { c.MaxHold = time.Hour })

	store.Add(ctx, longBTC(2*time.Hour))
	paper.SetPrice("BTC/USDT", 50500)

	exit, err := mon.CheckPosition(ctx, "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	wantExit(t, exit, ReasonTimeLimit, 50500)
}

func TestBreakevenMove(t *testing.T) {
	ctx := context.Background()
	paper := exchange.NewPaper("paper", 10000, false)
	mon, store := testMonitor(t, paper, nil, nil)

	store.Add(ctx, longBTC(10*time.Minute))

	// 3.2% profit: past the breakeven trigger, below trailing activation.
	paper.SetPrice("BTC/USDT", 51600)
	exit, err := mon.CheckPosition(ctx, "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if exit != nil {
		t.Fatalf("unexpected exit %s", exit.Reason)
	}
	pos, _ := store.Get("BTC/USDT")
	if !pos.BreakevenMoved {
		t.Fatal("breakeven flag not set")
	}
	if pos.StopLoss != 50075 { // entry * (1 + 0.0015)
		t.Fatalf("stop = %v, want 50075", pos.StopLoss)
	}

	// Pullback through the moved stop reports it as a breakeven exit.
	paper.SetPrice("BTC/USDT", 50050)
	exit, err = mon.CheckPosition(ctx, "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	wantExit(t, exit, ReasonBreakeven, 50050)
}

func TestTrailingStop(t *testing.T) {
	ctx := context.Background()
	paper := exchange.NewPaper("paper", 10000, false)
	mon, store := testMonitor(t, paper, nil, nil)

	store.Add(ctx, longBTC(10*time.Minute))

	// 4% profit activates the trail behind the peak.
	paper.SetPrice("BTC/USDT", 52000)
	if exit, err := mon.CheckPosition(ctx, "BTC/USDT"); err != nil || exit != nil {
		t.Fatalf("exit=%v err=%v", exit, err)
	}
	pos, _ := store.Get("BTC/USDT")
	if !pos.TrailingActive {
		t.Fatal("trailing not active")
	}
	if pos.StopLoss != 52000*(1-0.008) {
		t.Fatalf("trail stop = %v, want %v", pos.StopLoss, 52000*(1-0.008))
	}
	if pos.BestPrice != 52000 {
		t.Fatalf("best price = %v, want 52000", pos.BestPrice)
	}

	// A dip that does not improve the peak must never loosen the stop.
	paper.SetPrice("BTC/USDT", 51900)
	if exit, err := mon.CheckPosition(ctx, "BTC/USDT"); err != nil || exit != nil {
		t.Fatalf("exit=%v err=%v", exit, err)
	}
	pos, _ = store.Get("BTC/USDT")
	if pos.StopLoss != 52000*(1-0.008) {
		t.Fatalf("stop loosened to %v", pos.StopLoss)
	}

	// Falling through the trail exits with the trailing reason.
	paper.SetPrice("BTC/USDT", 51500)
	exit, err := mon.CheckPosition(ctx, "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	wantExit(t, exit, ReasonTrailing, 51500)
}

func TestShortThesisTrailing(t *testing.T) {
	ctx := context.Background()
	paper := exchange.NewPaper("paper", 10000, false)
	mon, store := testMonitor(t, paper, nil, nil)

	// A flipped spot position: still holding the asset, betting down.
	store.Add(ctx, position.Position{
		Symbol:     "ETH/USDT",
		Side:       position.Long,
		Thesis:     position.Short,
		Market:     string(exchange.MarketSpot),
		EntryPrice: 50000,
		Quantity:   1,
		StopLoss:   51000,
		TakeProfit: 47000,
		EntryTime:  time.Now().UTC().Add(-10 * time.Minute),
	})

	// 4% down-move is profit for the short thesis.
	paper.SetPrice("ETH/USDT", 48000)
	if exit, err := mon.CheckPosition(ctx, "ETH/USDT"); err != nil || exit != nil {
		t.Fatalf("exit=%v err=%v", exit, err)
	}
	pos, _ := store.Get("ETH/USDT")
	if pos.BestPrice != 48000 {
		t.Fatalf("best price = %v, want 48000", pos.BestPrice)
	}
	if pos.StopLoss != 48000*(1+0.008) {
		t.Fatalf("trail stop = %v, want %v", pos.StopLoss, 48000*(1+0.008))
	}

	// Bounce back up through the trail.
	paper.SetPrice("ETH/USDT", 48500)
	exit, err := mon.CheckPosition(ctx, "ETH/USDT")
	if err != nil {
		t.Fatal(err)
	}
	wantExit(t, exit, ReasonTrailing, 48500)
	if exit.Thesis != position.Short || exit.Holding != position.Long {
		t.Fatalf("thesis=%s holding=%s", exit.Thesis, exit.Holding)
	}
}

func TestResolveTPOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("filled on exchange", func(t *testing.T) {
		paper := exchange.NewPaper("paper", 10000, false)
		mon, store := testMonitor(t, paper, nil, nil)

		paper.SetPrice("BTC/USDT", 50500)
		paper.SetBalance("BTC", 0.1)
		order, err := paper.PlaceLimitOrder(ctx, "BTC/USDT", exchange.SideSell, 0.1, 53000)
		if err != nil {
			t.Fatal(err)
		}
		pos := longBTC(10 * time.Minute)
		pos.TPOrderID = order.ID
		store.Add(ctx, pos)

		paper.FillOrder(order.ID, 53000)

		exit, err := mon.CheckPosition(ctx, "BTC/USDT")
		if err != nil {
			t.Fatal(err)
		}
		if exit != nil {
			t.Fatalf("unexpected exit %s", exit.Reason)
		}
		if store.Has("BTC/USDT") {
			t.Fatal("position not finalized after take-profit fill")
		}
		if st := store.Stats(); st.TotalTrades != 1 {
			t.Fatalf("trades recorded = %d, want 1", st.TotalTrades)
		}
	})

	t.Run("vanished with asset still held", func(t *testing.T) {
		paper := exchange.NewPaper("paper", 10000, false)
		mon, store := testMonitor(t, paper, nil, nil)

		paper.SetPrice("BTC/USDT", 50500)
		paper.SetBalance("BTC", 0.1)
		pos := longBTC(10 * time.Minute)
		pos.TPOrderID = "ghost"
		store.Add(ctx, pos)

		exit, err := mon.CheckPosition(ctx, "BTC/USDT")
		if err != nil {
			t.Fatal(err)
		}
		if exit != nil {
			t.Fatalf("unexpected exit %s", exit.Reason)
		}
		got, ok := store.Get("BTC/USDT")
		if !ok {
			t.Fatal("position dropped despite held asset")
		}
		if got.TPOrderID != "" {
			t.Fatalf("stale order id kept: %q", got.TPOrderID)
		}
	})

	t.Run("vanished with no asset behind it", func(t *testing.T) {
		paper := exchange.NewPaper("paper", 10000, false)
		mon, store := testMonitor(t, paper, nil, nil)

		paper.SetPrice("BTC/USDT", 50500)
		pos := longBTC(10 * time.Minute)
		pos.TPOrderID = "ghost"
		store.Add(ctx, pos)

		exit, err := mon.CheckPosition(ctx, "BTC/USDT")
		if err != nil {
			t.Fatal(err)
		}
		if exit != nil {
			t.Fatalf("unexpected exit %s", exit.Reason)
		}
		if store.Has("BTC/USDT") {
			t.Fatal("position kept with neither asset nor order")
		}
	})

	t.Run("futures position still open", func(t *testing.T) {
		paper := exchange.NewPaper("paper", 10000, true)
		mon, store := testMonitor(t, paper, nil, nil)

		paper.SetPrice("SOL/USDT", 100)
		if _, err := paper.PlaceFuturesMarketOrder(ctx, "SOL/USDT", exchange.SideBuy, 5); err != nil {
			t.Fatal(err)
		}
		store.Add(ctx, position.Position{
			Symbol:     "SOL/USDT",
			Side:       position.Long,
			Market:     string(exchange.MarketFutures),
			EntryPrice: 100,
			Quantity:   5,
			StopLoss:   95,
			TakeProfit: 110,
			TPOrderID:  "ghost",
			EntryTime:  time.Now().UTC().Add(-10 * time.Minute),
		})

		if exit, err := mon.CheckPosition(ctx, "SOL/USDT"); err != nil || exit != nil {
			t.Fatalf("exit=%v err=%v", exit, err)
		}
		got, ok := store.Get("SOL/USDT")
		if !ok || got.TPOrderID != "" {
			t.Fatalf("ok=%v tp_order_id=%q", ok, got.TPOrderID)
		}
	})

	t.Run("futures position gone", func(t *testing.T) {
		paper := exchange.NewPaper("paper", 10000, true)
		mon, store := testMonitor(t, paper, nil, nil)

		paper.SetPrice("SOL/USDT", 100)
		store.Add(ctx, position.Position{
			Symbol:     "SOL/USDT",
			Side:       position.Long,
			Market:     string(exchange.MarketFutures),
			EntryPrice: 100,
			Quantity:   5,
			StopLoss:   95,
			TakeProfit: 110,
			TPOrderID:  "ghost",
			EntryTime:  time.Now().UTC().Add(-10 * time.Minute),
		})

		if exit, err := mon.CheckPosition(ctx, "SOL/USDT"); err != nil || exit != nil {
			t.Fatalf("exit=%v err=%v", exit, err)
		}
		if store.Has("SOL/USDT") {
			t.Fatal("position kept after contracts disappeared")
		}
	})
}

func TestExecuteExit(t *testing.T) {
	ctx := context.Background()

	t.Run("stop exits start the cooldown", func(t *testing.T) {
		paper := exchange.NewPaper("paper", 10000, false)
		closer := &stubCloser{res: executor.CloseResult{Closed: true}}
		mon, store := testMonitor(t, paper, closer, nil)
		store.Add(ctx, longBTC(10*time.Minute))

		res, err := mon.ExecuteExit(ctx, ExitSignal{
			Symbol: "BTC/USDT", Reason: ReasonStopLoss, ExitPrice: 48800, Quantity: 0.1,
		})
		if err != nil {
			t.Fatal(err)
		}
		if !res.Closed {
			t.Fatal("close result not propagated")
		}
		if len(closer.stopouts) != 1 || closer.stopouts[0] != "BTC/USDT" {
			t.Fatalf("stopouts = %v", closer.stopouts)
		}
	})

	t.Run("take-profit exits do not", func(t *testing.T) {
		paper := exchange.NewPaper("paper", 10000, false)
		closer := &stubCloser{res: executor.CloseResult{Closed: true}}
		mon, store := testMonitor(t, paper, closer, nil)
		store.Add(ctx, longBTC(10*time.Minute))

		if _, err := mon.ExecuteExit(ctx, ExitSignal{
			Symbol: "BTC/USDT", Reason: ReasonTakeProfit, ExitPrice: 53100, Quantity: 0.1,
		}); err != nil {
			t.Fatal(err)
		}
		if len(closer.stopouts) != 0 {
			t.Fatalf("stopouts = %v", closer.stopouts)
		}
	})

	t.Run("repeated failures remove the position", func(t *testing.T) {
		paper := exchange.NewPaper("paper", 10000, false)
		closer := &stubCloser{err: errors.New("venue down")}
		mon, store := testMonitor(t, paper, closer, nil)
		store.Add(ctx, longBTC(10*time.Minute))

		exit := ExitSignal{Symbol: "BTC/USDT", Reason: ReasonStopLoss, ExitPrice: 48800, Quantity: 0.1}

		for i := 0; i < maxExitFailures-1; i++ {
			if _, err := mon.ExecuteExit(ctx, exit); err == nil {
				t.Fatalf("attempt %d: expected error", i+1)
			}
			if !store.Has("BTC/USDT") {
				t.Fatalf("position dropped after %d failures", i+1)
			}
		}

		res, err := mon.ExecuteExit(ctx, exit)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Cleaned {
			t.Fatal("final attempt should report a cleanup")
		}
		if store.Has("BTC/USDT") {
			t.Fatal("position still tracked after failure limit")
		}
	})
}

func TestSyncWithExchange(t *testing.T) {
	ctx := context.Background()
	paper := exchange.NewPaper("paper", 10000, true)
	mon, store := testMonitor(t, paper, nil, nil)

	paper.SetPrice("BTC/USDT", 50000)
	paper.SetPrice("ETH/USDT", 3000)
	paper.SetPrice("SOL/USDT", 100)
	paper.SetPrice("ADA/USDT", 1)

	// BTC: asset held but far less than tracked, so a drift issue.
	paper.SetBalance("BTC", 0.1)
	store.Add(ctx, position.Position{
		Symbol: "BTC/USDT", Side: position.Long, Market: string(exchange.MarketSpot),
		EntryPrice: 50000, Quantity: 0.2, StopLoss: 49000, TakeProfit: 53000,
	})
	// ETH: tracked but nothing in the wallet.
	store.Add(ctx, position.Position{
		Symbol: "ETH/USDT", Side: position.Long, Market: string(exchange.MarketSpot),
		EntryPrice: 3000, Quantity: 1, StopLoss: 2900, TakeProfit: 3200,
	})
	// SOL: futures position exists on the venue.
	if _, err := paper.PlaceFuturesMarketOrder(ctx, "SOL/USDT", exchange.SideBuy, 5); err != nil {
		t.Fatal(err)
	}
	store.Add(ctx, position.Position{
		Symbol: "SOL/USDT", Side: position.Long, Market: string(exchange.MarketFutures),
		EntryPrice: 100, Quantity: 5, StopLoss: 95, TakeProfit: 110,
	})
	// ADA: tracked futures position with no contracts behind it.
	store.Add(ctx, position.Position{
		Symbol: "ADA/USDT", Side: position.Long, Market: string(exchange.MarketFutures),
		EntryPrice: 1, Quantity: 100, StopLoss: 0.9, TakeProfit: 1.2,
	})

	sum := mon.SyncWithExchange(ctx)

	sort.Strings(sum.Kept)
	sort.Strings(sum.Removed)
	if len(sum.Kept) != 2 || sum.Kept[0] != "BTC/USDT" || sum.Kept[1] != "SOL/USDT" {
		t.Fatalf("kept = %v", sum.Kept)
	}
	if len(sum.Removed) != 2 || sum.Removed[0] != "ADA/USDT" || sum.Removed[1] != "ETH/USDT" {
		t.Fatalf("removed = %v", sum.Removed)
	}
	if _, ok := sum.Issues["BTC/USDT"]; !ok {
		t.Fatalf("quantity drift not reported: %v", sum.Issues)
	}
	if store.Has("ETH/USDT") || store.Has("ADA/USDT") {
		t.Fatal("removed positions still tracked")
	}
	if !store.Has("BTC/USDT") || !store.Has("SOL/USDT") {
		t.Fatal("kept positions dropped")
	}
}

func TestStopHelpers(t *testing.T) {
	cases := []struct {
		name    string
		long    bool
		newSL   float64
		current float64
		want    bool
	}{
		{"long tightens up", true, 50075, 49000, true},
		{"long never loosens", true, 48000, 49000, false},
		{"long equal is not tighter", true, 49000, 49000, false},
		{"short tightens down", false, 49925, 51000, true},
		{"short never loosens", false, 52000, 51000, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tightens(tc.long, tc.newSL, tc.current); got != tc.want {
				t.Fatalf("tightens(%v, %v, %v) = %v, want %v", tc.long, tc.newSL, tc.current, got, tc.want)
			}
		})
	}

	if p := thesisProfit(position.Short, 50000, 48000); p != 0.04 {
		t.Fatalf("short profit = %v, want 0.04", p)
	}
	if stopHit(position.Short, 51000, 51000) != true {
		t.Fatal("short stop at exact level should hit")
	}
	if stopHit(position.Long, 49000, 0) {
		t.Fatal("zero stop must never hit")
	}
}
