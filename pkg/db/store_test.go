package db

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := Migrate(database.DB); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}
	return NewStore(database.DB)
}

func TestReplacePositionsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snapshot := []PositionRow{
		{
			Symbol: "BTC/USDT", Side: "long", MarketType: "futures",
			EntryPrice: 50000, Quantity: 0.01, StopLoss: 49250, TakeProfit: 51500,
			Confidence: 0.72, Regime: "trending", Thesis: "short",
			ThesisEntry: 50200, FlipCount: 1,
			EntryFee: 0.5, SignalID: "sig-1", OpenedAt: opened,
		},
		{
			Symbol: "ETH/USDT", Side: "short", MarketType: "spot",
			EntryPrice: 3000, Quantity: 0.5, StopLoss: 3045, TakeProfit: 2910,
			Confidence: 0.61, TrailingActive: true, BestPrice: 2950, OpenedAt: opened,
		},
	}
	if err := s.ReplacePositions(ctx, snapshot); err != nil {
		t.Fatalf("ReplacePositions: %v", err)
	}

	got, err := s.ListPositions(ctx)
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(got))
	}
	bySymbol := map[string]PositionRow{}
	for _, p := range got {
		bySymbol[p.Symbol] = p
	}
	btc := bySymbol["BTC/USDT"]
	if btc.StopLoss != 49250 || btc.Regime != "trending" || btc.SignalID != "sig-1" {
		t.Errorf("BTC row round-trip mismatch: %+v", btc)
	}
	if btc.Thesis != "short" || btc.ThesisEntry != 50200 || btc.FlipCount != 1 {
		t.Errorf("BTC thesis fields lost: %+v", btc)
	}
	eth := bySymbol["ETH/USDT"]
	if !eth.TrailingActive || eth.BestPrice != 2950 {
		t.Errorf("ETH trailing fields lost: %+v", eth)
	}

	// Second snapshot replaces, not appends.
	if err := s.ReplacePositions(ctx, snapshot[:1]); err != nil {
		t.Fatalf("ReplacePositions: %v", err)
	}
	got, err = s.ListPositions(ctx)
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(got) != 1 || got[0].Symbol != "BTC/USDT" {
		t.Errorf("expected snapshot replaced with single BTC row, got %+v", got)
	}
}

func TestInsertTradePrunesHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		tr := TradeRow{
			Symbol: "BTC/USDT", Side: "long", MarketType: "spot",
			EntryPrice: 50000, ExitPrice: 50500, Quantity: 0.01,
			PnL:      float64(i),
			Reason:   fmt.Sprintf("take_profit_%d", i),
			OpenedAt: base, ClosedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.InsertTrade(ctx, tr, 5); err != nil {
			t.Fatalf("InsertTrade: %v", err)
		}
	}

	trades, err := s.RecentTrades(ctx, 100)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(trades) != 5 {
		t.Fatalf("expected history pruned to 5, got %d", len(trades))
	}
	if trades[0].PnL != 6 {
		t.Errorf("expected newest trade first, got pnl=%v", trades[0].PnL)
	}
	if trades[len(trades)-1].PnL != 2 {
		t.Errorf("expected oldest surviving trade pnl=2, got %v", trades[len(trades)-1].PnL)
	}
}
