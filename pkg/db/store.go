// Package db persists position snapshots and closed-trade history so the
// client can restart without losing lifecycle state.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PositionRow is the persisted form of an open position.
type PositionRow struct {
	Symbol         string
	Side           string
	MarketType     string
	EntryPrice     float64
	Quantity       float64
	StopLoss       float64
	TakeProfit     float64
	Confidence     float64
	Regime         string
	Thesis         string
	ThesisEntry    float64
	FlipCount      int
	EntryFee       float64
	SignalID       string
	TPOrderID      string
	TrailingActive bool
	BreakevenMoved bool
	BestPrice      float64
	ExitFailures   int
	OpenedAt       time.Time
}

// TradeRow is one closed trade in the rolling history.
type TradeRow struct {
	ID         int64
	Symbol     string
	Side       string
	MarketType string
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	PnL        float64
	Fees       float64
	Reason     string
	OpenedAt   time.Time
	ClosedAt   time.Time
}

// Store provides snapshot queries over the database.
type Store struct {
	db *sql.DB
}

// NewStore wires a Store to an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ReplacePositions atomically swaps the persisted snapshot for the given set
// of open positions.
func (s *Store) ReplacePositions(ctx context.Context, rows []PositionRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions`); err != nil {
		return fmt.Errorf("clear positions: %w", err)
	}
	for _, p := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO positions (
				symbol, side, market_type, entry_price, quantity, stop_loss, take_profit,
				confidence, regime, thesis, thesis_entry, flip_count, entry_fee, signal_id,
				tp_order_id, trailing_active, breakeven_moved, best_price, exit_failures,
				opened_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		`, p.Symbol, p.Side, p.MarketType, p.EntryPrice, p.Quantity, p.StopLoss, p.TakeProfit,
			p.Confidence, p.Regime, p.Thesis, p.ThesisEntry, p.FlipCount, p.EntryFee, p.SignalID,
			p.TPOrderID, p.TrailingActive, p.BreakevenMoved, p.BestPrice, p.ExitFailures, p.OpenedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert position %s: %w", p.Symbol, err)
		}
	}
	return tx.Commit()
}

// ListPositions loads the persisted snapshot.
func (s *Store) ListPositions(ctx context.Context) ([]PositionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, side, market_type, entry_price, quantity, stop_loss, take_profit,
		       COALESCE(confidence, 0), COALESCE(regime, ''), COALESCE(thesis, ''),
		       COALESCE(thesis_entry, 0), COALESCE(flip_count, 0),
		       COALESCE(entry_fee, 0), COALESCE(signal_id, ''), COALESCE(tp_order_id, ''),
		       trailing_active, breakeven_moved, COALESCE(best_price, 0),
		       COALESCE(exit_failures, 0), opened_at
		FROM positions
	`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var p PositionRow
		if err := rows.Scan(&p.Symbol, &p.Side, &p.MarketType, &p.EntryPrice, &p.Quantity,
			&p.StopLoss, &p.TakeProfit, &p.Confidence, &p.Regime, &p.Thesis,
			&p.ThesisEntry, &p.FlipCount, &p.EntryFee, &p.SignalID, &p.TPOrderID,
			&p.TrailingActive, &p.BreakevenMoved, &p.BestPrice, &p.ExitFailures, &p.OpenedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertTrade appends a closed trade and prunes the history beyond keep rows.
func (s *Store) InsertTrade(ctx context.Context, t TradeRow, keep int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trade tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trade_history (
			symbol, side, market_type, entry_price, exit_price, quantity, pnl, fees, reason, opened_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Symbol, t.Side, t.MarketType, t.EntryPrice, t.ExitPrice, t.Quantity, t.PnL, t.Fees,
		t.Reason, t.OpenedAt.UTC(), t.ClosedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	if keep > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM trade_history
			WHERE id NOT IN (SELECT id FROM trade_history ORDER BY closed_at DESC, id DESC LIMIT ?)
		`, keep)
		if err != nil {
			return fmt.Errorf("prune trades: %w", err)
		}
	}
	return tx.Commit()
}

// RecentTrades returns up to limit closed trades, newest first.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]TradeRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, side, market_type, entry_price, exit_price, quantity, pnl,
		       COALESCE(fees, 0), COALESCE(reason, ''), opened_at, closed_at
		FROM trade_history
		ORDER BY closed_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var t TradeRow
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &t.MarketType, &t.EntryPrice, &t.ExitPrice,
			&t.Quantity, &t.PnL, &t.Fees, &t.Reason, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
