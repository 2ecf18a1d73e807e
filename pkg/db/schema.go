package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS positions (
    symbol TEXT PRIMARY KEY,
    side TEXT NOT NULL,
    market_type TEXT NOT NULL,
    entry_price REAL NOT NULL,
    quantity REAL NOT NULL,
    stop_loss REAL NOT NULL,
    take_profit REAL NOT NULL,
    confidence REAL NOT NULL,
    regime TEXT,
    thesis TEXT,
    thesis_entry REAL DEFAULT 0,
    flip_count INTEGER DEFAULT 0,
    entry_fee REAL DEFAULT 0,
    signal_id TEXT,
    tp_order_id TEXT,
    trailing_active INTEGER DEFAULT 0,
    breakeven_moved INTEGER DEFAULT 0,
    best_price REAL DEFAULT 0,
    exit_failures INTEGER DEFAULT 0,
    opened_at DATETIME NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trade_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    market_type TEXT NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL NOT NULL,
    quantity REAL NOT NULL,
    pnl REAL NOT NULL,
    fees REAL DEFAULT 0,
    reason TEXT,
    opened_at DATETIME NOT NULL,
    closed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trade_history_closed_at ON trade_history(closed_at);
`

// Migrate applies the schema. It is idempotent.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
