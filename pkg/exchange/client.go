// Package exchange defines the trading-venue capability consumed by the
// execution core. The core never speaks an exchange protocol itself; it is
// handed a Client and treats every call as fallible with a categorized Error.
package exchange

import "context"

// Client abstracts a trading venue (spot wallet plus optional futures wallet).
//
// All calls may block on the network and must honor ctx. Implementations
// return *Error values so callers can branch on ErrorKind.
type Client interface {
	// Name is the venue identifier used for fee lookup and logging.
	Name() string

	FetchBalance(ctx context.Context, currency string) (float64, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)

	// AssetBalance reports the base-asset holding behind symbol. HasAsset is
	// set when the total value clears minValueUSDT.
	AssetBalance(ctx context.Context, symbol string, minValueUSDT float64) (AssetBalance, error)

	// AllBalances returns every non-zero holding worth at least minValueUSDT,
	// keyed by currency. Used for orphaned-position import.
	AllBalances(ctx context.Context, minValueUSDT float64) (map[string]AssetBalance, error)

	// SymbolTradeable reports whether the market is active, with a reason
	// when it is not.
	SymbolTradeable(ctx context.Context, symbol string) (bool, string, error)

	PlaceMarketOrder(ctx context.Context, symbol string, side Side, qty float64) (Order, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side Side, qty, price float64) (Order, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	// FetchOrder returns ErrOrderNotFound when the exchange no longer knows
	// the id; that is distinct from a canceled or filled order.
	FetchOrder(ctx context.Context, orderID, symbol string) (Order, error)
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// Futures. Enabled reflects configuration, Connected reflects a live
	// session; both must be true before any futures call is made.
	FuturesEnabled() bool
	FuturesConnected() bool
	FetchFuturesBalance(ctx context.Context) (float64, error)
	FuturesPosition(ctx context.Context, symbol string) (*FuturesPosition, error)
	PlaceFuturesMarketOrder(ctx context.Context, symbol string, side Side, qty float64) (Order, error)
	PlaceFuturesStopLoss(ctx context.Context, symbol string, side Side, stopPrice, qty float64) (Order, error)
	PlaceFuturesTakeProfit(ctx context.Context, symbol string, side Side, price, qty float64) (Order, error)
}

// CurrentPrice fetches the last traded price for symbol.
func CurrentPrice(ctx context.Context, c Client, symbol string) (float64, error) {
	t, err := c.FetchTicker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return t.Last, nil
}
