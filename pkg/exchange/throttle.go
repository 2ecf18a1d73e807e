package exchange

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttled wraps a Client with a token-bucket rate limiter so that burst
// activity (a tick over many positions, bulk liquidation) cannot trip the
// venue's request-weight ban threshold.
type Throttled struct {
	inner Client
	lim   *rate.Limiter
}

// NewThrottled allows rps requests per second with the given burst.
func NewThrottled(inner Client, rps float64, burst int) *Throttled {
	return &Throttled{inner: inner, lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *Throttled) wait(ctx context.Context) error {
	if err := t.lim.Wait(ctx); err != nil {
		return NewError(KindNetwork, "rate_wait", "", err)
	}
	return nil
}

func (t *Throttled) Name() string { return t.inner.Name() }

func (t *Throttled) FetchBalance(ctx context.Context, currency string) (float64, error) {
	if err := t.wait(ctx); err != nil {
		return 0, err
	}
	return t.inner.FetchBalance(ctx, currency)
}

func (t *Throttled) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	if err := t.wait(ctx); err != nil {
		return Ticker{}, err
	}
	return t.inner.FetchTicker(ctx, symbol)
}

func (t *Throttled) AssetBalance(ctx context.Context, symbol string, minValueUSDT float64) (AssetBalance, error) {
	if err := t.wait(ctx); err != nil {
		return AssetBalance{}, err
	}
	return t.inner.AssetBalance(ctx, symbol, minValueUSDT)
}

func (t *Throttled) AllBalances(ctx context.Context, minValueUSDT float64) (map[string]AssetBalance, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.AllBalances(ctx, minValueUSDT)
}

func (t *Throttled) SymbolTradeable(ctx context.Context, symbol string) (bool, string, error) {
	if err := t.wait(ctx); err != nil {
		return false, "", err
	}
	return t.inner.SymbolTradeable(ctx, symbol)
}

func (t *Throttled) PlaceMarketOrder(ctx context.Context, symbol string, side Side, qty float64) (Order, error) {
	if err := t.wait(ctx); err != nil {
		return Order{}, err
	}
	return t.inner.PlaceMarketOrder(ctx, symbol, side, qty)
}

func (t *Throttled) PlaceLimitOrder(ctx context.Context, symbol string, side Side, qty, price float64) (Order, error) {
	if err := t.wait(ctx); err != nil {
		return Order{}, err
	}
	return t.inner.PlaceLimitOrder(ctx, symbol, side, qty, price)
}

func (t *Throttled) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.inner.CancelOrder(ctx, orderID, symbol)
}

func (t *Throttled) FetchOrder(ctx context.Context, orderID, symbol string) (Order, error) {
	if err := t.wait(ctx); err != nil {
		return Order{}, err
	}
	return t.inner.FetchOrder(ctx, orderID, symbol)
}

func (t *Throttled) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.OpenOrders(ctx, symbol)
}

func (t *Throttled) FuturesEnabled() bool   { return t.inner.FuturesEnabled() }
func (t *Throttled) FuturesConnected() bool { return t.inner.FuturesConnected() }

func (t *Throttled) FetchFuturesBalance(ctx context.Context) (float64, error) {
	if err := t.wait(ctx); err != nil {
		return 0, err
	}
	return t.inner.FetchFuturesBalance(ctx)
}

func (t *Throttled) FuturesPosition(ctx context.Context, symbol string) (*FuturesPosition, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.FuturesPosition(ctx, symbol)
}

func (t *Throttled) PlaceFuturesMarketOrder(ctx context.Context, symbol string, side Side, qty float64) (Order, error) {
	if err := t.wait(ctx); err != nil {
		return Order{}, err
	}
	return t.inner.PlaceFuturesMarketOrder(ctx, symbol, side, qty)
}

func (t *Throttled) PlaceFuturesStopLoss(ctx context.Context, symbol string, side Side, stopPrice, qty float64) (Order, error) {
	if err := t.wait(ctx); err != nil {
		return Order{}, err
	}
	return t.inner.PlaceFuturesStopLoss(ctx, symbol, side, stopPrice, qty)
}

func (t *Throttled) PlaceFuturesTakeProfit(ctx context.Context, symbol string, side Side, price, qty float64) (Order, error) {
	if err := t.wait(ctx); err != nil {
		return Order{}, err
	}
	return t.inner.PlaceFuturesTakeProfit(ctx, symbol, side, price, qty)
}

var _ Client = (*Throttled)(nil)
