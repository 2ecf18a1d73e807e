package exchange

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side that closes a holding opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// MarketType distinguishes spot vs futures venues.
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
)

// OrderStatus normalizes exchange order state into a small set.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusFilled   OrderStatus = "filled"
	StatusCanceled OrderStatus = "canceled"
	StatusUnknown  OrderStatus = "unknown"
)

// Ticker is a best bid/ask plus last trade price for a symbol.
type Ticker struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
}

// SpreadPct returns the bid/ask spread as a percentage of the bid.
func (t Ticker) SpreadPct() float64 {
	if t.Bid <= 0 {
		return 0
	}
	return (t.Ask - t.Bid) / t.Bid * 100
}

// Order is the exchange's view of one of our orders.
type Order struct {
	ID      string
	Symbol  string
	Side    Side
	Qty     float64
	Price   float64 // limit/trigger price
	Average float64 // average fill price, 0 until filled
	Status  OrderStatus
}

// FillPrice returns the best available price for a (partially) filled order,
// falling back to the given price when the exchange reported nothing.
func (o Order) FillPrice(fallback float64) float64 {
	if o.Average > 0 {
		return o.Average
	}
	if o.Price > 0 {
		return o.Price
	}
	return fallback
}

// AssetBalance describes the base-asset holding behind a symbol.
type AssetBalance struct {
	Currency  string
	Free      float64
	Used      float64 // locked in open orders
	Total     float64
	Price     float64
	USDTValue float64
	HasAsset  bool // Total above the caller's minimum value
}

// FuturesPosition is a live derivatives position on the exchange.
type FuturesPosition struct {
	Symbol    string
	Contracts float64
	Notional  float64
}

// Exists reports whether the exchange still holds the position.
func (p *FuturesPosition) Exists() bool {
	if p == nil {
		return false
	}
	return p.Contracts != 0 || p.Notional != 0
}
