package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Paper is an in-memory exchange used for dry-run mode and tests. Market
// orders fill immediately at the last set price plus slippage; limit, stop
// and take-profit orders rest until FillOrder or Tick crosses them.
type Paper struct {
	mu sync.Mutex

	name     string
	feeRate  float64
	slipBps  float64
	futures  bool
	prices   map[string]float64
	spot     map[string]float64 // currency -> free balance
	futBal   float64
	futPos   map[string]*FuturesPosition
	orders   map[string]*paperOrder
	failNext map[string]error // op -> injected error
}

type paperOrder struct {
	Order
	market    MarketType
	kind      string // "limit", "stop", "take_profit"
	stopPrice float64
}

// NewPaper seeds a paper exchange with a spot USDT balance. Enable futures to
// also credit the futures wallet with the same amount.
func NewPaper(name string, usdt float64, futures bool) *Paper {
	p := &Paper{
		name:     name,
		feeRate:  0.001,
		prices:   make(map[string]float64),
		spot:     map[string]float64{"USDT": usdt},
		futPos:   make(map[string]*FuturesPosition),
		orders:   make(map[string]*paperOrder),
		failNext: make(map[string]error),
	}
	if futures {
		p.futures = true
		p.futBal = usdt
	}
	return p
}

// SetPrice sets the last price for a symbol. Resting stop and take-profit
// orders whose trigger the new price crosses are filled.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	for _, o := range p.orders {
		if o.Symbol != symbol || o.Status != StatusOpen {
			continue
		}
		if p.crossed(o, price) {
			p.fillLocked(o, price)
		}
	}
}

// SetFeeRate overrides the default 0.1% taker fee.
func (p *Paper) SetFeeRate(rate float64) {
	p.mu.Lock()
	p.feeRate = rate
	p.mu.Unlock()
}

// SetSlippageBps sets market-order slippage in basis points against the taker.
func (p *Paper) SetSlippageBps(bps float64) {
	p.mu.Lock()
	p.slipBps = bps
	p.mu.Unlock()
}

// SetBalance sets the free spot balance of a currency.
func (p *Paper) SetBalance(currency string, amount float64) {
	p.mu.Lock()
	p.spot[strings.ToUpper(currency)] = amount
	p.mu.Unlock()
}

// FailNext makes the next call to the named operation ("market_order",
// "ticker", "cancel", ...) return err.
func (p *Paper) FailNext(op string, err error) {
	p.mu.Lock()
	p.failNext[op] = err
	p.mu.Unlock()
}

// FillOrder force-fills a resting order at the given price, as if the venue
// matched it. Returns false if the order is unknown or not open.
func (p *Paper) FillOrder(orderID string, price float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok || o.Status != StatusOpen {
		return false
	}
	p.fillLocked(o, price)
	return true
}

// VanishOrder removes an order entirely so FetchOrder reports ErrOrderNotFound.
func (p *Paper) VanishOrder(orderID string) {
	p.mu.Lock()
	delete(p.orders, orderID)
	p.mu.Unlock()
}

func (p *Paper) takeFailure(op string) error {
	if err, ok := p.failNext[op]; ok {
		delete(p.failNext, op)
		return err
	}
	return nil
}

func (p *Paper) crossed(o *paperOrder, price float64) bool {
	switch o.kind {
	case "stop":
		if o.Side == SideSell {
			return price <= o.stopPrice
		}
		return price >= o.stopPrice
	case "take_profit", "limit":
		if o.Side == SideSell {
			return price >= o.Price
		}
		return price <= o.Price
	}
	return false
}

func (p *Paper) fillLocked(o *paperOrder, price float64) {
	o.Status = StatusFilled
	o.Average = price
	if o.market == MarketSpot {
		p.settleSpotLocked(o.Symbol, o.Side, o.Qty, price)
	} else {
		p.settleFuturesLocked(o.Symbol, o.Side, o.Qty, price)
	}
}

func baseCurrency(symbol string) string {
	if i := strings.Index(symbol, "/"); i > 0 {
		return symbol[:i]
	}
	return symbol
}

func (p *Paper) settleSpotLocked(symbol string, side Side, qty, price float64) {
	base := baseCurrency(symbol)
	cost := qty * price
	fee := cost * p.feeRate
	if side == SideBuy {
		p.spot["USDT"] -= cost + fee
		p.spot[base] += qty
	} else {
		p.spot[base] -= qty
		p.spot["USDT"] += cost - fee
	}
}

func (p *Paper) settleFuturesLocked(symbol string, side Side, qty, price float64) {
	pos := p.futPos[symbol]
	if pos == nil {
		pos = &FuturesPosition{Symbol: symbol}
		p.futPos[symbol] = pos
	}
	delta := qty
	if side == SideSell {
		delta = -qty
	}
	pos.Contracts += delta
	pos.Notional = pos.Contracts * price
	p.futBal -= qty * price * p.feeRate
	if pos.Contracts == 0 {
		delete(p.futPos, symbol)
	}
}

func (p *Paper) Name() string { return p.name }

func (p *Paper) FetchBalance(ctx context.Context, currency string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("balance"); err != nil {
		return 0, NewError(KindNetwork, "fetch_balance", "", err)
	}
	return p.spot[strings.ToUpper(currency)], nil
}

func (p *Paper) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("ticker"); err != nil {
		return Ticker{}, NewError(KindNetwork, "fetch_ticker", symbol, err)
	}
	last, ok := p.prices[symbol]
	if !ok {
		return Ticker{}, NewError(KindExchange, "fetch_ticker", symbol, fmt.Errorf("no market data"))
	}
	half := last * p.slipBps / 10000 / 2
	return Ticker{Symbol: symbol, Bid: last - half, Ask: last + half, Last: last}, nil
}

func (p *Paper) AssetBalance(ctx context.Context, symbol string, minValueUSDT float64) (AssetBalance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	base := baseCurrency(symbol)
	free := p.spot[base]
	price := p.prices[symbol]
	value := free * price
	return AssetBalance{
		Currency:  base,
		Free:      free,
		Total:     free,
		Price:     price,
		USDTValue: value,
		HasAsset:  value >= minValueUSDT,
	}, nil
}

func (p *Paper) AllBalances(ctx context.Context, minValueUSDT float64) (map[string]AssetBalance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]AssetBalance)
	for cur, free := range p.spot {
		if cur == "USDT" || free <= 0 {
			continue
		}
		price := p.prices[cur+"/USDT"]
		value := free * price
		if value < minValueUSDT {
			continue
		}
		out[cur] = AssetBalance{Currency: cur, Free: free, Total: free, Price: price, USDTValue: value, HasAsset: true}
	}
	return out, nil
}

func (p *Paper) SymbolTradeable(ctx context.Context, symbol string) (bool, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.prices[symbol]; !ok {
		return false, "symbol not listed", nil
	}
	return true, "", nil
}

func (p *Paper) marketFill(symbol string, side Side) (float64, error) {
	last, ok := p.prices[symbol]
	if !ok {
		return 0, NewError(KindExchange, "market_order", symbol, fmt.Errorf("no market data"))
	}
	slip := last * p.slipBps / 10000
	if side == SideBuy {
		return last + slip, nil
	}
	return last - slip, nil
}

func (p *Paper) PlaceMarketOrder(ctx context.Context, symbol string, side Side, qty float64) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("market_order"); err != nil {
		return Order{}, err
	}
	if qty <= 0 {
		return Order{}, NewError(KindInvalidOrder, "market_order", symbol, fmt.Errorf("quantity %v", qty))
	}
	price, err := p.marketFill(symbol, side)
	if err != nil {
		return Order{}, err
	}
	if side == SideBuy {
		need := qty*price*(1+p.feeRate) - p.spot["USDT"]
		if need > 1e-9 {
			return Order{}, NewError(KindInsufficientFunds, "market_order", symbol, fmt.Errorf("short %.2f USDT", need))
		}
	} else if p.spot[baseCurrency(symbol)] < qty {
		return Order{}, NewError(KindInsufficientFunds, "market_order", symbol, fmt.Errorf("insufficient %s", baseCurrency(symbol)))
	}
	o := &paperOrder{
		Order:  Order{ID: uuid.NewString(), Symbol: symbol, Side: side, Qty: qty, Price: price, Average: price, Status: StatusFilled},
		market: MarketSpot,
	}
	p.settleSpotLocked(symbol, side, qty, price)
	p.orders[o.ID] = o
	return o.Order, nil
}

func (p *Paper) PlaceLimitOrder(ctx context.Context, symbol string, side Side, qty, price float64) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("limit_order"); err != nil {
		return Order{}, err
	}
	o := &paperOrder{
		Order:  Order{ID: uuid.NewString(), Symbol: symbol, Side: side, Qty: qty, Price: price, Status: StatusOpen},
		market: MarketSpot,
		kind:   "limit",
	}
	p.orders[o.ID] = o
	return o.Order, nil
}

func (p *Paper) CancelOrder(ctx context.Context, orderID, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("cancel"); err != nil {
		return err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status == StatusOpen {
		o.Status = StatusCanceled
	}
	return nil
}

func (p *Paper) FetchOrder(ctx context.Context, orderID, symbol string) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("fetch_order"); err != nil {
		return Order{}, err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return o.Order, nil
}

func (p *Paper) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Order
	for _, o := range p.orders {
		if o.Status == StatusOpen && (symbol == "" || o.Symbol == symbol) {
			out = append(out, o.Order)
		}
	}
	return out, nil
}

func (p *Paper) FuturesEnabled() bool   { return p.futures }
func (p *Paper) FuturesConnected() bool { return p.futures }

func (p *Paper) FetchFuturesBalance(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.futures {
		return 0, NewError(KindExchange, "futures_balance", "", fmt.Errorf("futures disabled"))
	}
	return p.futBal, nil
}

func (p *Paper) FuturesPosition(ctx context.Context, symbol string) (*FuturesPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("futures_position"); err != nil {
		return nil, err
	}
	pos, ok := p.futPos[symbol]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

func (p *Paper) PlaceFuturesMarketOrder(ctx context.Context, symbol string, side Side, qty float64) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("futures_market_order"); err != nil {
		return Order{}, err
	}
	if !p.futures {
		return Order{}, NewError(KindExchange, "futures_market_order", symbol, fmt.Errorf("futures disabled"))
	}
	price, err := p.marketFill(symbol, side)
	if err != nil {
		return Order{}, err
	}
	o := &paperOrder{
		Order:  Order{ID: uuid.NewString(), Symbol: symbol, Side: side, Qty: qty, Price: price, Average: price, Status: StatusFilled},
		market: MarketFutures,
	}
	p.settleFuturesLocked(symbol, side, qty, price)
	p.orders[o.ID] = o
	return o.Order, nil
}

func (p *Paper) placeFuturesConditional(kind, symbol string, side Side, trigger, qty float64) (Order, error) {
	if !p.futures {
		return Order{}, NewError(KindExchange, kind, symbol, fmt.Errorf("futures disabled"))
	}
	o := &paperOrder{
		Order:     Order{ID: uuid.NewString(), Symbol: symbol, Side: side, Qty: qty, Price: trigger, Status: StatusOpen},
		market:    MarketFutures,
		kind:      kind,
		stopPrice: trigger,
	}
	p.orders[o.ID] = o
	return o.Order, nil
}

func (p *Paper) PlaceFuturesStopLoss(ctx context.Context, symbol string, side Side, stopPrice, qty float64) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("futures_stop"); err != nil {
		return Order{}, err
	}
	return p.placeFuturesConditional("stop", symbol, side, stopPrice, qty)
}

func (p *Paper) PlaceFuturesTakeProfit(ctx context.Context, symbol string, side Side, price, qty float64) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("futures_tp"); err != nil {
		return Order{}, err
	}
	return p.placeFuturesConditional("take_profit", symbol, side, price, qty)
}

var _ Client = (*Paper)(nil)
