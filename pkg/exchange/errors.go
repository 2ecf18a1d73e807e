package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind classifies exchange faults into the closed set the caller is
// expected to branch on. Anything else is KindExchange.
type ErrorKind int

const (
	KindExchange ErrorKind = iota
	KindInsufficientFunds
	KindInvalidOrder
	KindNetwork
)

func (k ErrorKind) String() string {
	switch k {
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindInvalidOrder:
		return "invalid_order"
	case KindNetwork:
		return "network_error"
	default:
		return "exchange_error"
	}
}

// Error is a categorized exchange failure.
type Error struct {
	Kind   ErrorKind
	Op     string // e.g. "place_market_order"
	Symbol string
	Err    error
}

func (e *Error) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Symbol, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and call-site context.
func NewError(kind ErrorKind, op, symbol string, err error) *Error {
	return &Error{Kind: kind, Op: op, Symbol: symbol, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to KindExchange.
func KindOf(err error) ErrorKind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindExchange
}

// IsInsufficientFunds reports whether err is a balance failure.
func IsInsufficientFunds(err error) bool {
	return KindOf(err) == KindInsufficientFunds
}

// IsNetwork reports whether err is a transport-level failure, which callers
// treat as recoverable (retry on next tick).
func IsNetwork(err error) bool {
	return KindOf(err) == KindNetwork
}

// ErrOrderNotFound is returned by FetchOrder when the exchange no longer
// knows the order id. Callers must not treat this as "filled".
var ErrOrderNotFound = errors.New("order not found")
