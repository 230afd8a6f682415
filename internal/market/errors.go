package market

import "errors"

// Sentinel errors for in-band provider conditions. Callers branch with
// errors.Is; concrete providers wrap these with vendor detail.
var (
	// ErrNoData means no provider could produce bars or a quote for the
	// symbol. Callers skip the symbol, they do not retry.
	ErrNoData = errors.New("no market data available")

	// ErrRateLimited means a vendor refused the call, its daily budget is
	// exhausted, or its circuit breaker is open.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrUnknownSymbol means the vendor does not recognize the symbol.
	ErrUnknownSymbol = errors.New("unknown symbol")
)
