package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/finsight-ai/finsight/internal/metrics"
)

// VendorLimits describes per-vendor throttling: a per-minute smoothing
// rate and a hard daily call budget that resets at UTC midnight.
type VendorLimits struct {
	PerMinute int
	PerDay    int
}

// Budget limits a vendor to a fixed number of calls per UTC day.
type Budget struct {
	mu    sync.Mutex
	limit int
	used  int
	day   time.Time
	now   func() time.Time
}

// NewBudget creates a daily call budget.
func NewBudget(limit int) *Budget {
	return &Budget{limit: limit, now: time.Now}
}

// Allow consumes one call from the budget if available.
func (b *Budget) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetLocked()
	if b.used >= b.limit {
		return false
	}
	b.used++
	return true
}

// Remaining returns the calls left in the current UTC day.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetLocked()
	return b.limit - b.used
}

func (b *Budget) resetLocked() {
	today := b.now().UTC().Truncate(24 * time.Hour)
	if today.After(b.day) {
		b.day = today
		b.used = 0
	}
}

type vendor struct {
	provider Provider
	limiter  *rate.Limiter
	budget   *Budget
	breaker  *gobreaker.CircuitBreaker
}

// Fallback composes vendors in configured order. Per call it skips any
// vendor whose circuit breaker is open or whose daily budget is spent,
// waits out the per-minute smoothing limiter, retries transient failures
// in place, and moves to the next vendor on any error. When every vendor
// fails the result is ErrNoData.
type Fallback struct {
	vendors []*vendor
	retry   RetryConfig

	mu      sync.Mutex
	sources map[string]SourceInfo
}

// NewFallback creates a fallback provider over the given vendors, in
// priority order. Missing limits default to 5 calls/minute and 500/day.
func NewFallback(providers []Provider, limits map[string]VendorLimits) *Fallback {
	f := &Fallback{
		retry:   DefaultRetryConfig(),
		sources: make(map[string]SourceInfo),
	}

	for _, p := range providers {
		lim, ok := limits[p.Name()]
		if !ok || lim.PerMinute <= 0 {
			lim.PerMinute = 5
		}
		if lim.PerDay <= 0 {
			lim.PerDay = 500
		}

		f.vendors = append(f.vendors, &vendor{
			provider: p,
			limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(lim.PerMinute)), 1),
			budget:   NewBudget(lim.PerDay),
			breaker:  newVendorBreaker(p.Name()),
		})

		metrics.SetProviderBudget(p.Name(), lim.PerDay)
	}

	return f
}

// Name identifies the provider
func (f *Fallback) Name() string {
	return "fallback"
}

// GetBars tries each vendor in order until one returns a usable window.
func (f *Fallback) GetBars(ctx context.Context, symbol, period, interval string) ([]Bar, error) {
	for _, v := range f.vendors {
		bars, err := f.fetchBars(ctx, v, symbol, period, interval)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("bars fetch cancelled: %w", ctx.Err())
			}
			log.Debug().
				Err(err).
				Str("provider", v.provider.Name()).
				Str("symbol", symbol).
				Msg("Vendor failed, trying next")
			continue
		}
		if len(bars) == 0 {
			continue
		}

		f.recordSource(symbol, SourceInfo{
			Provider: v.provider.Name(),
			BarCount: len(bars),
		})
		return bars, nil
	}

	return nil, fmt.Errorf("%w: all vendors failed for %s", ErrNoData, symbol)
}

// GetQuote tries each vendor in order until one returns a spot price.
func (f *Fallback) GetQuote(ctx context.Context, symbol string) (float64, error) {
	for _, v := range f.vendors {
		price, err := f.fetchQuote(ctx, v, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return 0, fmt.Errorf("quote fetch cancelled: %w", ctx.Err())
			}
			log.Debug().
				Err(err).
				Str("provider", v.provider.Name()).
				Str("symbol", symbol).
				Msg("Vendor failed, trying next")
			continue
		}
		return price, nil
	}

	return 0, fmt.Errorf("%w: all vendors failed for quote %s", ErrNoData, symbol)
}

// Source reports where the most recent window for symbol came from.
func (f *Fallback) Source(symbol string) (SourceInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	src, ok := f.sources[symbol]
	return src, ok
}

func (f *Fallback) recordSource(symbol string, src SourceInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sources[symbol] = src
}

func (f *Fallback) fetchBars(ctx context.Context, v *vendor, symbol, period, interval string) ([]Bar, error) {
	if err := f.admit(ctx, v); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := v.breaker.Execute(func() (interface{}, error) {
		var bars []Bar
		retryErr := WithRetry(ctx, f.retry, func() error {
			var fetchErr error
			bars, fetchErr = v.provider.GetBars(ctx, symbol, period, interval)
			return fetchErr
		})
		return bars, retryErr
	})

	metrics.RecordProviderRequest(v.provider.Name(), time.Since(start).Seconds(), err)
	metrics.SetProviderBudget(v.provider.Name(), v.budget.Remaining())

	if err != nil {
		return nil, err
	}
	return result.([]Bar), nil
}

func (f *Fallback) fetchQuote(ctx context.Context, v *vendor, symbol string) (float64, error) {
	if err := f.admit(ctx, v); err != nil {
		return 0, err
	}

	start := time.Now()
	result, err := v.breaker.Execute(func() (interface{}, error) {
		var price float64
		retryErr := WithRetry(ctx, f.retry, func() error {
			var fetchErr error
			price, fetchErr = v.provider.GetQuote(ctx, symbol)
			return fetchErr
		})
		return price, retryErr
	})

	metrics.RecordProviderRequest(v.provider.Name(), time.Since(start).Seconds(), err)
	metrics.SetProviderBudget(v.provider.Name(), v.budget.Remaining())

	if err != nil {
		return 0, err
	}
	return result.(float64), nil
}

// admit applies the breaker, smoothing and budget gates before a vendor
// call. Budget is consumed last so a cancelled limiter wait costs nothing.
func (f *Fallback) admit(ctx context.Context, v *vendor) error {
	if v.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: %s circuit breaker is open", ErrRateLimited, v.provider.Name())
	}

	if err := v.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait for %s: %w", v.provider.Name(), err)
	}

	if !v.budget.Allow() {
		return fmt.Errorf("%w: %s daily call budget exhausted", ErrRateLimited, v.provider.Name())
	}

	return nil
}

// newVendorBreaker builds a circuit breaker for one vendor. In-band
// sentinels (unknown symbol, empty data, throttling) don't count as
// vendor failures.
func newVendorBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     120 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return errors.Is(err, ErrNoData) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnknownSymbol)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Vendor circuit breaker state changed")
			metrics.SetProviderBreakerState(name, breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
