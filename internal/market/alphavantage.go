package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const alphaVantageBaseURL = "https://www.alphavantage.co/query"

// ClientConfig contains configuration shared by the vendor HTTP clients.
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// AlphaVantageClient fetches OHLCV windows and quotes from the
// Alpha Vantage REST API (TIME_SERIES_INTRADAY, TIME_SERIES_DAILY,
// GLOBAL_QUOTE functions).
type AlphaVantageClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewAlphaVantageClient creates a new Alpha Vantage client
func NewAlphaVantageClient(config ClientConfig) *AlphaVantageClient {
	if config.BaseURL == "" {
		config.BaseURL = alphaVantageBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &AlphaVantageClient{
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name identifies the provider
func (c *AlphaVantageClient) Name() string {
	return "alphavantage"
}

// alphaVantageBar mirrors the numbered field names Alpha Vantage uses
// inside its time series payloads.
type alphaVantageBar struct {
	Open   string `json:"1. open"`
	High   string `json:"2. high"`
	Low    string `json:"3. low"`
	Close  string `json:"4. close"`
	Volume string `json:"5. volume"`
}

// GetBars fetches a bar window for symbol. The period argument is ignored:
// Alpha Vantage always returns its compact window (latest 100 points).
func (c *AlphaVantageClient) GetBars(ctx context.Context, symbol, period, interval string) ([]Bar, error) {
	avInterval := alphaVantageInterval(interval)

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("apikey", c.apiKey)
	q.Set("outputsize", "compact")
	if avInterval == "daily" {
		q.Set("function", "TIME_SERIES_DAILY")
	} else {
		q.Set("function", "TIME_SERIES_INTRADAY")
		q.Set("interval", avInterval)
	}

	body, err := c.get(ctx, q)
	if err != nil {
		return nil, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse alpha vantage response: %w", err)
	}

	if err := alphaVantageError(payload, symbol); err != nil {
		return nil, err
	}

	for key, raw := range payload {
		if !strings.Contains(key, "Time Series") {
			continue
		}

		var series map[string]alphaVantageBar
		if err := json.Unmarshal(raw, &series); err != nil {
			return nil, fmt.Errorf("failed to parse alpha vantage time series: %w", err)
		}

		bars := make([]Bar, 0, len(series))
		for ts, av := range series {
			bar, err := av.toBar(ts)
			if err != nil {
				log.Debug().
					Err(err).
					Str("symbol", symbol).
					Str("timestamp", ts).
					Msg("Skipping malformed alpha vantage bar")
				continue
			}
			bars = append(bars, bar)
		}

		bars = NormalizeBars(bars)
		if len(bars) == 0 {
			return nil, fmt.Errorf("%w: alpha vantage time series for %s was empty", ErrNoData, symbol)
		}
		return bars, nil
	}

	return nil, fmt.Errorf("%w: alpha vantage returned no time series for %s", ErrNoData, symbol)
}

// GetQuote fetches the latest spot price for symbol via GLOBAL_QUOTE.
func (c *AlphaVantageClient) GetQuote(ctx context.Context, symbol string) (float64, error) {
	q := url.Values{}
	q.Set("function", "GLOBAL_QUOTE")
	q.Set("symbol", symbol)
	q.Set("apikey", c.apiKey)

	body, err := c.get(ctx, q)
	if err != nil {
		return 0, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("failed to parse alpha vantage response: %w", err)
	}

	if err := alphaVantageError(payload, symbol); err != nil {
		return 0, err
	}

	raw, ok := payload["Global Quote"]
	if !ok {
		return 0, fmt.Errorf("%w: alpha vantage returned no quote for %s", ErrNoData, symbol)
	}

	var quote map[string]string
	if err := json.Unmarshal(raw, &quote); err != nil {
		return 0, fmt.Errorf("failed to parse alpha vantage quote: %w", err)
	}

	priceStr, ok := quote["05. price"]
	if !ok || priceStr == "" {
		return 0, fmt.Errorf("%w: alpha vantage quote for %s had no price", ErrNoData, symbol)
	}

	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse alpha vantage price %q: %w", priceStr, err)
	}

	return price, nil
}

// get executes one GET against the query endpoint and returns the body.
func (c *AlphaVantageClient) get(ctx context.Context, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alpha vantage request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: alpha vantage returned status 429", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("alpha vantage returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	log.Debug().
		Str("provider", "alphavantage").
		Str("function", q.Get("function")).
		Dur("duration", time.Since(start)).
		Int("bytes", len(body)).
		Msg("Provider request completed")

	return body, nil
}

// toBar converts one Alpha Vantage series entry into a Bar.
func (av alphaVantageBar) toBar(ts string) (Bar, error) {
	t, err := parseBarTimestamp(ts)
	if err != nil {
		return Bar{}, err
	}

	open, err := strconv.ParseFloat(av.Open, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("bad open %q: %w", av.Open, err)
	}
	high, err := strconv.ParseFloat(av.High, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("bad high %q: %w", av.High, err)
	}
	low, err := strconv.ParseFloat(av.Low, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("bad low %q: %w", av.Low, err)
	}
	closePrice, err := strconv.ParseFloat(av.Close, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("bad close %q: %w", av.Close, err)
	}
	volume, err := strconv.ParseFloat(av.Volume, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("bad volume %q: %w", av.Volume, err)
	}

	return Bar{
		Timestamp: t,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
	}, nil
}

// alphaVantageError maps the vendor's in-band error envelope to sentinels.
// Alpha Vantage answers HTTP 200 for everything; "Error Message" flags a
// bad symbol/function and "Note"/"Information" flag throttling.
func alphaVantageError(payload map[string]json.RawMessage, symbol string) error {
	if raw, ok := payload["Error Message"]; ok {
		return fmt.Errorf("%w: %s (%s)", ErrUnknownSymbol, symbol, rawJSONString(raw))
	}
	if raw, ok := payload["Note"]; ok {
		return fmt.Errorf("%w: %s", ErrRateLimited, rawJSONString(raw))
	}
	if raw, ok := payload["Information"]; ok {
		return fmt.Errorf("%w: %s", ErrRateLimited, rawJSONString(raw))
	}
	return nil
}

// alphaVantageInterval maps bar intervals to Alpha Vantage's parameter values.
func alphaVantageInterval(interval string) string {
	switch interval {
	case "1m":
		return "1min"
	case "5m":
		return "5min"
	case "15m":
		return "15min"
	case "30m":
		return "30min"
	case "1h", "60m":
		return "60min"
	case "1d":
		return "daily"
	default:
		return "5min"
	}
}

// parseBarTimestamp accepts both intraday and daily timestamp formats.
func parseBarTimestamp(ts string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02 15:04:05", ts); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", ts); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", ts)
}

// rawJSONString renders a raw JSON value for error messages, unquoting
// plain strings.
func rawJSONString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return truncate(s, 200)
	}
	return truncate(string(raw), 200)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
