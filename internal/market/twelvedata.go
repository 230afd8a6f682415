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

const twelveDataBaseURL = "https://api.twelvedata.com"

// TwelveDataClient fetches OHLCV windows and quotes from the Twelve Data
// REST API (/time_series and /price endpoints).
type TwelveDataClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewTwelveDataClient creates a new Twelve Data client
func NewTwelveDataClient(config ClientConfig) *TwelveDataClient {
	if config.BaseURL == "" {
		config.BaseURL = twelveDataBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &TwelveDataClient{
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name identifies the provider
func (c *TwelveDataClient) Name() string {
	return "twelvedata"
}

type twelveDataSeries struct {
	Status  string            `json:"status"`
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Values  []twelveDataValue `json:"values"`
}

type twelveDataValue struct {
	Datetime string `json:"datetime"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
}

type twelveDataPrice struct {
	Price   string `json:"price"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GetBars fetches a bar window for symbol. Twelve Data returns newest
// first; the result is normalized to ascending order. The period argument
// is ignored: the request always asks for the latest 100 points.
func (c *TwelveDataClient) GetBars(ctx context.Context, symbol, period, interval string) ([]Bar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", twelveDataInterval(interval))
	q.Set("outputsize", "100")
	q.Set("apikey", c.apiKey)

	body, err := c.get(ctx, "/time_series", q)
	if err != nil {
		return nil, err
	}

	var series twelveDataSeries
	if err := json.Unmarshal(body, &series); err != nil {
		return nil, fmt.Errorf("failed to parse twelve data response: %w", err)
	}

	if series.Status == "error" {
		return nil, twelveDataError(series.Code, series.Message, symbol)
	}
	if len(series.Values) == 0 {
		return nil, fmt.Errorf("%w: twelve data returned no values for %s", ErrNoData, symbol)
	}

	bars := make([]Bar, 0, len(series.Values))
	for _, v := range series.Values {
		bar, err := v.toBar()
		if err != nil {
			log.Debug().
				Err(err).
				Str("symbol", symbol).
				Str("timestamp", v.Datetime).
				Msg("Skipping malformed twelve data bar")
			continue
		}
		bars = append(bars, bar)
	}

	bars = NormalizeBars(bars)
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: twelve data series for %s was empty", ErrNoData, symbol)
	}

	return bars, nil
}

// GetQuote fetches the latest spot price for symbol via /price.
func (c *TwelveDataClient) GetQuote(ctx context.Context, symbol string) (float64, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("apikey", c.apiKey)

	body, err := c.get(ctx, "/price", q)
	if err != nil {
		return 0, err
	}

	var price twelveDataPrice
	if err := json.Unmarshal(body, &price); err != nil {
		return 0, fmt.Errorf("failed to parse twelve data price: %w", err)
	}

	if price.Status == "error" {
		return 0, twelveDataError(price.Code, price.Message, symbol)
	}
	if price.Price == "" {
		return 0, fmt.Errorf("%w: twelve data returned no price for %s", ErrNoData, symbol)
	}

	value, err := strconv.ParseFloat(price.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse twelve data price %q: %w", price.Price, err)
	}

	return value, nil
}

// get executes one GET against the given endpoint and returns the body.
func (c *TwelveDataClient) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twelve data request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: twelve data returned status 429", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("twelve data returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	log.Debug().
		Str("provider", "twelvedata").
		Str("path", path).
		Dur("duration", time.Since(start)).
		Int("bytes", len(body)).
		Msg("Provider request completed")

	return body, nil
}

// toBar converts one Twelve Data value into a Bar. Volume is optional for
// some instruments and defaults to 0.
func (v twelveDataValue) toBar() (Bar, error) {
	t, err := parseBarTimestamp(v.Datetime)
	if err != nil {
		return Bar{}, err
	}

	open, err := strconv.ParseFloat(v.Open, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("bad open %q: %w", v.Open, err)
	}
	high, err := strconv.ParseFloat(v.High, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("bad high %q: %w", v.High, err)
	}
	low, err := strconv.ParseFloat(v.Low, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("bad low %q: %w", v.Low, err)
	}
	closePrice, err := strconv.ParseFloat(v.Close, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("bad close %q: %w", v.Close, err)
	}

	var volume float64
	if v.Volume != "" {
		volume, err = strconv.ParseFloat(v.Volume, 64)
		if err != nil {
			return Bar{}, fmt.Errorf("bad volume %q: %w", v.Volume, err)
		}
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

// twelveDataError maps the vendor's error envelope to sentinels.
func twelveDataError(code int, message, symbol string) error {
	switch {
	case code == 429:
		return fmt.Errorf("%w: %s", ErrRateLimited, truncate(message, 200))
	case (code == 400 || code == 404) && strings.Contains(strings.ToLower(message), "symbol"):
		return fmt.Errorf("%w: %s (%s)", ErrUnknownSymbol, symbol, truncate(message, 200))
	default:
		return fmt.Errorf("twelve data error %d: %s", code, truncate(message, 200))
	}
}

// twelveDataInterval maps bar intervals to Twelve Data's parameter values.
func twelveDataInterval(interval string) string {
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
		return "1h"
	case "4h":
		return "4h"
	case "1d":
		return "1day"
	default:
		return "5min"
	}
}
