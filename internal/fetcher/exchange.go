package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-alarm-engine/internal/model"
)

const klinesPath = "/api/v3/klines"

// ExchangeOptions parameterise the exchange kline fetcher.
type ExchangeOptions struct {
	BaseURL       string
	QuoteCurrency string
	KlineInterval string
	HistoryLimit  int
	Timeout       time.Duration
	UserAgent     string
}

// Exchange fetches candlestick history from a Binance-compatible REST API.
type Exchange struct {
	opts    ExchangeOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewExchange constructs an exchange fetcher.
func NewExchange(opts ExchangeOptions, logger zerolog.Logger) *Exchange {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}

	if opts.QuoteCurrency == "" {
		opts.QuoteCurrency = "USDT"
	}
	if opts.KlineInterval == "" {
		opts.KlineInterval = "1h"
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}

	return &Exchange{
		opts:    opts,
		logger:  logger.With().Str("component", "exchange_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Fetch retrieves the recent close series for the instrument, oldest first.
func (e *Exchange) Fetch(ctx context.Context, instrument model.Instrument) (model.Series, error) {
	if instrument == "" {
		return nil, errors.New("instrument required")
	}

	symbol := strings.ToUpper(string(instrument)) + strings.ToUpper(e.opts.QuoteCurrency)

	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("interval", e.opts.KlineInterval)
	query.Set("limit", strconv.Itoa(e.opts.HistoryLimit))

	endpoint := e.baseURL + klinesPath + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(e.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	series := make(model.Series, 0, len(rows))
	for _, row := range rows {
		point, err := parseKline(instrument, row)
		if err != nil {
			return nil, err
		}
		series = append(series, point)
	}

	if len(series) == 0 {
		return nil, fmt.Errorf("exchange returned no klines for %s", symbol)
	}

	return series, nil
}

// Kline rows are JSON arrays: open time (ms), open, high, low, close,
// volume, close time, ... with the numeric fields encoded as strings.
func parseKline(instrument model.Instrument, row []json.RawMessage) (model.PricePoint, error) {
	if len(row) < 6 {
		return model.PricePoint{}, fmt.Errorf("kline row too short: %d fields", len(row))
	}

	var openMillis int64
	if err := json.Unmarshal(row[0], &openMillis); err != nil {
		return model.PricePoint{}, fmt.Errorf("parse kline open time: %w", err)
	}

	var closeStr, volumeStr string
	if err := json.Unmarshal(row[4], &closeStr); err != nil {
		return model.PricePoint{}, fmt.Errorf("parse kline close: %w", err)
	}
	if err := json.Unmarshal(row[5], &volumeStr); err != nil {
		return model.PricePoint{}, fmt.Errorf("parse kline volume: %w", err)
	}

	price, err := decimal.NewFromString(closeStr)
	if err != nil {
		return model.PricePoint{}, fmt.Errorf("parse close price: %w", err)
	}
	volume, err := decimal.NewFromString(volumeStr)
	if err != nil {
		return model.PricePoint{}, fmt.Errorf("parse volume: %w", err)
	}

	return model.PricePoint{
		Instrument: instrument,
		Timestamp:  time.UnixMilli(openMillis).UTC(),
		Price:      price,
		Volume:     volume,
	}, nil
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("exchange api error (%d): %s", status, apiErr.Message)
	}
	if len(payload) > 0 {
		return fmt.Errorf("exchange api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("exchange api error (%d)", status)
}

var _ MarketDataFetcher = (*Exchange)(nil)
