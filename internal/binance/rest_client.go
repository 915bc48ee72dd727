package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trading-session-bot-go/internal/config"
)

const (
	baseURL        = "https://api.binance.com/api/v3"
	testnetBaseURL = "https://testnet.binance.vision/api/v3"
	recvWindow     = "5000" // How long a request is valid in milliseconds
)

// RestClientInterface defines the interface for the Binance REST API client.
type RestClientInterface interface {
	GetServerTime(ctx context.Context) (int64, error)
	GetKlines(ctx context.Context, symbol, interval string, startTime time.Time, limit int) ([]Kline, error)
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResponse, error)
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*CreateOrderResponse, error)
}

// ErrOrderStatusUnknown wraps a failure after which an order may or may not
// have reached the matching engine. Such orders are looked up, never resent.
var ErrOrderStatusUnknown = errors.New("order status unknown")

// RestClient is a client for the Binance REST API.
// It implements the RestClientInterface.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
	// backoff is the first retry delay; it doubles on every attempt.
	backoff time.Duration
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// APIError is a non-retryable error response from Binance.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error (status %d, code %d): %s", e.StatusCode, e.Code, e.Msg)
}

// IsClientError reports a 4xx rejection other than rate limiting.
func (e *APIError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusTooManyRequests && e.StatusCode != http.StatusTeapot
}

// NewRestClient creates a new Binance REST API client. Testnet selects the
// sandbox endpoint used by demo sessions.
func NewRestClient(cfg config.Binance, testnet bool, logger *zap.Logger) *RestClient {
	var u string
	if testnet {
		u = testnetBaseURL
		if cfg.TestnetBaseURL != "" {
			u = cfg.TestnetBaseURL
		}
		logger.Warn("Using Binance Testnet")
	} else {
		u = baseURL
		if cfg.BaseURL != "" {
			u = cfg.BaseURL
		}
		logger.Info("Using Binance Production API")
	}

	client := resty.New().SetBaseURL(u)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:    client,
		apiKey:    cfg.ApiKey,
		secretKey: cfg.SecretKey,
		logger:    logger.Named("binance"),
		limiter:   limiter,
		backoff:   time.Second,
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// GetServerTime fetches the current server time from Binance.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	type ServerTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().
		SetResult(&ServerTimeResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/time", req, true)
	if err != nil {
		c.logger.Error("Failed to get server time", zap.Error(err))
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	result := resp.Result().(*ServerTimeResponse)
	return result.ServerTime, nil
}

// Kline is one candle from the /klines endpoint.
type Kline struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// GetKlines fetches up to limit candles starting at startTime. A zero
// startTime returns the most recent candles.
func (c *RestClient) GetKlines(ctx context.Context, symbol, interval string, startTime time.Time, limit int) ([]Kline, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	if !startTime.IsZero() {
		params["startTime"] = strconv.FormatInt(startTime.UnixMilli(), 10)
	}

	var raw [][]json.RawMessage
	req := c.client.R().
		SetQueryParams(params).
		SetResult(&raw)

	resp, err := c.doRequest(ctx, http.MethodGet, "/klines", req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get klines for %s: %w", symbol, err)
	}

	rows := *resp.Result().(*[][]json.RawMessage)
	klines := make([]Kline, 0, len(rows))
	for i, row := range rows {
		k, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("kline %d for %s: %w", i, symbol, err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// parseKline decodes [openTime, open, high, low, close, volume, closeTime, ...].
func parseKline(row []json.RawMessage) (Kline, error) {
	if len(row) < 7 {
		return Kline{}, fmt.Errorf("expected at least 7 fields, got %d", len(row))
	}
	var k Kline
	var openTime, closeTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return Kline{}, fmt.Errorf("open time: %w", err)
	}
	if err := json.Unmarshal(row[6], &closeTime); err != nil {
		return Kline{}, fmt.Errorf("close time: %w", err)
	}
	k.OpenTime = time.UnixMilli(openTime).UTC()
	k.CloseTime = time.UnixMilli(closeTime).UTC()

	targets := []*decimal.Decimal{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
	for i, dst := range targets {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return Kline{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return Kline{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		*dst = v
	}
	return k, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
// Requests that must not be replayed are only retried when Binance throttled
// them; a server error, network error or timeout is returned at once wrapped
// in ErrOrderStatusUnknown.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request, replayable bool) (*resty.Response, error) {
	var resp *resty.Response
	var lastErr error
	const maxRetries = 3

	req.SetContext(ctx)

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		var err error
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}
		if ctx.Err() != nil {
			if !replayable {
				return nil, fmt.Errorf("%w: %w", ErrOrderStatusUnknown, ctx.Err())
			}
			return nil, ctx.Err()
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if err == nil && resp != nil {
			apiErr := parseAPIError(resp)
			lastErr = apiErr
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == http.StatusTeapot {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				if !replayable {
					return nil, fmt.Errorf("%w: %w", ErrOrderStatusUnknown, apiErr)
				}
				shouldRetry = true
			}
			if !shouldRetry {
				return nil, apiErr
			}
		} else { // Network or other client-side errors
			if !replayable {
				return nil, fmt.Errorf("%w: %w", ErrOrderStatusUnknown, err)
			}
			lastErr = err
			shouldRetry = true
		}

		if i == maxRetries-1 {
			break
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1x, 2x, 4x
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(lastErr),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, lastErr)
}

func parseAPIError(resp *resty.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	if err := json.Unmarshal(resp.Body(), apiErr); err != nil || apiErr.Msg == "" {
		apiErr.Msg = resp.String()
		if apiErr.Msg == "" {
			apiErr.Msg = resp.Status()
		}
	}
	return apiErr
}

// CreateOrderRequest describes a new order.
type CreateOrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Quantity      decimal.Decimal
	Price         decimal.Decimal // LIMIT only
	ClientOrderID string
}

// CreateOrderResponse represents the response from creating a new order.
type CreateOrderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	Price               string `json:"price"`
	OrigQuantity        string `json:"origQty"`
	ExecutedQuantity    string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	TimeInForce         string `json:"timeInForce"`
	Type                string `json:"type"`
	Side                string `json:"side"`
}

// AvgPrice is the quote spent divided by the executed quantity, or zero if
// nothing was filled.
func (r *CreateOrderResponse) AvgPrice() decimal.Decimal {
	qty, err := decimal.NewFromString(r.ExecutedQuantity)
	if err != nil || qty.IsZero() {
		return decimal.Zero
	}
	quote, err := decimal.NewFromString(r.CummulativeQuoteQty)
	if err != nil {
		return decimal.Zero
	}
	return quote.Div(qty)
}

// CreateOrder places a new signed order on Binance.
func (c *RestClient) CreateOrder(ctx context.Context, order CreateOrderRequest) (*CreateOrderResponse, error) {
	if c.apiKey == "" || c.secretKey == "" {
		return nil, errors.New("create order: missing API credentials")
	}
	orderType := order.Type
	if orderType == "" {
		orderType = "MARKET"
	}

	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", order.Side)
	params.Set("type", orderType)
	params.Set("quantity", order.Quantity.String())
	if orderType == "LIMIT" {
		params.Set("price", order.Price.String())
		params.Set("timeInForce", "GTC")
	}
	if order.ClientOrderID != "" {
		params.Set("newClientOrderId", order.ClientOrderID)
	}
	params.Set("newOrderRespType", "FULL")
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)

	queryString := params.Encode()
	signature := c.sign(queryString)
	params.Set("signature", signature)

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(params.Encode()).
		SetResult(&CreateOrderResponse{})

	resp, err := c.doRequest(ctx, http.MethodPost, "/order", req, false)
	if err != nil {
		c.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("symbol", order.Symbol),
			zap.String("side", order.Side),
		)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	result := resp.Result().(*CreateOrderResponse)
	c.logger.Info("Successfully created order", zap.Any("order", result))
	return result, nil
}

// GetOrder looks up an order by the client order id it was placed with.
func (c *RestClient) GetOrder(ctx context.Context, symbol, clientOrderID string) (*CreateOrderResponse, error) {
	if c.apiKey == "" || c.secretKey == "" {
		return nil, errors.New("get order: missing API credentials")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	query := params.Encode()
	query += "&signature=" + c.sign(query)

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryString(query).
		SetResult(&CreateOrderResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/order", req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", clientOrderID, err)
	}
	return resp.Result().(*CreateOrderResponse), nil
}
