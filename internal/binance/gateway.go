package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-session-bot-go/internal/config"
	"trading-session-bot-go/internal/errs"
	"trading-session-bot-go/internal/exchange"
	"trading-session-bot-go/internal/market"
)

// Streamer is the live market data side of the gateway.
type Streamer interface {
	Subscribe(ctx context.Context, symbol, interval string, onTick func(market.Tick)) (func(), error)
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Gateway adapts the REST client and kline stream to exchange.Gateway.
type Gateway struct {
	rest   RestClientInterface
	stream Streamer
	logger *zap.Logger
}

var _ exchange.Gateway = (*Gateway)(nil)

func NewGateway(rest RestClientInterface, stream Streamer, logger *zap.Logger) *Gateway {
	return &Gateway{rest: rest, stream: stream, logger: logger.Named("gateway")}
}

func (g *Gateway) FetchHistory(ctx context.Context, symbol string, interval exchange.Interval, since time.Time, limit int) ([]market.Tick, error) {
	klines, err := g.rest.GetKlines(ctx, symbol, string(interval), since, limit)
	if err != nil {
		return nil, &errs.GatewayError{Op: "fetch history " + symbol, Err: err}
	}
	return lo.Map(klines, func(k Kline, _ int) market.Tick {
		return market.Tick{
			Symbol:    symbol,
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
			Timestamp: k.OpenTime,
		}
	}), nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	clientOrderID := uuid.NewString()
	resp, err := g.rest.CreateOrder(ctx, CreateOrderRequest{
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Type:          string(req.Type),
		Quantity:      req.Quantity,
		Price:         req.RefPrice,
		ClientOrderID: clientOrderID,
	})
	if errors.Is(err, ErrOrderStatusUnknown) {
		resp, err = g.reconcile(ctx, req, clientOrderID, err)
	}
	if err != nil {
		var rejected *errs.OrderRejectedError
		if errors.As(err, &rejected) {
			return exchange.OrderResult{}, rejected
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.IsClientError() {
			return exchange.OrderResult{}, &errs.OrderRejectedError{
				Symbol: req.Symbol,
				Side:   string(req.Side),
				Code:   apiErr.Code,
				Reason: apiErr.Msg,
			}
		}
		return exchange.OrderResult{}, &errs.GatewayError{Op: "place order " + req.Symbol, Err: err}
	}

	qty, err := decimal.NewFromString(resp.ExecutedQuantity)
	if err != nil {
		qty = decimal.Zero
	}
	return exchange.OrderResult{
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		ExecutedQty: qty,
		AvgPrice:    resp.AvgPrice(),
	}, nil
}

const (
	unknownOrder     = -2013 // "Order does not exist"
	reconcileTimeout = 10 * time.Second
)

// reconcile looks up an order whose placement ended ambiguously. A filled
// order is returned as placed; an order Binance never saw keeps the original
// failure, which is transient.
func (g *Gateway) reconcile(ctx context.Context, req exchange.OrderRequest, clientOrderID string, cause error) (*CreateOrderResponse, error) {
	log := g.logger.With(zap.String("symbol", req.Symbol), zap.String("client_order_id", clientOrderID))
	log.Warn("Order placement ended ambiguously, looking it up", zap.Error(cause))

	// The placement may have failed because ctx expired; the lookup gets its own budget.
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
	defer cancel()

	resp, err := g.rest.GetOrder(lookupCtx, req.Symbol, clientOrderID)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == unknownOrder {
			return nil, cause
		}
		log.Error("Order status could not be determined", zap.Error(err))
		return nil, errors.Join(cause, err)
	}

	executed, _ := decimal.NewFromString(resp.ExecutedQuantity)
	if executed.IsPositive() {
		log.Info("Order was filled", zap.String("status", resp.Status))
		return resp, nil
	}
	switch resp.Status {
	case "CANCELED", "REJECTED", "EXPIRED", "EXPIRED_IN_MATCH":
		return nil, &errs.OrderRejectedError{Symbol: req.Symbol, Side: string(req.Side), Reason: "order " + strings.ToLower(resp.Status)}
	}
	return nil, fmt.Errorf("order %s is %s with nothing filled: %w", clientOrderID, resp.Status, cause)
}

// Subscribe seeds onTick with the current ticker price, then attaches the
// kline stream. A failed seed is only logged.
func (g *Gateway) Subscribe(ctx context.Context, symbol string, interval exchange.Interval, onTick func(market.Tick)) (func(), error) {
	if price, err := g.stream.LatestPrice(ctx, symbol); err != nil {
		g.logger.Warn("Could not seed price", zap.String("symbol", symbol), zap.Error(err))
	} else {
		onTick(market.Tick{
			Symbol:    symbol,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    decimal.Zero,
			Timestamp: time.Now().UTC(),
		})
	}

	stop, err := g.stream.Subscribe(ctx, symbol, string(interval), onTick)
	if err != nil {
		return nil, &errs.GatewayError{Op: "subscribe " + symbol, Err: err}
	}
	return stop, nil
}

// Factory builds gateways per trading mode. REST clients are shared per
// endpoint so every session draws from the same rate limit.
type Factory struct {
	cfg    config.Binance
	stream Streamer
	logger *zap.Logger

	mu      sync.Mutex
	clients map[bool]RestClientInterface
	newRest func(cfg config.Binance, testnet bool, logger *zap.Logger) RestClientInterface
}

func NewFactory(cfg config.Binance, stream Streamer, logger *zap.Logger) *Factory {
	return &Factory{
		cfg:     cfg,
		stream:  stream,
		logger:  logger,
		clients: make(map[bool]RestClientInterface),
		newRest: func(cfg config.Binance, testnet bool, logger *zap.Logger) RestClientInterface {
			return NewRestClient(cfg, testnet, logger)
		},
	}
}

// Connect returns a gateway for mode after checking credentials and
// connectivity. Demo sessions trade on the testnet; simulation only reads
// public market data.
func (f *Factory) Connect(ctx context.Context, mode exchange.Mode) (exchange.Gateway, error) {
	testnet := f.cfg.Testnet
	switch mode {
	case exchange.ModeSimulation:
	case exchange.ModeDemo, exchange.ModeReal:
		testnet = mode == exchange.ModeDemo
		if !f.cfg.HasCredentials() {
			return nil, &errs.ConfigurationError{Field: "binance.apiKey", Reason: "API credentials are required for " + string(mode) + " mode"}
		}
	default:
		return nil, &errs.ConfigurationError{Field: "trading_mode", Reason: "unknown mode " + string(mode)}
	}

	rest := f.restClient(testnet)
	if _, err := rest.GetServerTime(ctx); err != nil {
		return nil, &errs.GatewayError{Op: "connect", Err: err}
	}
	return NewGateway(rest, f.stream, f.logger), nil
}

func (f *Factory) restClient(testnet bool) RestClientInterface {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[testnet]; ok {
		return c
	}
	c := f.newRest(f.cfg, testnet, f.logger)
	f.clients[testnet] = c
	return c
}
