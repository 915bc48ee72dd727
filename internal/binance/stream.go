package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-session-bot-go/internal/market"
)

type klineServeFunc func(symbol, interval string, handler gobinance.WsKlineHandler, errHandler gobinance.ErrHandler) (doneC, stopC chan struct{}, err error)

// Stream delivers live candles from the Binance websocket and seeds the first
// price from the ticker endpoint so a subscriber has data before the first
// kline event arrives.
type Stream struct {
	logger *zap.Logger
	client *gobinance.Client
	serve  klineServeFunc

	// reconnectDelay is the pause before re-dialing a dropped stream.
	reconnectDelay time.Duration
}

// NewStream uses public endpoints only, so no credentials are needed.
func NewStream(testnet bool, logger *zap.Logger) *Stream {
	gobinance.UseTestnet = testnet
	return &Stream{
		logger:         logger.Named("stream"),
		client:         gobinance.NewClient("", ""),
		serve:          gobinance.WsKlineServe,
		reconnectDelay: 2 * time.Second,
	}
}

// LatestPrice returns the last traded price of symbol.
func (s *Stream) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := s.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker price %s: %w", symbol, err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return decimal.NewFromString(p.Price)
		}
	}
	return decimal.Zero, fmt.Errorf("ticker price %s: symbol not returned", symbol)
}

// Subscribe streams klines for symbol until stop is called or ctx is done. A
// dropped connection is re-dialed. The initial dial error is returned.
func (s *Stream) Subscribe(ctx context.Context, symbol, interval string, onTick func(market.Tick)) (func(), error) {
	log := s.logger.With(zap.String("symbol", symbol), zap.String("interval", interval))
	handler := func(ev *gobinance.WsKlineEvent) {
		tick, err := tickFromEvent(ev)
		if err != nil {
			log.Warn("Dropping malformed kline", zap.Error(err))
			return
		}
		onTick(tick)
	}
	errHandler := func(err error) {
		log.Warn("Kline stream error", zap.Error(err))
	}

	doneC, stopC, err := s.serve(symbol, interval, handler, errHandler)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", symbol, err)
	}
	log.Info("Subscribed to kline stream")

	quit := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(quit) }) }

	go func() {
		done, halt := doneC, stopC
		for {
			select {
			case <-quit:
				close(halt)
				<-done
				return
			case <-ctx.Done():
				close(halt)
				<-done
				return
			case <-done:
			}

			// connection dropped, re-dial until it sticks or we are told to stop
			for {
				select {
				case <-quit:
					return
				case <-ctx.Done():
					return
				case <-time.After(s.reconnectDelay):
				}
				d, h, dialErr := s.serve(symbol, interval, handler, errHandler)
				if dialErr == nil {
					done, halt = d, h
					log.Info("Kline stream reconnected")
					break
				}
				log.Warn("Kline stream reconnect failed", zap.Error(dialErr))
			}
		}
	}()

	return stop, nil
}

func tickFromEvent(ev *gobinance.WsKlineEvent) (market.Tick, error) {
	if ev == nil {
		return market.Tick{}, fmt.Errorf("nil event")
	}
	k := ev.Kline
	fields := []string{k.Open, k.High, k.Low, k.Close, k.Volume}
	values := make([]decimal.Decimal, len(fields))
	for i, f := range fields {
		v, err := decimal.NewFromString(f)
		if err != nil {
			return market.Tick{}, fmt.Errorf("parse %q: %w", f, err)
		}
		values[i] = v
	}
	symbol := ev.Symbol
	if symbol == "" {
		symbol = k.Symbol
	}
	ts := time.UnixMilli(ev.Time).UTC()
	if ev.Time == 0 {
		ts = time.UnixMilli(k.EndTime).UTC()
	}
	return market.Tick{
		Symbol:    symbol,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		Timestamp: ts,
	}, nil
}
