package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single OHLCV update for a symbol.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// Closes extracts the close series from a slice of ticks.
func Closes(ticks []Tick) []decimal.Decimal {
	out := make([]decimal.Decimal, len(ticks))
	for i, t := range ticks {
		out[i] = t.Close
	}
	return out
}
