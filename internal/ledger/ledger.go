// Package ledger records trades and derives open positions and P&L for one
// trading session.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"trading-session-bot-go/internal/errs"
	"trading-session-bot-go/internal/id"
)

type OpenRequest struct {
	SessionID  string
	Symbol     string
	Side       Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	OrderID    string
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	IsReal     bool
	Time       time.Time
}

// RiskHit names an open trade whose stop loss or take profit fired on the
// latest price.
type RiskHit struct {
	TradeID string
	Symbol  string
	Price   decimal.Decimal
	Reason  CloseReason
}

// Ledger is safe for concurrent use. All reads return copies.
type Ledger struct {
	mu        sync.RWMutex
	trades    map[string]*Trade
	order     []string
	positions map[string]*Position
	now       func() time.Time
}

func New() *Ledger {
	return &Ledger{
		trades:    make(map[string]*Trade),
		positions: make(map[string]*Position),
		now:       time.Now,
	}
}

// OpenTrade records a new open trade and its position at the entry price.
func (l *Ledger) OpenTrade(req OpenRequest) (Trade, error) {
	if req.Symbol == "" {
		return Trade{}, fmt.Errorf("open trade: empty symbol")
	}
	if !req.Price.IsPositive() {
		return Trade{}, fmt.Errorf("open trade %s: entry price must be positive, got %s", req.Symbol, req.Price)
	}
	if !req.Quantity.IsPositive() {
		return Trade{}, fmt.Errorf("open trade %s: quantity must be positive, got %s", req.Symbol, req.Quantity)
	}
	side := req.Side
	if side == "" {
		side = Long
	}
	at := req.Time
	if at.IsZero() {
		at = l.now()
	}

	t := &Trade{
		ID:         id.New(),
		SessionID:  req.SessionID,
		Symbol:     req.Symbol,
		Side:       side,
		OrderID:    req.OrderID,
		EntryPrice: req.Price,
		Quantity:   req.Quantity,
		Status:     StatusOpen,
		EntryTime:  at,
		StopLoss:   copyDec(req.StopLoss),
		TakeProfit: copyDec(req.TakeProfit),
		IsReal:     req.IsReal,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.trades[t.ID] = t
	l.order = append(l.order, t.ID)
	l.positions[t.ID] = newPosition(t)
	return t.clone(), nil
}

// UpdatePrice marks every open position on symbol to price and returns the
// positions whose risk levels were crossed. It never closes anything.
func (l *Ledger) UpdatePrice(symbol string, price decimal.Decimal) []RiskHit {
	if !price.IsPositive() {
		return nil
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var hits []RiskHit
	for _, tradeID := range l.order {
		p, ok := l.positions[tradeID]
		if !ok || p.Symbol != symbol {
			continue
		}
		p.mark(price, now)
		switch {
		case p.StopLossHit():
			hits = append(hits, RiskHit{TradeID: p.TradeID, Symbol: symbol, Price: price, Reason: ReasonStopLoss})
		case p.TakeProfitHit():
			hits = append(hits, RiskHit{TradeID: p.TradeID, Symbol: symbol, Price: price, Reason: ReasonTakeProfit})
		}
	}
	return hits
}

// CloseTrade closes an open trade at exitPrice. Closing a trade twice returns
// *errs.InvalidStateError and leaves the first close intact.
func (l *Ledger) CloseTrade(tradeID string, exitPrice decimal.Decimal, reason CloseReason, exitTime time.Time) (Trade, error) {
	if !exitPrice.IsPositive() {
		return Trade{}, fmt.Errorf("close trade %s: exit price must be positive, got %s", tradeID, exitPrice)
	}
	if exitTime.IsZero() {
		exitTime = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.trades[tradeID]
	if !ok {
		return Trade{}, &errs.NotFoundError{Entity: "trade", ID: tradeID}
	}
	if t.Status != StatusOpen {
		return Trade{}, &errs.InvalidStateError{Entity: "trade", ID: tradeID, State: string(t.Status), Op: "close"}
	}

	high, low := t.EntryPrice, t.EntryPrice
	if p, ok := l.positions[tradeID]; ok {
		high, low = p.HighPrice, p.LowPrice
	}
	high = decimal.Max(high, exitPrice)
	low = decimal.Min(low, exitPrice)

	t.ExitPrice = ptr(exitPrice)
	t.PnL = ptr(pnl(t.Side, t.EntryPrice, exitPrice, t.Quantity))
	t.PnLPercent = ptr(pnlPercent(t.Side, t.EntryPrice, exitPrice))
	t.Status = StatusClosed
	t.CloseReason = reason
	t.ExitTime = &exitTime
	t.RiskMetrics = excursions(t, high, low, exitTime)

	delete(l.positions, tradeID)
	return t.clone(), nil
}

func excursions(t *Trade, high, low decimal.Decimal, exitTime time.Time) *RiskMetrics {
	up := pnlPercent(Long, t.EntryPrice, high)
	down := pnlPercent(Long, t.EntryPrice, low)
	favorable, adverse := up, down
	if t.Side == Short {
		favorable, adverse = down.Neg(), up.Neg()
	}
	return &RiskMetrics{
		HoldingPeriod:         exitTime.Sub(t.EntryTime),
		MaxFavorableExcursion: decimal.Max(favorable, decimal.Zero),
		MaxAdverseExcursion:   decimal.Min(adverse, decimal.Zero),
		CloseType:             t.CloseReason,
	}
}

// UpdateRiskLevels replaces the stop loss and take profit of an open trade.
// A nil level clears it.
func (l *Ledger) UpdateRiskLevels(tradeID string, stopLoss, takeProfit *decimal.Decimal) (Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.trades[tradeID]
	if !ok {
		return Trade{}, &errs.NotFoundError{Entity: "trade", ID: tradeID}
	}
	if t.Status != StatusOpen {
		return Trade{}, &errs.InvalidStateError{Entity: "trade", ID: tradeID, State: string(t.Status), Op: "update risk levels of"}
	}
	t.StopLoss = copyDec(stopLoss)
	t.TakeProfit = copyDec(takeProfit)
	if p, ok := l.positions[tradeID]; ok {
		p.StopLoss = copyDec(stopLoss)
		p.TakeProfit = copyDec(takeProfit)
	}
	return t.clone(), nil
}

// Trade returns a copy of one trade.
func (l *Ledger) Trade(tradeID string) (Trade, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.trades[tradeID]
	if !ok {
		return Trade{}, &errs.NotFoundError{Entity: "trade", ID: tradeID}
	}
	return t.clone(), nil
}

// OpenPositions lists open positions in entry order.
func (l *Ledger) OpenPositions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.positions))
	for _, tradeID := range l.order {
		if p, ok := l.positions[tradeID]; ok {
			cp := *p
			cp.StopLoss = copyDec(p.StopLoss)
			cp.TakeProfit = copyDec(p.TakeProfit)
			out = append(out, cp)
		}
	}
	return out
}

// OpenTrades lists open trades, optionally restricted to one symbol.
func (l *Ledger) OpenTrades(symbol string) []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Trade
	for _, tradeID := range l.order {
		t := l.trades[tradeID]
		if t.Status == StatusOpen && (symbol == "" || t.Symbol == symbol) {
			out = append(out, t.clone())
		}
	}
	return out
}

// OpenCount is the number of open positions.
func (l *Ledger) OpenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// TradeHistory returns trades entered at or after since, newest first.
// A zero since means all trades; limit <= 0 means no limit.
func (l *Ledger) TradeHistory(since time.Time, limit int) []Trade {
	l.mu.RLock()
	all := lo.Map(l.order, func(tradeID string, _ int) Trade { return l.trades[tradeID].clone() })
	l.mu.RUnlock()

	out := lo.Filter(all, func(t Trade, _ int) bool { return since.IsZero() || !t.EntryTime.Before(since) })
	sort.SliceStable(out, func(i, j int) bool { return out[i].EntryTime.After(out[j].EntryTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RealizedPnL sums the P&L of closed trades.
func (l *Ledger) RealizedPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, t := range l.trades {
		total = total.Add(t.RealizedPnL())
	}
	return total
}

// UnrealizedPnL sums the mark-to-market P&L of open positions.
func (l *Ledger) UnrealizedPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, p := range l.positions {
		total = total.Add(p.UnrealizedPnL)
	}
	return total
}
