package ledger

import (
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Performance summarizes closed trades.
type Performance struct {
	TotalTrades        int             `json:"total_trades"`
	WinningTrades      int             `json:"winning_trades"`
	LosingTrades       int             `json:"losing_trades"`
	WinRate            decimal.Decimal `json:"win_rate"`
	TotalPnL           decimal.Decimal `json:"total_pnl"`
	AvgWin             decimal.Decimal `json:"avg_win"`
	AvgLoss            decimal.Decimal `json:"avg_loss"`
	BestTrade          decimal.Decimal `json:"best_trade"`
	WorstTrade         decimal.Decimal `json:"worst_trade"`
	ProfitFactor       decimal.Decimal `json:"profit_factor"`
	MaxDrawdown        decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownPercent decimal.Decimal `json:"max_drawdown_percent"`
}

// ComputePerformance aggregates the closed trades that exited at or after
// since (zero means all). Drawdown is measured on the realized equity curve,
// which starts from initialBalance plus the P&L realized before since.
func ComputePerformance(trades []Trade, initialBalance decimal.Decimal, since time.Time) Performance {
	settled := lo.Filter(trades, func(t Trade, _ int) bool {
		return t.Status == StatusClosed && t.PnL != nil && t.ExitTime != nil
	})
	closed, earlier := lo.FilterReject(settled, func(t Trade, _ int) bool {
		return since.IsZero() || !t.ExitTime.Before(since)
	})
	opening := lo.Reduce(earlier, func(acc decimal.Decimal, t Trade, _ int) decimal.Decimal {
		return acc.Add(*t.PnL)
	}, initialBalance)
	sort.SliceStable(closed, func(i, j int) bool { return closed[i].ExitTime.Before(*closed[j].ExitTime) })

	perf := Performance{TotalTrades: len(closed)}
	if len(closed) == 0 {
		return perf
	}

	grossWin, grossLoss := decimal.Zero, decimal.Zero
	perf.BestTrade = *closed[0].PnL
	perf.WorstTrade = *closed[0].PnL
	equity, peak := opening, opening
	for _, t := range closed {
		p := *t.PnL
		perf.TotalPnL = perf.TotalPnL.Add(p)
		switch {
		case p.IsPositive():
			perf.WinningTrades++
			grossWin = grossWin.Add(p)
		case p.IsNegative():
			perf.LosingTrades++
			grossLoss = grossLoss.Add(p.Abs())
		}
		perf.BestTrade = decimal.Max(perf.BestTrade, p)
		perf.WorstTrade = decimal.Min(perf.WorstTrade, p)

		equity = equity.Add(p)
		peak = decimal.Max(peak, equity)
		if dd := peak.Sub(equity); dd.GreaterThan(perf.MaxDrawdown) {
			perf.MaxDrawdown = dd
			if peak.IsPositive() {
				perf.MaxDrawdownPercent = dd.Div(peak).Mul(hundred)
			}
		}
	}

	perf.WinRate = decimal.NewFromInt(int64(perf.WinningTrades)).
		Div(decimal.NewFromInt(int64(perf.TotalTrades))).Mul(hundred)
	if perf.WinningTrades > 0 {
		perf.AvgWin = grossWin.Div(decimal.NewFromInt(int64(perf.WinningTrades)))
	}
	if perf.LosingTrades > 0 {
		perf.AvgLoss = grossLoss.Neg().Div(decimal.NewFromInt(int64(perf.LosingTrades)))
	}
	if grossLoss.IsPositive() {
		perf.ProfitFactor = grossWin.Div(grossLoss)
	}
	return perf
}
