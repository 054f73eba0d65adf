package recovery

import (
	"deriv-trading-core/internal/contracts"
	"deriv-trading-core/internal/regime"
	"deriv-trading-core/internal/risk"
)

// BuildContext derives the outcome context RecordOutcome consumes from the
// live account state, so settlement wiring passes the raw structures through
// instead of computing ratios inline.
func BuildContext(entry risk.Entry, pnl contracts.Snapshot, market regime.State) Context {
	rc := Context{
		Equity:           entry.Equity,
		LossStreak:       entry.LossStreak,
		RegimeConfidence: market.Confidence,
	}
	if settled := pnl.WinCount + pnl.LossCount; settled > 0 {
		rc.WinRate = float64(pnl.WinCount) / float64(settled)
	}
	if entry.EquityPeak > entry.Equity && entry.EquityPeak > 0 {
		rc.DrawdownPct = (entry.EquityPeak - entry.Equity) / entry.EquityPeak * 100
	}
	// The cache records the last trade time, not the last win. An unbroken
	// win streak means the last trade was a win.
	if entry.ConsecutiveWins > 0 && !entry.LastTradeAt.IsZero() {
		rc.LastWinTimeMS = entry.LastTradeAt.UnixMilli()
	}
	return rc
}
