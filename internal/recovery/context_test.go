package recovery

import (
	"testing"
	"time"

	"deriv-trading-core/internal/contracts"
	"deriv-trading-core/internal/regime"
	"deriv-trading-core/internal/risk"
)

func TestBuildContextDerivesRatios(t *testing.T) {
	lastTrade := time.Now().Add(-time.Minute)
	entry := risk.Entry{
		AccountID:       "A",
		Equity:          900,
		EquityPeak:      1000,
		LossStreak:      0,
		ConsecutiveWins: 2,
		LastTradeAt:     lastTrade,
	}
	pnl := contracts.Snapshot{WinCount: 6, LossCount: 4}
	market := regime.State{Current: regime.RegimeTrend, Confidence: 0.7}

	rc := BuildContext(entry, pnl, market)

	if rc.Equity != 900 || rc.LossStreak != 0 {
		t.Fatalf("passthrough fields wrong: %+v", rc)
	}
	if rc.WinRate != 0.6 {
		t.Errorf("win rate = %v, want 0.6", rc.WinRate)
	}
	if diff := rc.DrawdownPct - 10; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("drawdown = %v, want 10", rc.DrawdownPct)
	}
	if rc.RegimeConfidence != 0.7 {
		t.Errorf("regime confidence = %v, want 0.7", rc.RegimeConfidence)
	}
	if rc.LastWinTimeMS != lastTrade.UnixMilli() {
		t.Errorf("last win = %d, want %d", rc.LastWinTimeMS, lastTrade.UnixMilli())
	}
}

func TestBuildContextNoSettledTrades(t *testing.T) {
	rc := BuildContext(risk.Entry{Equity: 1000, EquityPeak: 1000}, contracts.Snapshot{}, regime.State{})
	if rc.WinRate != 0 || rc.DrawdownPct != 0 || rc.LastWinTimeMS != 0 {
		t.Errorf("fresh account must produce zero derived fields: %+v", rc)
	}
}

func TestBuildContextLastWinRequiresWinStreak(t *testing.T) {
	entry := risk.Entry{
		Equity:      980,
		EquityPeak:  1000,
		LossStreak:  3,
		LastTradeAt: time.Now(),
	}
	rc := BuildContext(entry, contracts.Snapshot{WinCount: 1, LossCount: 3}, regime.State{})
	if rc.LastWinTimeMS != 0 {
		t.Errorf("last trade was a loss, LastWinTimeMS = %d, want 0", rc.LastWinTimeMS)
	}
	if rc.WinRate != 0.25 {
		t.Errorf("win rate = %v, want 0.25", rc.WinRate)
	}
}
