package risk

import (
	"testing"
	"time"
)

func baseParams() EvaluateParams {
	return EvaluateParams{
		ProposedStake:        1,
		MaxStake:             10,
		DailyLossLimitPct:    10,
		DrawdownLimitPct:     20,
		MaxConsecutiveLosses: 3,
		Cooldown:             0,
		LossCooldown:         time.Minute,
		MaxConcurrentTrades:  5,
	}
}

func TestEvaluateDecisions(t *testing.T) {
	testCases := []struct {
		name     string
		prepare  func(c *Cache)
		params   func() EvaluateParams
		wantKind DecisionKind
		wantHalt HaltReason
	}{
		{
			name:     "fresh account allows",
			prepare:  func(c *Cache) { c.Initialize("A", 1000) },
			params:   baseParams,
			wantKind: DecisionAllow,
		},
		{
			name: "daily loss halt",
			prepare: func(c *Cache) {
				c.Initialize("A", 1000)
				c.RecordOpened("A", 1, OpenLimits{})
				c.RecordSettled("A", 1, -150, false)
			},
			params:   baseParams,
			wantKind: DecisionHalt,
			wantHalt: HaltDailyLoss,
		},
		{
			name: "drawdown halt",
			prepare: func(c *Cache) {
				c.Initialize("A", 1000)
				// Push the peak up, then lose more than 20% off the peak
				// while staying under the 10% daily-loss limit.
				c.RecordOpened("A", 1, OpenLimits{})
				c.RecordSettled("A", 1, 200, false)
				c.RecordOpened("A", 1, OpenLimits{})
				c.RecordSettled("A", 1, -250, false)
			},
			params: func() EvaluateParams {
				p := baseParams()
				p.DailyLossLimitPct = 50
				return p
			},
			wantKind: DecisionHalt,
			wantHalt: HaltDrawdown,
		},
		{
			name: "max concurrent",
			prepare: func(c *Cache) {
				c.Initialize("A", 1000)
				for i := 0; i < 5; i++ {
					c.RecordOpened("A", 1, OpenLimits{})
				}
			},
			params:   baseParams,
			wantKind: DecisionMaxConcurrent,
		},
		{
			name: "loss cooldown after streak",
			prepare: func(c *Cache) {
				c.Initialize("A", 1000)
				for i := 0; i < 3; i++ {
					c.RecordOpened("A", 1, OpenLimits{})
					c.RecordSettled("A", 1, -1, false)
				}
			},
			params:   baseParams,
			wantKind: DecisionLossCooldown,
		},
		{
			name: "cooldown between trades",
			prepare: func(c *Cache) {
				c.Initialize("A", 1000)
				c.RecordOpened("A", 1, OpenLimits{})
				c.RecordSettled("A", 1, 0.95, false)
			},
			params: func() EvaluateParams {
				p := baseParams()
				p.Cooldown = time.Minute
				return p
			},
			wantKind: DecisionCooldown,
		},
		{
			name:    "reduce stake",
			prepare: func(c *Cache) { c.Initialize("A", 1000) },
			params: func() EvaluateParams {
				p := baseParams()
				p.ProposedStake = 50
				return p
			},
			wantKind: DecisionReduceStake,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCache()
			tc.prepare(c)
			d := c.Evaluate("A", tc.params())
			if d.Kind != tc.wantKind {
				t.Fatalf("kind = %s, want %s", d.Kind, tc.wantKind)
			}
			if tc.wantHalt != "" && d.HaltReason != tc.wantHalt {
				t.Errorf("halt reason = %s, want %s", d.HaltReason, tc.wantHalt)
			}
			if (d.Kind == DecisionCooldown || d.Kind == DecisionLossCooldown) && d.Wait <= 0 {
				t.Error("cooldown decision must carry a positive wait")
			}
		})
	}
}

func TestExposureTracksOpenContracts(t *testing.T) {
	c := NewCache()
	c.Initialize("A", 1000)

	c.RecordOpened("A", 2, OpenLimits{})
	c.RecordOpened("A", 3, OpenLimits{})

	e, _ := c.Snapshot("A")
	if e.OpenTradeCount != 2 || e.OpenExposure != 5 {
		t.Fatalf("open=%d exposure=%v, want 2/5", e.OpenTradeCount, e.OpenExposure)
	}

	c.RecordSettled("A", 2, 1.9, false)
	c.RecordFailedAttempt("A", 3)

	e, _ = c.Snapshot("A")
	if e.OpenTradeCount != 0 || e.OpenExposure != 0 {
		t.Fatalf("open=%d exposure=%v after close, want 0/0", e.OpenTradeCount, e.OpenExposure)
	}
	if e.Equity != 1001.9 {
		t.Errorf("equity = %v, want 1001.9", e.Equity)
	}
}

func TestStreaksAreMutuallyExclusive(t *testing.T) {
	c := NewCache()
	c.Initialize("A", 1000)

	settle := func(profit float64) {
		c.RecordOpened("A", 1, OpenLimits{})
		c.RecordSettled("A", 1, profit, false)
	}

	settle(-1)
	settle(-1)
	e, _ := c.Snapshot("A")
	if e.LossStreak != 2 || e.ConsecutiveWins != 0 {
		t.Fatalf("streaks = %d/%d, want loss=2 wins=0", e.LossStreak, e.ConsecutiveWins)
	}

	settle(2)
	e, _ = c.Snapshot("A")
	if e.LossStreak != 0 || e.ConsecutiveWins != 1 {
		t.Fatalf("streaks = %d/%d after win, want loss=0 wins=1", e.LossStreak, e.ConsecutiveWins)
	}
}

func TestEquityPeakOnlyRises(t *testing.T) {
	c := NewCache()
	c.Initialize("A", 1000)

	c.RecordOpened("A", 1, OpenLimits{})
	c.RecordSettled("A", 1, 50, false)
	c.RecordOpened("A", 1, OpenLimits{})
	c.RecordSettled("A", 1, -30, false)

	e, _ := c.Snapshot("A")
	if e.EquityPeak != 1050 {
		t.Errorf("peak = %v, want 1050", e.EquityPeak)
	}
	if e.Equity != 1020 {
		t.Errorf("equity = %v, want 1020", e.Equity)
	}
}

func TestRecordOpenedRejectsBeyondLimits(t *testing.T) {
	c := NewCache()
	c.Initialize("A", 1000)

	if ok, _ := c.RecordOpened("A", 1, OpenLimits{MaxConcurrentTrades: 1}); !ok {
		t.Fatal("first open rejected")
	}
	ok, reason := c.RecordOpened("A", 1, OpenLimits{MaxConcurrentTrades: 1})
	if ok {
		t.Fatal("second open accepted beyond limit")
	}
	if reason != "Maximum concurrent trades reached" {
		t.Errorf("reason = %q", reason)
	}

	// Rejection must not mutate counters
	e, _ := c.Snapshot("A")
	if e.OpenTradeCount != 1 {
		t.Errorf("open count = %d, want 1", e.OpenTradeCount)
	}
}

func TestUnknownAccountIsAllowed(t *testing.T) {
	c := NewCache()
	if d := c.Evaluate("missing", baseParams()); d.Kind != DecisionAllow {
		t.Errorf("unknown account decision = %s, want ALLOW", d.Kind)
	}
	if ok, _ := c.RecordOpened("missing", 1, OpenLimits{}); ok {
		t.Error("RecordOpened must reject uninitialized accounts")
	}
}
