package recovery

import (
	"testing"
	"time"
)

func testContext(equity float64) Context {
	return Context{
		Equity:           equity,
		WinRate:          0.5,
		RegimeConfidence: 0.6,
		Volatility:       0.3,
	}
}

func testEngine(cfg Config) *Engine {
	return NewEngine(cfg, nil, nil, nil)
}

func TestRecoveryGraduation(t *testing.T) {
	e := testEngine(DefaultConfig())
	rc := testContext(1000)

	s := e.RecordOutcome("A", -10, rc)
	if s.Mode != ModeRecovering {
		t.Fatalf("mode = %s after loss, want RECOVERING", s.Mode)
	}
	if s.OriginalDeficit != 10 || s.Deficit != 10 || s.TradesInRecovery != 1 {
		t.Fatalf("entry state wrong: %+v", s)
	}

	s = e.RecordOutcome("A", 4, rc)
	if s.Deficit != 6 || s.TradesInRecovery != 2 {
		t.Fatalf("after +4: %+v", s)
	}

	s = e.RecordOutcome("A", 6, rc)
	if s.Mode != ModeGraduated {
		t.Fatalf("mode = %s, want GRADUATED once deficit cleared", s.Mode)
	}
	if s.SuccessfulEpisodes != 1 {
		t.Errorf("successfulEpisodes = %d, want 1", s.SuccessfulEpisodes)
	}

	episodes := e.Episodes("A")
	if len(episodes) != 1 {
		t.Fatalf("episodes = %d, want 1", len(episodes))
	}
	ep := episodes[0]
	if !ep.Success || ep.Reward <= 0 {
		t.Errorf("episode = %+v, want success with positive reward", ep)
	}
	if ep.Recovered != 10 || ep.Trades != 3 {
		t.Errorf("episode totals wrong: %+v", ep)
	}
}

func TestRecoveryFailsOnMaxTrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRecoveryTrades = 3
	e := testEngine(cfg)
	rc := testContext(1000)

	e.RecordOutcome("A", -5, rc)
	e.RecordOutcome("A", -5, rc)
	s := e.RecordOutcome("A", -5, rc)

	if s.Mode != ModeCooldown {
		t.Fatalf("mode = %s, want COOLDOWN after trade cap", s.Mode)
	}
	if s.FailedEpisodes != 1 {
		t.Errorf("failedEpisodes = %d, want 1", s.FailedEpisodes)
	}
	if s.CooldownUntil == nil {
		t.Fatal("cooldownUntil not set")
	}

	episodes := e.Episodes("A")
	if len(episodes) != 1 || episodes[0].Success {
		t.Errorf("episodes = %+v, want one failed episode", episodes)
	}
}

func TestRecoveryFailsOnDeficitPct(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDeficitPct = 5
	e := testEngine(cfg)
	rc := testContext(100)

	e.RecordOutcome("A", -3, rc)
	s := e.RecordOutcome("A", -4, rc) // deficit 7 on 100 equity = 7%

	if s.Mode != ModeCooldown {
		t.Fatalf("mode = %s, want COOLDOWN past deficit cap", s.Mode)
	}
}

func TestCooldownExpiryAllowsNewEpisode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRecoveryTrades = 1
	cfg.FailedCooldown = time.Minute
	e := testEngine(cfg)
	rc := testContext(1000)

	clock := time.Now()
	e.now = func() time.Time { return clock }

	e.RecordOutcome("A", -5, rc)
	e.RecordOutcome("A", -5, rc)
	if got := e.StateFor("A").Mode; got != ModeCooldown {
		t.Fatalf("mode = %s, want COOLDOWN", got)
	}

	// Still cooling: a loss must not start a new episode
	clock = clock.Add(30 * time.Second)
	if s := e.RecordOutcome("A", -5, rc); s.Mode != ModeCooldown {
		t.Fatalf("mode = %s during cooldown, want COOLDOWN", s.Mode)
	}

	clock = clock.Add(2 * time.Minute)
	s := e.RecordOutcome("A", -5, rc)
	if s.Mode != ModeRecovering {
		t.Fatalf("mode = %s after cooldown expiry, want RECOVERING", s.Mode)
	}
	if s.OriginalDeficit != 5 {
		t.Errorf("originalDeficit = %v, want fresh episode", s.OriginalDeficit)
	}
}

func TestFailedEpisodeCircuitBlocksEntry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRecoveryTrades = 1
	cfg.MaxFailedEpisodes = 1
	cfg.FailedCooldown = time.Millisecond
	e := testEngine(cfg)
	rc := testContext(1000)

	clock := time.Now()
	e.now = func() time.Time { return clock }

	e.RecordOutcome("A", -5, rc)
	e.RecordOutcome("A", -5, rc) // fails the episode
	clock = clock.Add(time.Second)

	s := e.RecordOutcome("A", -5, rc)
	if s.Mode != ModeIdle {
		t.Fatalf("mode = %s, want IDLE with episode circuit tripped", s.Mode)
	}
}

func TestMinEquityGuardBlocksEntry(t *testing.T) {
	e := testEngine(DefaultConfig())

	s := e.RecordOutcome("A", -5, testContext(5))
	if s.Mode != ModeIdle {
		t.Errorf("mode = %s, want IDLE below minimum equity", s.Mode)
	}
}

func TestOverridesOnlyWhileRecovering(t *testing.T) {
	e := testEngine(DefaultConfig())
	rc := testContext(1000)

	if _, ok := e.Overrides("A", rc); ok {
		t.Fatal("overrides returned while idle")
	}

	e.RecordOutcome("A", -10, rc)
	if _, ok := e.Overrides("A", rc); !ok {
		t.Fatal("overrides missing while recovering")
	}
}

func TestAntiMartingaleOnLossStreak(t *testing.T) {
	e := testEngine(DefaultConfig())
	rc := testContext(1000)

	// Two consecutive losses inside recovery
	e.RecordOutcome("A", -10, rc)
	e.RecordOutcome("A", -10, rc)

	o, ok := e.Overrides("A", rc)
	if !ok {
		t.Fatal("overrides missing")
	}
	// Untrained net predicts defaults; streak of 2 scales them:
	// stake 1.0 * 0.85, precision 0.75 * 1.05, boost 0.05 + 0.03
	assertClose(t, "stakeMultiplier", o.StakeMultiplier, 0.85)
	assertClose(t, "precisionThreshold", o.PrecisionThreshold, 0.7875)
	assertClose(t, "confidenceBoost", o.ConfidenceBoost, 0.08)
}

func TestAntiMartingaleOnWinStreak(t *testing.T) {
	e := testEngine(DefaultConfig())
	rc := testContext(1000)

	e.RecordOutcome("A", -10, rc)
	e.RecordOutcome("A", 2, rc)
	e.RecordOutcome("A", 3, rc) // deficit 5, win streak 2

	s := e.StateFor("A")
	if s.Mode != ModeRecovering || s.CurrentWinStreak != 2 {
		t.Fatalf("state = %+v, want recovering with win streak 2", s)
	}

	o, ok := e.Overrides("A", rc)
	if !ok {
		t.Fatal("overrides missing")
	}
	assertClose(t, "stakeMultiplier", o.StakeMultiplier, 1.2)
	assertClose(t, "precisionThreshold", o.PrecisionThreshold, 0.7125)
}

func TestEpisodeHistoryIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRecoveryTrades = 1
	cfg.MaxFailedEpisodes = 100000
	cfg.FailedCooldown = 0
	e := testEngine(cfg)
	rc := testContext(1000)

	clock := time.Now()
	e.now = func() time.Time { return clock }

	for i := 0; i < 300; i++ {
		clock = clock.Add(time.Second)
		e.RecordOutcome("A", -1, rc)
	}

	if got := len(e.Episodes("A")); got != episodeHistoryLimit {
		t.Errorf("episode history = %d, want bounded at %d", got, episodeHistoryLimit)
	}
}

func assertClose(t *testing.T, name string, got, want float64) {
	t.Helper()
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}
