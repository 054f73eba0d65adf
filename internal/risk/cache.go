// Package risk implements the in-memory risk cache, the risk manager
// sidecar and the pre-trade gate that composes them.
package risk

import (
	"math"
	"sync"
	"time"
)

// Decision kinds returned by Cache.Evaluate
type DecisionKind string

const (
	DecisionAllow         DecisionKind = "ALLOW"
	DecisionReduceStake   DecisionKind = "REDUCE_STAKE"
	DecisionCooldown      DecisionKind = "COOLDOWN"
	DecisionLossCooldown  DecisionKind = "LOSS_COOLDOWN"
	DecisionMaxConcurrent DecisionKind = "MAX_CONCURRENT"
	DecisionHalt          DecisionKind = "HALT"
)

// HaltReason qualifies a HALT decision
type HaltReason string

const (
	HaltDailyLoss HaltReason = "DAILY_LOSS"
	HaltDrawdown  HaltReason = "DRAWDOWN"
)

// Decision is the outcome of a fast-path risk evaluation
type Decision struct {
	Kind       DecisionKind  `json:"kind"`
	Wait       time.Duration `json:"wait,omitempty"`        // for cooldown decisions
	HaltReason HaltReason    `json:"halt_reason,omitempty"` // for HALT
	MaxStake   float64       `json:"max_stake,omitempty"`   // for REDUCE_STAKE
}

// EvaluateParams are the per-call limits applied by Evaluate
type EvaluateParams struct {
	ProposedStake        float64
	MaxStake             float64
	DailyLossLimitPct    float64
	DrawdownLimitPct     float64
	MaxConsecutiveLosses int
	Cooldown             time.Duration
	LossCooldown         time.Duration
	MaxConcurrentTrades  int
}

// OpenLimits bound RecordOpened
type OpenLimits struct {
	MaxConcurrentTrades int
	MaxExposure         float64
}

// Entry is the per-account risk state snapshot
type Entry struct {
	AccountID        string    `json:"account_id"`
	Equity           float64   `json:"equity"`
	EquityPeak       float64   `json:"equity_peak"`
	DailyStartEquity float64   `json:"daily_start_equity"`
	OpenTradeCount   int       `json:"open_trade_count"`
	OpenExposure     float64   `json:"open_exposure"`
	LossStreak       int       `json:"loss_streak"`
	ConsecutiveWins  int       `json:"consecutive_wins"`
	LastTradeAt      time.Time `json:"last_trade_at"`
	LastLossAt       time.Time `json:"last_loss_at"`
	LastUpdated      time.Time `json:"last_updated"`
}

// Cache holds per-account risk counters. Entries are never evicted; stale
// entries are served as-is.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewCache creates an empty risk cache
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Entry)}
}

// Initialize creates the entry for an account with all counters zeroed and
// equity = peak = daily start. Re-initializing resets the entry.
func (c *Cache) Initialize(accountID string, equity float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[accountID] = &Entry{
		AccountID:        accountID,
		Equity:           equity,
		EquityPeak:       equity,
		DailyStartEquity: equity,
		LastUpdated:      time.Now(),
	}
}

// Restore loads a previously persisted entry, used when hydrating from the
// settings store on startup.
func (c *Cache) Restore(entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry
	e.LastUpdated = time.Now()
	c.entries[entry.AccountID] = &e
}

// Snapshot returns a copy of the entry for an account
func (c *Cache) Snapshot(accountID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[accountID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Evaluate runs the O(1) pre-network checks for a proposed trade.
// Halts take precedence over concurrency, concurrency over cooldowns,
// and stake clamping is reported only when everything else passes.
func (c *Cache) Evaluate(accountID string, p EvaluateParams) Decision {
	c.mu.RLock()
	e, ok := c.entries[accountID]
	if !ok {
		c.mu.RUnlock()
		return Decision{Kind: DecisionAllow}
	}
	snap := *e
	c.mu.RUnlock()

	now := time.Now()

	if p.DailyLossLimitPct > 0 && snap.DailyStartEquity > 0 {
		dailyLossPct := (snap.DailyStartEquity - snap.Equity) / snap.DailyStartEquity * 100
		if dailyLossPct >= p.DailyLossLimitPct {
			return Decision{Kind: DecisionHalt, HaltReason: HaltDailyLoss}
		}
	}

	if p.DrawdownLimitPct > 0 && snap.EquityPeak > 0 {
		drawdownPct := (snap.EquityPeak - snap.Equity) / snap.EquityPeak * 100
		if drawdownPct >= p.DrawdownLimitPct {
			return Decision{Kind: DecisionHalt, HaltReason: HaltDrawdown}
		}
	}

	if p.MaxConcurrentTrades > 0 && snap.OpenTradeCount >= p.MaxConcurrentTrades {
		return Decision{Kind: DecisionMaxConcurrent}
	}

	if p.LossCooldown > 0 && p.MaxConsecutiveLosses > 0 && snap.LossStreak >= p.MaxConsecutiveLosses {
		if since := now.Sub(snap.LastLossAt); since < p.LossCooldown {
			return Decision{Kind: DecisionLossCooldown, Wait: p.LossCooldown - since}
		}
	}

	if p.Cooldown > 0 && !snap.LastTradeAt.IsZero() {
		if since := now.Sub(snap.LastTradeAt); since < p.Cooldown {
			return Decision{Kind: DecisionCooldown, Wait: p.Cooldown - since}
		}
	}

	if p.MaxStake > 0 && p.ProposedStake > p.MaxStake {
		return Decision{Kind: DecisionReduceStake, MaxStake: p.MaxStake}
	}

	return Decision{Kind: DecisionAllow}
}

// RecordOpened atomically reserves one trade slot and its exposure.
// Rejections leave the entry untouched.
func (c *Cache) RecordOpened(accountID string, stake float64, limits OpenLimits) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[accountID]
	if !ok {
		return false, "account not initialized in risk cache"
	}

	if limits.MaxConcurrentTrades > 0 && e.OpenTradeCount >= limits.MaxConcurrentTrades {
		return false, "Maximum concurrent trades reached"
	}
	if limits.MaxExposure > 0 && e.OpenExposure+stake > limits.MaxExposure {
		return false, "max exposure exceeded"
	}

	e.OpenTradeCount++
	e.OpenExposure += stake
	e.LastUpdated = time.Now()
	return true, ""
}

// RecordSettled applies a settlement outcome: releases the slot and
// exposure (unless already released), applies P&L and updates streaks.
func (c *Cache) RecordSettled(accountID string, stake, netProfit float64, skipExposure bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[accountID]
	if !ok {
		return
	}

	now := time.Now()
	if !skipExposure {
		e.OpenTradeCount--
		if e.OpenTradeCount < 0 {
			e.OpenTradeCount = 0
		}
		e.OpenExposure -= stake
		if e.OpenExposure < 0 {
			e.OpenExposure = 0
		}
	}

	e.Equity += netProfit
	if e.Equity > e.EquityPeak {
		e.EquityPeak = e.Equity
	}

	// Streaks are mutually exclusive
	if netProfit < 0 {
		e.LossStreak++
		e.ConsecutiveWins = 0
		e.LastLossAt = now
	} else {
		e.ConsecutiveWins++
		e.LossStreak = 0
	}

	e.LastTradeAt = now
	e.LastUpdated = now
}

// RecordFailedAttempt releases the reserved slot and exposure for an order
// that never reached an execution decision. Streaks are untouched.
func (c *Cache) RecordFailedAttempt(accountID string, stake float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[accountID]
	if !ok {
		return
	}
	e.OpenTradeCount--
	if e.OpenTradeCount < 0 {
		e.OpenTradeCount = 0
	}
	e.OpenExposure -= stake
	if e.OpenExposure < 0 {
		e.OpenExposure = 0
	}
	e.LastUpdated = time.Now()
}

// UpdateEquity overwrites the equity from an authoritative balance read
func (c *Cache) UpdateEquity(accountID string, equity float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[accountID]
	if !ok {
		return
	}
	e.Equity = equity
	if equity > e.EquityPeak {
		e.EquityPeak = equity
	}
	e.LastUpdated = time.Now()
}

// ValidStake reports whether a stake is usable at all
func ValidStake(stake float64) bool {
	return stake > 0 && !math.IsNaN(stake) && !math.IsInf(stake, 0)
}
