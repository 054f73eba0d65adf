package risk

import (
	"context"
	"fmt"
	"time"

	"deriv-trading-core/internal/circuit"
	"deriv-trading-core/internal/logging"
)

// Direction of a binary contract
const (
	DirectionCall = "CALL"
	DirectionPut  = "PUT"
)

// Entry modes for a trade signal
const (
	EntryMarket            = "MARKET"
	EntryHybridLimitMarket = "HYBRID_LIMIT_MARKET"
)

var validDurationUnits = map[string]bool{"t": true, "s": true, "m": true, "h": true, "d": true}

// TradeSignal is the strategy-side request to open a contract
type TradeSignal struct {
	Direction        string  `json:"direction"` // CALL or PUT
	Symbol           string  `json:"symbol"`
	Stake            float64 `json:"stake"`
	Duration         int     `json:"duration"`
	DurationUnit     string  `json:"duration_unit"` // t, s, m, h, d
	EntryMode        string  `json:"entry_mode"`
	EntryTargetPrice float64 `json:"entry_target_price,omitempty"`
	EntrySlippagePct float64 `json:"entry_slippage_pct,omitempty"`
	BotID            string  `json:"bot_id,omitempty"`
	BotRunID         string  `json:"bot_run_id,omitempty"`
	CorrelationID    string  `json:"correlation_id"`
	EntryProfileID   string  `json:"entry_profile_id,omitempty"`
	StopLoss         float64 `json:"stop_loss,omitempty"`
}

// Validate checks the signal's invariants
func (s *TradeSignal) Validate() error {
	if s.Direction != DirectionCall && s.Direction != DirectionPut {
		return fmt.Errorf("invalid direction %q", s.Direction)
	}
	if s.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !ValidStake(s.Stake) {
		return fmt.Errorf("invalid stake %v", s.Stake)
	}
	if s.Duration < 1 {
		return fmt.Errorf("duration must be >= 1, got %d", s.Duration)
	}
	if !validDurationUnits[s.DurationUnit] {
		return fmt.Errorf("invalid duration unit %q", s.DurationUnit)
	}
	return nil
}

// Policy is the persisted per-account (or per-run) risk policy
type Policy struct {
	MaxStake             float64 `json:"max_stake"`
	DailyLossLimitPct    float64 `json:"daily_loss_limit_pct"`
	DrawdownLimitPct     float64 `json:"drawdown_limit_pct"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	CooldownMS           int     `json:"cooldown_ms"`
	LossCooldownMS       int     `json:"loss_cooldown_ms"`
	MaxConcurrentTrades  int     `json:"max_concurrent_trades"`
	MaxOrdersPerSecond   int     `json:"max_orders_per_second"`
	MaxOrdersPerMinute   int     `json:"max_orders_per_minute"`
	MaxNotionalExposure  float64 `json:"max_notional_exposure"`
	StopLoss             float64 `json:"stop_loss,omitempty"`
	RequiresStopLoss     bool    `json:"requires_stop_loss,omitempty"`
}

// PolicyStore fetches the persisted risk policy for an account and run
type PolicyStore interface {
	GetRiskPolicy(ctx context.Context, accountID, botRunID string) (*Policy, error)
}

// TradeRiskConfig is the approved-risk snapshot handed downstream
type TradeRiskConfig struct {
	Stake            float64 `json:"stake"` // post-clamp
	StopLoss         float64 `json:"stop_loss,omitempty"`
	RequiresStopLoss bool    `json:"requires_stop_loss"`
	MaxStake         float64 `json:"max_stake"`
}

// Approval is the gate's successful result
type Approval struct {
	Stake      float64         `json:"stake"`
	RiskConfig TradeRiskConfig `json:"risk_config"`
}

// DeniedError is a gate denial. Throttle denials carry a retry hint.
type DeniedError struct {
	Reason       string
	Throttle     bool
	RetryAfterMS int64
}

func (e *DeniedError) Error() string { return e.Reason }

// Gate composes the kill switch, circuit breaker, signal validation,
// persisted policy, risk cache and risk manager into one pre-trade check.
type Gate struct {
	cache    *Cache
	manager  *Manager
	breakers *circuit.Registry
	policies PolicyStore
	defaults Policy
	log      *logging.Logger
}

// NewGate wires the pre-trade gate
func NewGate(cache *Cache, manager *Manager, breakers *circuit.Registry, policies PolicyStore, defaults Policy) *Gate {
	return &Gate{
		cache:    cache,
		manager:  manager,
		breakers: breakers,
		policies: policies,
		defaults: defaults,
		log:      logging.WithComponent("pre-trade-gate"),
	}
}

// Approve runs the full gate composition. On approval the trade slot and
// exposure are already reserved; the caller must release them with
// RecordFailedAttempt if execution never reaches a decision.
func (g *Gate) Approve(ctx context.Context, accountID string, signal *TradeSignal) (*Approval, error) {
	// Step 1: kill switch
	if g.manager.IsKillSwitchActive(accountID) {
		return nil, &DeniedError{Reason: "Kill switch active"}
	}

	// Step 2: circuit breaker
	if res := g.breakers.ForAccount(accountID).Check(); !res.Allowed {
		return nil, &DeniedError{Reason: res.Reason, Throttle: true, RetryAfterMS: res.RetryAfterMS}
	}

	// Step 3: signal validation
	if err := signal.Validate(); err != nil {
		return nil, &DeniedError{Reason: err.Error()}
	}

	// Step 4: persisted policy, defaults on miss
	policy := g.defaults
	if g.policies != nil {
		if p, err := g.policies.GetRiskPolicy(ctx, accountID, signal.BotRunID); err != nil {
			g.log.Warn("risk policy fetch failed, using defaults", "account_id", accountID, "error", err)
		} else if p != nil {
			policy = *p
		}
	}

	// Step 5: risk cache evaluation
	stake := signal.Stake
	decision := g.cache.Evaluate(accountID, EvaluateParams{
		ProposedStake:        stake,
		MaxStake:             policy.MaxStake,
		DailyLossLimitPct:    policy.DailyLossLimitPct,
		DrawdownLimitPct:     policy.DrawdownLimitPct,
		MaxConsecutiveLosses: policy.MaxConsecutiveLosses,
		Cooldown:             time.Duration(policy.CooldownMS) * time.Millisecond,
		LossCooldown:         time.Duration(policy.LossCooldownMS) * time.Millisecond,
		MaxConcurrentTrades:  policy.MaxConcurrentTrades,
	})

	switch decision.Kind {
	case DecisionAllow:
	case DecisionReduceStake:
		g.log.Info("stake clamped", "account_id", accountID, "from", stake, "to", decision.MaxStake)
		stake = decision.MaxStake
	case DecisionCooldown:
		return nil, &DeniedError{Reason: "Cooldown active", Throttle: true, RetryAfterMS: decision.Wait.Milliseconds()}
	case DecisionLossCooldown:
		return nil, &DeniedError{Reason: "Loss cooldown active", Throttle: true, RetryAfterMS: decision.Wait.Milliseconds()}
	case DecisionMaxConcurrent:
		return nil, &DeniedError{Reason: "Maximum concurrent trades reached"}
	case DecisionHalt:
		switch decision.HaltReason {
		case HaltDrawdown:
			return nil, &DeniedError{Reason: "Drawdown limit reached"}
		default:
			return nil, &DeniedError{Reason: "Daily loss limit reached"}
		}
	}

	// Step 6: risk manager sidecar
	if ok, reason := g.manager.PreTradeCheck(accountID, stake, ManagerLimits{
		MaxOrderSize:        policy.MaxStake,
		MaxNotionalExposure: policy.MaxNotionalExposure,
		MaxOrdersPerSecond:  policy.MaxOrdersPerSecond,
		MaxOrdersPerMinute:  policy.MaxOrdersPerMinute,
	}); !ok {
		return nil, &DeniedError{Reason: reason}
	}

	// Step 7: reserve the slot and exposure
	if ok, reason := g.cache.RecordOpened(accountID, stake, OpenLimits{
		MaxConcurrentTrades: policy.MaxConcurrentTrades,
		MaxExposure:         policy.MaxNotionalExposure,
	}); !ok {
		return nil, &DeniedError{Reason: reason}
	}
	g.manager.RecordOrder(accountID, stake)

	stopLoss := signal.StopLoss
	if stopLoss == 0 {
		stopLoss = policy.StopLoss
	}

	return &Approval{
		Stake: stake,
		RiskConfig: TradeRiskConfig{
			Stake:            stake,
			StopLoss:         stopLoss,
			RequiresStopLoss: policy.RequiresStopLoss,
			MaxStake:         policy.MaxStake,
		},
	}, nil
}

// Release rolls back a reservation made by Approve
func (g *Gate) Release(accountID string, stake float64) {
	g.cache.RecordFailedAttempt(accountID, stake)
	g.manager.ReleaseNotional(accountID, stake)
}
