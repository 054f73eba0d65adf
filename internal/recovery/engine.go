package recovery

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"deriv-trading-core/internal/events"
	"deriv-trading-core/internal/logging"
	"deriv-trading-core/internal/persist"
)

// Mode is the recovery state machine's phase
type Mode string

const (
	ModeIdle       Mode = "IDLE"
	ModeRecovering Mode = "RECOVERING"
	ModeGraduated  Mode = "GRADUATED"
	ModeCooldown   Mode = "COOLDOWN"
)

const episodeHistoryLimit = 100

// Config bounds the recovery state machine
type Config struct {
	MaxDeficitPct        float64
	MaxRecoveryTrades    int
	MaxFailedEpisodes    int
	MinEquityForRecovery float64
	FailedCooldown       time.Duration
}

// DefaultConfig returns the stock recovery bounds
func DefaultConfig() Config {
	return Config{
		MaxDeficitPct:        15,
		MaxRecoveryTrades:    12,
		MaxFailedEpisodes:    3,
		MinEquityForRecovery: 10,
		FailedCooldown:       30 * time.Second,
	}
}

// Context carries the account conditions alongside a trade outcome
type Context struct {
	Equity           float64
	LossStreak       int
	WinRate          float64
	RegimeConfidence float64
	Volatility       float64
	LastWinTimeMS    int64
	DrawdownPct      float64
}

// State is the per-account recovery snapshot
type State struct {
	Mode               Mode       `json:"mode"`
	Deficit            float64    `json:"deficit"`
	OriginalDeficit    float64    `json:"original_deficit"`
	Recovered          float64    `json:"recovered"`
	TradesInRecovery   int        `json:"trades_in_recovery"`
	WinsInRecovery     int        `json:"wins_in_recovery"`
	LossesInRecovery   int        `json:"losses_in_recovery"`
	CurrentWinStreak   int        `json:"current_win_streak"`
	CurrentLossStreak  int        `json:"current_loss_streak"`
	StartedAt          time.Time  `json:"started_at,omitempty"`
	FailedEpisodes     int        `json:"failed_episodes"`
	SuccessfulEpisodes int        `json:"successful_episodes"`
	CooldownUntil      *time.Time `json:"cooldown_until,omitempty"`
}

// Episode is one completed recovery attempt
type Episode struct {
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	OriginalDeficit float64   `json:"original_deficit"`
	Recovered       float64   `json:"recovered"`
	Trades          int       `json:"trades"`
	Wins            int       `json:"wins"`
	Losses          int       `json:"losses"`
	Success         bool      `json:"success"`
	Reward          float64   `json:"reward"`
}

// WeightsStore persists the per-account network
type WeightsStore interface {
	UpsertNeuralWeights(ctx context.Context, accountID string, weights json.RawMessage) error
}

type accountRecovery struct {
	state         State
	net           *Network
	episodes      []Episode
	lastOverrides Overrides
	hasOverrides  bool
}

// Engine is the per-account loss-recovery state machine
type Engine struct {
	cfg   Config
	mu    sync.Mutex
	accts map[string]*accountRecovery
	store WeightsStore
	pool  *persist.Pool
	bus   *events.EventBus
	log   *logging.Logger
	now   func() time.Time
}

// NewEngine creates a recovery engine
func NewEngine(cfg Config, store WeightsStore, pool *persist.Pool, bus *events.EventBus) *Engine {
	return &Engine{
		cfg:   cfg,
		accts: make(map[string]*accountRecovery),
		store: store,
		pool:  pool,
		bus:   bus,
		log:   logging.WithComponent("recovery"),
		now:   time.Now,
	}
}

func (e *Engine) account(accountID string) *accountRecovery {
	a, ok := e.accts[accountID]
	if !ok {
		a = &accountRecovery{
			state: State{Mode: ModeIdle},
			net:   NewNetwork(),
		}
		e.accts[accountID] = a
	}
	return a
}

// StateFor returns a copy of the account's recovery state
func (e *Engine) StateFor(accountID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account(accountID).state
}

// Episodes returns a copy of the account's completed episode history
func (e *Engine) Episodes(accountID string) []Episode {
	e.mu.Lock()
	defer e.mu.Unlock()
	src := e.account(accountID).episodes
	out := make([]Episode, len(src))
	copy(out, src)
	return out
}

// HydrateNetwork loads stored weights for an account. Shape mismatches are
// logged and leave a freshly initialized network in place.
func (e *Engine) HydrateNetwork(accountID string, payload []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.account(accountID).net.Deserialize(payload); err != nil {
		e.log.Warn("stored network rejected, starting fresh",
			"account_id", accountID, "error", err)
	}
}

// RecordOutcome feeds one settled trade into the state machine
func (e *Engine) RecordOutcome(accountID string, profit float64, rc Context) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.account(accountID)
	s := &a.state
	now := e.now()

	// Expired cooldowns fall back to idle before anything else
	if s.Mode == ModeCooldown && s.CooldownUntil != nil && now.After(*s.CooldownUntil) {
		s.Mode = ModeIdle
		s.CooldownUntil = nil
	}

	switch {
	case profit < 0 && (s.Mode == ModeIdle || s.Mode == ModeGraduated):
		if rc.Equity < e.cfg.MinEquityForRecovery {
			return *s
		}
		if s.FailedEpisodes >= e.cfg.MaxFailedEpisodes {
			return *s
		}
		s.Mode = ModeRecovering
		s.OriginalDeficit = -profit
		s.Deficit = -profit
		s.Recovered = 0
		s.TradesInRecovery = 1
		s.WinsInRecovery = 0
		s.LossesInRecovery = 1
		s.CurrentLossStreak = 1
		s.CurrentWinStreak = 0
		s.StartedAt = now
		e.publishLocked(accountID, *s)

	case profit < 0 && s.Mode == ModeRecovering:
		s.Deficit += -profit
		s.TradesInRecovery++
		s.LossesInRecovery++
		s.CurrentLossStreak++
		s.CurrentWinStreak = 0

		deficitPct := 0.0
		if rc.Equity > 0 {
			deficitPct = s.Deficit / rc.Equity * 100
		}
		if deficitPct > e.cfg.MaxDeficitPct || s.TradesInRecovery >= e.cfg.MaxRecoveryTrades {
			e.completeEpisodeLocked(accountID, a, rc, false, now)
		}

	case profit > 0 && s.Mode == ModeRecovering:
		s.Deficit -= profit
		s.Recovered += profit
		s.TradesInRecovery++
		s.WinsInRecovery++
		s.CurrentWinStreak++
		s.CurrentLossStreak = 0

		if s.Deficit <= 0 {
			e.completeEpisodeLocked(accountID, a, rc, true, now)
		}
	}
	return *s
}

// episodeReward scores a completed episode in [0,1]
func episodeReward(s State, winRate float64, success bool) float64 {
	reward := 0.0
	if s.OriginalDeficit > 0 && s.TradesInRecovery > 0 {
		reward = s.Recovered / s.OriginalDeficit / math.Sqrt(float64(s.TradesInRecovery))
	}
	if success {
		reward += 0.2
	}
	reward += winRate * 0.3
	return clamp01(reward)
}

func (e *Engine) completeEpisodeLocked(accountID string, a *accountRecovery, rc Context, success bool, now time.Time) {
	s := &a.state
	reward := episodeReward(*s, rc.WinRate, success)

	used := a.lastOverrides
	if !a.hasOverrides {
		used = DefaultOverrides()
	}
	in := e.networkInput(*s, rc, now)
	loss := a.net.Train(in, used, reward)

	a.episodes = append(a.episodes, Episode{
		StartedAt:       s.StartedAt,
		EndedAt:         now,
		OriginalDeficit: s.OriginalDeficit,
		Recovered:       s.Recovered,
		Trades:          s.TradesInRecovery,
		Wins:            s.WinsInRecovery,
		Losses:          s.LossesInRecovery,
		Success:         success,
		Reward:          reward,
	})
	if len(a.episodes) > episodeHistoryLimit {
		a.episodes = a.episodes[len(a.episodes)-episodeHistoryLimit:]
	}

	if success {
		s.SuccessfulEpisodes++
		s.Mode = ModeGraduated
		s.Deficit = 0
	} else {
		s.FailedEpisodes++
		s.Mode = ModeCooldown
		until := now.Add(e.cfg.FailedCooldown)
		s.CooldownUntil = &until
	}
	a.hasOverrides = false

	e.log.Info("recovery episode completed",
		"account_id", accountID, "success", success,
		"reward", reward, "train_loss", loss, "trades", s.TradesInRecovery)
	e.publishLocked(accountID, *s)
	e.persistNetworkLocked(accountID, a)
}

func (e *Engine) networkInput(s State, rc Context, now time.Time) NetworkInput {
	deficitPct := 0.0
	if rc.Equity > 0 {
		deficitPct = s.Deficit / rc.Equity * 100
	}
	sinceWin := float64(0)
	if rc.LastWinTimeMS > 0 {
		sinceWin = float64(now.UnixMilli() - rc.LastWinTimeMS)
	}
	return NetworkInput{
		DeficitPct:       deficitPct,
		LossStreak:       float64(rc.LossStreak),
		WinRate:          rc.WinRate,
		RegimeConfidence: rc.RegimeConfidence,
		Volatility:       rc.Volatility,
		TimeSinceWinMS:   sinceWin,
		DrawdownPct:      rc.DrawdownPct,
		TradesInRecovery: float64(s.TradesInRecovery),
	}
}

// persistNetworkLocked saves weights best-effort on the persistence pool
func (e *Engine) persistNetworkLocked(accountID string, a *accountRecovery) {
	if e.store == nil {
		return
	}
	payload, err := a.net.Serialize()
	if err != nil {
		e.log.Error("failed to serialize network", "account_id", accountID, "error", err)
		return
	}
	write := func(ctx context.Context) error {
		return e.store.UpsertNeuralWeights(ctx, accountID, payload)
	}
	if e.pool != nil {
		e.pool.Submit("neural_weights", write)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := write(ctx); err != nil {
			e.log.Warn("failed to persist network", "account_id", accountID, "error", err)
		}
	}()
}

func (e *Engine) publishLocked(accountID string, s State) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:      events.EventRecoveryUpdate,
		AccountID: accountID,
		Timestamp: e.now(),
		Data: map[string]interface{}{
			"mode":            string(s.Mode),
			"deficit":         s.Deficit,
			"recovered":       s.Recovered,
			"trades":          s.TradesInRecovery,
			"failed_episodes": s.FailedEpisodes,
		},
	})
}

// Overrides returns the network-tuned trade overrides when the account is
// recovering, post-processed by the anti-martingale rule. The second
// return is false outside RECOVERING.
func (e *Engine) Overrides(accountID string, rc Context) (Overrides, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.account(accountID)
	s := a.state
	if s.Mode != ModeRecovering {
		return Overrides{}, false
	}

	o := a.net.Predict(e.networkInput(s, rc, e.now()))

	if streak := s.CurrentWinStreak; streak >= 2 {
		o.StakeMultiplier *= math.Min(1+0.2*float64(streak-1), 2.0)
		o.PrecisionThreshold *= 0.95
	}
	if streak := s.CurrentLossStreak; streak >= 2 {
		o.PrecisionThreshold *= math.Min(1+0.05*float64(streak-1), 1.3)
		o.ConfidenceBoost += 0.03 * float64(streak-1)
		o.StakeMultiplier *= math.Max(1-0.15*float64(streak-1), 0.4)
	}

	o.StakeMultiplier = clampRange(o.StakeMultiplier, stakeMultiplierMin, stakeMultiplierMax)
	o.PrecisionThreshold = clampRange(o.PrecisionThreshold, precisionThresholdMin, precisionThresholdMax)
	o.ConfidenceBoost = clampRange(o.ConfidenceBoost, confidenceBoostMin, confidenceBoostMax)
	o.Aggressiveness = clamp01(o.Aggressiveness)

	a.lastOverrides = o
	a.hasOverrides = true
	return o, true
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
