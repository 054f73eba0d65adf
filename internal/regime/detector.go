// Package regime classifies market conditions per (account, symbol) with
// hysteresis so the classification does not flap between evaluations.
package regime

import (
	"fmt"
	"sync"
	"time"

	"deriv-trading-core/internal/events"
	"deriv-trading-core/internal/logging"
)

// Regime is one market classification
type Regime string

const (
	RegimeTrend        Regime = "TREND"
	RegimeRange        Regime = "RANGE"
	RegimeHighVol      Regime = "HIGH_VOL"
	RegimeLowLiquidity Regime = "LOW_LIQUIDITY"
	RegimeUncertain    Regime = "UNCERTAIN"
)

// HysteresisCycles is how many consecutive evaluations a candidate regime
// must win before the state transitions.
const HysteresisCycles = 3

// FeatureSnapshot is one evaluation's worth of market features
type FeatureSnapshot struct {
	TickCount            int     `json:"tick_count"`
	DirectionPersistence float64 `json:"direction_persistence"` // [0,1]
	VolatilityRatio      float64 `json:"volatility_ratio"`      // fast/slow vol
	ATRSlow              float64 `json:"atr_slow"`
	StdDev               float64 `json:"std_dev"`
	RSI                  float64 `json:"rsi"`
	EMASlopeShort        float64 `json:"ema_slope_short"`
	EMASlopeLong         float64 `json:"ema_slope_long"`
	TrendStrength        float64 `json:"trend_strength"`       // [0,1]
	MeanReversionScore   float64 `json:"mean_reversion_score"` // [0,1]
	SpreadQuality        float64 `json:"spread_quality"`       // [0,1]
	LastTickAgeMS        int64   `json:"last_tick_age_ms"`
}

// State is the per-(account, symbol) classification state
type State struct {
	Current           Regime  `json:"current"`
	Confidence        float64 `json:"confidence"`
	StableCycles      int     `json:"stable_cycles"`
	PreviousRegime    Regime  `json:"previous_regime,omitempty"`
	PendingTransition Regime  `json:"pending_transition,omitempty"`

	pendingCount int
}

// Detector evaluates feature snapshots into regimes with hysteresis
type Detector struct {
	mu     sync.Mutex
	states map[string]*State
	cycles int
	bus    *events.EventBus
	log    *logging.Logger
}

// NewDetector creates a detector with the default hysteresis depth
func NewDetector(bus *events.EventBus) *Detector {
	return NewDetectorWithCycles(bus, HysteresisCycles)
}

// NewDetectorWithCycles creates a detector with a configured hysteresis depth
func NewDetectorWithCycles(bus *events.EventBus, cycles int) *Detector {
	if cycles < 1 {
		cycles = HysteresisCycles
	}
	return &Detector{
		states: make(map[string]*State),
		cycles: cycles,
		bus:    bus,
		log:    logging.WithComponent("regime"),
	}
}

func stateKey(accountID, symbol string) string {
	return fmt.Sprintf("%s:%s", accountID, symbol)
}

// Seed sets the starting regime for a pair, used when hydrating state
func (d *Detector) Seed(accountID, symbol string, regime Regime) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[stateKey(accountID, symbol)] = &State{Current: regime, StableCycles: 1}
}

// StateFor returns a copy of the pair's state
func (d *Detector) StateFor(accountID, symbol string) (State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.states[stateKey(accountID, symbol)]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// score sums the weighted rule contributions per regime. The weights are
// the single calibration source; tests pin the relative ordering.
func score(f FeatureSnapshot) map[Regime]float64 {
	s := map[Regime]float64{
		RegimeTrend:        0,
		RegimeRange:        0,
		RegimeHighVol:      0,
		RegimeLowLiquidity: 0,
		RegimeUncertain:    1.0, // baseline; wins only when nothing else scores
	}

	// Liquidity rules dominate: a dead feed is untradeable whatever else
	// the indicators say.
	if f.LastTickAgeMS > 5000 {
		s[RegimeLowLiquidity] += 3.0
	}
	if f.SpreadQuality < 0.3 {
		s[RegimeLowLiquidity] += 2.0
	}
	if f.TickCount < 10 {
		s[RegimeLowLiquidity] += 1.5
	}

	if f.VolatilityRatio > 1.8 {
		s[RegimeHighVol] += 2.5
	}
	if f.ATRSlow > 0 && f.StdDev > 2*f.ATRSlow {
		s[RegimeHighVol] += 1.5
	}
	if f.RSI < 25 || f.RSI > 75 {
		s[RegimeHighVol] += 0.5
	}

	if f.TrendStrength > 0.6 {
		s[RegimeTrend] += 2.0
	}
	if f.DirectionPersistence > 0.65 {
		s[RegimeTrend] += 1.5
	}
	if sameSign(f.EMASlopeShort, f.EMASlopeLong) && abs(f.EMASlopeShort) > abs(f.EMASlopeLong) {
		s[RegimeTrend] += 1.5
	}

	if f.MeanReversionScore > 0.6 {
		s[RegimeRange] += 2.0
	}
	if f.VolatilityRatio > 0 && f.VolatilityRatio < 1.2 {
		s[RegimeRange] += 1.0
	}
	if f.TrendStrength < 0.4 {
		s[RegimeRange] += 1.0
	}
	if f.RSI >= 40 && f.RSI <= 60 {
		s[RegimeRange] += 0.5
	}

	return s
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func winner(scores map[Regime]float64) (Regime, float64) {
	// Deterministic tie-break by fixed priority order
	order := []Regime{RegimeLowLiquidity, RegimeHighVol, RegimeTrend, RegimeRange, RegimeUncertain}
	best := RegimeUncertain
	bestScore := -1.0
	var total float64
	for _, r := range order {
		v := scores[r]
		total += v
		if v > bestScore {
			best, bestScore = r, v
		}
	}
	confidence := 0.0
	if total > 0 {
		confidence = bestScore / total
	}
	if confidence > 1 {
		confidence = 1
	}
	return best, confidence
}

// Evaluate scores one snapshot and advances the hysteresis state machine.
// Returns a copy of the resulting state.
func (d *Detector) Evaluate(accountID, symbol string, f FeatureSnapshot) State {
	win, confidence := winner(score(f))

	d.mu.Lock()
	key := stateKey(accountID, symbol)
	s, ok := d.states[key]
	if !ok {
		// First evaluation adopts the winner directly
		s = &State{Current: win, Confidence: confidence, StableCycles: 1}
		d.states[key] = s
		out := *s
		d.mu.Unlock()
		return out
	}

	s.Confidence = confidence
	switch {
	case win == s.Current:
		// Current regime won again; any pending transition is cancelled
		s.StableCycles++
		s.PendingTransition = ""
		s.pendingCount = 0

	case win == s.PendingTransition:
		s.pendingCount++
		if s.pendingCount >= d.cycles {
			s.PreviousRegime = s.Current
			s.Current = win
			s.StableCycles = 1
			s.PendingTransition = ""
			s.pendingCount = 0
			out := *s
			d.mu.Unlock()
			d.announce(accountID, symbol, out)
			return out
		}

	default:
		s.PendingTransition = win
		s.pendingCount = 1
	}
	out := *s
	d.mu.Unlock()
	return out
}

func (d *Detector) announce(accountID, symbol string, s State) {
	d.log.Info("regime transition",
		"account_id", accountID, "symbol", symbol,
		"from", string(s.PreviousRegime), "to", string(s.Current),
		"confidence", s.Confidence)
	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type:      events.EventRegimeChange,
			AccountID: accountID,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"symbol":     symbol,
				"from":       string(s.PreviousRegime),
				"to":         string(s.Current),
				"confidence": s.Confidence,
			},
		})
	}
}
