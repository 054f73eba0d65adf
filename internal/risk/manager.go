package risk

import (
	"fmt"
	"sync"
	"time"

	"deriv-trading-core/internal/logging"
)

// ManagerLimits bound the sidecar's pre-trade check
type ManagerLimits struct {
	MaxOrderSize        float64
	MaxNotionalExposure float64
	MaxOrdersPerSecond  int
	MaxOrdersPerMinute  int
}

// accountState carries the sidecar counters for one account
type accountState struct {
	killSwitch      bool
	killReason      string
	orderTimes      []time.Time // sliding window, pruned on use
	notionalOpen    float64
	rejects         int64
	slippageRejects int64
	stuckOrders     int64
}

// Manager is the risk sidecar: kill switch, windowed rate limits and
// operational failure counters. It runs beside the risk cache and never
// touches equity.
type Manager struct {
	log *logging.Logger

	mu       sync.RWMutex
	accounts map[string]*accountState
}

// NewManager creates the risk sidecar
func NewManager() *Manager {
	return &Manager{
		log:      logging.WithComponent("risk-manager"),
		accounts: make(map[string]*accountState),
	}
}

func (m *Manager) state(accountID string) *accountState {
	s, ok := m.accounts[accountID]
	if !ok {
		s = &accountState{}
		m.accounts[accountID] = s
	}
	return s
}

// SetKillSwitch flips the kill switch for an account
func (m *Manager) SetKillSwitch(accountID string, active bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(accountID)
	s.killSwitch = active
	s.killReason = reason
	if active {
		m.log.Warn("kill switch activated", "account_id", accountID, "reason", reason)
	} else {
		m.log.Info("kill switch cleared", "account_id", accountID)
	}
}

// IsKillSwitchActive reports the kill switch state for an account
func (m *Manager) IsKillSwitchActive(accountID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.accounts[accountID]
	return ok && s.killSwitch
}

// PreTradeCheck applies the sidecar limits: order size, notional cap and
// the orders/sec and orders/min windows.
func (m *Manager) PreTradeCheck(accountID string, stake float64, limits ManagerLimits) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(accountID)
	if s.killSwitch {
		return false, "Kill switch active"
	}

	if limits.MaxOrderSize > 0 && stake > limits.MaxOrderSize {
		return false, fmt.Sprintf("order size %.2f exceeds max %.2f", stake, limits.MaxOrderSize)
	}
	if limits.MaxNotionalExposure > 0 && s.notionalOpen+stake > limits.MaxNotionalExposure {
		return false, fmt.Sprintf("notional exposure %.2f would exceed cap %.2f", s.notionalOpen+stake, limits.MaxNotionalExposure)
	}

	now := time.Now()
	s.pruneWindow(now)

	if limits.MaxOrdersPerSecond > 0 {
		inLastSecond := 0
		for _, t := range s.orderTimes {
			if now.Sub(t) < time.Second {
				inLastSecond++
			}
		}
		if inLastSecond >= limits.MaxOrdersPerSecond {
			return false, "order rate limit exceeded (per second)"
		}
	}
	if limits.MaxOrdersPerMinute > 0 && len(s.orderTimes) >= limits.MaxOrdersPerMinute {
		return false, "order rate limit exceeded (per minute)"
	}

	return true, ""
}

// pruneWindow drops order timestamps older than one minute
func (s *accountState) pruneWindow(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(s.orderTimes); i++ {
		if s.orderTimes[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		s.orderTimes = append(s.orderTimes[:0], s.orderTimes[i:]...)
	}
}

// RecordOrder notes an accepted order against the rate windows and the
// notional cap.
func (m *Manager) RecordOrder(accountID string, stake float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(accountID)
	s.orderTimes = append(s.orderTimes, time.Now())
	s.notionalOpen += stake
}

// ReleaseNotional returns notional headroom after a contract closes or an
// order fails.
func (m *Manager) ReleaseNotional(accountID string, stake float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(accountID)
	s.notionalOpen -= stake
	if s.notionalOpen < 0 {
		s.notionalOpen = 0
	}
}

// RecordReject counts a broker reject
func (m *Manager) RecordReject(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(accountID).rejects++
}

// RecordSlippageReject counts a slippage-gate reject
func (m *Manager) RecordSlippageReject(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(accountID).slippageRejects++
}

// RecordStuckOrder counts a settlement that timed out
func (m *Manager) RecordStuckOrder(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(accountID).stuckOrders++
	m.log.Warn("stuck order recorded", "account_id", accountID)
}

// GetStats returns the sidecar counters for an account
func (m *Manager) GetStats(accountID string) map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.accounts[accountID]
	if !ok {
		return map[string]interface{}{"account_id": accountID}
	}
	return map[string]interface{}{
		"account_id":       accountID,
		"kill_switch":      s.killSwitch,
		"kill_reason":      s.killReason,
		"orders_in_window": len(s.orderTimes),
		"notional_open":    s.notionalOpen,
		"rejects":          s.rejects,
		"slippage_rejects": s.slippageRejects,
		"stuck_orders":     s.stuckOrders,
	}
}
