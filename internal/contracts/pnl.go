package contracts

import (
	"sync"
	"time"

	"deriv-trading-core/internal/events"
)

// Position is the per-contract slice of a P&L snapshot
type Position struct {
	ContractID    int64   `json:"contractId"`
	Symbol        string  `json:"symbol"`
	Direction     string  `json:"direction"`
	Stake         float64 `json:"stake"`
	BuyPrice      float64 `json:"buyPrice"`
	Payout        float64 `json:"payout"`
	UnrealizedPnL float64 `json:"unrealizedPnL"`
}

// Snapshot is the per-account P&L aggregate pushed to subscribers on every
// change. Field names match the downstream SSE payload.
type Snapshot struct {
	RealizedPnL       float64    `json:"realizedPnL"`
	UnrealizedPnL     float64    `json:"unrealizedPnL"`
	NetPnL            float64    `json:"netPnL"`
	OpenPositionCount int        `json:"openPositionCount"`
	OpenExposure      float64    `json:"openExposure"`
	WinCount          int        `json:"winCount"`
	LossCount         int        `json:"lossCount"`
	AvgWin            float64    `json:"avgWin"`
	AvgLoss           float64    `json:"avgLoss"`
	BalanceDrift      *float64   `json:"balanceDrift,omitempty"`
	LastKnownBalance  *float64   `json:"lastKnownBalance,omitempty"`
	Positions         []Position `json:"positions"`
	LastUpdated       time.Time  `json:"lastUpdated"`
}

type accountPnL struct {
	realized         float64
	openExposure     float64
	winCount         int
	lossCount        int
	sumWins          float64
	sumLosses        float64
	lastKnownBalance *float64
	balanceDrift     *float64
	positions        map[int64]*Position
}

// PnLTracker aggregates realized and unrealized P&L per account and fans
// snapshots out to subscribers.
type PnLTracker struct {
	mu       sync.Mutex
	accounts map[string]*accountPnL

	subMu   sync.Mutex
	subID   int64
	subs    map[string]map[int64]chan Snapshot
}

// NewPnLTracker creates an empty tracker
func NewPnLTracker() *PnLTracker {
	return &PnLTracker{
		accounts: make(map[string]*accountPnL),
		subs:     make(map[string]map[int64]chan Snapshot),
	}
}

func (t *PnLTracker) account(accountID string) *accountPnL {
	a, ok := t.accounts[accountID]
	if !ok {
		a = &accountPnL{positions: make(map[int64]*Position)}
		t.accounts[accountID] = a
	}
	return a
}

// RegisterOpen mirrors a freshly bought contract into the tracker
func (t *PnLTracker) RegisterOpen(c OpenContract) {
	t.mu.Lock()
	a := t.account(c.AccountID)
	a.positions[c.ContractID] = &Position{
		ContractID: c.ContractID,
		Symbol:     c.Symbol,
		Direction:  c.Direction,
		Stake:      c.Stake,
		BuyPrice:   c.BuyPrice,
		Payout:     c.Payout,
	}
	a.openExposure += c.Stake
	t.mu.Unlock()

	t.publish(c.AccountID)
}

// Mark updates the unrealized P&L of one open position
func (t *PnLTracker) Mark(accountID string, contractID int64, unrealized float64) {
	t.mu.Lock()
	a := t.account(accountID)
	p, ok := a.positions[contractID]
	if ok {
		p.UnrealizedPnL = unrealized
	}
	t.mu.Unlock()

	if ok {
		t.publish(accountID)
	}
}

// Settle realizes one position's outcome
func (t *PnLTracker) Settle(accountID string, contractID int64, stake, netProfit float64) {
	t.mu.Lock()
	a := t.account(accountID)
	if _, ok := a.positions[contractID]; ok {
		delete(a.positions, contractID)
		a.openExposure -= stake
		if a.openExposure < 0 {
			a.openExposure = 0
		}
	}
	a.realized += netProfit
	if netProfit < 0 {
		a.lossCount++
		a.sumLosses += -netProfit
	} else {
		a.winCount++
		a.sumWins += netProfit
	}
	t.mu.Unlock()

	t.publish(accountID)
}

// SetBalance records an authoritative balance read and its drift from the
// tracked equity view.
func (t *PnLTracker) SetBalance(accountID string, balance, drift float64) {
	t.mu.Lock()
	a := t.account(accountID)
	b, d := balance, drift
	a.lastKnownBalance = &b
	a.balanceDrift = &d
	t.mu.Unlock()

	t.publish(accountID)
}

// Snapshot builds the current aggregate for an account
func (t *PnLTracker) Snapshot(accountID string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(accountID)
}

func (t *PnLTracker) snapshotLocked(accountID string) Snapshot {
	a := t.account(accountID)

	snap := Snapshot{
		RealizedPnL:       a.realized,
		OpenPositionCount: len(a.positions),
		OpenExposure:      a.openExposure,
		WinCount:          a.winCount,
		LossCount:         a.lossCount,
		LastKnownBalance:  a.lastKnownBalance,
		BalanceDrift:      a.balanceDrift,
		Positions:         make([]Position, 0, len(a.positions)),
		LastUpdated:       time.Now(),
	}
	for _, p := range a.positions {
		snap.UnrealizedPnL += p.UnrealizedPnL
		snap.Positions = append(snap.Positions, *p)
	}
	snap.NetPnL = snap.RealizedPnL + snap.UnrealizedPnL
	if a.winCount > 0 {
		snap.AvgWin = a.sumWins / float64(a.winCount)
	}
	if a.lossCount > 0 {
		snap.AvgLoss = a.sumLosses / float64(a.lossCount)
	}
	return snap
}

// Subscribe returns a channel receiving a snapshot on every change for the
// account, plus a cancel func. Slow consumers miss intermediate snapshots
// rather than blocking the core.
func (t *PnLTracker) Subscribe(accountID string) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)

	t.subMu.Lock()
	t.subID++
	id := t.subID
	m, ok := t.subs[accountID]
	if !ok {
		m = make(map[int64]chan Snapshot)
		t.subs[accountID] = m
	}
	m[id] = ch
	t.subMu.Unlock()

	cancel := func() {
		t.subMu.Lock()
		if m, ok := t.subs[accountID]; ok {
			if _, live := m[id]; live {
				delete(m, id)
				close(ch)
			}
			if len(m) == 0 {
				delete(t.subs, accountID)
			}
		}
		t.subMu.Unlock()
	}
	return ch, cancel
}

func (t *PnLTracker) publish(accountID string) {
	t.mu.Lock()
	snap := t.snapshotLocked(accountID)
	t.mu.Unlock()

	t.subMu.Lock()
	for _, ch := range t.subs[accountID] {
		select {
		case ch <- snap:
		default: // drop for slow consumers
		}
	}
	t.subMu.Unlock()

	events.BroadcastPnL(accountID, snap)
}
