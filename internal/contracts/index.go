// Package contracts tracks live contracts and aggregates per-account P&L.
package contracts

import (
	"sync"
	"time"
)

// OpenContract is one live position, created on buy ack and destroyed on
// settlement or expiry.
type OpenContract struct {
	ContractID    int64     `json:"contractId"`
	AccountID     string    `json:"accountId"`
	Symbol        string    `json:"symbol"`
	Direction     string    `json:"direction"`
	BuyPrice      float64   `json:"buyPrice"`
	Payout        float64   `json:"payout"`
	Stake         float64   `json:"stake"`
	BotRunID      string    `json:"botRunId,omitempty"`
	OpenedAt      time.Time `json:"openedAt"`
	LastMarkPrice float64   `json:"lastMarkPrice,omitempty"`
	UnrealizedPnL float64   `json:"unrealizedPnL"`
}

// Index is the registry of open contracts, keyed by account then contract
type Index struct {
	mu        sync.RWMutex
	byAccount map[string]map[int64]*OpenContract
}

// NewIndex creates an empty open-contracts index
func NewIndex() *Index {
	return &Index{byAccount: make(map[string]map[int64]*OpenContract)}
}

// Add registers a contract after a successful buy
func (i *Index) Add(c OpenContract) {
	i.mu.Lock()
	defer i.mu.Unlock()
	m, ok := i.byAccount[c.AccountID]
	if !ok {
		m = make(map[int64]*OpenContract)
		i.byAccount[c.AccountID] = m
	}
	if c.OpenedAt.IsZero() {
		c.OpenedAt = time.Now()
	}
	m[c.ContractID] = &c
}

// Remove drops a contract, returning its last known state
func (i *Index) Remove(accountID string, contractID int64) (OpenContract, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	m, ok := i.byAccount[accountID]
	if !ok {
		return OpenContract{}, false
	}
	c, ok := m[contractID]
	if !ok {
		return OpenContract{}, false
	}
	delete(m, contractID)
	if len(m) == 0 {
		delete(i.byAccount, accountID)
	}
	return *c, true
}

// Get returns a copy of one contract
func (i *Index) Get(accountID string, contractID int64) (OpenContract, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	m, ok := i.byAccount[accountID]
	if !ok {
		return OpenContract{}, false
	}
	c, ok := m[contractID]
	if !ok {
		return OpenContract{}, false
	}
	return *c, true
}

// MarkPosition applies a mark-to-market update from a streaming tick
func (i *Index) MarkPosition(accountID string, contractID int64, spot, unrealized float64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	m, ok := i.byAccount[accountID]
	if !ok {
		return false
	}
	c, ok := m[contractID]
	if !ok {
		return false
	}
	c.LastMarkPrice = spot
	c.UnrealizedPnL = unrealized
	return true
}

// ListAccount returns copies of all open contracts for an account
func (i *Index) ListAccount(accountID string) []OpenContract {
	i.mu.RLock()
	defer i.mu.RUnlock()
	m := i.byAccount[accountID]
	out := make([]OpenContract, 0, len(m))
	for _, c := range m {
		out = append(out, *c)
	}
	return out
}

// Exposure returns the stake total across open contracts for an account
func (i *Index) Exposure(accountID string) float64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	var sum float64
	for _, c := range i.byAccount[accountID] {
		sum += c.Stake
	}
	return sum
}

// Count returns the number of open contracts for an account
func (i *Index) Count(accountID string) int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.byAccount[accountID])
}
