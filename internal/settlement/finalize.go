package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"deriv-trading-core/internal/contracts"
	"deriv-trading-core/internal/database"
	"deriv-trading-core/internal/events"
	"deriv-trading-core/internal/logging"
	"deriv-trading-core/internal/metrics"
	"deriv-trading-core/internal/persist"
)

// Finalization table bounds
const (
	finalizationTTL        = 6 * time.Hour
	finalizationMaxEntries = 10000
)

// Store is the persistence surface finalization needs
type Store interface {
	EnsureLedgerPending(ctx context.Context, e *database.LedgerEntry) (bool, error)
	SetLedgerSettled(ctx context.Context, correlationID string, grossPnL, fees, netPnL float64) error
	SetLedgerFailed(ctx context.Context, correlationID, reason string) error
	UpsertTrade(ctx context.Context, t *database.Trade) error
	GetTrade(ctx context.Context, accountID string, contractID int64) (*database.Trade, error)
	ListUnsettledLedger(ctx context.Context) ([]database.LedgerEntry, error)
	InsertOrderStatus(ctx context.Context, s *database.OrderStatus) error
	InsertNotification(ctx context.Context, n *database.Notification) error
}

// RiskRecorder applies settlement outcomes to the risk cache
type RiskRecorder interface {
	RecordSettled(accountID string, stake, netProfit float64, skipExposure bool)
	RecordFailedAttempt(accountID string, stake float64)
}

// FeeConfig prices each settled contract
type FeeConfig struct {
	Flat float64
	Bps  float64
}

// Apply returns the fee for a stake
func (f FeeConfig) Apply(stake float64) float64 {
	return f.Flat + stake*f.Bps/10000
}

// Outcome is everything finalize needs about one settled contract
type Outcome struct {
	AccountID     string    `json:"account_id"`
	ContractID    int64     `json:"contract_id"`
	Symbol        string    `json:"symbol"`
	Direction     string    `json:"direction"`
	Stake         float64   `json:"stake"`
	BuyPrice      float64   `json:"buy_price"`
	Payout        float64   `json:"payout"`
	GrossProfit   float64   `json:"gross_profit"`
	BotRunID      string    `json:"bot_run_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	OpenedAt      time.Time `json:"opened_at"`
}

type finalizationState struct {
	insertedAt     time.Time
	exposureClosed bool
	pnlApplied     bool
	finalized      bool
}

// finalizationTable guards against double-accounting per account:contract.
// Entries age out after a TTL; overflow is pruned oldest-first, lazily
// after any mutation.
type finalizationTable struct {
	mu      sync.Mutex
	entries map[string]*finalizationState
	order   []string
}

func newFinalizationTable() *finalizationTable {
	return &finalizationTable{entries: make(map[string]*finalizationState)}
}

func (t *finalizationTable) get(key string) *finalizationState {
	s, ok := t.entries[key]
	if !ok {
		s = &finalizationState{insertedAt: time.Now()}
		t.entries[key] = s
		t.order = append(t.order, key)
	}
	return s
}

func (t *finalizationTable) pruneLocked() {
	cutoff := time.Now().Add(-finalizationTTL)
	kept := t.order[:0]
	for _, key := range t.order {
		s, ok := t.entries[key]
		if !ok {
			continue
		}
		if s.insertedAt.Before(cutoff) {
			delete(t.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	t.order = kept

	for len(t.order) > finalizationMaxEntries {
		delete(t.entries, t.order[0])
		t.order = t.order[1:]
	}
}

// Finalizer applies settlement outcomes exactly once under a per-contract lock
type Finalizer struct {
	lock   *KeyedLock
	store  Store
	risk   RiskRecorder
	index  *contracts.Index
	pnl    *contracts.PnLTracker
	pool   *persist.Pool
	bus    *events.EventBus
	fees   FeeConfig
	states *finalizationTable
	log    *logging.Logger
}

// NewFinalizer wires the finalization path
func NewFinalizer(lock *KeyedLock, store Store, risk RiskRecorder, index *contracts.Index, pnl *contracts.PnLTracker, pool *persist.Pool, bus *events.EventBus, fees FeeConfig) *Finalizer {
	return &Finalizer{
		lock:   lock,
		store:  store,
		risk:   risk,
		index:  index,
		pnl:    pnl,
		pool:   pool,
		bus:    bus,
		fees:   fees,
		states: newFinalizationTable(),
		log:    logging.WithComponent("settlement"),
	}
}

// CorrelationID returns the outcome's id, synthesizing a deterministic one
// when the caller supplied none.
func (o *Outcome) correlationID() string {
	if o.CorrelationID != "" {
		return o.CorrelationID
	}
	return fmt.Sprintf("settlement:%s:%d", o.AccountID, o.ContractID)
}

// Finalize settles one contract's outcome. Safe to call more than once for
// the same contract: P&L is applied at most once and the ledger row is
// unique on correlation id.
func (f *Finalizer) Finalize(ctx context.Context, o Outcome) error {
	key := fmt.Sprintf("%s:%d", o.AccountID, o.ContractID)
	return f.lock.WithLock(key, func() error {
		return f.finalizeLocked(ctx, key, o)
	})
}

func (f *Finalizer) finalizeLocked(ctx context.Context, key string, o Outcome) error {
	fees := f.fees.Apply(o.Stake)
	netProfit := o.GrossProfit - fees
	correlationID := o.correlationID()

	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode trade payload: %w", err)
	}
	if _, err := f.store.EnsureLedgerPending(ctx, &database.LedgerEntry{
		CorrelationID: correlationID,
		AccountID:     o.AccountID,
		Symbol:        o.Symbol,
		ContractID:    o.ContractID,
		GrossPnL:      o.GrossProfit,
		Fees:          fees,
		NetPnL:        netProfit,
		TradePayload:  payload,
	}); err != nil {
		return err
	}

	f.states.mu.Lock()
	state := f.states.get(key)
	alreadyApplied := state.pnlApplied
	if !alreadyApplied {
		state.pnlApplied = true
		state.exposureClosed = true
	}
	f.states.pruneLocked()
	f.states.mu.Unlock()

	if alreadyApplied {
		f.log.Debug("settlement already applied, marking ledger settled",
			"account_id", o.AccountID, "contract_id", o.ContractID)
		return f.store.SetLedgerSettled(ctx, correlationID, o.GrossProfit, fees, netProfit)
	}

	if err := f.applyAndPersist(ctx, key, o, correlationID, fees, netProfit); err != nil {
		if lerr := f.store.SetLedgerFailed(ctx, correlationID, err.Error()); lerr != nil {
			f.log.Error("failed to mark ledger row failed",
				"correlation_id", correlationID, "error", lerr)
		}
		metrics.SettlementsFinalized.WithLabelValues("failed").Inc()
		return err
	}

	metrics.SettlementsFinalized.WithLabelValues("settled").Inc()
	return nil
}

func (f *Finalizer) applyAndPersist(ctx context.Context, key string, o Outcome, correlationID string, fees, netProfit float64) error {
	f.risk.RecordSettled(o.AccountID, o.Stake, netProfit, false)
	f.index.Remove(o.AccountID, o.ContractID)
	f.pnl.Settle(o.AccountID, o.ContractID, o.Stake, netProfit)

	now := time.Now()
	trade := &database.Trade{
		AccountID:     o.AccountID,
		ContractID:    o.ContractID,
		Symbol:        o.Symbol,
		Direction:     o.Direction,
		Stake:         o.Stake,
		BuyPrice:      o.BuyPrice,
		Payout:        o.Payout,
		GrossProfit:   o.GrossProfit,
		Fees:          fees,
		NetProfit:     netProfit,
		Status:        database.TradeStatusSettled,
		BotRunID:      o.BotRunID,
		CorrelationID: correlationID,
		OpenedAt:      o.OpenedAt,
		SettledAt:     &now,
	}
	if err := f.store.UpsertTrade(ctx, trade); err != nil {
		return err
	}
	if err := f.store.SetLedgerSettled(ctx, correlationID, o.GrossProfit, fees, netProfit); err != nil {
		return err
	}

	f.states.mu.Lock()
	f.states.get(key).finalized = true
	f.states.mu.Unlock()

	f.notify(o, netProfit)
	if f.bus != nil {
		status := "won"
		if netProfit < 0 {
			status = "lost"
		}
		f.bus.PublishContractSettled(o.AccountID, o.Symbol, o.Direction, o.ContractID, o.Stake, netProfit, status)
	}
	return nil
}

// notify writes the contract_settled status and user notification on the
// persistence pool. Failures here are logged, never propagated.
func (f *Finalizer) notify(o Outcome, netProfit float64) {
	if f.pool == nil {
		return
	}
	details, _ := json.Marshal(map[string]interface{}{
		"contract_id": o.ContractID,
		"symbol":      o.Symbol,
		"net_profit":  netProfit,
	})
	f.pool.Submit("order_status.contract_settled", func(ctx context.Context) error {
		return f.store.InsertOrderStatus(ctx, &database.OrderStatus{
			AccountID:     o.AccountID,
			ContractID:    o.ContractID,
			CorrelationID: o.correlationID(),
			Event:         database.EventContractSettled,
			Details:       details,
		})
	})

	result := "won"
	if netProfit < 0 {
		result = "lost"
	}
	f.pool.Submit("notification.trade_result", func(ctx context.Context) error {
		return f.store.InsertNotification(ctx, &database.Notification{
			AccountID: o.AccountID,
			Type:      database.NotificationTradeResult,
			Title:     fmt.Sprintf("Contract %d %s", o.ContractID, result),
			Message:   fmt.Sprintf("%s %s settled with net P&L %.2f", o.Symbol, o.Direction, netProfit),
			Payload:   details,
		})
	})
}
