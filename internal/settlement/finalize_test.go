package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"deriv-trading-core/internal/contracts"
	"deriv-trading-core/internal/database"
	"deriv-trading-core/internal/events"
	"deriv-trading-core/internal/persist"
	"deriv-trading-core/internal/risk"
)

type fakeStore struct {
	mu            sync.Mutex
	ledger        map[string]*database.LedgerEntry
	trades        map[string]*database.Trade
	orderStatuses []database.OrderStatus
	notifications []database.Notification
	upsertErr     error
	upsertCalls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ledger: make(map[string]*database.LedgerEntry),
		trades: make(map[string]*database.Trade),
	}
}

func tradeKey(accountID string, contractID int64) string {
	return fmt.Sprintf("%s:%d", accountID, contractID)
}

func (s *fakeStore) EnsureLedgerPending(ctx context.Context, e *database.LedgerEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledger[e.CorrelationID]; ok {
		return false, nil
	}
	cp := *e
	cp.State = database.LedgerPending
	s.ledger[e.CorrelationID] = &cp
	return true, nil
}

func (s *fakeStore) SetLedgerSettled(ctx context.Context, correlationID string, grossPnL, fees, netPnL float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ledger[correlationID]
	if !ok {
		return errors.New("ledger row missing")
	}
	e.State = database.LedgerSettled
	e.GrossPnL, e.Fees, e.NetPnL = grossPnL, fees, netPnL
	return nil
}

func (s *fakeStore) SetLedgerFailed(ctx context.Context, correlationID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ledger[correlationID]
	if !ok {
		return errors.New("ledger row missing")
	}
	e.State = database.LedgerFailed
	e.FailureReason = reason
	return nil
}

func (s *fakeStore) UpsertTrade(ctx context.Context, t *database.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls++
	if s.upsertErr != nil {
		return s.upsertErr
	}
	cp := *t
	s.trades[tradeKey(t.AccountID, t.ContractID)] = &cp
	return nil
}

func (s *fakeStore) GetTrade(ctx context.Context, accountID string, contractID int64) (*database.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[tradeKey(accountID, contractID)]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) ListUnsettledLedger(ctx context.Context) ([]database.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.LedgerEntry
	for _, e := range s.ledger {
		if e.State != database.LedgerSettled {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertOrderStatus(ctx context.Context, st *database.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderStatuses = append(s.orderStatuses, *st)
	return nil
}

func (s *fakeStore) InsertNotification(ctx context.Context, n *database.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, *n)
	return nil
}

func (s *fakeStore) ledgerState(correlationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ledger[correlationID]
	if !ok {
		return ""
	}
	return e.State
}

func testOutcome() Outcome {
	return Outcome{
		AccountID:   "A",
		ContractID:  7,
		Symbol:      "R_100",
		Direction:   "CALL",
		Stake:       2,
		BuyPrice:    2,
		Payout:      3.9,
		GrossProfit: 1.9,
		OpenedAt:    time.Now(),
	}
}

func testFinalizer(store *fakeStore, pool *persist.Pool) (*Finalizer, *risk.Cache, *contracts.Index) {
	cache := risk.NewCache()
	cache.Initialize("A", 1000)
	cache.RecordOpened("A", 2, risk.OpenLimits{})

	index := contracts.NewIndex()
	index.Add(contracts.OpenContract{AccountID: "A", ContractID: 7, Symbol: "R_100", Stake: 2})

	pnl := contracts.NewPnLTracker()
	pnl.RegisterOpen(contracts.OpenContract{AccountID: "A", ContractID: 7, Stake: 2})

	f := NewFinalizer(NewKeyedLock(time.Second), store, cache, index, pnl, pool, nil, FeeConfig{})
	return f, cache, index
}

func TestFinalizeAppliesPnLOnce(t *testing.T) {
	store := newFakeStore()
	f, cache, index := testFinalizer(store, nil)

	if err := f.Finalize(context.Background(), testOutcome()); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	corr := "settlement:A:7"
	if got := store.ledgerState(corr); got != database.LedgerSettled {
		t.Fatalf("ledger state = %q, want SETTLED", got)
	}
	e, _ := cache.Snapshot("A")
	if e.Equity != 1001.9 {
		t.Fatalf("equity = %v, want 1001.9", e.Equity)
	}
	if e.OpenTradeCount != 0 || e.OpenExposure != 0 {
		t.Fatalf("exposure not released: open=%d exposure=%v", e.OpenTradeCount, e.OpenExposure)
	}
	if index.Count("A") != 0 {
		t.Fatal("contract still in open index")
	}

	// Second finalize for the same contract must be a no-op on P&L
	if err := f.Finalize(context.Background(), testOutcome()); err != nil {
		t.Fatalf("second Finalize failed: %v", err)
	}
	e, _ = cache.Snapshot("A")
	if e.Equity != 1001.9 {
		t.Errorf("equity after replay = %v, P&L applied twice", e.Equity)
	}
	if store.upsertCalls != 1 {
		t.Errorf("trade upserts = %d, want 1", store.upsertCalls)
	}
}

func TestFinalizeUsesCallerCorrelationID(t *testing.T) {
	store := newFakeStore()
	f, _, _ := testFinalizer(store, nil)

	o := testOutcome()
	o.CorrelationID = "corr-42"
	if err := f.Finalize(context.Background(), o); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if got := store.ledgerState("corr-42"); got != database.LedgerSettled {
		t.Errorf("caller correlation id not honored, state = %q", got)
	}
}

func TestFinalizeAppliesFees(t *testing.T) {
	store := newFakeStore()
	cache := risk.NewCache()
	cache.Initialize("A", 1000)
	cache.RecordOpened("A", 10, risk.OpenLimits{})
	index := contracts.NewIndex()
	pnl := contracts.NewPnLTracker()

	// flat 0.1 plus 50bps on a 10 stake = 0.15
	f := NewFinalizer(NewKeyedLock(time.Second), store, cache, index, pnl, nil, nil, FeeConfig{Flat: 0.1, Bps: 50})

	o := testOutcome()
	o.Stake = 10
	o.GrossProfit = 5
	if err := f.Finalize(context.Background(), o); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	e, _ := cache.Snapshot("A")
	want := 1000 + 5 - 0.15
	if diff := e.Equity - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("equity = %v, want %v", e.Equity, want)
	}
}

func TestFinalizePublishesFullOutcome(t *testing.T) {
	store := newFakeStore()
	cache := risk.NewCache()
	cache.Initialize("A", 1000)
	cache.RecordOpened("A", 2, risk.OpenLimits{})
	index := contracts.NewIndex()
	pnl := contracts.NewPnLTracker()

	bus := events.NewEventBus()
	got := make(chan events.Event, 1)
	bus.Subscribe(events.EventContractSettled, func(e events.Event) {
		got <- e
	})

	f := NewFinalizer(NewKeyedLock(time.Second), store, cache, index, pnl, nil, bus, FeeConfig{})
	if err := f.Finalize(context.Background(), testOutcome()); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	select {
	case e := <-got:
		if e.AccountID != "A" {
			t.Fatalf("account = %q", e.AccountID)
		}
		if dir, _ := e.Data["direction"].(string); dir != "CALL" {
			t.Errorf("direction = %v, want CALL", e.Data["direction"])
		}
		if stake, _ := e.Data["stake"].(float64); stake != 2 {
			t.Errorf("stake = %v, want 2", e.Data["stake"])
		}
		if np, _ := e.Data["net_profit"].(float64); np != 1.9 {
			t.Errorf("net_profit = %v, want 1.9", e.Data["net_profit"])
		}
		if status, _ := e.Data["status"].(string); status != "won" {
			t.Errorf("status = %v, want won", e.Data["status"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("settled event not published")
	}
}

func TestFinalizeTradePersistFailureMarksLedgerFailed(t *testing.T) {
	store := newFakeStore()
	store.upsertErr = errors.New("db down")
	f, _, _ := testFinalizer(store, nil)

	err := f.Finalize(context.Background(), testOutcome())
	if err == nil {
		t.Fatal("Finalize must propagate trade persistence failure")
	}
	if got := store.ledgerState("settlement:A:7"); got != database.LedgerFailed {
		t.Errorf("ledger state = %q, want FAILED", got)
	}
}

func TestFinalizeEmitsStatusAndNotification(t *testing.T) {
	store := newFakeStore()
	pool := persist.NewPool(2, 16, time.Second)
	f, _, _ := testFinalizer(store, pool)

	if err := f.Finalize(context.Background(), testOutcome()); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	pool.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.orderStatuses) != 1 || store.orderStatuses[0].Event != database.EventContractSettled {
		t.Errorf("order statuses = %+v, want one contract_settled", store.orderStatuses)
	}
	if len(store.notifications) != 1 || store.notifications[0].Type != database.NotificationTradeResult {
		t.Errorf("notifications = %+v, want one trade_result", store.notifications)
	}
}
