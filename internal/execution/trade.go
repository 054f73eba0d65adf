package execution

import (
	"context"
	"encoding/json"
	"time"

	"deriv-trading-core/internal/circuit"
	"deriv-trading-core/internal/contracts"
	"deriv-trading-core/internal/database"
	"deriv-trading-core/internal/events"
	"deriv-trading-core/internal/logging"
	"deriv-trading-core/internal/metrics"
	"deriv-trading-core/internal/persist"
	"deriv-trading-core/internal/risk"
	"deriv-trading-core/internal/settlement"
)

// TradeSession is the broker session slice the fast path needs: the order
// protocol plus contract tracking for the settlement follower.
type TradeSession interface {
	OrderSession
	settlement.ContractSession
}

// StatusStore persists order status rows off the hot path
type StatusStore interface {
	InsertOrderStatus(ctx context.Context, s *database.OrderStatus) error
}

// Result is the fast-path response, returned on buy ack. Settlement is
// handled asynchronously by the tracker.
type Result struct {
	ContractID      int64   `json:"contractId"`
	BuyPrice        float64 `json:"buyPrice"`
	Payout          float64 `json:"payout"`
	Status          string  `json:"status"`
	ExecutionTimeMS int64   `json:"executionTimeMs"`
}

// Trader is the public fast-path entry: gate, execute, index, then hand the
// contract to the settlement tracker.
type Trader struct {
	gate     *risk.Gate
	manager  *risk.Manager
	breakers *circuit.Registry
	engine   *Engine
	index    *contracts.Index
	pnl      *contracts.PnLTracker
	tracker  *settlement.Tracker
	pool     *persist.Pool
	store    StatusStore
	bus      *events.EventBus
	log      *logging.Logger
}

// NewTrader wires the fast path
func NewTrader(gate *risk.Gate, manager *risk.Manager, breakers *circuit.Registry, engine *Engine,
	index *contracts.Index, pnl *contracts.PnLTracker, tracker *settlement.Tracker,
	pool *persist.Pool, store StatusStore, bus *events.EventBus) *Trader {
	return &Trader{
		gate:     gate,
		manager:  manager,
		breakers: breakers,
		engine:   engine,
		index:    index,
		pnl:      pnl,
		tracker:  tracker,
		pool:     pool,
		store:    store,
		bus:      bus,
		log:      logging.WithComponent("fast-path"),
	}
}

// OpenTrade runs one signal through the gate and the order protocol. It
// returns on buy ack; the spawned tracker carries the contract to settlement.
// Gate denials come back as *risk.DeniedError, broker-path failures as *Error.
func (t *Trader) OpenTrade(ctx context.Context, session TradeSession, accountID, currency string, signal *risk.TradeSignal) (*Result, error) {
	trace := NewLatencyTrace()

	approval, err := t.gate.Approve(ctx, accountID, signal)
	if err != nil {
		return nil, err
	}
	trace.GateEndTs = time.Now()

	fill, err := t.engine.Execute(ctx, session, Order{
		AccountID: accountID,
		Currency:  currency,
		Signal:    signal,
		Stake:     approval.Stake,
		Trace:     trace,
	})
	if err != nil {
		t.failTrade(accountID, signal, approval.Stake, err)
		return nil, err
	}

	breaker := t.breakers.ForAccount(accountID)
	breaker.RecordSuccess()

	oc := contracts.OpenContract{
		ContractID: fill.ContractID,
		AccountID:  accountID,
		Symbol:     signal.Symbol,
		Direction:  signal.Direction,
		BuyPrice:   fill.BuyPrice,
		Payout:     fill.Payout,
		Stake:      approval.Stake,
		BotRunID:   signal.BotRunID,
		OpenedAt:   time.Now(),
	}
	t.index.Add(oc)
	t.pnl.RegisterOpen(oc)

	trace.Report()
	metrics.TradesExecuted.WithLabelValues("open").Inc()
	if t.bus != nil {
		t.bus.PublishTradeOpened(accountID, signal.Symbol, signal.Direction,
			fill.ContractID, approval.Stake, fill.BuyPrice, fill.Payout)
	}
	t.persistStatus(accountID, fill.ContractID, signal.CorrelationID, database.EventBuyConfirmed,
		map[string]interface{}{
			"buy_price": fill.BuyPrice,
			"payout":    fill.Payout,
			"stake":     approval.Stake,
		})

	go t.tracker.Track(context.Background(), session, settlement.TrackedContract{
		AccountID:     accountID,
		ContractID:    fill.ContractID,
		Symbol:        signal.Symbol,
		Direction:     signal.Direction,
		Stake:         approval.Stake,
		BuyPrice:      fill.BuyPrice,
		Payout:        fill.Payout,
		BotRunID:      signal.BotRunID,
		CorrelationID: signal.CorrelationID,
		Duration:      signal.Duration,
		DurationUnit:  signal.DurationUnit,
		OpenedAt:      oc.OpenedAt,
	})

	return &Result{
		ContractID:      fill.ContractID,
		BuyPrice:        fill.BuyPrice,
		Payout:          fill.Payout,
		Status:          "open",
		ExecutionTimeMS: trace.TotalMS(),
	}, nil
}

// failTrade rolls back the gate reservation and feeds the failure into the
// circuit breaker. Throttles do not count against the breaker.
func (t *Trader) failTrade(accountID string, signal *risk.TradeSignal, stake float64, err error) {
	t.gate.Release(accountID, stake)

	typed := Classify(err)
	metrics.ExecutionErrors.WithLabelValues(typed.Code).Inc()
	metrics.TradesExecuted.WithLabelValues("failed").Inc()

	switch typed.Code {
	case CodeSlippageExceeded:
		t.manager.RecordSlippageReject(accountID)
		t.persistStatus(accountID, 0, signal.CorrelationID, database.EventSlippageReject, typed.Context)
	case CodeProposalReject, CodeBuyReject:
		t.manager.RecordReject(accountID)
	}

	if typed.Code != CodeThrottle {
		t.breakers.ForAccount(accountID).RecordFailure(typed.Code)
	}

	t.log.Warn("trade failed",
		"account_id", accountID,
		"symbol", signal.Symbol,
		"code", typed.Code,
		"error", typed.Message)
}

// persistStatus writes an order status row off the hot path
func (t *Trader) persistStatus(accountID string, contractID int64, correlationID, event string, details map[string]interface{}) {
	if t.pool == nil || t.store == nil {
		return
	}
	payload, _ := json.Marshal(details)
	t.pool.Submit("order_status."+event, func(ctx context.Context) error {
		return t.store.InsertOrderStatus(ctx, &database.OrderStatus{
			AccountID:     accountID,
			ContractID:    contractID,
			CorrelationID: correlationID,
			Event:         event,
			Details:       payload,
		})
	})
}
