package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"deriv-trading-core/internal/contracts"
	"deriv-trading-core/internal/database"
	"deriv-trading-core/internal/deriv"
	"deriv-trading-core/internal/events"
	"deriv-trading-core/internal/metrics"
	"deriv-trading-core/internal/persist"
)

// ContractSession is the slice of the broker session the tracker uses
type ContractSession interface {
	SubscribeContract(ctx context.Context, contractID int64, timeout time.Duration) (*deriv.Response, error)
	ForgetContract(ctx context.Context, contractID int64) error
	RegisterStreamingListener(fn deriv.StreamListener) int64
	UnregisterStreamingListener(id int64)
}

// StuckRecorder records contracts that never settled within the timeout
type StuckRecorder interface {
	RecordStuckOrder(accountID string)
}

// TrackerConfig bounds settlement tracking
type TrackerConfig struct {
	MinTimeout           time.Duration
	MaxTimeout           time.Duration
	Buffer               time.Duration
	SubscribeMaxAttempts int
	SubscribeBaseBackoff time.Duration
	SubscribeMaxBackoff  time.Duration
	RequestTimeout       time.Duration
}

// DefaultTrackerConfig returns the stock settlement bounds
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MinTimeout:           30 * time.Second,
		MaxTimeout:           10 * time.Minute,
		Buffer:               30 * time.Second,
		SubscribeMaxAttempts: 3,
		SubscribeBaseBackoff: 500 * time.Millisecond,
		SubscribeMaxBackoff:  5 * time.Second,
		RequestTimeout:       10 * time.Second,
	}
}

// TrackedContract describes one bought contract to follow to settlement
type TrackedContract struct {
	AccountID     string
	ContractID    int64
	Symbol        string
	Direction     string
	Stake         float64
	BuyPrice      float64
	Payout        float64
	BotRunID      string
	CorrelationID string
	Duration      int
	DurationUnit  string
	OpenedAt      time.Time
}

// Tracker follows bought contracts until they settle or time out
type Tracker struct {
	cfg       TrackerConfig
	finalizer *Finalizer
	risk      RiskRecorder
	stuck     StuckRecorder
	index     *contracts.Index
	pnl       *contracts.PnLTracker
	pool      *persist.Pool
	store     Store
	bus       *events.EventBus
	log       zerolog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewTracker wires the settlement tracker
func NewTracker(cfg TrackerConfig, finalizer *Finalizer, risk RiskRecorder, stuck StuckRecorder, index *contracts.Index, pnl *contracts.PnLTracker, pool *persist.Pool, store Store, bus *events.EventBus, log zerolog.Logger) *Tracker {
	if cfg.SubscribeMaxAttempts <= 0 {
		cfg.SubscribeMaxAttempts = 1
	}
	return &Tracker{
		cfg:       cfg,
		finalizer: finalizer,
		risk:      risk,
		stuck:     stuck,
		index:     index,
		pnl:       pnl,
		pool:      pool,
		store:     store,
		bus:       bus,
		log:       log.With().Str("component", "settlement-tracker").Logger(),
		pending:   make(map[string]struct{}),
	}
}

// durationToMS translates a contract duration to milliseconds. Ticks are
// estimated at one second each.
func durationToMS(duration int, unit string) time.Duration {
	d := time.Duration(duration)
	switch unit {
	case "t", "s":
		return d * time.Second
	case "m":
		return d * time.Minute
	case "h":
		return d * time.Hour
	case "d":
		return d * 24 * time.Hour
	default:
		return d * time.Second
	}
}

// settlementTimeout clamps duration+buffer into the configured window
func (t *Tracker) settlementTimeout(tc TrackedContract) time.Duration {
	timeout := durationToMS(tc.Duration, tc.DurationUnit) + t.cfg.Buffer
	if timeout < t.cfg.MinTimeout {
		timeout = t.cfg.MinTimeout
	}
	if timeout > t.cfg.MaxTimeout {
		timeout = t.cfg.MaxTimeout
	}
	return timeout
}

// PendingCount returns the number of contracts being tracked
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) setPending(key string) {
	t.mu.Lock()
	t.pending[key] = struct{}{}
	t.mu.Unlock()
}

func (t *Tracker) clearPending(key string) {
	t.mu.Lock()
	delete(t.pending, key)
	t.mu.Unlock()
}

// Track follows one contract to settlement. It blocks until the contract
// settles, the timeout elapses or ctx is cancelled; callers run it on its
// own goroutine. Errors never propagate past this method.
func (t *Tracker) Track(ctx context.Context, session ContractSession, tc TrackedContract) {
	key := fmt.Sprintf("%s:%d", tc.AccountID, tc.ContractID)
	t.setPending(key)
	defer t.clearPending(key)

	log := t.log.With().
		Str("account_id", tc.AccountID).
		Int64("contract_id", tc.ContractID).
		Logger()

	resp, err := t.subscribeWithRetry(ctx, session, tc.ContractID)
	if err != nil {
		log.Error().Err(err).Msg("contract subscription failed, abandoning settlement tracking")
		t.markStuck(tc, 0)
		return
	}
	defer func() {
		// Best effort; the broker drops subscriptions with the socket anyway.
		forgetCtx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
		_ = session.ForgetContract(forgetCtx, tc.ContractID)
		cancel()
	}()

	// The subscribe ack may already carry the settled state
	if u := resp.ProposalOpenContract; u != nil && bool(u.IsSold) {
		t.resolve(tc, u)
		return
	}

	resolved := make(chan *deriv.ContractUpdate, 1)
	listenerID := session.RegisterStreamingListener(func(r *deriv.Response) {
		u := r.ProposalOpenContract
		if u == nil || u.ContractID != tc.ContractID {
			return
		}
		if !bool(u.IsSold) {
			t.index.MarkPosition(tc.AccountID, tc.ContractID, u.CurrentSpot, u.Profit)
			if t.pnl != nil {
				t.pnl.Mark(tc.AccountID, tc.ContractID, u.Profit)
			}
			return
		}
		select {
		case resolved <- u:
		default:
		}
	})
	defer session.UnregisterStreamingListener(listenerID)

	timeout := t.settlementTimeout(tc)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case u := <-resolved:
		t.resolve(tc, u)
	case <-timer.C:
		log.Warn().Dur("waited", timeout).Msg("contract never settled, recording stuck order")
		t.markStuck(tc, timeout)
	case <-ctx.Done():
		log.Info().Msg("settlement tracking cancelled")
	}
}

func (t *Tracker) subscribeWithRetry(ctx context.Context, session ContractSession, contractID int64) (*deriv.Response, error) {
	backoff := t.cfg.SubscribeBaseBackoff
	var lastErr error
	for attempt := 1; attempt <= t.cfg.SubscribeMaxAttempts; attempt++ {
		resp, err := session.SubscribeContract(ctx, contractID, t.cfg.RequestTimeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !deriv.IsRetryable(err) {
			return nil, err
		}
		if attempt == t.cfg.SubscribeMaxAttempts {
			break
		}
		t.log.Warn().Err(err).Int("attempt", attempt).Msg("contract subscribe failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > t.cfg.SubscribeMaxBackoff {
			backoff = t.cfg.SubscribeMaxBackoff
		}
	}
	return nil, lastErr
}

func (t *Tracker) resolve(tc TrackedContract, u *deriv.ContractUpdate) {
	outcome := Outcome{
		AccountID:     tc.AccountID,
		ContractID:    tc.ContractID,
		Symbol:        tc.Symbol,
		Direction:     tc.Direction,
		Stake:         tc.Stake,
		BuyPrice:      tc.BuyPrice,
		Payout:        u.Payout,
		GrossProfit:   u.Profit,
		BotRunID:      tc.BotRunID,
		CorrelationID: tc.CorrelationID,
		OpenedAt:      tc.OpenedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := t.finalizer.Finalize(ctx, outcome); err != nil {
		t.log.Error().Err(err).
			Str("account_id", tc.AccountID).
			Int64("contract_id", tc.ContractID).
			Msg("settlement finalization failed")
	}
}

// markStuck releases the contract's risk reservation without touching
// streaks and records the stuck order.
func (t *Tracker) markStuck(tc TrackedContract, waited time.Duration) {
	metrics.StuckOrders.Inc()
	if t.stuck != nil {
		t.stuck.RecordStuckOrder(tc.AccountID)
	}
	t.risk.RecordFailedAttempt(tc.AccountID, tc.Stake)
	t.index.Remove(tc.AccountID, tc.ContractID)
	if t.bus != nil {
		t.bus.PublishStuckOrder(tc.AccountID, tc.ContractID, waited)
	}
	if t.pool != nil && t.store != nil {
		details, _ := json.Marshal(map[string]interface{}{
			"contract_id": tc.ContractID,
			"waited_ms":   waited.Milliseconds(),
			"reason":      "stuck_order",
		})
		t.pool.Submit("order_status.stuck", func(ctx context.Context) error {
			return t.store.InsertOrderStatus(ctx, &database.OrderStatus{
				AccountID:     tc.AccountID,
				ContractID:    tc.ContractID,
				CorrelationID: tc.CorrelationID,
				Event:         database.EventError,
				Details:       details,
			})
		})
	}
}
