package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"deriv-trading-core/internal/database"
	"deriv-trading-core/internal/logging"
)

// Replayer re-drives trade persistence for ledger rows that never reached
// SETTLED, typically after a crash between settlement and the trade write.
type Replayer struct {
	store Store
	fees  FeeConfig
	log   *logging.Logger
}

// NewReplayer creates a ledger replayer
func NewReplayer(store Store, fees FeeConfig) *Replayer {
	return &Replayer{
		store: store,
		fees:  fees,
		log:   logging.WithComponent("ledger-replay"),
	}
}

// RecoverUnsettled scans all non-SETTLED ledger rows in creation order and
// re-persists their trades from the stored payload. Rows whose trade already
// exists are marked SETTLED without re-persisting. Returns the number of
// rows re-persisted. Idempotent: a second run with no new rows returns 0.
func (r *Replayer) RecoverUnsettled(ctx context.Context) (int, error) {
	entries, err := r.store.ListUnsettledLedger(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to scan ledger: %w", err)
	}

	processed := 0
	for _, e := range entries {
		n, err := r.replayOne(ctx, e)
		if err != nil {
			r.log.Error("ledger replay failed for row",
				"correlation_id", e.CorrelationID, "error", err)
			if lerr := r.store.SetLedgerFailed(ctx, e.CorrelationID, err.Error()); lerr != nil {
				r.log.Error("failed to mark replayed row failed",
					"correlation_id", e.CorrelationID, "error", lerr)
			}
			continue
		}
		processed += n
	}
	if processed > 0 {
		r.log.Info("ledger replay completed", "processed", processed, "scanned", len(entries))
	}
	return processed, nil
}

func (r *Replayer) replayOne(ctx context.Context, e database.LedgerEntry) (int, error) {
	if e.ContractID != 0 {
		existing, err := r.store.GetTrade(ctx, e.AccountID, e.ContractID)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			// Trade already landed; the row just missed its state transition.
			return 0, r.store.SetLedgerSettled(ctx, e.CorrelationID, e.GrossPnL, e.Fees, e.NetPnL)
		}
	}

	if len(e.TradePayload) == 0 {
		return 0, fmt.Errorf("ledger row has no trade payload")
	}
	var o Outcome
	if err := json.Unmarshal(e.TradePayload, &o); err != nil {
		return 0, fmt.Errorf("failed to decode trade payload: %w", err)
	}

	fees := r.fees.Apply(o.Stake)
	netProfit := o.GrossProfit - fees
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
		CorrelationID: e.CorrelationID,
		OpenedAt:      o.OpenedAt,
		SettledAt:     &now,
	}
	if err := r.store.UpsertTrade(ctx, trade); err != nil {
		return 0, err
	}
	if err := r.store.SetLedgerSettled(ctx, e.CorrelationID, o.GrossProfit, fees, netProfit); err != nil {
		return 0, err
	}
	return 1, nil
}
