package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"deriv-trading-core/internal/risk"
)

// Repository provides data access for the execution core
type Repository struct {
	db *DB
}

// NewRepository creates a repository over the connection pool
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// ---- trades ----

// UpsertTrade inserts or updates a trade row keyed by (account_id, contract_id).
// Settlement fields only move forward: an already-settled row is not reopened.
func (r *Repository) UpsertTrade(ctx context.Context, t *Trade) error {
	query := `
		INSERT INTO trades (account_id, contract_id, symbol, direction, stake, buy_price,
			payout, gross_profit, fees, net_profit, status, bot_run_id, correlation_id,
			opened_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (account_id, contract_id) DO UPDATE SET
			gross_profit = EXCLUDED.gross_profit,
			fees = EXCLUDED.fees,
			net_profit = EXCLUDED.net_profit,
			status = CASE WHEN trades.status = 'settled' THEN trades.status ELSE EXCLUDED.status END,
			settled_at = COALESCE(trades.settled_at, EXCLUDED.settled_at),
			updated_at = CURRENT_TIMESTAMP
		RETURNING id`

	err := r.db.Pool.QueryRow(ctx, query,
		t.AccountID, t.ContractID, t.Symbol, t.Direction, t.Stake, t.BuyPrice,
		t.Payout, t.GrossProfit, t.Fees, t.NetProfit, t.Status,
		nullIfEmpty(t.BotRunID), nullIfEmpty(t.CorrelationID), t.OpenedAt, t.SettledAt,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert trade: %w", err)
	}
	return nil
}

// GetTrade returns the trade row for (account, contract), or nil if absent
func (r *Repository) GetTrade(ctx context.Context, accountID string, contractID int64) (*Trade, error) {
	query := `
		SELECT id, account_id, contract_id, symbol, direction, stake, buy_price,
			COALESCE(payout, 0), COALESCE(gross_profit, 0), fees, COALESCE(net_profit, 0),
			status, COALESCE(bot_run_id, ''), COALESCE(correlation_id, ''),
			opened_at, settled_at, created_at, updated_at
		FROM trades WHERE account_id = $1 AND contract_id = $2`

	t := &Trade{}
	err := r.db.Pool.QueryRow(ctx, query, accountID, contractID).Scan(
		&t.ID, &t.AccountID, &t.ContractID, &t.Symbol, &t.Direction, &t.Stake, &t.BuyPrice,
		&t.Payout, &t.GrossProfit, &t.Fees, &t.NetProfit,
		&t.Status, &t.BotRunID, &t.CorrelationID,
		&t.OpenedAt, &t.SettledAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return t, nil
}

// ---- order status / notifications ----

// InsertOrderStatus appends one lifecycle event row
func (r *Repository) InsertOrderStatus(ctx context.Context, s *OrderStatus) error {
	query := `
		INSERT INTO order_status (account_id, contract_id, correlation_id, event, details)
		VALUES ($1, $2, $3, $4, $5)`

	var contractID interface{}
	if s.ContractID != 0 {
		contractID = s.ContractID
	}
	_, err := r.db.Pool.Exec(ctx, query,
		s.AccountID, contractID, nullIfEmpty(s.CorrelationID), s.Event, s.Details)
	if err != nil {
		return fmt.Errorf("failed to insert order status: %w", err)
	}
	return nil
}

// InsertNotification appends one user-facing notification row
func (r *Repository) InsertNotification(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (account_id, type, title, message, payload)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.Pool.Exec(ctx, query, n.AccountID, n.Type, n.Title, n.Message, n.Payload)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ---- execution ledger ----

// EnsureLedgerPending inserts a PENDING ledger row for the correlation id if
// none exists. Returns false when a row was already present, which is the
// idempotency signal for settlement replays.
func (r *Repository) EnsureLedgerPending(ctx context.Context, e *LedgerEntry) (bool, error) {
	query := `
		INSERT INTO execution_ledger (correlation_id, account_id, symbol, contract_id,
			gross_pnl, fees, net_pnl, state, trade_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING', $8)
		ON CONFLICT (correlation_id) DO NOTHING`

	var contractID interface{}
	if e.ContractID != 0 {
		contractID = e.ContractID
	}
	tag, err := r.db.Pool.Exec(ctx, query,
		e.CorrelationID, e.AccountID, e.Symbol, contractID,
		e.GrossPnL, e.Fees, e.NetPnL, e.TradePayload)
	if err != nil {
		return false, fmt.Errorf("failed to insert ledger row: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetLedgerSettled transitions a ledger row to SETTLED with its final P&L
func (r *Repository) SetLedgerSettled(ctx context.Context, correlationID string, grossPnL, fees, netPnL float64) error {
	query := `
		UPDATE execution_ledger
		SET state = 'SETTLED', gross_pnl = $2, fees = $3, net_pnl = $4,
			failure_reason = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE correlation_id = $1`

	tag, err := r.db.Pool.Exec(ctx, query, correlationID, grossPnL, fees, netPnL)
	if err != nil {
		return fmt.Errorf("failed to settle ledger row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ledger row not found for correlation id %s", correlationID)
	}
	return nil
}

// SetLedgerFailed transitions a ledger row to FAILED with a reason
func (r *Repository) SetLedgerFailed(ctx context.Context, correlationID, reason string) error {
	query := `
		UPDATE execution_ledger
		SET state = 'FAILED', failure_reason = $2, updated_at = CURRENT_TIMESTAMP
		WHERE correlation_id = $1`

	_, err := r.db.Pool.Exec(ctx, query, correlationID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark ledger row failed: %w", err)
	}
	return nil
}

// ListUnsettledLedger returns all non-SETTLED rows in creation order
func (r *Repository) ListUnsettledLedger(ctx context.Context) ([]LedgerEntry, error) {
	query := `
		SELECT id, correlation_id, account_id, symbol, COALESCE(contract_id, 0),
			COALESCE(gross_pnl, 0), fees, COALESCE(net_pnl, 0), state,
			trade_payload, COALESCE(failure_reason, ''), created_at, updated_at
		FROM execution_ledger
		WHERE state != 'SETTLED'
		ORDER BY created_at ASC`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled ledger rows: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(
			&e.ID, &e.CorrelationID, &e.AccountID, &e.Symbol, &e.ContractID,
			&e.GrossPnL, &e.Fees, &e.NetPnL, &e.State,
			&e.TradePayload, &e.FailureReason, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---- settings ----

// SetSetting upserts one (account, key) setting
func (r *Repository) SetSetting(ctx context.Context, accountID, key string, value json.RawMessage) error {
	query := `
		INSERT INTO settings (account_id, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, key) DO UPDATE SET
			value = EXCLUDED.value, updated_at = CURRENT_TIMESTAMP`

	_, err := r.db.Pool.Exec(ctx, query, accountID, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting returns one setting value, or nil if absent
func (r *Repository) GetSetting(ctx context.Context, accountID, key string) (json.RawMessage, error) {
	var value json.RawMessage
	err := r.db.Pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE account_id = $1 AND key = $2`,
		accountID, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// ---- bot runs ----

// ErrRunAlreadyActive is returned when an account already has a running bot run
var ErrRunAlreadyActive = errors.New("account already has a running bot run")

// StartBotRun inserts a running row; the partial unique index enforces at
// most one running run per account.
func (r *Repository) StartBotRun(ctx context.Context, run *BotRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	query := `
		INSERT INTO bot_runs (id, account_id, bot_id, run_status, started_at, config)
		VALUES ($1, $2, $3, 'running', $4, $5)`

	_, err := r.db.Pool.Exec(ctx, query, run.ID, run.AccountID, run.BotID, run.StartedAt, run.Config)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrRunAlreadyActive
		}
		return fmt.Errorf("failed to start bot run: %w", err)
	}
	run.RunStatus = RunStatusRunning
	return nil
}

// UpdateBotRunStatus moves a run to paused or stopped
func (r *Repository) UpdateBotRunStatus(ctx context.Context, runID, status string) error {
	query := `
		UPDATE bot_runs
		SET run_status = $2,
			stopped_at = CASE WHEN $2 = 'stopped' THEN CURRENT_TIMESTAMP ELSE stopped_at END
		WHERE id = $1`

	tag, err := r.db.Pool.Exec(ctx, query, runID, status)
	if err != nil {
		return fmt.Errorf("failed to update bot run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bot run %s not found", runID)
	}
	return nil
}

// GetRunningBotRun returns the account's running run, or nil
func (r *Repository) GetRunningBotRun(ctx context.Context, accountID string) (*BotRun, error) {
	query := `
		SELECT id, account_id, bot_id, run_status, started_at, stopped_at, config
		FROM bot_runs WHERE account_id = $1 AND run_status = 'running'`

	run := &BotRun{}
	err := r.db.Pool.QueryRow(ctx, query, accountID).Scan(
		&run.ID, &run.AccountID, &run.BotID, &run.RunStatus,
		&run.StartedAt, &run.StoppedAt, &run.Config)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get running bot run: %w", err)
	}
	return run, nil
}

// ---- neural weights ----

// UpsertNeuralWeights stores the serialized network for an account
func (r *Repository) UpsertNeuralWeights(ctx context.Context, accountID string, weights json.RawMessage) error {
	query := `
		INSERT INTO neural_weights (account_id, weights)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE SET
			weights = EXCLUDED.weights, updated_at = CURRENT_TIMESTAMP`

	_, err := r.db.Pool.Exec(ctx, query, accountID, weights)
	if err != nil {
		return fmt.Errorf("failed to upsert neural weights: %w", err)
	}
	return nil
}

// ListNeuralWeights returns all stored networks, for startup hydration
func (r *Repository) ListNeuralWeights(ctx context.Context) ([]NeuralWeights, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT account_id, weights, updated_at FROM neural_weights`)
	if err != nil {
		return nil, fmt.Errorf("failed to list neural weights: %w", err)
	}
	defer rows.Close()

	var out []NeuralWeights
	for rows.Next() {
		var w NeuralWeights
		if err := rows.Scan(&w.AccountID, &w.Weights, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan neural weights: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ---- risk policies ----

// GetRiskPolicy returns the policy for (account, run), falling back to the
// account-wide policy, then nil when none is stored.
func (r *Repository) GetRiskPolicy(ctx context.Context, accountID, botRunID string) (*risk.Policy, error) {
	query := `
		SELECT policy FROM risk_policies
		WHERE account_id = $1 AND bot_run_id IN ($2, '')
		ORDER BY bot_run_id DESC
		LIMIT 1`

	var raw json.RawMessage
	err := r.db.Pool.QueryRow(ctx, query, accountID, botRunID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk policy: %w", err)
	}

	policy := &risk.Policy{}
	if err := json.Unmarshal(raw, policy); err != nil {
		return nil, fmt.Errorf("failed to decode risk policy: %w", err)
	}
	return policy, nil
}

// SetRiskPolicy upserts the policy for (account, run); empty run id means
// the account-wide default.
func (r *Repository) SetRiskPolicy(ctx context.Context, accountID, botRunID string, policy *risk.Policy) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to encode risk policy: %w", err)
	}
	query := `
		INSERT INTO risk_policies (account_id, bot_run_id, policy)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, bot_run_id) DO UPDATE SET
			policy = EXCLUDED.policy, updated_at = CURRENT_TIMESTAMP`

	if _, err := r.db.Pool.Exec(ctx, query, accountID, botRunID, raw); err != nil {
		return fmt.Errorf("failed to set risk policy: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}
