package database

import (
	"encoding/json"
	"time"
)

// Trade statuses
const (
	TradeStatusOpen    = "open"
	TradeStatusSettled = "settled"
)

// Ledger states
const (
	LedgerPending = "PENDING"
	LedgerSettled = "SETTLED"
	LedgerFailed  = "FAILED"
)

// Order status events
const (
	EventProposalRequested = "proposal_requested"
	EventProposalReceived  = "proposal_received"
	EventBuySent           = "buy_sent"
	EventBuyConfirmed      = "buy_confirmed"
	EventSlippageReject    = "slippage_reject"
	EventContractSettled   = "contract_settled"
	EventError             = "error"
)

// Notification types
const (
	NotificationOrderStatus = "order_status"
	NotificationTradeResult = "trade_result"
)

// Bot run statuses
const (
	RunStatusRunning = "running"
	RunStatusPaused  = "paused"
	RunStatusStopped = "stopped"
)

// Trade is one contract's lifecycle row, unique per (account, contract)
type Trade struct {
	ID            int64      `json:"id"`
	AccountID     string     `json:"account_id"`
	ContractID    int64      `json:"contract_id"`
	Symbol        string     `json:"symbol"`
	Direction     string     `json:"direction"`
	Stake         float64    `json:"stake"`
	BuyPrice      float64    `json:"buy_price"`
	Payout        float64    `json:"payout"`
	GrossProfit   float64    `json:"gross_profit"`
	Fees          float64    `json:"fees"`
	NetProfit     float64    `json:"net_profit"`
	Status        string     `json:"status"`
	BotRunID      string     `json:"bot_run_id,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	OpenedAt      time.Time  `json:"opened_at"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// OrderStatus is one append-only lifecycle event
type OrderStatus struct {
	ID            int64           `json:"id"`
	AccountID     string          `json:"account_id"`
	ContractID    int64           `json:"contract_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Event         string          `json:"event"`
	Details       json.RawMessage `json:"details,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Notification is one user-facing message row
type Notification struct {
	ID        int64           `json:"id"`
	AccountID string          `json:"account_id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// LedgerEntry is the authoritative idempotency record for one execution.
// correlation_id is unique; state moves PENDING to SETTLED or FAILED.
type LedgerEntry struct {
	ID            int64           `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	ContractID    int64           `json:"contract_id,omitempty"`
	GrossPnL      float64         `json:"gross_pnl"`
	Fees          float64         `json:"fees"`
	NetPnL        float64         `json:"net_pnl"`
	State         string          `json:"state"`
	TradePayload  json.RawMessage `json:"trade_payload,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// BotRun is one strategy run lifecycle row
type BotRun struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	BotID     string          `json:"bot_id"`
	RunStatus string          `json:"run_status"`
	StartedAt time.Time       `json:"started_at"`
	StoppedAt *time.Time      `json:"stopped_at,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
}

// NeuralWeights is the persisted network state for one account
type NeuralWeights struct {
	AccountID string          `json:"account_id"`
	Weights   json.RawMessage `json:"weights"`
	UpdatedAt time.Time       `json:"updated_at"`
}
