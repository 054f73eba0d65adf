// Package notification fans user-facing messages out to external providers.
// Delivery is best-effort and must never block the trading path.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"deriv-trading-core/config"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyTradeOpen  NotificationType = "trade_open"
	NotifyTradeClose NotificationType = "trade_close"
	NotifyStuckOrder NotificationType = "stuck_order"
	NotifyError      NotificationType = "error"
	NotifyInfo       NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	AccountID string
	Title     string
	Message   string
	Symbol    string
	PnL       float64
	Timestamp time.Time
	Extra     map[string]interface{}
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	enabled   bool
}

// NewManager creates a new notification manager
func NewManager(enabled bool) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   enabled,
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}

	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(notification); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// SendTradeOpen sends a contract opened notification
func (m *Manager) SendTradeOpen(accountID, symbol, direction string, stake, buyPrice, payout float64) error {
	return m.Send(&Notification{
		Type:      NotifyTradeOpen,
		AccountID: accountID,
		Title:     fmt.Sprintf("Trade Opened: %s", symbol),
		Message:   fmt.Sprintf("%s %s\nStake: %.2f\nBuy: %.2f | Payout: %.2f", direction, symbol, stake, buyPrice, payout),
		Symbol:    symbol,
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"direction": direction,
			"stake":     stake,
		},
	})
}

// SendTradeResult sends a settlement notification
func (m *Manager) SendTradeResult(accountID, symbol, direction string, stake, netProfit float64) error {
	verdict := "Won"
	if netProfit < 0 {
		verdict = "Lost"
	}
	return m.Send(&Notification{
		Type:      NotifyTradeClose,
		AccountID: accountID,
		Title:     fmt.Sprintf("Trade %s: %s", verdict, symbol),
		Message:   fmt.Sprintf("%s %s\nStake: %.2f\nNet P&L: %+.2f", direction, symbol, stake, netProfit),
		Symbol:    symbol,
		PnL:       netProfit,
		Timestamp: time.Now(),
	})
}

// SendStuckOrder flags a contract whose settlement tracking timed out
func (m *Manager) SendStuckOrder(accountID string, contractID int64, waited time.Duration) error {
	return m.Send(&Notification{
		Type:      NotifyStuckOrder,
		AccountID: accountID,
		Title:     "Stuck Order",
		Message:   fmt.Sprintf("Contract %d produced no settlement after %s. Manual reconciliation needed.", contractID, waited),
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"contract_id": contractID,
			"waited_ms":   waited.Milliseconds(),
		},
	})
}

// SendError sends an error notification
func (m *Manager) SendError(accountID, title, message string) error {
	return m.Send(&Notification{
		Type:      NotifyError,
		AccountID: accountID,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}
