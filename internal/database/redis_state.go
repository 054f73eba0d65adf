package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"deriv-trading-core/internal/risk"
)

// Redis key prefixes for hot state
const (
	// RiskStateKeyPrefix holds the latest risk cache entry per account.
	// Format: core:risk_state:{accountID}
	RiskStateKeyPrefix = "core:risk_state"

	// BalanceKeyPrefix holds the latest authoritative balance read per account.
	// Format: core:balance:{accountID}
	BalanceKeyPrefix = "core:balance"

	// DefaultStateTTL keeps snapshots around long enough to cover a restart
	// but lets abandoned accounts age out.
	DefaultStateTTL = 48 * time.Hour
)

// BalanceSnapshot is the cached authoritative balance read
type BalanceSnapshot struct {
	AccountID string    `json:"account_id"`
	Balance   float64   `json:"balance"`
	Currency  string    `json:"currency"`
	ReadAt    time.Time `json:"read_at"`
}

// RedisStateStore mirrors hot risk state and balance reads into Redis so a
// restart can hydrate without waiting for the first settlement.
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStateStore creates a state store; a nil client disables it
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client, ttl: DefaultStateTTL}
}

// Enabled reports whether a Redis client is wired
func (s *RedisStateStore) Enabled() bool {
	return s != nil && s.client != nil
}

// SaveRiskState stores the latest risk cache entry for an account
func (s *RedisStateStore) SaveRiskState(ctx context.Context, entry risk.Entry) error {
	if !s.Enabled() {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal risk state: %w", err)
	}
	key := fmt.Sprintf("%s:%s", RiskStateKeyPrefix, entry.AccountID)
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store risk state: %w", err)
	}
	return nil
}

// LoadRiskState returns the cached entry for an account, or nil on miss
func (s *RedisStateStore) LoadRiskState(ctx context.Context, accountID string) (*risk.Entry, error) {
	if !s.Enabled() {
		return nil, nil
	}
	key := fmt.Sprintf("%s:%s", RiskStateKeyPrefix, accountID)
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load risk state: %w", err)
	}
	entry := &risk.Entry{}
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal risk state: %w", err)
	}
	return entry, nil
}

// SaveBalance stores the latest authoritative balance read
func (s *RedisStateStore) SaveBalance(ctx context.Context, snap BalanceSnapshot) error {
	if !s.Enabled() {
		return nil
	}
	if snap.ReadAt.IsZero() {
		snap.ReadAt = time.Now()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal balance snapshot: %w", err)
	}
	key := fmt.Sprintf("%s:%s", BalanceKeyPrefix, snap.AccountID)
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store balance snapshot: %w", err)
	}
	return nil
}

// LoadBalance returns the cached balance read for an account, or nil on miss
func (s *RedisStateStore) LoadBalance(ctx context.Context, accountID string) (*BalanceSnapshot, error) {
	if !s.Enabled() {
		return nil, nil
	}
	key := fmt.Sprintf("%s:%s", BalanceKeyPrefix, accountID)
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load balance snapshot: %w", err)
	}
	snap := &BalanceSnapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal balance snapshot: %w", err)
	}
	return snap, nil
}
