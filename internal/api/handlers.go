package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"deriv-trading-core/internal/database"
	"deriv-trading-core/internal/execution"
	"deriv-trading-core/internal/risk"
	"deriv-trading-core/internal/vault"
)

// TradeRequest is the fast-path entry payload. The broker token is either
// carried inline or resolved from Vault by account id.
type TradeRequest struct {
	Signal   risk.TradeSignal `json:"signal"`
	Currency string           `json:"currency"`
	Token    string           `json:"token,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if s.deps.Sessions != nil {
		resp["sessions"] = s.deps.Sessions.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleOpenTrade(c *gin.Context) {
	accountID := c.Param("accountId")

	var req TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trade request: " + err.Error()})
		return
	}

	token := req.Token
	currency := req.Currency
	if token == "" && s.deps.Vault != nil {
		bt, err := s.deps.Vault.GetToken(c.Request.Context(), accountID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "no broker token for account"})
			return
		}
		token = bt.Token
		if currency == "" {
			currency = bt.Currency
		}
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "broker token required"})
		return
	}
	if currency == "" {
		currency = "USD"
	}
	if req.Signal.CorrelationID == "" {
		req.Signal.CorrelationID = uuid.NewString()
	}

	session, err := s.deps.Sessions.GetOrCreate(c.Request.Context(), accountID, token)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "broker session unavailable: " + err.Error()})
		return
	}

	result, err := s.deps.Trader.OpenTrade(c.Request.Context(), session, accountID, currency, &req.Signal)
	if err != nil {
		s.writeTradeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"result":         result,
		"correlation_id": req.Signal.CorrelationID,
	})
}

// writeTradeError maps gate denials and typed execution errors onto HTTP
// statuses without losing their payloads.
func (s *Server) writeTradeError(c *gin.Context, err error) {
	var denied *risk.DeniedError
	if errors.As(err, &denied) {
		if denied.Throttle {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":          denied.Reason,
				"retry_after_ms": denied.RetryAfterMS,
			})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": denied.Reason})
		return
	}

	var typed *execution.Error
	if errors.As(err, &typed) {
		status := http.StatusUnprocessableEntity
		switch typed.Code {
		case execution.CodeWSTimeout:
			status = http.StatusGatewayTimeout
		case execution.CodeWSNetwork:
			status = http.StatusBadGateway
		case execution.CodeThrottle:
			status = http.StatusTooManyRequests
		}
		c.JSON(status, gin.H{
			"error":     typed.Message,
			"code":      typed.Code,
			"retryable": typed.Retryable,
			"context":   typed.Context,
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) handlePositions(c *gin.Context) {
	accountID := c.Param("accountId")
	c.JSON(http.StatusOK, gin.H{
		"positions": s.deps.Index.ListAccount(accountID),
		"exposure":  s.deps.Index.Exposure(accountID),
	})
}

func (s *Server) handlePnL(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.PnL.Snapshot(c.Param("accountId")))
}

func (s *Server) handleRiskState(c *gin.Context) {
	accountID := c.Param("accountId")
	entry, known := s.deps.Cache.Snapshot(accountID)
	c.JSON(http.StatusOK, gin.H{
		"known":   known,
		"state":   entry,
		"manager": s.deps.Manager.GetStats(accountID),
		"breaker": s.deps.Breakers.ForAccount(accountID).GetStats(),
	})
}

func (s *Server) handleSetPolicy(c *gin.Context) {
	if s.deps.Repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return
	}
	accountID := c.Param("accountId")

	var req struct {
		BotRunID string      `json:"bot_run_id"`
		Policy   risk.Policy `json:"policy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Repo.SetRiskPolicy(c.Request.Context(), accountID, req.BotRunID, &req.Policy); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) handleKillSwitch(c *gin.Context) {
	accountID := c.Param("accountId")

	var req struct {
		Active bool   `json:"active"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.deps.Manager.SetKillSwitch(accountID, req.Active, req.Reason)
	c.JSON(http.StatusOK, gin.H{"active": req.Active})
}

func (s *Server) handleStoreToken(c *gin.Context) {
	if s.deps.Vault == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vault disabled"})
		return
	}
	accountID := c.Param("accountId")

	var token vault.BrokerToken
	if err := c.ShouldBindJSON(&token); err != nil || token.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
		return
	}
	if err := s.deps.Vault.StoreToken(c.Request.Context(), accountID, token); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stored"})
}

func (s *Server) handleRecoveryState(c *gin.Context) {
	accountID := c.Param("accountId")
	c.JSON(http.StatusOK, gin.H{
		"state":    s.deps.Recovery.StateFor(accountID),
		"episodes": s.deps.Recovery.Episodes(accountID),
	})
}

func (s *Server) handleRegimeState(c *gin.Context) {
	accountID := c.Param("accountId")
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol query param required"})
		return
	}
	state, known := s.deps.Regimes.StateFor(accountID, symbol)
	c.JSON(http.StatusOK, gin.H{"known": known, "state": state})
}

func (s *Server) handleStartRun(c *gin.Context) {
	if s.deps.Repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return
	}
	accountID := c.Param("accountId")

	var req struct {
		BotID  string          `json:"bot_id" binding:"required"`
		Config json.RawMessage `json:"config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run := &database.BotRun{
		ID:        uuid.NewString(),
		AccountID: accountID,
		BotID:     req.BotID,
		RunStatus: database.RunStatusRunning,
		Config:    req.Config,
	}
	if err := s.deps.Repo.StartBotRun(c.Request.Context(), run); err != nil {
		if errors.Is(err, database.ErrRunAlreadyActive) {
			c.JSON(http.StatusConflict, gin.H{"error": "a run is already active for this account"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.hub.Broadcast(accountID, "bot_run", run)
	c.JSON(http.StatusCreated, run)
}

func (s *Server) handleStopRun(c *gin.Context) {
	if s.deps.Repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return
	}
	accountID := c.Param("accountId")
	runID := c.Param("runId")

	if err := s.deps.Repo.UpdateBotRunStatus(c.Request.Context(), runID, database.RunStatusStopped); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.hub.Broadcast(accountID, "bot_run", gin.H{"id": runID, "run_status": database.RunStatusStopped})
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// handleStream serves the per-account SSE stream. The first frame is the
// current P&L snapshot so clients render without waiting for a change.
func (s *Server) handleStream(c *gin.Context) {
	accountID := c.Param("accountId")

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	ch, cancel := s.hub.Subscribe(accountID)
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	c.SSEvent("pnl", s.deps.PnL.Snapshot(accountID))
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, ev.Data)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
