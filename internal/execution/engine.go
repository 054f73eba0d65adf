package execution

import (
	"context"
	"fmt"
	"math"
	"time"

	"deriv-trading-core/internal/deriv"
	"deriv-trading-core/internal/logging"
	"deriv-trading-core/internal/risk"
)

// OrderSession is the slice of the broker session the engine drives
type OrderSession interface {
	Send(ctx context.Context, req deriv.Request, timeout time.Duration) (*deriv.Response, error)
}

// EngineConfig bounds the order protocol
type EngineConfig struct {
	StepTimeout     time.Duration // per-request round trip
	MinOuterTimeout time.Duration
	OuterBuffer     time.Duration // added to the contract duration
}

// DefaultEngineConfig returns the stock protocol bounds
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		StepTimeout:     10 * time.Second,
		MinOuterTimeout: 30 * time.Second,
		OuterBuffer:     15 * time.Second,
	}
}

// Order is one execution request, post-gate
type Order struct {
	AccountID string
	Currency  string
	Signal    *risk.TradeSignal
	Stake     float64 // post-clamp stake from the gate
	Trace     *LatencyTrace
}

// Fill is a successful buy ack
type Fill struct {
	ContractID int64
	BuyPrice   float64
	Payout     float64
	Proposal   deriv.ProposalResult
}

// Engine runs the proposal, slippage gate, buy sequence against the broker
type Engine struct {
	cfg EngineConfig
	log *logging.Logger
}

// NewEngine builds the execution engine
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 10 * time.Second
	}
	if cfg.MinOuterTimeout <= 0 {
		cfg.MinOuterTimeout = 30 * time.Second
	}
	if cfg.OuterBuffer <= 0 {
		cfg.OuterBuffer = 15 * time.Second
	}
	return &Engine{cfg: cfg, log: logging.WithComponent("execution-engine")}
}

// durationToMS translates a contract duration to milliseconds for the outer
// timer. Ticks are estimated at one second each.
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

func (e *Engine) outerTimeout(signal *risk.TradeSignal) time.Duration {
	t := durationToMS(signal.Duration, signal.DurationUnit) + e.cfg.OuterBuffer
	if t < e.cfg.MinOuterTimeout {
		t = e.cfg.MinOuterTimeout
	}
	return t
}

// Execute runs the full order protocol. Returned errors are always typed.
func (e *Engine) Execute(ctx context.Context, session OrderSession, ord Order) (*Fill, error) {
	signal := ord.Signal
	trace := ord.Trace
	if trace == nil {
		trace = NewLatencyTrace()
	}

	ctx, cancel := context.WithTimeout(ctx, e.outerTimeout(signal))
	defer cancel()

	// Step 1: proposal
	propReq := deriv.NewProposalRequest(ord.Stake, signal.Direction, ord.Currency,
		signal.Duration, signal.DurationUnit, signal.Symbol)
	trace.ProposalSentTs = time.Now()
	resp, err := session.Send(ctx, propReq, e.cfg.StepTimeout)
	if err != nil {
		return nil, Classify(err)
	}
	trace.ProposalAckTs = time.Now()
	if resp.Error != nil {
		return nil, NewError(CodeProposalReject, resp.Error.Message,
			map[string]interface{}{"broker_code": resp.Error.Code})
	}
	if resp.Proposal == nil {
		return nil, NewError(CodeProposalReject, "proposal response missing payload", nil)
	}
	prop := *resp.Proposal

	// Step 2: slippage gate for hybrid entries with a target and tolerance
	if signal.EntryMode == risk.EntryHybridLimitMarket &&
		signal.EntryTargetPrice > 0 && signal.EntrySlippagePct > 0 && prop.Spot > 0 {
		slippagePct := math.Abs(prop.Spot-signal.EntryTargetPrice) / signal.EntryTargetPrice * 100
		if slippagePct > signal.EntrySlippagePct {
			e.log.Warn("slippage gate rejected entry",
				"account_id", ord.AccountID,
				"symbol", signal.Symbol,
				"slippage_pct", slippagePct,
				"tolerance_pct", signal.EntrySlippagePct)
			return nil, NewError(CodeSlippageExceeded,
				fmt.Sprintf("spot %.5f moved %.4f%% from target %.5f (tolerance %.4f%%)",
					prop.Spot, slippagePct, signal.EntryTargetPrice, signal.EntrySlippagePct),
				map[string]interface{}{
					"spot":             prop.Spot,
					"entryTargetPrice": signal.EntryTargetPrice,
					"slippagePct":      slippagePct,
					"tolerancePct":     signal.EntrySlippagePct,
					"askPrice":         prop.AskPrice,
				})
		}
	}

	// Step 3: buy at the quoted ask
	buyReq := &deriv.BuyRequest{Buy: prop.ID, Price: prop.AskPrice}
	trace.BuySentTs = time.Now()
	resp, err = session.Send(ctx, buyReq, e.cfg.StepTimeout)
	if err != nil {
		return nil, Classify(err)
	}
	trace.BuyAckTs = time.Now()
	if resp.Error != nil {
		return nil, NewError(CodeBuyReject, resp.Error.Message,
			map[string]interface{}{"broker_code": resp.Error.Code, "proposal_id": prop.ID})
	}
	if resp.Buy == nil {
		return nil, NewError(CodeBuyReject, "buy response missing payload", nil)
	}

	return &Fill{
		ContractID: resp.Buy.ContractID,
		BuyPrice:   resp.Buy.BuyPrice,
		Payout:     resp.Buy.Payout,
		Proposal:   prop,
	}, nil
}
