package execution

import (
	"context"
	"testing"
	"time"

	"deriv-trading-core/internal/deriv"
	"deriv-trading-core/internal/risk"
)

func TestOuterTimeoutFloorsAtMinimum(t *testing.T) {
	e := NewEngine(DefaultEngineConfig())

	testCases := []struct {
		name     string
		duration int
		unit     string
		want     time.Duration
	}{
		{"short ticks floor to min", 5, "t", 30 * time.Second},
		{"seconds under floor", 10, "s", 30 * time.Second},
		{"minutes add buffer", 5, "m", 5*time.Minute + 15*time.Second},
		{"hours add buffer", 1, "h", time.Hour + 15*time.Second},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sig := &risk.TradeSignal{Duration: tc.duration, DurationUnit: tc.unit}
			if got := e.outerTimeout(sig); got != tc.want {
				t.Errorf("outerTimeout(%d%s) = %v, want %v", tc.duration, tc.unit, got, tc.want)
			}
		})
	}
}

func TestExecuteRejectsEmptyProposalPayload(t *testing.T) {
	session := newTradeSession()
	session.proposal = &deriv.Response{MsgType: "proposal"}

	e := NewEngine(DefaultEngineConfig())
	_, err := e.Execute(context.Background(), session, Order{
		AccountID: "A", Currency: "USD", Signal: marketSignal(), Stake: 2,
	})
	if !IsCode(err, CodeProposalReject) {
		t.Fatalf("err = %v, want PROPOSAL_REJECT", err)
	}
}

func TestExecuteRejectsEmptyBuyPayload(t *testing.T) {
	session := newTradeSession()
	session.buy = &deriv.Response{MsgType: "buy"}

	e := NewEngine(DefaultEngineConfig())
	_, err := e.Execute(context.Background(), session, Order{
		AccountID: "A", Currency: "USD", Signal: marketSignal(), Stake: 2,
	})
	if !IsCode(err, CodeBuyReject) {
		t.Fatalf("err = %v, want BUY_REJECT", err)
	}
}

func TestExecuteBuysAtQuotedAsk(t *testing.T) {
	session := newTradeSession()
	e := NewEngine(DefaultEngineConfig())

	fill, err := e.Execute(context.Background(), session, Order{
		AccountID: "A", Currency: "USD", Signal: marketSignal(), Stake: 2,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if fill.ContractID != 42 || fill.Proposal.ID != "prop-1" {
		t.Fatalf("fill = %+v", fill)
	}

	var buy *deriv.BuyRequest
	for _, r := range session.requests {
		if b, ok := r.(*deriv.BuyRequest); ok {
			buy = b
		}
	}
	if buy == nil {
		t.Fatal("no buy request sent")
	}
	if buy.Buy != "prop-1" || buy.Price != 2.0 {
		t.Errorf("buy envelope = %+v, want proposal id at ask price", buy)
	}
}

func TestSlippageGateSkippedWithoutSpot(t *testing.T) {
	session := newTradeSession()
	session.proposal.Proposal.Spot = 0

	e := NewEngine(DefaultEngineConfig())
	if _, err := e.Execute(context.Background(), session, Order{
		AccountID: "A", Currency: "USD", Signal: hybridSignal(), Stake: 2,
	}); err != nil {
		t.Fatalf("spot-less ack must bypass the slippage gate, got %v", err)
	}
}

func TestSlippageGateSkippedForMarketEntries(t *testing.T) {
	session := newTradeSession()
	session.proposal.Proposal.Spot = 150 // far from any target

	e := NewEngine(DefaultEngineConfig())
	if _, err := e.Execute(context.Background(), session, Order{
		AccountID: "A", Currency: "USD", Signal: marketSignal(), Stake: 2,
	}); err != nil {
		t.Fatalf("market entries must bypass the slippage gate, got %v", err)
	}
}
