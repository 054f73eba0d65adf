package execution

import (
	"time"

	"deriv-trading-core/internal/metrics"
)

// LatencyTrace timestamps the stages of one execution, from strategy
// decision to settlement.
type LatencyTrace struct {
	DecisionTs     time.Time
	GateEndTs      time.Time
	ProposalSentTs time.Time
	ProposalAckTs  time.Time
	BuySentTs      time.Time
	BuyAckTs       time.Time
	FillTs         time.Time
	SettleTs       time.Time
	TickReceivedTs time.Time
}

// NewLatencyTrace starts a trace at the decision point
func NewLatencyTrace() *LatencyTrace {
	return &LatencyTrace{DecisionTs: time.Now()}
}

// interval returns the span between two stamps in ms, or -1 if either is unset
func interval(from, to time.Time) float64 {
	if from.IsZero() || to.IsZero() {
		return -1
	}
	return float64(to.Sub(from).Milliseconds())
}

// Report pushes every computed interval to the metrics sink under its
// fixed name. Unset stages are skipped.
func (t *LatencyTrace) Report() {
	metrics.ObserveInterval("gate", interval(t.DecisionTs, t.GateEndTs))
	metrics.ObserveInterval("proposal_rtt", interval(t.ProposalSentTs, t.ProposalAckTs))
	metrics.ObserveInterval("buy_rtt", interval(t.BuySentTs, t.BuyAckTs))
	metrics.ObserveInterval("decision_to_buy_ack", interval(t.DecisionTs, t.BuyAckTs))
	metrics.ObserveInterval("buy_ack_to_settle", interval(t.BuyAckTs, t.SettleTs))
	metrics.ObserveInterval("decision_to_settle", interval(t.DecisionTs, t.SettleTs))
	metrics.ObserveInterval("tick_to_decision", interval(t.TickReceivedTs, t.DecisionTs))
}

// TotalMS returns the decision-to-buy-ack time in milliseconds
func (t *LatencyTrace) TotalMS() int64 {
	if t.DecisionTs.IsZero() || t.BuyAckTs.IsZero() {
		return 0
	}
	return t.BuyAckTs.Sub(t.DecisionTs).Milliseconds()
}
