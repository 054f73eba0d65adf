package deriv

import "encoding/json"

// Request is an outbound envelope. The session assigns the req_id just
// before writing, so implementations must expose the field via setReqID.
type Request interface {
	setReqID(id int64)
}

// AuthorizeRequest authorizes the session with an account API token
type AuthorizeRequest struct {
	Authorize string `json:"authorize"`
	ReqID     int64  `json:"req_id,omitempty"`
}

func (r *AuthorizeRequest) setReqID(id int64) { r.ReqID = id }

// ProposalRequest asks the broker to quote a contract at current spot
type ProposalRequest struct {
	Proposal     int     `json:"proposal"`
	Amount       float64 `json:"amount"`
	Basis        string  `json:"basis"`
	ContractType string  `json:"contract_type"`
	Currency     string  `json:"currency"`
	Duration     int     `json:"duration"`
	DurationUnit string  `json:"duration_unit"`
	Symbol       string  `json:"symbol"`
	ReqID        int64   `json:"req_id,omitempty"`
}

func (r *ProposalRequest) setReqID(id int64) { r.ReqID = id }

// NewProposalRequest builds a stake-basis proposal envelope
func NewProposalRequest(amount float64, contractType, currency string, duration int, durationUnit, symbol string) *ProposalRequest {
	return &ProposalRequest{
		Proposal:     1,
		Amount:       amount,
		Basis:        "stake",
		ContractType: contractType,
		Currency:     currency,
		Duration:     duration,
		DurationUnit: durationUnit,
		Symbol:       symbol,
	}
}

// BuyRequest purchases a previously quoted proposal
type BuyRequest struct {
	Buy   string  `json:"buy"`
	Price float64 `json:"price"`
	ReqID int64   `json:"req_id,omitempty"`
}

func (r *BuyRequest) setReqID(id int64) { r.ReqID = id }

// ContractSubscribeRequest subscribes to updates for one open contract
type ContractSubscribeRequest struct {
	ProposalOpenContract int   `json:"proposal_open_contract"`
	ContractID           int64 `json:"contract_id"`
	Subscribe            int   `json:"subscribe"`
	ReqID                int64 `json:"req_id,omitempty"`
}

func (r *ContractSubscribeRequest) setReqID(id int64) { r.ReqID = id }

// ForgetRequest cancels a streaming subscription by its id
type ForgetRequest struct {
	Forget string `json:"forget"`
	ReqID  int64  `json:"req_id,omitempty"`
}

func (r *ForgetRequest) setReqID(id int64) { r.ReqID = id }

// PingRequest keeps the socket alive
type PingRequest struct {
	Ping  int   `json:"ping"`
	ReqID int64 `json:"req_id,omitempty"`
}

func (r *PingRequest) setReqID(id int64) { r.ReqID = id }

// ErrorInfo is the broker-side error attached to a response envelope
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubscriptionInfo identifies a streaming subscription
type SubscriptionInfo struct {
	ID string `json:"id"`
}

// AuthorizeResult is the authorize response payload
type AuthorizeResult struct {
	LoginID  string  `json:"loginid"`
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
}

// ProposalResult is the proposal response payload
type ProposalResult struct {
	ID       string  `json:"id"`
	AskPrice float64 `json:"ask_price"`
	Payout   float64 `json:"payout"`
	Spot     float64 `json:"spot"`
}

// BuyResult is the buy response payload
type BuyResult struct {
	ContractID int64   `json:"contract_id"`
	BuyPrice   float64 `json:"buy_price"`
	Payout     float64 `json:"payout"`
}

// ContractUpdate is a proposal_open_contract snapshot. The broker streams
// one of these per tick for subscribed contracts.
type ContractUpdate struct {
	ContractID  int64   `json:"contract_id"`
	IsSold      Bool    `json:"is_sold"`
	Profit      float64 `json:"profit"`
	Status      string  `json:"status"`
	Payout      float64 `json:"payout"`
	CurrentSpot float64 `json:"current_spot"`
}

// Response is an inbound envelope tagged by msg_type
type Response struct {
	MsgType              string            `json:"msg_type"`
	ReqID                int64             `json:"req_id,omitempty"`
	Error                *ErrorInfo        `json:"error,omitempty"`
	Subscription         *SubscriptionInfo `json:"subscription,omitempty"`
	Authorize            *AuthorizeResult  `json:"authorize,omitempty"`
	Proposal             *ProposalResult   `json:"proposal,omitempty"`
	Buy                  *BuyResult        `json:"buy,omitempty"`
	ProposalOpenContract *ContractUpdate   `json:"proposal_open_contract,omitempty"`
	EchoReq              json.RawMessage   `json:"echo_req,omitempty"`
}

// Bool tolerates the broker sending 0/1 as well as true/false
type Bool bool

func (b *Bool) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "1", "true":
		*b = true
	default:
		*b = false
	}
	return nil
}

func (b Bool) Bool() bool { return bool(b) }
