// Package execution implements the fast-path order flow against the broker:
// proposal, slippage gate, buy, and the orchestration around them.
package execution

import (
	"errors"
	"fmt"

	"deriv-trading-core/internal/deriv"
)

// Error codes for execution failures
const (
	CodeProposalReject    = "PROPOSAL_REJECT"
	CodeBuyReject         = "BUY_REJECT"
	CodeSlippageExceeded  = "SLIPPAGE_EXCEEDED"
	CodeThrottle          = "THROTTLE"
	CodeDuplicateRejected = "DUPLICATE_REJECTED"
	CodeWSTimeout         = "WS_TIMEOUT"
	CodeWSNetwork         = "WS_NETWORK"
)

// Error is the single typed failure surfaced by the execution path
type Error struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a typed execution error; retryability follows the code
func NewError(code, message string, context map[string]interface{}) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: code == CodeThrottle || code == CodeWSTimeout || code == CodeWSNetwork,
		Context:   context,
	}
}

// Classify wraps a broker-path failure into a typed Error. Transport
// sentinels map to WS_* codes; anything else is treated as a broker
// rejection. Gate denials are surfaced to callers as-is, not through here.
func Classify(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	switch {
	case errors.Is(err, deriv.ErrTimeout):
		return NewError(CodeWSTimeout, err.Error(), nil)
	case errors.Is(err, deriv.ErrConnection), errors.Is(err, deriv.ErrClosed):
		return NewError(CodeWSNetwork, err.Error(), nil)
	}
	return &Error{Code: CodeBuyReject, Message: err.Error()}
}

// IsCode reports whether err is an execution Error with the given code
func IsCode(err error, code string) bool {
	var typed *Error
	return errors.As(err, &typed) && typed.Code == code
}
