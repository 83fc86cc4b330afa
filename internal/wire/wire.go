// Package wire defines the closed set of structured messages the core
// exchanges with callers. Every inbound frame is validated at the boundary;
// unknown kinds and malformed payloads never reach the ledger or router.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind tags a message envelope. The set is closed.
type Kind string

const (
	KindLeaseRequest     Kind = "lease_request"
	KindSettlementReport Kind = "settlement_report"
	KindRoutingDecision  Kind = "routing_decision"
)

var ErrUnknownKind = errors.New("unknown message kind")

// ValidationError reports a payload that parsed but failed boundary checks.
type ValidationError struct {
	Kind  Kind
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: field %q %s", e.Kind, e.Field, e.Msg)
}

// Envelope is the outer frame. Payload is decoded according to Kind.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// LeaseRequest asks the ledger to reserve headroom before a dispatch.
type LeaseRequest struct {
	RequestID     string          `json:"request_id"`
	EntityID      string          `json:"entity_id"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
}

func (m *LeaseRequest) validate() error {
	if m.EntityID == "" {
		return &ValidationError{Kind: KindLeaseRequest, Field: "entity_id", Msg: "is required"}
	}
	if m.EstimatedCost.IsNegative() {
		return &ValidationError{Kind: KindLeaseRequest, Field: "estimated_cost", Msg: "must not be negative"}
	}
	return nil
}

// SettlementReport carries measured usage for a held lease.
type SettlementReport struct {
	LeaseID      string `json:"lease_id"`
	BackendID    string `json:"backend_id"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

func (m *SettlementReport) validate() error {
	if m.LeaseID == "" {
		return &ValidationError{Kind: KindSettlementReport, Field: "lease_id", Msg: "is required"}
	}
	if m.BackendID == "" {
		return &ValidationError{Kind: KindSettlementReport, Field: "backend_id", Msg: "is required"}
	}
	if m.InputTokens < 0 || m.OutputTokens < 0 {
		return &ValidationError{Kind: KindSettlementReport, Field: "tokens", Msg: "must not be negative"}
	}
	return nil
}

// RoutingDecision is the outbound record of one completed route.
type RoutingDecision struct {
	RequestID  string          `json:"request_id"`
	CallerID   string          `json:"caller_id"`
	BackendID  string          `json:"backend_id,omitempty"`
	Tier       int             `json:"tier,omitempty"`
	Outcome    string          `json:"outcome"`
	RetryCount int             `json:"retry_count,omitempty"`
	Cost       decimal.Decimal `json:"cost"`
	Timestamp  time.Time       `json:"timestamp"`
}

func (m *RoutingDecision) validate() error {
	if m.RequestID == "" {
		return &ValidationError{Kind: KindRoutingDecision, Field: "request_id", Msg: "is required"}
	}
	if m.Outcome == "" {
		return &ValidationError{Kind: KindRoutingDecision, Field: "outcome", Msg: "is required"}
	}
	return nil
}

// Decode parses and validates one frame. The returned value is one of
// *LeaseRequest, *SettlementReport, or *RoutingDecision.
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	var msg interface {
		validate() error
	}
	switch env.Kind {
	case KindLeaseRequest:
		msg = &LeaseRequest{}
	case KindSettlementReport:
		msg = &SettlementReport{}
	case KindRoutingDecision:
		msg = &RoutingDecision{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}

	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", env.Kind, err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Encode wraps a known message in its envelope. Unsupported types error.
func Encode(msg any) ([]byte, error) {
	var kind Kind
	switch msg.(type) {
	case *LeaseRequest, LeaseRequest:
		kind = KindLeaseRequest
	case *SettlementReport, SettlementReport:
		kind = KindSettlementReport
	case *RoutingDecision, RoutingDecision:
		kind = KindRoutingDecision
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Kind: kind, Payload: payload})
}
