package orchestrator

import (
	"github.com/ai2ai-project/ai2ai-node/conversation"
	"github.com/ai2ai-project/ai2ai-node/envelope"
)

// Events is the Node's public callback surface, mirroring the event names
// of §4.12/§7: message/request arrival, delivery lifecycle, circuit state,
// and approval expiry.
type Events struct {
	OnMessage         func(env *envelope.Envelope)
	OnRequest         func(env *envelope.Envelope)
	OnReceipt         func(env *envelope.Envelope)
	OnSent            func(envelopeID, endpoint string)
	OnDelivered       func(envelopeID, endpoint string)
	OnRead            func(envelopeID string)
	OnFailed          func(envelopeID, endpoint string, err error)
	OnCircuitOpen     func(endpoint string)
	OnCircuitClosed   func(endpoint string)
	OnApprovalPending func(approval *conversation.Approval)
	OnApprovalExpired func(approvalID string)
}
