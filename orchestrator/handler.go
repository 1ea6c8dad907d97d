package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ai2ai-project/ai2ai-node/envelope"
	"github.com/ai2ai-project/ai2ai-node/ingress"
)

// ResultKind tags the three shapes an intent Handler may resolve a request
// to, per the decision to keep data and control flow separate rather than
// mixing them inside a single formatResponse callback: the Node alone
// decides which outbound envelope type a result becomes.
type ResultKind string

const (
	ResultApproved ResultKind = "approved"
	ResultRejected ResultKind = "rejected"
	ResultCounter  ResultKind = "counter"
)

// HandlerResult is what an intent Handler returns: a request is either
// approved (with a reply payload), rejected (with a reason), or answered
// with a counter-offer payload.
type HandlerResult struct {
	Kind    ResultKind
	Payload interface{}
	Reason  string
}

// Handler processes one inbound request envelope. reply carries the
// operator's free-text input when the request was dispatched after a
// pending approval was resolved; it is empty for requests dispatched
// immediately (no approval required).
type Handler func(ctx context.Context, env *envelope.Envelope, payload json.RawMessage, reply string) (HandlerResult, error)

// asIngressHandler adapts a Handler to ingress.IntentHandler for the
// synchronous, no-approval-required dispatch path: the result is embedded
// directly in the HTTP response body.
func asIngressHandler(h Handler) ingress.IntentHandler {
	return func(ctx context.Context, env *envelope.Envelope, payload json.RawMessage) (interface{}, error) {
		result, err := h(ctx, env, payload, "")
		if err != nil {
			return nil, err
		}
		switch result.Kind {
		case ResultRejected:
			return nil, fmt.Errorf("%s", result.Reason)
		case ResultCounter:
			return map[string]interface{}{"counter": result.Payload}, nil
		default:
			return result.Payload, nil
		}
	}
}

// responseEnvelopeType maps a resolved HandlerResult to the outbound
// envelope type the Node sends back to the original requester once a
// pending approval has been decided.
func responseEnvelopeType(kind ResultKind) envelope.Type {
	if kind == ResultRejected {
		return envelope.TypeReject
	}
	return envelope.TypeResponse
}

// responsePayload builds the payload carried by the follow-up envelope.
func responsePayload(result HandlerResult) interface{} {
	switch result.Kind {
	case ResultRejected:
		return map[string]string{"reason": result.Reason}
	case ResultCounter:
		return map[string]interface{}{"counter": result.Payload}
	default:
		return result.Payload
	}
}
