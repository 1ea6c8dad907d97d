package orchestrator

import (
	"context"
	"fmt"

	"github.com/ai2ai-project/ai2ai-node/contacts"
	"github.com/ai2ai-project/ai2ai-node/conversation"
	"github.com/ai2ai-project/ai2ai-node/discovery"
	"github.com/ai2ai-project/ai2ai-node/egress"
	"github.com/ai2ai-project/ai2ai-node/envelope"
	"github.com/ai2ai-project/ai2ai-node/internal/logger"
)

// Send delivers a one-way `inform` envelope to targetID, outside any
// request/response conversation.
func (n *Node) Send(ctx context.Context, targetID string, payload interface{}, opts egress.SendOptions) (*egress.SendResult, error) {
	return n.egress.Send(ctx, targetID, envelope.TypeInform, "", envelope.NewID(), payload, opts)
}

// Request opens a new conversation with targetID by sending a
// `request`-type envelope carrying intent, recording the conversation
// locally as proposed. Every call starts a fresh conversation id; an
// existing conversation is not continued through it.
func (n *Node) Request(ctx context.Context, targetID, intent string, payload interface{}, opts egress.SendOptions) (*egress.SendResult, string, error) {
	conversationID := envelope.NewID()
	if _, err := n.convs.Create(conversationID, conversation.CreateOptions{
		Intent:    intent,
		Initiator: n.cfg.Name,
		Recipient: targetID,
	}); err != nil {
		return nil, "", fmt.Errorf("create conversation: %w", err)
	}

	result, err := n.egress.Send(ctx, targetID, envelope.TypeRequest, intent, conversationID, payload, opts)
	if err != nil {
		return nil, conversationID, err
	}
	return result, conversationID, nil
}

// Discover resolves domain to its advertised endpoint and Ed25519 identity
// key via the Discovery Client, without consulting the Contact Registry.
func (n *Node) Discover(ctx context.Context, domain string) (discovery.Result, error) {
	return n.discovery.Resolve(ctx, domain)
}

// AddContact upserts a contact record, merging u into any existing entry.
func (n *Node) AddContact(agentID string, u contacts.Update) (*contacts.Contact, error) {
	return n.contacts.Upsert(agentID, u)
}

// GetContact returns the contact record for agentID.
func (n *Node) GetContact(agentID string) (*contacts.Contact, error) {
	return n.contacts.Get(agentID)
}

// Block marks agentID as blocked, gating both inbound and outbound traffic.
func (n *Node) Block(agentID string) error {
	return n.contacts.Block(agentID)
}

// Unblock clears agentID's blocked flag.
func (n *Node) Unblock(agentID string) error {
	return n.contacts.Unblock(agentID)
}

// SetTrust sets the operator-controlled trust level for agentID.
func (n *Node) SetTrust(agentID string, level contacts.TrustLevel) error {
	return n.contacts.SetTrust(agentID, level)
}

// Approve resolves a pending approval, dispatches its registered intent
// handler with the operator's reply, and sends the resulting `response` or
// `reject` envelope back to the original requester.
func (n *Node) Approve(id, reply string) (*conversation.Approval, error) {
	approval, err := n.approvals.Approve(id, reply)
	if err != nil {
		return nil, err
	}
	n.dispatchResolvedApproval(approval, reply)
	return approval, nil
}

// Reject resolves a pending approval as rejected and notifies the original
// requester with a `reject` envelope carrying reason.
func (n *Node) Reject(id, reason string) (*conversation.Approval, error) {
	approval, err := n.approvals.Reject(id, reason)
	if err != nil {
		return nil, err
	}
	n.sendFollowUp(approval.Envelope, envelope.TypeReject, map[string]string{"reason": reason})
	return approval, nil
}

func (n *Node) dispatchResolvedApproval(approval *conversation.Approval, reply string) {
	n.mu.Lock()
	h, ok := n.handlers[approval.Envelope.Intent]
	n.mu.Unlock()
	if !ok {
		n.sendFollowUp(approval.Envelope, envelope.TypeReject, map[string]string{"reason": "no handler registered for intent"})
		return
	}

	result, err := h(context.Background(), approval.Envelope, approval.Envelope.Payload, reply)
	if err != nil {
		result = HandlerResult{Kind: ResultRejected, Reason: err.Error()}
	}
	n.sendFollowUp(approval.Envelope, responseEnvelopeType(result.Kind), responsePayload(result))
}

func (n *Node) sendFollowUp(original *envelope.Envelope, typ envelope.Type, payload interface{}) {
	_, err := n.egress.Send(context.Background(), original.From.Agent, typ, original.Intent, original.Conversation, payload, egress.SendOptions{Interactive: true})
	if err != nil {
		n.log.Warn("failed to send approval follow-up", logger.Error(err))
	}
}
