// Package ingress implements the Ingress Pipeline: the HTTP surface that
// receives envelopes, runs them through the security filter chain, and
// routes accepted envelopes to intent handlers, conversation transitions,
// or operator notifications, per component C9.
package ingress

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/ai2ai-project/ai2ai-node/contacts"
	"github.com/ai2ai-project/ai2ai-node/conversation"
	"github.com/ai2ai-project/ai2ai-node/crypto/keys"
	"github.com/ai2ai-project/ai2ai-node/envelope"
	"github.com/ai2ai-project/ai2ai-node/security"
)

// MaxBodyBytes is the inbound envelope body cap; larger bodies get a 413.
const MaxBodyBytes = 100 * 1024

// IntentHandler processes a request-type envelope's payload and returns the
// application payload to embed in the synchronous response.
type IntentHandler func(ctx context.Context, env *envelope.Envelope, payload json.RawMessage) (interface{}, error)

// Descriptor is the node's discovery document, served at both the ping
// response and GET /.well-known/ai2ai.json.
type Descriptor struct {
	AI2AI          string   `json:"ai2ai"`
	Endpoint       string   `json:"endpoint"`
	Agent          string   `json:"agent"`
	Human          string   `json:"human,omitempty"`
	PublicKey      string   `json:"publicKey"`
	X25519PublicKey string  `json:"x25519PublicKey,omitempty"`
	Fingerprint    string   `json:"fingerprint"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Timezone       string   `json:"timezone,omitempty"`
}

// OwnDescriptor returns this node's discovery document, for building the
// ping round trip's outbound payload.
func (s *Server) OwnDescriptor() Descriptor {
	return s.cfg.Descriptor
}

// Events notifies the orchestrator of inbound activity that needs operator
// or application attention.
type Events struct {
	OnMessage          func(env *envelope.Envelope)
	OnNotification     func(env *envelope.Envelope)
	OnReceipt          func(env *envelope.Envelope)
	OnApprovalRequired func(approval *conversation.Approval)
}

// Config describes this node's identity and policy for inbound handling.
type Config struct {
	Descriptor Descriptor

	// AlwaysApprove names intents that always require a pending approval,
	// regardless of trust level.
	AlwaysApprove map[string]bool

	// MinTrustToDispatch is the minimum trust level a sender must carry in
	// the Contact Registry for a request to dispatch without approval.
	// Senders with no signing key on record always require approval,
	// whatever this minimum is.
	MinTrustToDispatch contacts.TrustLevel
}

// Server is the HTTP surface for one ai2ai node.
type Server struct {
	cfg Config

	chain      *security.Chain
	registry   *contacts.Registry
	convStore  *conversation.Store
	approvals  *conversation.ApprovalInbox
	ownXKey    *keys.X25519KeyPair
	intents    map[string]IntentHandler
	events     Events
}

// NewServer wires the ingress pipeline over the given components.
func NewServer(cfg Config, chain *security.Chain, registry *contacts.Registry, convStore *conversation.Store, approvals *conversation.ApprovalInbox, ownXKey *keys.X25519KeyPair, events Events) *Server {
	return &Server{
		cfg:       cfg,
		chain:     chain,
		registry:  registry,
		convStore: convStore,
		approvals: approvals,
		ownXKey:   ownXKey,
		intents:   make(map[string]IntentHandler),
		events:    events,
	}
}

// RegisterIntent installs a handler for request envelopes carrying intent.
func (s *Server) RegisterIntent(intent string, handler IntentHandler) {
	s.intents[intent] = handler
}

// Handler returns the HTTP handler exposing health, discovery, and envelope
// submission endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ai2ai/health", s.handleHealth)
	mux.HandleFunc("/.well-known/ai2ai.json", s.handleWellKnown)
	mux.HandleFunc("/ai2ai", s.handleSubmit)
	return mux
}

type healthResponse struct {
	Status   string   `json:"status"`
	Protocol string   `json:"protocol"`
	Agent    string   `json:"agent"`
	Intents  []string `json:"intents"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	intents := make([]string, 0, len(s.intents))
	for intent := range s.intents {
		intents = append(intents, intent)
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "online",
		Protocol: envelope.CurrentProtoVersion,
		Agent:    s.cfg.Descriptor.Agent,
		Intents:  intents,
	})
}

func (s *Server) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Descriptor)
}

// response is the `{status, id?, reason?, conversation?, payload?}` shape
// from §6, extended with the `{error, supportedIntents}` shape used when a
// request names an intent this node does not support.
type response struct {
	Status           string      `json:"status,omitempty"`
	ID               string      `json:"id,omitempty"`
	Reason           string      `json:"reason,omitempty"`
	Conversation     string      `json:"conversation,omitempty"`
	Payload          interface{} `json:"payload,omitempty"`
	Error            string      `json:"error,omitempty"`
	SupportedIntents []string    `json:"supportedIntents,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	var env envelope.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Reason: string(security.ReasonInvalidEnvelope)})
		return
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Reason: string(security.ReasonInvalidEnvelope)})
		return
	}
	signedBytes, err := envelope.Canonicalize(&env)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Reason: string(security.ReasonInvalidEnvelope)})
		return
	}

	result := s.chain.Check(&env, signedBytes, sig)
	if result.Reason != security.ReasonOK {
		writeJSON(w, result.Reason.HTTPStatus(), response{Reason: string(result.Reason)})
		return
	}

	payload, err := s.decryptIfNeeded(&env)
	if err != nil {
		writeJSON(w, security.ReasonDecryptionFailed.HTTPStatus(), response{Reason: string(security.ReasonDecryptionFailed)})
		return
	}

	s.logEnvelope(&env)

	resp := s.route(r.Context(), &env, payload)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decryptIfNeeded(env *envelope.Envelope) (json.RawMessage, error) {
	if !envelope.IsEncryptedPayload(env.Payload) {
		return env.Payload, nil
	}
	if s.ownXKey == nil {
		return nil, envelope.ErrDecryptionFailed
	}
	var enc envelope.EncryptedPayload
	if err := json.Unmarshal(env.Payload, &enc); err != nil {
		return nil, envelope.ErrDecryptionFailed
	}
	plaintext, err := envelope.DecryptPayload(&enc, s.ownXKey)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (s *Server) logEnvelope(env *envelope.Envelope) {
	if s.convStore == nil || env.Conversation == "" {
		return
	}
	if _, err := s.convStore.Get(env.Conversation); err != nil {
		_, _ = s.convStore.Create(env.Conversation, conversation.CreateOptions{
			Intent:    env.Intent,
			Initiator: env.From.Agent,
			Recipient: env.To.Agent,
		})
	}
	_ = s.convStore.Append(env.Conversation, env)
}

// route dispatches an accepted, decrypted envelope by type, per §4.9.
func (s *Server) route(ctx context.Context, env *envelope.Envelope, payload json.RawMessage) response {
	switch env.Type {
	case envelope.TypePing:
		s.recordPingSender(env, payload)
		return response{Status: "ok", Conversation: env.Conversation, Payload: s.cfg.Descriptor}

	case envelope.TypeRequest:
		return s.routeRequest(ctx, env, payload)

	case envelope.TypeResponse, envelope.TypeConfirm, envelope.TypeReject:
		s.transitionConversation(env)
		if s.events.OnNotification != nil {
			s.events.OnNotification(env)
		}
		return response{Status: "ok", Conversation: env.Conversation}

	case envelope.TypeInform:
		if s.events.OnNotification != nil {
			s.events.OnNotification(env)
		}
		return response{Status: "ok", Conversation: env.Conversation}

	case envelope.TypeReceipt:
		if s.events.OnReceipt != nil {
			s.events.OnReceipt(env)
		}
		return response{Status: "ok", Conversation: env.Conversation}

	default:
		if s.events.OnMessage != nil {
			s.events.OnMessage(env)
		}
		return response{Status: "ok", Conversation: env.Conversation}
	}
}

// recordPingSender completes the ping round trip's key-exchange half: a
// ping envelope carries the sender's own descriptor as its payload, so a
// node that is pinged learns the sender's X25519 key the same way the
// pinger learns the pingee's, without a second request.
func (s *Server) recordPingSender(env *envelope.Envelope, payload json.RawMessage) {
	if s.registry == nil || len(payload) == 0 {
		return
	}
	var desc Descriptor
	if err := json.Unmarshal(payload, &desc); err != nil || desc.PublicKey == "" {
		return
	}
	_, _ = s.registry.Upsert(env.From.Agent, contacts.Update{
		Endpoint:    desc.Endpoint,
		EdPublicKey: desc.PublicKey,
		XPublicKey:  desc.X25519PublicKey,
	})
}

func (s *Server) transitionConversation(env *envelope.Envelope) {
	if s.convStore == nil || env.Conversation == "" {
		return
	}
	var target conversation.State
	switch env.Type {
	case envelope.TypeConfirm:
		target = conversation.StateConfirmed
	case envelope.TypeReject:
		target = conversation.StateRejected
	default:
		target = conversation.StateNegotiating
	}
	_, _ = s.convStore.Transition(env.Conversation, target)
}

func (s *Server) routeRequest(ctx context.Context, env *envelope.Envelope, payload json.RawMessage) response {
	handler, ok := s.intents[env.Intent]
	if !ok {
		supported := make([]string, 0, len(s.intents))
		for intent := range s.intents {
			supported = append(supported, intent)
		}
		return response{Error: "unsupported_intent", SupportedIntents: supported}
	}

	if s.requiresApproval(env) {
		approval, err := s.approvals.Create(env, env.Intent)
		if err != nil {
			return response{Status: "ok", Reason: "internal_error"}
		}
		if s.events.OnApprovalRequired != nil {
			s.events.OnApprovalRequired(approval)
		}
		return response{Status: "pending_approval", ID: env.ID, Conversation: env.Conversation}
	}

	if s.events.OnNotification != nil {
		s.events.OnNotification(env)
	}
	result, err := handler(ctx, env, payload)
	if err != nil {
		return response{Status: "ok", Conversation: env.Conversation, Payload: map[string]string{"reject": err.Error()}}
	}
	return response{Status: "ok", Conversation: env.Conversation, Payload: result}
}

// commerceIntentPrefix marks intents that always route to pending approval,
// regardless of trust level: commerce actions never auto-dispatch.
const commerceIntentPrefix = "commerce."

func (s *Server) requiresApproval(env *envelope.Envelope) bool {
	if env.RequiresHumanApproval {
		return true
	}
	if strings.HasPrefix(env.Intent, commerceIntentPrefix) {
		return true
	}
	if s.cfg.AlwaysApprove[env.Intent] {
		return true
	}
	if s.registry == nil {
		return false
	}
	contact, err := s.registry.Get(env.From.Agent)
	if err != nil || contact.EdPublicKey == "" {
		// First contact: no recorded key, so the signature above went
		// unverified. Such requests may never be auto-approved.
		return true
	}
	return trustRank(contact.TrustLevel) < trustRank(s.cfg.MinTrustToDispatch)
}

func trustRank(level contacts.TrustLevel) int {
	switch level {
	case contacts.TrustTrusted:
		return 2
	case contacts.TrustKnown:
		return 1
	default:
		return 0
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-AI2AI-Version", envelope.CurrentProtoVersion)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
