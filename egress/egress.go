// Package egress implements the Egress Pipeline: resolve an endpoint, build
// an envelope, optionally encrypt it, sign it, and hand it to the Delivery
// Engine, falling back to the Persistent Queue on terminal failure.
package egress

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	sagecrypto "github.com/ai2ai-project/ai2ai-node/crypto"
	"github.com/ai2ai-project/ai2ai-node/delivery"
	"github.com/ai2ai-project/ai2ai-node/envelope"
	"github.com/ai2ai-project/ai2ai-node/queue"
)

// EndpointResolver resolves a target agent id to its delivery endpoint and
// known X25519 public key (base64), consulting the Contact Registry first
// and, if configured, a Discovery Client on a miss.
type EndpointResolver interface {
	Resolve(ctx context.Context, targetID string) (endpoint string, xPublicKey string, err error)
}

// ErrResolutionFailed is returned when targetID cannot be resolved to an
// endpoint by any configured resolver, a resolution error per §7 which must
// be surfaced synchronously, never silently queued.
var ErrResolutionFailed = fmt.Errorf("could not resolve endpoint for target")

// SendOptions customizes one outbound envelope.
type SendOptions struct {
	TTL              time.Duration // zero means no expiresAt
	RequiresApproval bool
	// Interactive marks a synchronous caller-facing send: on terminal
	// delivery failure the envelope is queued for later retry instead of
	// failing the call. Non-interactive sends propagate the error, since
	// nothing is waiting on a synchronous result.
	Interactive bool
}

// SendResult reports the outcome of Send.
type SendResult struct {
	EnvelopeID string
	Queued     bool
}

// Pipeline builds, optionally encrypts, signs, and delivers outbound
// envelopes, per component C10.
type Pipeline struct {
	fromAgent string
	fromHuman string

	resolver          EndpointResolver
	signer            sagecrypto.KeyPair
	tracker           *delivery.Tracker
	q                 *queue.Queue
	encryptionEnabled bool
}

// New builds an egress pipeline for a node identified by fromAgent/fromHuman.
func New(fromAgent, fromHuman string, resolver EndpointResolver, signer sagecrypto.KeyPair, tracker *delivery.Tracker, q *queue.Queue, encryptionEnabled bool) *Pipeline {
	return &Pipeline{
		fromAgent:         fromAgent,
		fromHuman:         fromHuman,
		resolver:          resolver,
		signer:            signer,
		tracker:           tracker,
		q:                 q,
		encryptionEnabled: encryptionEnabled,
	}
}

// build constructs a fresh unsigned envelope of the given shape.
func (p *Pipeline) build(targetID string, typ envelope.Type, intent string, conversation string, opts SendOptions) (*envelope.Envelope, error) {
	nonce, err := envelope.NewNonce()
	if err != nil {
		return nil, err
	}

	env := &envelope.Envelope{
		ProtoVersion:          envelope.CurrentProtoVersion,
		ID:                    envelope.NewID(),
		Nonce:                 nonce,
		Timestamp:             time.Now().UTC(),
		From:                  envelope.Identity{Agent: p.fromAgent, Human: p.fromHuman},
		To:                    envelope.Recipient{Agent: targetID},
		Conversation:          conversation,
		Type:                  typ,
		Intent:                intent,
		RequiresHumanApproval: opts.RequiresApproval,
	}
	if opts.TTL > 0 {
		exp := env.Timestamp.Add(opts.TTL)
		env.ExpiresAt = &exp
	}
	return env, nil
}

// Send runs the full egress pipeline for one envelope carrying payload, and
// delivers it via the Delivery Engine. On terminal failure of an interactive
// send, the envelope is enqueued to the Persistent Queue instead of
// returning an error.
func (p *Pipeline) Send(ctx context.Context, targetID string, typ envelope.Type, intent, conversation string, payload interface{}, opts SendOptions) (*SendResult, error) {
	endpoint, xPub, err := p.resolver.Resolve(ctx, targetID)
	if err != nil || endpoint == "" {
		return nil, ErrResolutionFailed
	}

	env, err := p.build(targetID, typ, intent, conversation, opts)
	if err != nil {
		return nil, err
	}

	if payload != nil {
		if err := envelope.SetPayload(env, payload); err != nil {
			return nil, err
		}
	}

	if p.encryptionEnabled && xPub != "" {
		xPubBytes, err := base64.StdEncoding.DecodeString(xPub)
		if err == nil {
			enc, err := envelope.EncryptPayload(env.Payload, xPubBytes)
			if err == nil {
				if err := envelope.SetEncryptedPayload(env, enc); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := envelope.Sign(env, p.signer); err != nil {
		return nil, fmt.Errorf("sign outbound envelope: %w", err)
	}

	if err := p.tracker.Deliver(ctx, env, endpoint); err != nil {
		if opts.Interactive {
			id, qerr := p.q.Enqueue(env, endpoint, queue.EnqueueOptions{TTL: opts.TTL})
			if qerr != nil {
				return nil, qerr
			}
			return &SendResult{EnvelopeID: id, Queued: true}, nil
		}
		return nil, err
	}

	return &SendResult{EnvelopeID: env.ID}, nil
}
