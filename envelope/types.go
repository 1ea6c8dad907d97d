// Package envelope defines the signed/encrypted message unit exchanged
// between ai2ai nodes, and the codec that canonicalizes, signs, verifies,
// encrypts and decrypts it.
package envelope

import (
	"encoding/json"
	"errors"
	"time"
)

// Type is the envelope's message kind.
type Type string

const (
	TypePing        Type = "ping"
	TypeMessage     Type = "message"
	TypeRequest     Type = "request"
	TypeResponse    Type = "response"
	TypeConfirm     Type = "confirm"
	TypeReject      Type = "reject"
	TypeReceipt     Type = "receipt"
	TypeKeyRotation Type = "key_rotation"
	TypeInform      Type = "inform"
)

// CurrentProtoVersion is the version emitted on every outbound envelope.
const CurrentProtoVersion = "1.0"

// LegacyProtoVersion is the one other version inbound envelopes must accept.
const LegacyProtoVersion = "0.1"

// Identity names an envelope's sender.
type Identity struct {
	Agent string `json:"agent"`
	Human string `json:"human,omitempty"`
}

// Recipient names an envelope's destination.
type Recipient struct {
	Agent string `json:"agent"`
}

// Envelope is the single JSON document exchanged between ai2ai nodes.
type Envelope struct {
	ProtoVersion          string          `json:"protoVersion"`
	ID                    string          `json:"id"`
	Nonce                 string          `json:"nonce"`
	Timestamp             time.Time       `json:"timestamp"`
	ExpiresAt             *time.Time      `json:"expiresAt,omitempty"`
	From                  Identity        `json:"from"`
	To                    Recipient       `json:"to"`
	Conversation          string          `json:"conversation"`
	Type                  Type            `json:"type"`
	Intent                string          `json:"intent,omitempty"`
	Payload               json.RawMessage `json:"payload"`
	RequiresHumanApproval bool            `json:"requiresHumanApproval"`
	Signature             string          `json:"signature,omitempty"`
}

// EncryptedPayload is the wire shape carried in Payload when encryption was
// applied; all binary fields are base64-encoded.
type EncryptedPayload struct {
	Encrypted    bool   `json:"_encrypted"`
	EphemeralPub string `json:"ephemeralPub"`
	Nonce        string `json:"nonce"`
	Ciphertext   string `json:"ciphertext"`
	Tag          string `json:"tag"`
}

// IsEncryptedPayload reports whether raw looks like an EncryptedPayload
// object, by probing for the `_encrypted` discriminator field.
func IsEncryptedPayload(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var probe struct {
		Encrypted bool `json:"_encrypted"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Encrypted
}

// ReceiptPayload is the payload shape carried by type=receipt envelopes.
type ReceiptPayload struct {
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Receipt statuses.
const (
	ReceiptSent      = "sent"
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
	ReceiptFailed    = "failed"
)

var (
	ErrInvalidEnvelope   = errors.New("invalid_envelope")
	ErrInvalidSignature  = errors.New("invalid_signature")
	ErrDecryptionFailed  = errors.New("decryption_failed")
	ErrUnsupportedVersion = errors.New("unsupported_protocol_version")
)

// Validate checks that the required envelope fields are present, per §4.2's
// invalid_envelope failure mode. It does not check the signature.
func (e *Envelope) Validate(acceptedVersions []string) error {
	if e.ID == "" || e.Conversation == "" || e.From.Agent == "" || e.To.Agent == "" {
		return ErrInvalidEnvelope
	}
	if e.Timestamp.IsZero() {
		return ErrInvalidEnvelope
	}
	if len(e.Payload) == 0 && e.Type != TypePing && e.Type != TypeReceipt {
		return ErrInvalidEnvelope
	}
	switch e.Type {
	case TypePing, TypeMessage, TypeRequest, TypeResponse, TypeConfirm, TypeReject, TypeReceipt, TypeKeyRotation, TypeInform:
	default:
		return ErrInvalidEnvelope
	}
	if !versionAccepted(e.ProtoVersion, acceptedVersions) {
		return ErrUnsupportedVersion
	}
	return nil
}

func versionAccepted(version string, accepted []string) bool {
	for _, v := range accepted {
		if v == version {
			return true
		}
	}
	return false
}
