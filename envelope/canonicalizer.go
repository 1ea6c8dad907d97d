package envelope

import (
	"encoding/json"
	"time"
)

// Canonicalize produces the deterministic byte string that gets signed: the
// JSON encoding of {id, timestamp, from, to, conversation, type, intent,
// payload} with keys in lexicographic order and no whitespace. nonce,
// expiresAt, requiresHumanApproval and signature are deliberately excluded.
//
// Go's encoding/json sorts map[string]any keys before encoding, so building
// the signed subset and its from/to objects as plain maps guarantees
// lexicographic key order there without hand-maintaining field order in a
// struct. The payload is embedded as its raw JSON bytes (compacted, not
// re-sorted), so key order inside the payload is the order it was encoded in.
func Canonicalize(e *Envelope) ([]byte, error) {
	from := map[string]interface{}{"agent": e.From.Agent}
	if e.From.Human != "" {
		from["human"] = e.From.Human
	}
	to := map[string]interface{}{"agent": e.To.Agent}

	var intent interface{}
	if e.Intent != "" {
		intent = e.Intent
	}

	var payload interface{}
	if len(e.Payload) > 0 {
		payload = json.RawMessage(e.Payload)
	} else {
		payload = json.RawMessage("null")
	}

	fields := map[string]interface{}{
		"id":           e.ID,
		"timestamp":    e.Timestamp.UTC().Format(time.RFC3339Nano),
		"from":         from,
		"to":           to,
		"conversation": e.Conversation,
		"type":         e.Type,
		"intent":       intent,
		"payload":      payload,
	}
	return json.Marshal(fields)
}
