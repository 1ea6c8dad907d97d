package envelope

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/ai2ai-project/ai2ai-node/crypto/keys"
)

// FuzzCanonicalizeSignVerify fuzzes the sign/verify round trip over varying
// payload bytes.
func FuzzCanonicalizeSignVerify(f *testing.F) {
	f.Add([]byte(`{"a":1}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"unicode":"héllo ☺"}`))
	f.Add(make([]byte, 4096))

	signer, err := keys.GenerateEd25519KeyPair()
	if err != nil {
		f.Fatal(err)
	}
	pub := signer.PublicKey().(ed25519.PublicKey)

	f.Fuzz(func(t *testing.T, payload []byte) {
		nonce, err := NewNonce()
		if err != nil {
			t.Fatal(err)
		}
		env := &Envelope{
			ProtoVersion: CurrentProtoVersion,
			ID:           NewID(),
			Nonce:        nonce,
			Timestamp:    time.Now().UTC(),
			From:         Identity{Agent: "fuzz-a"},
			To:           Recipient{Agent: "fuzz-b"},
			Conversation: NewID(),
			Type:         TypeMessage,
			Payload:      wrapAsJSONString(payload),
		}

		if err := Sign(env, signer); err != nil {
			t.Fatalf("sign: %v", err)
		}
		if err := Verify(env, []ed25519.PublicKey{pub}); err != nil {
			t.Fatalf("verify of freshly signed envelope failed: %v", err)
		}

		env.Payload = wrapAsJSONString(append(payload, 0xff))
		if err := Verify(env, []ed25519.PublicKey{pub}); err == nil {
			t.Fatalf("verify succeeded after payload mutation")
		}
	})
}

// wrapAsJSONString encodes arbitrary fuzz bytes as a JSON string literal so
// canonicalization always sees parseable payload JSON.
func wrapAsJSONString(b []byte) []byte {
	out := make([]byte, 0, len(b)*2+2)
	out = append(out, '"')
	const hexDigits = "0123456789abcdef"
	for _, c := range b {
		out = append(out, hexDigits[c>>4], hexDigits[c&0xf])
	}
	out = append(out, '"')
	return out
}
