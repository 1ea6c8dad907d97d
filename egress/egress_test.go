package egress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ai2ai-project/ai2ai-node/crypto/keys"
	"github.com/ai2ai-project/ai2ai-node/delivery"
	"github.com/ai2ai-project/ai2ai-node/envelope"
	"github.com/ai2ai-project/ai2ai-node/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	endpoint string
	xPub     string
	err      error
}

func (r staticResolver) Resolve(ctx context.Context, targetID string) (string, string, error) {
	return r.endpoint, r.xPub, r.err
}

func fastBackoff() delivery.BackoffSchedule {
	return delivery.BackoffSchedule{BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 5 * time.Millisecond, MaxRetries: 1}
}

func TestSendSignsAndDelivers(t *testing.T) {
	signer, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)

	var delivered *envelope.Envelope
	sender := delivery.SenderFunc(func(ctx context.Context, env *envelope.Envelope, endpoint string) error {
		delivered = env
		return nil
	})
	tracker := delivery.NewTracker(sender, fastBackoff(), delivery.BreakerConfig{}, delivery.Events{})

	q, err := queue.Open(t.TempDir())
	require.NoError(t, err)

	p := New("agent-a", "Alice", staticResolver{endpoint: "https://b.example/ai2ai"}, signer, tracker, q, false)

	result, err := p.Send(context.Background(), "agent-b", envelope.TypePing, "", envelope.NewID(), nil, SendOptions{Interactive: true})
	require.NoError(t, err)
	assert.False(t, result.Queued)
	require.NotNil(t, delivered)
	assert.NotEmpty(t, delivered.Signature)
}

func TestSendQueuesOnTerminalFailureWhenInteractive(t *testing.T) {
	signer, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)

	sender := delivery.SenderFunc(func(ctx context.Context, env *envelope.Envelope, endpoint string) error {
		return errors.New("connection refused")
	})
	tracker := delivery.NewTracker(sender, fastBackoff(), delivery.BreakerConfig{FailureThreshold: 100}, delivery.Events{})

	q, err := queue.Open(t.TempDir())
	require.NoError(t, err)

	p := New("agent-a", "Alice", staticResolver{endpoint: "https://b.example/ai2ai"}, signer, tracker, q, false)

	result, err := p.Send(context.Background(), "agent-b", envelope.TypeMessage, "", envelope.NewID(), map[string]string{"text": "hi"}, SendOptions{Interactive: true})
	require.NoError(t, err)
	assert.True(t, result.Queued)
	assert.Equal(t, 1, q.Len())
}

func TestSendPropagatesErrorWhenNotInteractive(t *testing.T) {
	signer, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)

	sender := delivery.SenderFunc(func(ctx context.Context, env *envelope.Envelope, endpoint string) error {
		return errors.New("connection refused")
	})
	tracker := delivery.NewTracker(sender, fastBackoff(), delivery.BreakerConfig{FailureThreshold: 100}, delivery.Events{})

	q, err := queue.Open(t.TempDir())
	require.NoError(t, err)

	p := New("agent-a", "Alice", staticResolver{endpoint: "https://b.example/ai2ai"}, signer, tracker, q, false)

	_, err = p.Send(context.Background(), "agent-b", envelope.TypeMessage, "", envelope.NewID(), map[string]string{"text": "hi"}, SendOptions{})
	assert.Error(t, err)
	assert.Equal(t, 0, q.Len())
}

func TestSendFailsSynchronouslyWhenResolutionFails(t *testing.T) {
	signer, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)

	sender := delivery.SenderFunc(func(ctx context.Context, env *envelope.Envelope, endpoint string) error { return nil })
	tracker := delivery.NewTracker(sender, fastBackoff(), delivery.BreakerConfig{}, delivery.Events{})
	q, err := queue.Open(t.TempDir())
	require.NoError(t, err)

	p := New("agent-a", "Alice", staticResolver{err: errors.New("not found")}, signer, tracker, q, false)

	_, err = p.Send(context.Background(), "agent-ghost", envelope.TypePing, "", envelope.NewID(), nil, SendOptions{})
	assert.ErrorIs(t, err, ErrResolutionFailed)
}

func TestSendEncryptsWhenRecipientKeyKnown(t *testing.T) {
	signer, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)

	recipientKP, err := keys.GenerateX25519KeyPair()
	require.NoError(t, err)
	xPub := recipientKP.(*keys.X25519KeyPair).PublicKeyBytes()

	var delivered *envelope.Envelope
	sender := delivery.SenderFunc(func(ctx context.Context, env *envelope.Envelope, endpoint string) error {
		delivered = env
		return nil
	})
	tracker := delivery.NewTracker(sender, fastBackoff(), delivery.BreakerConfig{}, delivery.Events{})
	q, err := queue.Open(t.TempDir())
	require.NoError(t, err)

	xPubB64 := base64Encode(xPub)
	p := New("agent-a", "Alice", staticResolver{endpoint: "https://b.example", xPub: xPubB64}, signer, tracker, q, true)

	_, err = p.Send(context.Background(), "agent-b", envelope.TypeMessage, "", envelope.NewID(), map[string]string{"text": "secret"}, SendOptions{Interactive: true})
	require.NoError(t, err)
	require.NotNil(t, delivered)
	assert.True(t, envelope.IsEncryptedPayload(delivered.Payload))
}

func base64Encode(b []byte) string {
	const table = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	var out []byte
	for i := 0; i < len(b); i += 3 {
		chunk := b[i:]
		if len(chunk) > 3 {
			chunk = chunk[:3]
		}
		var n uint32
		for j, c := range chunk {
			n |= uint32(c) << uint(16-8*j)
		}
		out = append(out, table[(n>>18)&0x3f], table[(n>>12)&0x3f])
		if len(chunk) > 1 {
			out = append(out, table[(n>>6)&0x3f])
		} else {
			out = append(out, '=')
		}
		if len(chunk) > 2 {
			out = append(out, table[n&0x3f])
		} else {
			out = append(out, '=')
		}
	}
	return string(out)
}
