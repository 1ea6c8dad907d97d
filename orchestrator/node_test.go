package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ai2ai-project/ai2ai-node/config"
	"github.com/ai2ai-project/ai2ai-node/contacts"
	"github.com/ai2ai-project/ai2ai-node/conversation"
	"github.com/ai2ai-project/ai2ai-node/egress"
	"github.com/ai2ai-project/ai2ai-node/envelope"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T, name string, events Events) *Node {
	cfg := config.Default()
	cfg.Name = name
	cfg.DataDir = t.TempDir()
	cfg.Port = 0
	cfg.Timeout = 5 * time.Second

	n, err := New(Config{Config: cfg, Events: events})
	require.NoError(t, err)
	require.NoError(t, n.Start(0))
	t.Cleanup(func() {
		_ = n.Stop(context.Background())
	})
	return n
}

func localEndpoint(t *testing.T, addr string) string {
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return fmt.Sprintf("http://127.0.0.1:%s/ai2ai", port)
}

// TestRequestApprovalResponseRoundTrip wires two nodes over real HTTP on
// ephemeral ports: A requests an intent from B, which is first contact for
// B and therefore always pends for operator approval regardless of trust
// configuration; once the operator approves, B's response reaches A.
func TestRequestApprovalResponseRoundTrip(t *testing.T) {
	pending := make(chan *conversation.Approval, 1)
	nodeB := newTestNode(t, "agent-b", Events{
		OnApprovalPending: func(a *conversation.Approval) { pending <- a },
	})
	nodeB.RegisterIntent("schedule.meeting", func(ctx context.Context, env *envelope.Envelope, payload json.RawMessage, reply string) (HandlerResult, error) {
		return HandlerResult{Kind: ResultApproved, Payload: map[string]string{"confirmed": "true", "reply": reply}}, nil
	})

	received := make(chan *envelope.Envelope, 1)
	nodeA := newTestNode(t, "agent-a", Events{
		OnMessage: func(env *envelope.Envelope) { received <- env },
	})

	_, err := nodeA.AddContact("agent-b", contacts.Update{Endpoint: localEndpoint(t, nodeB.Addr())})
	require.NoError(t, err)
	_, err = nodeB.AddContact("agent-a", contacts.Update{Endpoint: localEndpoint(t, nodeA.Addr())})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, conversationID, err := nodeA.Request(ctx, "agent-b", "schedule.meeting", map[string]string{"when": "2pm"}, egress.SendOptions{Interactive: true})
	require.NoError(t, err)
	require.NotEmpty(t, result.EnvelopeID)

	var approval *conversation.Approval
	select {
	case approval = <-pending:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for approval pending event")
	}
	require.Equal(t, conversationID, approval.Envelope.Conversation)

	_, err = nodeB.Approve(approval.ID, "go ahead")
	require.NoError(t, err)

	select {
	case env := <-received:
		require.Equal(t, envelope.TypeResponse, env.Type)
		require.Equal(t, conversationID, env.Conversation)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(env.Payload, &payload))
		require.Equal(t, "true", payload["confirmed"])
		require.Equal(t, "go ahead", payload["reply"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response envelope at the requester")
	}
}

// TestPingRecordsPeerX25519Key covers scenario 1: after A pings B, A's
// Contact Registry holds B's X25519 key, learned only from the ping
// response descriptor, and B's registry holds A's in turn from the
// descriptor A sent as the ping payload.
func TestPingRecordsPeerX25519Key(t *testing.T) {
	nodeB := newTestNode(t, "agent-b", Events{})
	nodeA := newTestNode(t, "agent-a", Events{})

	_, err := nodeA.AddContact("agent-b", contacts.Update{Endpoint: localEndpoint(t, nodeB.Addr())})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	desc, err := nodeA.Ping(ctx, "agent-b")
	require.NoError(t, err)
	require.NotEmpty(t, desc.X25519PublicKey)

	contactOfB, err := nodeA.GetContact("agent-b")
	require.NoError(t, err)
	require.Equal(t, desc.X25519PublicKey, contactOfB.XPublicKey)

	contactOfA, err := nodeB.GetContact("agent-a")
	require.NoError(t, err)
	require.NotEmpty(t, contactOfA.XPublicKey)
}
