package conversation

import (
	"testing"
	"time"

	"github.com/ai2ai-project/ai2ai-node/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateStartsProposed(t *testing.T) {
	s, err := Open(t.TempDir(), 7*24*time.Hour)
	require.NoError(t, err)

	c, err := s.Create("conv-1", CreateOptions{Intent: "schedule.meeting", Initiator: "a", Recipient: "b"})
	require.NoError(t, err)
	assert.Equal(t, StateProposed, c.State)
}

func TestTransitionTableAllowsProposedToNegotiating(t *testing.T) {
	s, err := Open(t.TempDir(), 7*24*time.Hour)
	require.NoError(t, err)
	_, err = s.Create("conv-1", CreateOptions{Initiator: "a", Recipient: "b"})
	require.NoError(t, err)

	c, err := s.Transition("conv-1", StateNegotiating)
	require.NoError(t, err)
	assert.Equal(t, StateNegotiating, c.State)
}

func TestTransitionRejectsDisallowedMove(t *testing.T) {
	s, err := Open(t.TempDir(), 7*24*time.Hour)
	require.NoError(t, err)
	_, err = s.Create("conv-1", CreateOptions{Initiator: "a", Recipient: "b"})
	require.NoError(t, err)

	_, err = s.Transition("conv-1", StateConfirmed)
	require.NoError(t, err)

	_, err = s.Transition("conv-1", StateNegotiating)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	c, err := s.Get("conv-1")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, c.State, "failed transition must not mutate state")
}

func TestTerminalStateNeverLeaves(t *testing.T) {
	s, err := Open(t.TempDir(), 7*24*time.Hour)
	require.NoError(t, err)
	_, err = s.Create("conv-1", CreateOptions{Initiator: "a", Recipient: "b"})
	require.NoError(t, err)
	_, err = s.Transition("conv-1", StateRejected)
	require.NoError(t, err)

	_, err = s.Transition("conv-1", StateConfirmed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAppendIncrementsMessageCount(t *testing.T) {
	s, err := Open(t.TempDir(), 7*24*time.Hour)
	require.NoError(t, err)
	_, err = s.Create("conv-1", CreateOptions{Initiator: "a", Recipient: "b"})
	require.NoError(t, err)

	env := &envelope.Envelope{ID: envelope.NewID(), Conversation: "conv-1", Type: envelope.TypeMessage}
	require.NoError(t, s.Append("conv-1", env))
	require.NoError(t, s.Append("conv-1", env))

	c, err := s.Get("conv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.MessageCount)
}

func TestSweepExpiredMarksStaleConversations(t *testing.T) {
	s, err := Open(t.TempDir(), time.Millisecond)
	require.NoError(t, err)
	_, err = s.Create("conv-1", CreateOptions{Initiator: "a", Recipient: "b"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	expired, err := s.SweepExpired()
	require.NoError(t, err)
	assert.Equal(t, []string{"conv-1"}, expired)

	c, err := s.Get("conv-1")
	require.NoError(t, err)
	assert.Equal(t, StateExpired, c.State)
}

func TestReopenRestoresConversations(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, 7*24*time.Hour)
	require.NoError(t, err)
	_, err = s1.Create("conv-1", CreateOptions{Initiator: "a", Recipient: "b"})
	require.NoError(t, err)

	s2, err := Open(dir, 7*24*time.Hour)
	require.NoError(t, err)
	c, err := s2.Get("conv-1")
	require.NoError(t, err)
	assert.Equal(t, StateProposed, c.State)
}
