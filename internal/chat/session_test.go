package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undoable/undoable/internal/chat/llm"
)

func TestGetOrCreateReusesExistingSession(t *testing.T) {
	s := NewSessionStore(nil)
	sess := s.GetOrCreate("", "agent-1")
	require.NotEmpty(t, sess.ID)

	again := s.GetOrCreate(sess.ID, "agent-1")
	assert.Equal(t, sess.ID, again.ID)
}

func TestGetOrCreateGeneratesIDWhenEmpty(t *testing.T) {
	s := NewSessionStore(nil)
	a := s.GetOrCreate("", "")
	b := s.GetOrCreate("", "")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestAppendAccumulatesMessages(t *testing.T) {
	s := NewSessionStore(nil)
	sess := s.GetOrCreate("", "")
	s.Append(sess.ID, llm.Message{Role: llm.RoleUser, Content: "hi"})
	s.Append(sess.ID, llm.Message{Role: llm.RoleAssistant, Content: "hello"})

	msgs := s.Messages(sess.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "hello", msgs[1].Content)
}

func TestAppendUnknownSessionIsNoop(t *testing.T) {
	s := NewSessionStore(nil)
	s.Append("missing", llm.Message{Role: llm.RoleUser, Content: "hi"})
	assert.Nil(t, s.Messages("missing"))
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewSessionStore(nil)
	sess := s.GetOrCreate("", "")
	got, ok := s.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, sess.ID, got.ID)

	got.PersistentGoals = "mutated"
	again, ok := s.Get(sess.ID)
	require.True(t, ok)
	assert.Empty(t, again.PersistentGoals)
}
