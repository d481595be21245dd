package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAnthropicModelDefaultsModelName(t *testing.T) {
	m := NewAnthropicModel("key", "")
	assert.Equal(t, "claude-sonnet-4-5-20250929", m.modelName)

	m2 := NewAnthropicModel("key", "claude-opus-4")
	assert.Equal(t, "claude-opus-4", m2.modelName)
}

func TestStreamRequiresAPIKey(t *testing.T) {
	m := NewAnthropicModel("", "")
	_, err := m.Stream(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestStreamRejectsCancelledContext(t *testing.T) {
	m := NewAnthropicModel("key", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Stream(ctx, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractSystemPromptJoinsMultipleSystemMessages(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "first"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleSystem, Content: "second"},
	}
	prompt, rest := extractSystemPrompt(messages)
	assert.Equal(t, "first\n\nsecond", prompt)
	assert.Len(t, rest, 1)
	assert.Equal(t, "hi", rest[0].Content)
}

func TestExtractSystemPromptEmptyWhenNoneSet(t *testing.T) {
	messages := []Message{{Role: RoleUser, Content: "hi"}}
	prompt, rest := extractSystemPrompt(messages)
	assert.Empty(t, prompt)
	assert.Len(t, rest, 1)
}

func TestConvertToolsExtractsPropertiesAndRequired(t *testing.T) {
	tools := []ToolSpec{{
		Name:        "echo",
		Description: "echoes text",
		Schema: map[string]interface{}{
			"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"text"},
		},
	}}
	converted := convertTools(tools)
	require := assert.New(t)
	require.Len(converted, 1)
	require.Equal("echo", converted[0].OfTool.Name)
	require.Equal([]string{"text"}, converted[0].OfTool.InputSchema.Required)
}
