package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicModel adapts the Anthropic Messages API to the ChatModel
// contract, streaming text and tool-input deltas as they arrive.
type AnthropicModel struct {
	apiKey    string
	modelName string
	maxTokens int64
}

// NewAnthropicModel constructs an AnthropicModel. modelName defaults to a
// current Claude model when empty.
func NewAnthropicModel(apiKey, modelName string) *AnthropicModel {
	if modelName == "" {
		modelName = "claude-sonnet-4-5-20250929"
	}
	return &AnthropicModel{apiKey: apiKey, modelName: modelName, maxTokens: 8192}
}

// Stream implements ChatModel.
func (m *AnthropicModel) Stream(ctx context.Context, messages []Message, tools []ToolSpec) (<-chan Delta, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if m.apiKey == "" {
		return nil, errors.New("anthropic API key is required")
	}

	systemPrompt, conversation := extractSystemPrompt(messages)

	client := anthropicsdk.NewClient(option.WithAPIKey(m.apiKey))

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(m.modelName),
		MaxTokens: m.maxTokens,
		Messages:  convertMessages(conversation),
	}
	if systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: systemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	stream := client.Messages.NewStreaming(ctx, params)

	out := make(chan Delta, 16)
	go func() {
		defer close(out)

		toolIndex := -1
		for stream.Next() {
			event := stream.Current()
			switch variant := event.AsAny().(type) {
			case anthropicsdk.ContentBlockStartEvent:
				if block, ok := variant.ContentBlock.AsAny().(anthropicsdk.ToolUseBlock); ok {
					toolIndex++
					out <- Delta{
						Kind:          DeltaToolInput,
						ToolCallIndex: toolIndex,
						ToolCallID:    block.ID,
						ToolCallName:  block.Name,
					}
				}
			case anthropicsdk.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropicsdk.TextDelta:
					out <- Delta{Kind: DeltaText, Text: delta.Text}
				case anthropicsdk.InputJSONDelta:
					out <- Delta{
						Kind:              DeltaToolInput,
						ToolCallIndex:     toolIndex,
						ToolInputFragment: delta.PartialJSON,
					}
				}
			case anthropicsdk.MessageDeltaEvent:
				if string(variant.Delta.StopReason) != "" {
					out <- Delta{Kind: DeltaStop, StopReason: string(variant.Delta.StopReason)}
				}
			}

			select {
			case <-ctx.Done():
				return
			default:
			}
		}
		if err := stream.Err(); err != nil {
			out <- Delta{Kind: DeltaStop, StopReason: fmt.Sprintf("error: %v", err)}
		}
	}()

	return out, nil
}

func extractSystemPrompt(messages []Message) (string, []Message) {
	var systemPrompt string
	var rest []Message
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
			continue
		}
		rest = append(rest, msg)
	}
	return systemPrompt, rest
}

func convertMessages(messages []Message) []anthropicsdk.MessageParam {
	result := make([]anthropicsdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			result = append(result, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content)))
		case RoleAssistant:
			result = append(result, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(msg.Content)))
		case RoleTool:
			content, err := json.Marshal(msg.Content)
			if err != nil {
				content = []byte(`""`)
			}
			result = append(result, anthropicsdk.NewUserMessage(
				anthropicsdk.NewToolResultBlock(msg.ToolCallID, string(content), false),
			))
		default:
			result = append(result, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content)))
		}
	}
	return result
}

func convertTools(tools []ToolSpec) []anthropicsdk.ToolUnionParam {
	result := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var properties any
		var required []string
		if t.Schema != nil {
			if props, ok := t.Schema["properties"]; ok {
				properties = props
			}
			if req, ok := t.Schema["required"].([]string); ok {
				required = req
			} else if req, ok := t.Schema["required"].([]interface{}); ok {
				for _, v := range req {
					if s, ok := v.(string); ok {
						required = append(required, s)
					}
				}
			}
		}
		result = append(result, anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        t.Name,
				Description: anthropicsdk.String(t.Description),
				InputSchema: anthropicsdk.ToolInputSchemaParam{
					Properties: properties,
					Required:   required,
				},
			},
		})
	}
	return result
}
