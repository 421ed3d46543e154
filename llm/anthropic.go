package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/parley-dev/parley/errors"
	"github.com/parley-dev/parley/session"
	"github.com/parley-dev/parley/stream"
	"github.com/parley-dev/parley/tools"
)

// AnthropicLLMClient is a streaming client for the Anthropic API.
type AnthropicLLMClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicLLMClient creates a new AnthropicLLMClient.
// It requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicLLMClient(ctx context.Context, modelName string) (*AnthropicLLMClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &AnthropicLLMClient{
		client: &client,
		model:  modelName,
	}, nil
}

// ChatStream sends a chat request to the Anthropic API and forwards the
// response as fragments: text deltas as they arrive, tool calls once
// their input JSON has fully accumulated, usage at the end.
func (a *AnthropicLLMClient) ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Descriptor) (<-chan Fragment, error) {
	anthropicMessages, systemPrompt := convertMessagesToAnthropicMessages(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 4096,
		Messages:  anthropicMessages,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	for _, toolParam := range convertToolsToAnthropicTools(availableTools) {
		toolParam := toolParam
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}

	ch := make(chan Fragment)
	go func() {
		defer close(ch)

		sse := a.client.Messages.NewStreaming(ctx, params)
		message := anthropic.Message{}
		for sse.Next() {
			event := sse.Current()
			if err := message.Accumulate(event); err != nil {
				ch <- Fragment{Err: errors.Wrapf(err, "failed to accumulate Anthropic event")}
				return
			}
			if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					select {
					case ch <- Fragment{Text: delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if err := sse.Err(); err != nil {
			ch <- Fragment{Err: errors.Wrapf(err, "Anthropic stream failed")}
			return
		}

		// Tool-use blocks are only complete once the stream has ended.
		for _, block := range message.Content {
			tu, ok := block.AsAny().(anthropic.ToolUseBlock)
			if !ok {
				continue
			}
			var args map[string]interface{}
			if err := json.Unmarshal(tu.Input, &args); err != nil {
				ch <- Fragment{Err: errors.Wrapf(err, "failed to unmarshal tool call input")}
				return
			}
			select {
			case ch <- Fragment{ToolCall: &stream.ToolCall{ID: tu.ID, Name: tu.Name, Args: args}}:
			case <-ctx.Done():
				return
			}
		}

		ch <- Fragment{Usage: &Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		}}
	}()
	return ch, nil
}

// convertMessagesToAnthropicMessages converts our internal message format to Anthropic's format.
func convertMessagesToAnthropicMessages(messages []session.Message) ([]anthropic.MessageParam, string) {
	var anthropicMessages []anthropic.MessageParam
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case "assistant":
			var contentItems []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				contentItems = append(contentItems, anthropic.ContentBlockParamUnion{
					OfText: &anthropic.TextBlockParam{Text: msg.Content},
				})
			}
			for _, tc := range msg.ToolCalls {
				argsBytes, err := json.Marshal(tc.Args)
				if err != nil {
					continue
				}
				contentItems = append(contentItems, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						Type:  "tool_use",
						ID:    tc.ToolCallID,
						Name:  tc.Name,
						Input: argsBytes,
					}})
			}
			if len(contentItems) > 0 {
				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: contentItems,
				})
			}
		case "tool":
			if len(msg.ToolCalls) > 0 {
				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role: anthropic.MessageParamRoleUser,
					Content: []anthropic.ContentBlockParamUnion{{
						OfToolResult: &anthropic.ToolResultBlockParam{
							ToolUseID: msg.ToolCalls[0].ToolCallID,
							Content: []anthropic.ToolResultBlockParamContentUnion{{
								OfText: &anthropic.TextBlockParam{Text: msg.Content},
							}},
						},
					}},
				})
			}
		case "system":
			// The last system message becomes the system prompt.
			systemPrompt = msg.Content
		}
	}

	return anthropicMessages, systemPrompt
}

// convertToolsToAnthropicTools converts tool descriptors to Anthropic's tool format.
func convertToolsToAnthropicTools(ts []tools.Descriptor) []anthropic.ToolParam {
	if len(ts) == 0 {
		return nil
	}

	var anthropicTools []anthropic.ToolParam
	for _, t := range ts {
		properties := map[string]interface{}{}
		for name, prop := range t.Schema.Properties {
			properties[name] = map[string]interface{}{
				"type":        prop.Type,
				"description": prop.Description,
			}
		}
		anthropicTools = append(anthropicTools, anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: properties,
			},
		})
	}
	return anthropicTools
}
