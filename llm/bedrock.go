package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/parley-dev/parley/errors"
	"github.com/parley-dev/parley/session"
	"github.com/parley-dev/parley/stream"
	"github.com/parley-dev/parley/tools"
)

// BedrockLLMClient is a streaming client for Anthropic models on AWS Bedrock.
type BedrockLLMClient struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockLLMClient creates a new BedrockLLMClient.
// It requires AWS credentials to be configured in the environment.
func NewBedrockLLMClient(ctx context.Context, modelID string) (*BedrockLLMClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	return &BedrockLLMClient{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// ChatStream invokes the model with a response stream and translates the
// raw Anthropic-on-Bedrock chunk events into fragments.
func (b *BedrockLLMClient) ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Descriptor) (<-chan Fragment, error) {
	requestBody, err := createBedrockRequest(messages, availableTools)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Bedrock request")
	}

	resp, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to invoke Bedrock model")
	}

	ch := make(chan Fragment)
	go func() {
		defer close(ch)

		es := resp.GetStream()
		defer es.Close()

		dec := newBedrockChunkDecoder()
		for event := range es.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			frags, err := dec.decode(chunk.Value.Bytes)
			if err != nil {
				ch <- Fragment{Err: err}
				return
			}
			for _, frag := range frags {
				select {
				case ch <- frag:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := es.Err(); err != nil {
			ch <- Fragment{Err: errors.Wrapf(err, "Bedrock stream failed")}
			return
		}
		ch <- Fragment{Usage: &dec.usage}
	}()
	return ch, nil
}

// bedrockChunkDecoder assembles fragments from the chunked Anthropic
// streaming events: text deltas pass straight through, tool-use blocks
// buffer their input JSON until the block stops.
type bedrockChunkDecoder struct {
	blocks map[int]*pendingToolUse
	usage  Usage
}

type pendingToolUse struct {
	id   string
	name string
	json strings.Builder
}

func newBedrockChunkDecoder() *bedrockChunkDecoder {
	return &bedrockChunkDecoder{blocks: make(map[int]*pendingToolUse)}
}

func (d *bedrockChunkDecoder) decode(raw []byte) ([]Fragment, error) {
	var event map[string]interface{}
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal Bedrock chunk")
	}

	eventType, _ := event["type"].(string)
	switch eventType {
	case "message_start":
		if msg, ok := event["message"].(map[string]interface{}); ok {
			if usage, ok := msg["usage"].(map[string]interface{}); ok {
				if n, ok := usage["input_tokens"].(float64); ok {
					d.usage.InputTokens = int(n)
				}
			}
		}

	case "content_block_start":
		index := chunkIndex(event)
		if block, ok := event["content_block"].(map[string]interface{}); ok {
			if blockType, _ := block["type"].(string); blockType == "tool_use" {
				id, _ := block["id"].(string)
				name, _ := block["name"].(string)
				d.blocks[index] = &pendingToolUse{id: id, name: name}
			}
		}

	case "content_block_delta":
		delta, ok := event["delta"].(map[string]interface{})
		if !ok {
			break
		}
		switch deltaType, _ := delta["type"].(string); deltaType {
		case "text_delta":
			if text, ok := delta["text"].(string); ok && text != "" {
				return []Fragment{{Text: text}}, nil
			}
		case "input_json_delta":
			if pending := d.blocks[chunkIndex(event)]; pending != nil {
				if partial, ok := delta["partial_json"].(string); ok {
					pending.json.WriteString(partial)
				}
			}
		}

	case "content_block_stop":
		index := chunkIndex(event)
		pending := d.blocks[index]
		if pending == nil {
			break
		}
		delete(d.blocks, index)
		args := map[string]interface{}{}
		if raw := pending.json.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, errors.Wrapf(err, "failed to unmarshal tool input for '%s'", pending.name)
			}
		}
		return []Fragment{{ToolCall: &stream.ToolCall{ID: pending.id, Name: pending.name, Args: args}}}, nil

	case "message_delta":
		if usage, ok := event["usage"].(map[string]interface{}); ok {
			if n, ok := usage["output_tokens"].(float64); ok {
				d.usage.OutputTokens = int(n)
			}
		}
	}
	return nil, nil
}

func chunkIndex(event map[string]interface{}) int {
	if n, ok := event["index"].(float64); ok {
		return int(n)
	}
	return 0
}

// createBedrockRequest builds the request body for Anthropic models on Bedrock.
func createBedrockRequest(messages []session.Message, availableTools []tools.Descriptor) ([]byte, error) {
	anthropicMessages, systemPrompt := convertMessagesToBedrockFormat(messages)

	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        4096,
		"messages":          anthropicMessages,
	}
	if systemPrompt != "" {
		request["system"] = systemPrompt
	}
	if len(availableTools) > 0 {
		var toolDefs []map[string]interface{}
		for _, t := range availableTools {
			properties := map[string]interface{}{}
			for name, prop := range t.Schema.Properties {
				properties[name] = map[string]interface{}{
					"type":        prop.Type,
					"description": prop.Description,
				}
			}
			toolDefs = append(toolDefs, map[string]interface{}{
				"name":        t.Name,
				"description": t.Description,
				"input_schema": map[string]interface{}{
					"type":       "object",
					"properties": properties,
				},
			})
		}
		request["tools"] = toolDefs
	}

	return json.Marshal(request)
}

// convertMessagesToBedrockFormat converts our internal message format to
// the Anthropic-on-Bedrock wire format.
func convertMessagesToBedrockFormat(messages []session.Message) ([]map[string]interface{}, string) {
	var anthropicMessages []map[string]interface{}
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			anthropicMessages = append(anthropicMessages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{"type": "text", "text": msg.Content},
				},
			})
		case "assistant":
			var content []map[string]interface{}
			if msg.Content != "" {
				content = append(content, map[string]interface{}{
					"type": "text", "text": msg.Content,
				})
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ToolCallID,
					"name":  tc.Name,
					"input": tc.Args,
				})
			}
			if len(content) > 0 {
				anthropicMessages = append(anthropicMessages, map[string]interface{}{
					"role":    "assistant",
					"content": content,
				})
			}
		case "tool":
			if len(msg.ToolCalls) > 0 {
				anthropicMessages = append(anthropicMessages, map[string]interface{}{
					"role": "user",
					"content": []map[string]interface{}{
						{
							"type":        "tool_result",
							"tool_use_id": msg.ToolCalls[0].ToolCallID,
							"content":     msg.Content,
						},
					},
				})
			}
		case "system":
			systemPrompt = msg.Content
		}
	}

	return anthropicMessages, systemPrompt
}
