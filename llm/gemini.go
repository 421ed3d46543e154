package llm

import (
	"context"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/parley-dev/parley/errors"
	"github.com/parley-dev/parley/session"
	"github.com/parley-dev/parley/stream"
	"github.com/parley-dev/parley/tools"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiLLMClient is a streaming client for the Google Gemini API.
type GeminiLLMClient struct {
	model *genai.GenerativeModel
}

// NewGeminiLLMClient creates a new GeminiLLMClient.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiLLMClient(ctx context.Context, modelName string) (*GeminiLLMClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiLLMClient{
		model: client.GenerativeModel(modelName),
	}, nil
}

// ChatStream sends a chat request to the Gemini API and forwards the
// streamed candidates as fragments.
func (g *GeminiLLMClient) ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Descriptor) (<-chan Fragment, error) {
	history, systemPrompt := convertMessagesToGeminiContent(messages)
	if len(history) == 0 {
		return nil, errors.New("no messages to send")
	}
	if systemPrompt != "" {
		g.model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	}
	g.model.Tools = convertToolsToGeminiTools(availableTools)

	// The last message is the new prompt; everything before is history.
	last := history[len(history)-1]
	chatSession := g.model.StartChat()
	chatSession.History = history[:len(history)-1]

	ch := make(chan Fragment)
	go func() {
		defer close(ch)

		var usage *Usage
		iter := chatSession.SendMessageStream(ctx, last.Parts...)
		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				ch <- Fragment{Err: errors.Wrapf(err, "Gemini stream failed")}
				return
			}
			if resp.UsageMetadata != nil {
				usage = &Usage{
					InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				}
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				var frag Fragment
				switch v := part.(type) {
				case genai.Text:
					if v == "" {
						continue
					}
					frag = Fragment{Text: string(v)}
				case genai.FunctionCall:
					frag = Fragment{ToolCall: &stream.ToolCall{Name: v.Name, Args: v.Args}}
				default:
					continue
				}
				select {
				case ch <- frag:
				case <-ctx.Done():
					return
				}
			}
		}
		if usage != nil {
			ch <- Fragment{Usage: usage}
		}
	}()
	return ch, nil
}

// convertMessagesToGeminiContent converts our internal message format to Gemini's.
func convertMessagesToGeminiContent(messages []session.Message) ([]*genai.Content, string) {
	var contents []*genai.Content
	var systemPrompt string
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemPrompt = msg.Content
		case "assistant":
			parts := []genai.Part{}
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Args})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}
		case "tool":
			if len(msg.ToolCalls) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []genai.Part{genai.FunctionResponse{
					Name:     msg.ToolCalls[0].Name,
					Response: map[string]interface{}{"output": msg.Content},
				}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		}
	}
	return contents, systemPrompt
}

// convertToolsToGeminiTools converts tool descriptors to Gemini's FunctionDeclaration format.
func convertToolsToGeminiTools(ts []tools.Descriptor) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, t := range ts {
		properties := map[string]*genai.Schema{}
		for name, prop := range t.Schema.Properties {
			properties[name] = &genai.Schema{
				Type:        genaiType(prop.Type),
				Description: prop.Description,
			}
		}
		fd := &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
		}
		if len(properties) > 0 {
			fd.Parameters = &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   t.Schema.Required,
			}
		}
		funcDecls = append(funcDecls, fd)
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

func genaiType(t string) genai.Type {
	switch t {
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	default:
		return genai.TypeString
	}
}
