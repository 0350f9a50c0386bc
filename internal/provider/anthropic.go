package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is used when neither the request nor the config names a model.
const DefaultAnthropicModel = "claude-sonnet-4-5"

const defaultAnthropicMaxTokens = 4096

// AnthropicProvider implements LLMProvider with the Anthropic Messages API.
type AnthropicProvider struct {
	client       *anthropic.Client
	defaultModel string
}

// NewAnthropicProvider creates a provider. apiBase may be empty.
func NewAnthropicProvider(apiKey, apiBase, defaultModel string, opts ...option.RequestOption) *AnthropicProvider {
	if defaultModel == "" {
		defaultModel = DefaultAnthropicModel
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if apiBase != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(apiBase))
	}
	reqOpts = append(reqOpts, opts...)
	client := anthropic.NewClient(reqOpts...)
	return &AnthropicProvider{
		client:       &client,
		defaultModel: defaultModel,
	}
}

// DefaultModel returns the configured default model.
func (p *AnthropicProvider) DefaultModel() string {
	return p.defaultModel
}

// Chat sends a completion request to the Messages API.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	msg, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}
	return convertAnthropicResponse(msg), nil
}

func (p *AnthropicProvider) buildParams(req *ChatRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	system, messages := convertAnthropicMessages(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
		Tools:     convertAnthropicTools(req.Tools),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

// convertAnthropicMessages lifts system turns into the system prompt and
// folds consecutive tool results into a single user message.
func convertAnthropicMessages(messages []Message) (string, []anthropic.MessageParam) {
	var system []string
	result := make([]anthropic.MessageParam, 0, len(messages))
	var pendingResults []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleTool:
			pendingResults = append(pendingResults,
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, strings.HasPrefix(msg.Content, "Error")))
		case RoleAssistant:
			flush()
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: input,
					},
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(" "))
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		default:
			flush()
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flush()
	return strings.Join(system, "\n\n"), result
}

func convertAnthropicTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	result := make([]anthropic.ToolUnionParam, len(defs))
	for i, def := range defs {
		result[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        def.Function.Name,
				Description: anthropic.String(def.Function.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Type:       "object",
					Properties: def.Function.Parameters["properties"],
					Required:   requiredFields(def.Function.Parameters),
				},
			},
		}
	}
	return result
}

func requiredFields(params map[string]any) []string {
	switch req := params["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func convertAnthropicResponse(msg *anthropic.Message) *ChatResponse {
	var content strings.Builder
	result := &ChatResponse{
		FinishReason: string(msg.StopReason),
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			raw, _ := b.Input.MarshalJSON()
			var args map[string]any
			if err := json.Unmarshal(raw, &args); err != nil {
				args = map[string]any{"raw": string(raw)}
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		}
	}
	result.Content = content.String()
	return result
}
