package brainstem

import (
	"context"
	"encoding/json"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIAdapter serves a role over the OpenAI (or an OpenAI-compatible)
// API via the go-openai client, rather than the generic chat-completions
// HTTP body respondHTTP speaks directly.
type OpenAIAdapter struct {
	client *openai.Client
}

// NewOpenAIAdapter builds an adapter. If baseURL is non-empty, the client
// targets that OpenAI-compatible endpoint instead of the public API.
func NewOpenAIAdapter(apiKey, baseURL string) *OpenAIAdapter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIAdapter{client: openai.NewClientWithConfig(cfg)}
}

// Respond implements ProviderAdapter.
func (a *OpenAIAdapter) Respond(ctx context.Context, cfg ModelRoleConfig, req RespondRequest) (LLMResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		om := openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID: tc.ID, Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: tc.Name, Arguments: string(argsJSON)},
			})
		}
		messages = append(messages, om)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       cfg.ModelID,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}
	for _, t := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:       t.Name,
				Parameters: parametersSchema(t.Parameters),
			},
		})
	}

	resp, err := a.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return LLMResponse{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return LLMResponse{}, &LLMError{Kind: "invalid_response", Message: "openai: no choices returned"}
	}
	choice := resp.Choices[0].Message

	out := LLMResponse{
		Role:    ChatRole(choice.Role),
		Content: choice.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		ResponseID: resp.ID,
	}
	for i, tc := range choice.ToolCalls {
		idx := i
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Index: &idx, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if ok := asOpenAIAPIError(err, &apiErr); ok {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return &LLMError{Kind: "rate_limited", Message: apiErr.Message}
		case apiErr.HTTPStatusCode >= 400:
			return &LLMError{Kind: "invalid_response", Message: apiErr.Message}
		}
	}
	return &LLMError{Kind: "connection", Message: err.Error()}
}

func asOpenAIAPIError(err error, target **openai.APIError) bool {
	apiErr, ok := err.(*openai.APIError)
	if ok {
		*target = apiErr
	}
	return ok
}

// AnthropicAdapter serves a role over the Anthropic Messages API via
// anthropic-sdk-go.
type AnthropicAdapter struct {
	client anthropic.Client
}

// NewAnthropicAdapter builds an adapter bound to apiKey.
func NewAnthropicAdapter(apiKey string) *AnthropicAdapter {
	return &AnthropicAdapter{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

// Respond implements ProviderAdapter.
func (a *AnthropicAdapter) Respond(ctx context.Context, cfg ModelRoleConfig, req RespondRequest) (LLMResponse, error) {
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser, RoleTool:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.ModelID),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return LLMResponse{}, &LLMError{Kind: "connection", Message: err.Error()}
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return LLMResponse{
		Role:    RoleAssistant,
		Content: content,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
		ResponseID: resp.ID,
	}, nil
}

// BedrockAdapter serves a role through Amazon Bedrock's runtime Converse
// API via aws-sdk-go-v2/service/bedrockruntime.
type BedrockAdapter struct {
	client *bedrockruntime.Client
}

// NewBedrockAdapter wraps an already-configured Bedrock runtime client
// (built from aws-sdk-go-v2/config.LoadDefaultConfig by the caller, which
// owns credential resolution).
func NewBedrockAdapter(client *bedrockruntime.Client) *BedrockAdapter {
	return &BedrockAdapter{client: client}
}

// Respond implements ProviderAdapter using Bedrock's Converse API, which
// normalizes across model families (Claude, Llama, Titan, ...).
func (a *BedrockAdapter) Respond(ctx context.Context, cfg ModelRoleConfig, req RespondRequest) (LLMResponse, error) {
	if a.client == nil {
		return LLMResponse{}, &LLMError{Kind: "config", Message: "bedrock client not configured"}
	}

	messages := make([]types.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := types.ConversationRoleUser
		if m.Role == RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		if m.Role == RoleSystem {
			continue
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(cfg.ModelID),
		Messages: messages,
	}
	if req.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.SystemPrompt}}
	}
	if req.MaxTokens > 0 {
		mt := int32(req.MaxTokens)
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(mt)}
	}

	out, err := a.client.Converse(ctx, input)
	if err != nil {
		return LLMResponse{}, &LLMError{Kind: "connection", Message: err.Error()}
	}

	var content string
	if msgOut, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msgOut.Value.Content {
			if text, ok := block.(*types.ContentBlockMemberText); ok {
				content += text.Value
			}
		}
	}

	var usage Usage
	if out.Usage != nil {
		usage = Usage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}

	return LLMResponse{Role: RoleAssistant, Content: content, Usage: usage}, nil
}
