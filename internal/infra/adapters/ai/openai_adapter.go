package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"kirinuki-pipeline/internal/domain"
	"kirinuki-pipeline/internal/domain/ports/adapter"
	"kirinuki-pipeline/internal/infra/metrics"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.AIServiceAdapter = (*OpenAIAdapter)(nil)

// OpenAIAdapter implements adapter.AIServiceAdapter using the Chat
// Completions API. Any compatible endpoint works through baseURL.
type OpenAIAdapter struct {
	client openai.Client
	model  string
	tokens *TokenCounter
}

func NewOpenAIAdapter(apiKey, baseURL, model string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(2 * time.Minute),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIAdapter{
		client: openai.NewClient(opts...),
		model:  model,
		tokens: NewTokenCounter(model),
	}, nil
}

func (o *OpenAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{o.model}, nil
}

func (o *OpenAIAdapter) GetModelInfo(model string) (adapter.ModelInfo, error) {
	if model == "" {
		model = o.model
	}
	return adapter.ModelInfo{
		Name:        model,
		Description: "OpenAI Chat Completions model",
		Supports:    []string{"text", "json"},
	}, nil
}

// CountTokens is local; the API has no counting endpoint.
func (o *OpenAIAdapter) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	return o.tokens.CountMessages(messages), nil
}

func (o *OpenAIAdapter) Chat(ctx context.Context, model string, messages []adapter.Message, opts ...adapter.ChatOption) (string, error) {
	reply, _, err := o.ChatWithUsage(ctx, model, messages, opts...)
	return reply, err
}

func (o *OpenAIAdapter) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message, opts ...adapter.ChatOption) (string, adapter.Usage, error) {
	if model == "" {
		model = o.model
	}
	if len(messages) == 0 {
		return "", adapter.Usage{}, errors.New("openai: no messages")
	}
	params := openAIParams(model, messages, adapter.ApplyChatOptions(opts))

	start := time.Now()
	metrics.AICallStarted()
	resp, err := o.client.Chat.Completions.New(ctx, params)
	metrics.AICallFinished()
	latency := time.Since(start).Milliseconds()
	if err != nil {
		err = classifyOpenAIErr(err)
		metrics.ObserveChatUsage("openai", model, 0, 0, latency, callResult(err))
		return "", adapter.Usage{}, err
	}

	u := adapter.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	for _, c := range resp.Choices {
		if text := strings.TrimSpace(c.Message.Content); text != "" {
			metrics.ObserveChatUsage("openai", model, u.PromptTokens, u.CompletionTokens, latency, metrics.AIResultOK)
			return text, u, nil
		}
	}
	metrics.ObserveChatUsage("openai", model, u.PromptTokens, u.CompletionTokens, latency, metrics.AIResultEmpty)
	return "", u, errors.New("openai: no choice content")
}

func openAIParams(model string, messages []adapter.Message, o adapter.ChatOptions) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch strings.ToLower(m.Role) {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}
	if o.Temperature != nil {
		params.Temperature = openai.Float(*o.Temperature)
	}
	if o.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(o.MaxOutputTokens))
	}
	if o.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		}
	}
	return params
}

func classifyOpenAIErr(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("openai: %w: %v", domain.ErrRateLimited, err)
	}
	return fmt.Errorf("openai: %w", err)
}
