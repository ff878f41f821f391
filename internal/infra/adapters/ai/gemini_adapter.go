// File: internal/infra/adapters/ai/gemini_adapter.go
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"kirinuki-pipeline/internal/domain"
	"kirinuki-pipeline/internal/domain/ports/adapter"
	"kirinuki-pipeline/internal/infra/metrics"
)

var _ adapter.AIServiceAdapter = (*GeminiAdapter)(nil)

type GeminiAdapter struct {
	client       *genai.Client
	defaultModel string
	maxOut       int
}

// NewGeminiAdapter creates a Gemini adapter using the official SDK.
func NewGeminiAdapter(ctx context.Context, apiKey, baseUrl, defaultModel string, maxOut int) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseUrl,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiAdapter{client: c, defaultModel: defaultModel, maxOut: maxOut}, nil
}

func (g *GeminiAdapter) ListModels(ctx context.Context) ([]string, error) {
	var out []string
	for m, err := range g.client.Models.All(ctx) {
		if err != nil {
			break
		}
		if m.Name != "" {
			out = append(out, strings.TrimPrefix(m.Name, "models/"))
		}
	}
	if len(out) == 0 && g.defaultModel != "" {
		out = []string{g.defaultModel}
	}
	return out, nil
}

func (g *GeminiAdapter) GetModelInfo(model string) (adapter.ModelInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m, err := g.client.Models.Get(ctx, modelOrDefault(model, g.defaultModel), nil)
	if err != nil {
		// Minimal info keeps callers going.
		return adapter.ModelInfo{Name: model}, nil
	}
	return adapter.ModelInfo{
		Name:        m.Name,
		Description: m.Description,
		MaxTokens:   int(m.InputTokenLimit),
		Supports:    m.SupportedActions,
	}, nil
}

func (g *GeminiAdapter) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	_, contents := toGenAIContents(messages)
	resp, err := g.client.Models.CountTokens(ctx, modelOrDefault(model, g.defaultModel), contents, nil)
	if err != nil {
		return 0, err
	}
	return int(resp.TotalTokens), nil
}

func (g *GeminiAdapter) Chat(ctx context.Context, model string, messages []adapter.Message, opts ...adapter.ChatOption) (string, error) {
	reply, _, err := g.chatCore(ctx, model, messages, adapter.ApplyChatOptions(opts))
	return reply, err
}

func (g *GeminiAdapter) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message, opts ...adapter.ChatOption) (string, adapter.Usage, error) {
	return g.chatCore(ctx, model, messages, adapter.ApplyChatOptions(opts))
}

// --- internal ---

func (g *GeminiAdapter) chatCore(ctx context.Context, model string, messages []adapter.Message, o adapter.ChatOptions) (string, adapter.Usage, error) {
	if len(messages) == 0 {
		return "", adapter.Usage{}, errors.New("gemini: no messages")
	}
	model = modelOrDefault(model, g.defaultModel)
	system, contents := toGenAIContents(messages)
	if len(contents) == 0 {
		return "", adapter.Usage{}, errors.New("gemini: no user content")
	}

	cfg := geminiConfig(system, o, g.maxOut)

	start := time.Now()
	metrics.AICallStarted()
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	metrics.AICallFinished()
	latency := time.Since(start).Milliseconds()
	if err != nil {
		err = classifyGeminiErr(err)
		metrics.ObserveChatUsage("gemini", model, 0, 0, latency, callResult(err))
		return "", adapter.Usage{}, err
	}

	text := strings.TrimSpace(resp.Text())
	u := adapter.Usage{}
	if resp.UsageMetadata != nil {
		u.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		u.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		u.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	if text == "" {
		metrics.ObserveChatUsage("gemini", model, u.PromptTokens, u.CompletionTokens, latency, metrics.AIResultEmpty)
		return "", u, errors.New("gemini: empty response")
	}
	metrics.ObserveChatUsage("gemini", model, u.PromptTokens, u.CompletionTokens, latency, metrics.AIResultOK)
	return text, u, nil
}

func geminiConfig(system *genai.Content, o adapter.ChatOptions, maxOut int) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{SystemInstruction: system}
	if o.MaxOutputTokens > 0 {
		maxOut = o.MaxOutputTokens
	}
	if maxOut > 0 {
		cfg.MaxOutputTokens = int32(maxOut)
	}
	if o.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	if o.Temperature != nil {
		t := float32(*o.Temperature)
		cfg.Temperature = &t
	}
	return cfg
}

// toGenAIContents splits system messages into a system instruction and
// maps the rest onto user/model turns.
func toGenAIContents(msgs []adapter.Message) (*genai.Content, []*genai.Content) {
	var system []*genai.Part
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			system = append(system, &genai.Part{Text: m.Content})
			continue
		case "assistant", "model":
			out = append(out, &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: m.Content}}})
		default:
			out = append(out, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	if len(system) == 0 {
		return nil, out
	}
	return &genai.Content{Parts: system}, out
}

func classifyGeminiErr(err error) error {
	var apiErr genai.APIError
	if (errors.As(err, &apiErr) && apiErr.Code == 429) || strings.Contains(err.Error(), "RESOURCE_EXHAUSTED") {
		return fmt.Errorf("gemini: %w: %v", domain.ErrRateLimited, err)
	}
	return fmt.Errorf("gemini: %w", err)
}

func modelOrDefault(model, def string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return def
}
