// File: internal/infra/adapters/ai/multi_adapter.go
package ai

import (
	"context"
	"errors"
	"sort"
	"strings"

	"kirinuki-pipeline/internal/domain"
	"kirinuki-pipeline/internal/domain/ports/adapter"
	"kirinuki-pipeline/internal/infra/metrics"
)

var _ adapter.AIServiceAdapter = (*MultiAIAdapter)(nil)

var ErrNoProvider = errors.New("ai: no provider configured")

// MultiAIAdapter routes each call to a provider by model name. When the
// routed provider is rate limited the call is retried once on every other
// configured provider with that provider's own default model; the rate limit
// is returned only when all of them refuse.
type MultiAIAdapter struct {
	defaultProvider string
	byProvider      map[string]adapter.AIServiceAdapter
	modelToProvider map[string]string // model -> provider ("openai" | "gemini")
	order           []string
}

func NewMultiAIAdapter(
	defaultProvider string,
	byProvider map[string]adapter.AIServiceAdapter,
	modelToProvider map[string]string,
) *MultiAIAdapter {
	order := make([]string, 0, len(byProvider))
	for name, a := range byProvider {
		if a != nil {
			order = append(order, name)
		}
	}
	sort.Strings(order)
	return &MultiAIAdapter{
		defaultProvider: strings.ToLower(defaultProvider),
		byProvider:      byProvider,
		modelToProvider: modelToProvider,
		order:           order,
	}
}

func (m *MultiAIAdapter) resolveProvider(model string) string {
	if p := m.modelToProvider[model]; p != "" {
		return strings.ToLower(p)
	}
	l := strings.ToLower(model)
	switch {
	case strings.HasPrefix(l, "gemini"):
		return "gemini"
	case strings.HasPrefix(l, "gpt"), strings.HasPrefix(l, "o1"), strings.HasPrefix(l, "o3"), strings.HasPrefix(l, "o4"):
		return "openai"
	default:
		return m.defaultProvider
	}
}

// candidates lists the provider for model first, then the others by name.
func (m *MultiAIAdapter) candidates(model string) []string {
	primary := m.resolveProvider(model)
	if m.byProvider[primary] == nil && len(m.order) > 0 {
		primary = m.order[0]
	}
	if m.byProvider[primary] == nil {
		return nil
	}
	out := []string{primary}
	for _, name := range m.order {
		if name != primary {
			out = append(out, name)
		}
	}
	return out
}

func (m *MultiAIAdapter) pick(model string) adapter.AIServiceAdapter {
	if c := m.candidates(model); len(c) > 0 {
		return m.byProvider[c[0]]
	}
	return nil
}

func (m *MultiAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	for model := range m.modelToProvider {
		add(model)
	}
	for _, p := range m.order {
		list, _ := m.byProvider[p].ListModels(ctx)
		for _, name := range list {
			add(name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MultiAIAdapter) GetModelInfo(model string) (adapter.ModelInfo, error) {
	a := m.pick(model)
	if a == nil {
		return adapter.ModelInfo{Name: model}, nil
	}
	return a.GetModelInfo(model)
}

func (m *MultiAIAdapter) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	a := m.pick(model)
	if a == nil {
		return 0, nil
	}
	return a.CountTokens(ctx, model, messages)
}

func (m *MultiAIAdapter) Chat(ctx context.Context, model string, messages []adapter.Message, opts ...adapter.ChatOption) (string, error) {
	out, _, err := m.ChatWithUsage(ctx, model, messages, opts...)
	return out, err
}

func (m *MultiAIAdapter) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message, opts ...adapter.ChatOption) (string, adapter.Usage, error) {
	providers := m.candidates(model)
	if len(providers) == 0 {
		return "", adapter.Usage{}, ErrNoProvider
	}
	var firstErr error
	for i, p := range providers {
		callModel := model
		if i > 0 {
			callModel = "" // the fallback provider picks its own default
		}
		out, u, err := m.byProvider[p].ChatWithUsage(ctx, callModel, messages, opts...)
		if err == nil {
			return out, u, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if !errors.Is(err, domain.ErrRateLimited) || ctx.Err() != nil {
			return "", u, err
		}
	}
	return "", adapter.Usage{}, firstErr
}

// callResult maps a provider error to the metrics result label.
func callResult(err error) string {
	switch {
	case err == nil:
		return metrics.AIResultOK
	case errors.Is(err, domain.ErrRateLimited):
		return metrics.AIResultRateLimited
	default:
		return metrics.AIResultError
	}
}
