package adapter

import "context"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// ModelInfo describes a model.
type ModelInfo struct {
	Name        string
	Description string
	MaxTokens   int // input token limit, 0 when unknown
	Supports    []string
}

// Usage for a single chat call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatOptions tunes a single call. Providers ignore what they cannot honor.
type ChatOptions struct {
	JSON            bool
	Temperature     *float64
	MaxOutputTokens int
}

type ChatOption func(*ChatOptions)

// WithJSON asks the provider for a JSON-only response.
func WithJSON() ChatOption { return func(o *ChatOptions) { o.JSON = true } }

func WithTemperature(t float64) ChatOption {
	return func(o *ChatOptions) { o.Temperature = &t }
}

func WithMaxOutputTokens(n int) ChatOption {
	return func(o *ChatOptions) { o.MaxOutputTokens = n }
}

// ApplyChatOptions folds opts into a ChatOptions value.
func ApplyChatOptions(opts []ChatOption) ChatOptions {
	var o ChatOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// AIServiceAdapter is the port for LLM chat.
type AIServiceAdapter interface {
	ListModels(ctx context.Context) ([]string, error)
	GetModelInfo(model string) (ModelInfo, error)

	// CountTokens must return prompt tokens for the provided messages
	// (provider-specific counting; best-effort when exact isn't available).
	CountTokens(ctx context.Context, model string, messages []Message) (int, error)

	// Chat returns only the assistant text
	Chat(ctx context.Context, model string, messages []Message, opts ...ChatOption) (string, error)

	// ChatWithUsage returns assistant text + usage as reported by the provider.
	ChatWithUsage(ctx context.Context, model string, messages []Message, opts ...ChatOption) (string, Usage, error)
}
