// Package llm provides the streaming chat-completion adapter driving reply
// generation. Model names may be a `;`-separated preference list resolved
// against the configured model table.
package llm

import (
	"context"
	"strings"
)

// ErrorToken is emitted as a single terminal chunk when no model could be
// resolved for a request.
const ErrorToken = "【Error: No LLM model available】"

// DefaultModelKey is the well-known fallback entry in the model table.
const DefaultModelKey = "replyer"

// Chunk is one item of a generation stream. Err, when set, is terminal:
// no further chunks follow.
type Chunk struct {
	Text string
	Err  error
}

// Streamer generates a streamed completion for a prompt. Implementations
// must honor ctx cancellation at chunk boundaries and treat it as a
// terminal, non-error condition. Providers that cannot stream emit one
// final chunk containing the full text.
type Streamer interface {
	GenerateStream(ctx context.Context, prompt, modelName string) <-chan Chunk
}

// ModelConfig describes one entry of the model table.
type ModelConfig struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// APIKeyEnv names an environment variable that overrides APIKey.
	APIKeyEnv string `yaml:"api_key_env"`
	// ForceNonStreaming requests a single full-text completion.
	ForceNonStreaming bool    `yaml:"force_non_streaming"`
	Temperature       float32 `yaml:"temperature"`
	MaxTokens         int     `yaml:"max_tokens"`
}

// ResolveModel picks a model-table entry for a preference list: exact key
// first, then substring match, then the well-known default, then any
// configured model. ok is false when the table is empty.
func ResolveModel(models map[string]ModelConfig, preference string) (string, ModelConfig, bool) {
	candidates := make([]string, 0, 4)
	for _, c := range strings.Split(preference, ";") {
		if c = strings.TrimSpace(c); c != "" {
			candidates = append(candidates, c)
		}
	}

	for _, candidate := range candidates {
		if cfg, ok := models[candidate]; ok {
			return candidate, cfg, true
		}
		if name, cfg, ok := substringMatch(models, candidate); ok {
			return name, cfg, true
		}
	}

	if cfg, ok := models[DefaultModelKey]; ok {
		return DefaultModelKey, cfg, true
	}
	for name, cfg := range sorted(models) {
		return name, cfg, true
	}
	return "", ModelConfig{}, false
}

func substringMatch(models map[string]ModelConfig, candidate string) (string, ModelConfig, bool) {
	// Deterministic iteration so a stable entry wins among multiple matches.
	for name, cfg := range sorted(models) {
		if strings.Contains(name, candidate) {
			return name, cfg, true
		}
	}
	return "", ModelConfig{}, false
}

func sorted(models map[string]ModelConfig) func(func(string, ModelConfig) bool) {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	// Insertion sort; the table is tiny.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return func(yield func(string, ModelConfig) bool) {
		for _, name := range names {
			if !yield(name, models[name]) {
				return
			}
		}
	}
}
