package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIStreamer serves GenerateStream from a table of OpenAI-compatible
// endpoints. Clients are built lazily per entry and reused.
type OpenAIStreamer struct {
	models map[string]ModelConfig
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*openai.Client
}

func NewOpenAIStreamer(models map[string]ModelConfig, logger *slog.Logger) *OpenAIStreamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIStreamer{
		models:  models,
		logger:  logger,
		clients: make(map[string]*openai.Client),
	}
}

func (s *OpenAIStreamer) GenerateStream(ctx context.Context, prompt, modelName string) <-chan Chunk {
	out := make(chan Chunk, 8)

	name, cfg, ok := ResolveModel(s.models, modelName)
	if !ok {
		out <- Chunk{Text: ErrorToken}
		close(out)
		return out
	}

	go func() {
		defer close(out)
		if cfg.ForceNonStreaming {
			s.generateOnce(ctx, out, name, cfg, prompt)
			return
		}
		s.generateStreaming(ctx, out, name, cfg, prompt)
	}()
	return out
}

func (s *OpenAIStreamer) generateStreaming(ctx context.Context, out chan<- Chunk, name string, cfg ModelConfig, prompt string) {
	client := s.client(name, cfg)
	stream, err := client.CreateChatCompletionStream(ctx, s.request(cfg, prompt, true))
	if err != nil {
		s.emitErr(ctx, out, fmt.Errorf("llm %s: open stream: %w", name, err))
		return
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.emitErr(ctx, out, fmt.Errorf("llm %s: recv: %w", name, err))
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		select {
		case out <- Chunk{Text: delta}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *OpenAIStreamer) generateOnce(ctx context.Context, out chan<- Chunk, name string, cfg ModelConfig, prompt string) {
	client := s.client(name, cfg)
	resp, err := client.CreateChatCompletion(ctx, s.request(cfg, prompt, false))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.emitErr(ctx, out, fmt.Errorf("llm %s: completion: %w", name, err))
		return
	}
	if len(resp.Choices) == 0 {
		return
	}
	select {
	case out <- Chunk{Text: resp.Choices[0].Message.Content}:
	case <-ctx.Done():
	}
}

func (s *OpenAIStreamer) request(cfg ModelConfig, prompt string, stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       cfg.Model,
		Stream:      stream,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
}

func (s *OpenAIStreamer) client(name string, cfg ModelConfig) *openai.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[name]; ok {
		return c
	}
	key := cfg.APIKey
	if cfg.APIKeyEnv != "" {
		if env := os.Getenv(cfg.APIKeyEnv); env != "" {
			key = env
		}
	}
	oc := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	c := openai.NewClientWithConfig(oc)
	s.clients[name] = c
	return c
}

func (s *OpenAIStreamer) emitErr(ctx context.Context, out chan<- Chunk, err error) {
	s.logger.Warn("llm stream failed", "error", err)
	select {
	case out <- Chunk{Err: err}:
	case <-ctx.Done():
	}
}
