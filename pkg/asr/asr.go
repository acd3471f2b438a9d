// Package asr provides speech recognition adapters behind a single
// streaming interface. Backends: a mock for tests and dry runs, a
// non-streaming HTTP uploader, and a local streaming ONNX recognizer.
package asr

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Recognizer consumes PCM16 mono audio and produces text. Partial may
// return "" between updates; Final returns "" when the utterance yielded
// nothing. OnSpeechEnd is a hook for flushing tail tokens when the
// endpoint detector fires; non-streaming backends ignore it.
type Recognizer interface {
	StartStream(ctx context.Context) error
	PushAudio(ctx context.Context, chunk []byte) error
	Partial(ctx context.Context) (string, error)
	Final(ctx context.Context) (string, error)
	OnSpeechEnd(ctx context.Context) error
	StopStream(ctx context.Context) error
}

// Config selects and tunes a backend.
type Config struct {
	Provider string `yaml:"provider"` // "mock", "http", "local"

	// HTTP backend.
	APIURL string `yaml:"api_url"`

	// Local backend.
	ModelPath  string `yaml:"model_path"`
	TokensPath string `yaml:"tokens_path"`
	NumThreads int    `yaml:"num_threads"`
	// ComputeProvider is the ONNX execution provider, cpu by default.
	ComputeProvider string `yaml:"compute_provider"`

	// FinalDelayMs is the grace period after speech end before Final is
	// read, letting the decoder settle.
	FinalDelayMs int `yaml:"final_delay_ms"`
}

func (c *Config) Normalize() {
	if c.Provider == "" {
		c.Provider = "mock"
	}
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.NumThreads <= 0 {
		c.NumThreads = 1
	}
	if c.ComputeProvider == "" {
		c.ComputeProvider = "cpu"
	}
	if c.FinalDelayMs < 0 {
		c.FinalDelayMs = 0
	}
	if c.FinalDelayMs > 1000 {
		c.FinalDelayMs = 1000
	}
	if c.FinalDelayMs == 0 {
		c.FinalDelayMs = 80
	}
}

// New builds the configured recognizer. A local backend that fails to
// load its model degrades to the mock so the call pipeline stays alive.
func New(cfg Config, client *http.Client, logger *slog.Logger) (Recognizer, error) {
	cfg.Normalize()
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Provider {
	case "mock":
		return &Mock{}, nil
	case "http":
		if cfg.APIURL == "" {
			return nil, fmt.Errorf("asr: http provider requires api_url")
		}
		return NewHTTP(cfg.APIURL, client, logger), nil
	case "local":
		local, err := NewLocal(cfg, logger)
		if err != nil {
			logger.Warn("local asr unavailable, using mock", "error", err)
			return &Mock{}, nil
		}
		return local, nil
	default:
		return nil, fmt.Errorf("asr: unknown provider %q", cfg.Provider)
	}
}

// Mock returns a fixed transcript, used in tests and when no real
// backend is configured.
type Mock struct {
	// Text overrides the default transcript when set.
	Text string
}

func (m *Mock) StartStream(context.Context) error       { return nil }
func (m *Mock) PushAudio(context.Context, []byte) error { return nil }
func (m *Mock) Partial(context.Context) (string, error) { return "", nil }
func (m *Mock) OnSpeechEnd(context.Context) error       { return nil }
func (m *Mock) StopStream(context.Context) error        { return nil }

func (m *Mock) Final(context.Context) (string, error) {
	if m.Text != "" {
		return m.Text, nil
	}
	return "测试文本: 你好麦麦 (Mock)", nil
}
