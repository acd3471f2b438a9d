// Package tts provides speech synthesis adapters. Adapters return raw
// audio bytes (WAV or bare PCM16); framing into playable chunks happens
// downstream.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrMisconfigured marks a provider that cannot run with its current
// settings. Turns hitting it fail without retry.
var ErrMisconfigured = errors.New("tts: provider misconfigured")

// Chunk is one item of a synthesis stream. Err, when set, is terminal.
type Chunk struct {
	Audio []byte
	Err   error
}

// Synthesizer streams audio for one text segment. Implementations stop
// at ctx cancellation and must deliver first audio as early as they can.
type Synthesizer interface {
	SynthesizeStream(ctx context.Context, text, voiceID string) <-chan Chunk
}

// BatchSynthesizer is the optional non-streaming path used when a
// stream yields no audio at all.
type BatchSynthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

// Config tunes a provider and its shared HTTP pool.
type Config struct {
	Type    string `yaml:"type"` // "mock", "sovits", "cosyvoice", "doubao_ws"
	APIURL  string `yaml:"api_url"`
	VoiceID string `yaml:"voice_id"`

	ConnectTimeoutSec float64 `yaml:"connect_timeout_sec"`
	ReadTimeoutSec    float64 `yaml:"read_timeout_sec"`
	// TotalTimeoutSec disables the overall deadline when <= 0.
	TotalTimeoutSec float64 `yaml:"total_timeout_sec"`
	ConnLimit       int     `yaml:"conn_limit"`
	StreamChunkSize int     `yaml:"stream_chunk_size"`
	SampleRate      int     `yaml:"sample_rate"`

	// SoVITS fields.
	TextLang        string `yaml:"text_lang"`
	RefAudioPath    string `yaml:"ref_audio_path"`
	PromptText      string `yaml:"prompt_text"`
	PromptLang      string `yaml:"prompt_lang"`
	TextSplitMethod string `yaml:"text_split_method"`
	GPTWeightsPath  string `yaml:"gpt_weights_path"`
	TTSWeightsPath  string `yaml:"tts_weights_path"`

	// CosyVoice fields.
	RefWavPath string `yaml:"ref_wav_path"`

	// Doubao fields.
	AppID   string `yaml:"app_id"`
	Token   string `yaml:"token"`
	Cluster string `yaml:"cluster"`
	WSURL   string `yaml:"ws_url"`
}

func (c *Config) Normalize() {
	if c.Type == "" {
		c.Type = "mock"
	}
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	if c.APIURL == "" {
		c.APIURL = "http://127.0.0.1:9880"
	}
	if c.VoiceID == "" {
		c.VoiceID = "default"
	}
	if c.ConnectTimeoutSec == 0 {
		c.ConnectTimeoutSec = 3.0
	}
	if c.ConnectTimeoutSec < 0.2 {
		c.ConnectTimeoutSec = 0.2
	}
	if c.ReadTimeoutSec == 0 {
		c.ReadTimeoutSec = 20.0
	}
	if c.ReadTimeoutSec < 0.5 {
		c.ReadTimeoutSec = 0.5
	}
	if c.ConnLimit == 0 {
		c.ConnLimit = 32
	}
	if c.ConnLimit < 4 {
		c.ConnLimit = 4
	}
	if c.StreamChunkSize == 0 {
		c.StreamChunkSize = 8192
	}
	if c.StreamChunkSize < 1024 {
		c.StreamChunkSize = 1024
	}
	if c.SampleRate <= 0 {
		switch c.Type {
		case "cosyvoice":
			c.SampleRate = 22050
		default:
			c.SampleRate = 24000
		}
	}
	if c.TextLang == "" {
		c.TextLang = "zh"
	}
	if c.PromptLang == "" {
		c.PromptLang = "zh"
	}
	if c.TextSplitMethod == "" {
		c.TextSplitMethod = "cut5"
	}
}

// NewHTTPClient builds the shared connection pool for HTTP providers.
func NewHTTPClient(cfg Config) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: time.Duration(cfg.ConnectTimeoutSec * float64(time.Second)),
		}).DialContext,
		MaxConnsPerHost:       cfg.ConnLimit,
		MaxIdleConnsPerHost:   cfg.ConnLimit,
		ResponseHeaderTimeout: time.Duration(cfg.ReadTimeoutSec * float64(time.Second)),
	}
	client := &http.Client{Transport: transport}
	if cfg.TotalTimeoutSec > 0 {
		client.Timeout = time.Duration(cfg.TotalTimeoutSec * float64(time.Second))
	}
	return client
}

// New builds the configured synthesizer.
func New(cfg Config, logger *slog.Logger) (Synthesizer, error) {
	cfg.Normalize()
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Type {
	case "mock":
		return &Mock{}, nil
	case "sovits":
		return NewSoVITS(cfg, NewHTTPClient(cfg), logger), nil
	case "cosyvoice":
		return NewCosyVoice(cfg, NewHTTPClient(cfg), logger), nil
	case "doubao_ws":
		return NewDoubao(cfg, logger)
	default:
		return nil, fmt.Errorf("tts: unknown provider %q", cfg.Type)
	}
}

// Mock yields no audio; turns fall through to their no-audio handling.
type Mock struct{}

func (m *Mock) SynthesizeStream(context.Context, string, string) <-chan Chunk {
	out := make(chan Chunk)
	close(out)
	return out
}

func (m *Mock) Synthesize(context.Context, string, string) ([]byte, error) {
	return nil, nil
}

func emitErr(ctx context.Context, out chan<- Chunk, err error) {
	select {
	case out <- Chunk{Err: err}:
	case <-ctx.Done():
	}
}

func emitAudio(ctx context.Context, out chan<- Chunk, audio []byte) bool {
	select {
	case out <- Chunk{Audio: audio}:
		return true
	case <-ctx.Done():
		return false
	}
}
