package tts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// SoVITS streams WAV audio from a GPT-SoVITS HTTP endpoint. Model weight
// hot-swap uses optional sub-endpoints; servers answering 404/405 are
// marked as not supporting swaps and never asked again.
type SoVITS struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu              sync.Mutex
	swapUnsupported bool
}

func NewSoVITS(cfg Config, client *http.Client, logger *slog.Logger) *SoVITS {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SoVITS{cfg: cfg, client: client, logger: logger}
}

func (s *SoVITS) endpoint(path string) string {
	return strings.TrimRight(s.cfg.APIURL, "/") + path
}

func (s *SoVITS) params(text string, streaming bool) url.Values {
	v := url.Values{}
	v.Set("text", text)
	v.Set("text_lang", s.cfg.TextLang)
	v.Set("ref_audio_path", s.cfg.RefAudioPath)
	v.Set("prompt_text", s.cfg.PromptText)
	v.Set("prompt_lang", s.cfg.PromptLang)
	v.Set("text_split_method", s.cfg.TextSplitMethod)
	if streaming {
		v.Set("streaming_mode", "true")
	} else {
		v.Set("streaming_mode", "false")
	}
	v.Set("media_type", "wav")
	return v
}

func (s *SoVITS) SynthesizeStream(ctx context.Context, text, voiceID string) <-chan Chunk {
	out := make(chan Chunk, 4)
	go func() {
		defer close(out)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			s.endpoint("/tts")+"?"+s.params(text, true).Encode(), nil)
		if err != nil {
			emitErr(ctx, out, fmt.Errorf("tts: build request: %w", err))
			return
		}
		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("sovits stream request failed", "error", err)
			}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			s.logger.Warn("sovits stream returned non-200",
				"status", resp.StatusCode, "body", string(body))
			return
		}

		buf := make([]byte, s.cfg.StreamChunkSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				if !emitAudio(ctx, out, append([]byte(nil), buf[:n]...)) {
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("sovits stream read failed", "error", err)
				}
				return
			}
		}
	}()
	return out
}

// Synthesize fetches the whole segment in one request.
func (s *SoVITS) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.endpoint("/tts")+"?"+s.params(text, false).Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("tts: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("sovits request failed", "error", err)
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.logger.Warn("sovits returned non-200", "status", resp.StatusCode, "body", string(body))
		return nil, nil
	}
	return io.ReadAll(resp.Body)
}

// SwapWeights points the server at new GPT and SoVITS weight files.
// Missing paths are skipped. The first 404/405 response disables further
// swap attempts for this process.
func (s *SoVITS) SwapWeights(ctx context.Context, gptPath, ttsPath string) error {
	s.mu.Lock()
	unsupported := s.swapUnsupported
	s.mu.Unlock()
	if unsupported {
		return nil
	}

	swaps := []struct{ endpoint, path string }{
		{"/set_gpt_weights", gptPath},
		{"/set_sovits_weights", ttsPath},
	}
	for _, swap := range swaps {
		if swap.path == "" {
			continue
		}
		v := url.Values{}
		v.Set("weights_path", swap.path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			s.endpoint(swap.endpoint)+"?"+v.Encode(), nil)
		if err != nil {
			return fmt.Errorf("tts: build swap request: %w", err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("tts: weight swap: %w", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			s.mu.Lock()
			s.swapUnsupported = true
			s.mu.Unlock()
			s.logger.Info("sovits server does not support weight swap", "status", resp.StatusCode)
			return nil
		default:
			return fmt.Errorf("tts: weight swap %s returned %d", swap.endpoint, resp.StatusCode)
		}
	}
	return nil
}
