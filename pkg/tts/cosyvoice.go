package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
)

// CosyVoice posts text plus a reference wav as multipart form data and
// reads back a single WAV (or bare PCM16) body, streamed in chunks as
// it arrives.
type CosyVoice struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func NewCosyVoice(cfg Config, client *http.Client, logger *slog.Logger) *CosyVoice {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CosyVoice{cfg: cfg, client: client, logger: logger}
}

func (c *CosyVoice) buildRequest(ctx context.Context, text string) (*http.Request, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("tts_text", text); err != nil {
		return nil, fmt.Errorf("tts: write field: %w", err)
	}
	if c.cfg.PromptText != "" {
		if err := mw.WriteField("prompt_text", c.cfg.PromptText); err != nil {
			return nil, fmt.Errorf("tts: write field: %w", err)
		}
	}
	if c.cfg.RefWavPath != "" {
		ref, err := os.ReadFile(c.cfg.RefWavPath)
		if err != nil {
			return nil, fmt.Errorf("tts: read reference wav: %w", err)
		}
		part, err := mw.CreateFormFile("prompt_wav", "prompt.wav")
		if err != nil {
			return nil, fmt.Errorf("tts: build form: %w", err)
		}
		if _, err := part.Write(ref); err != nil {
			return nil, fmt.Errorf("tts: write form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("tts: close form: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.APIURL, "/") + "/inference_zero_shot"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("tts: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req, nil
}

func (c *CosyVoice) SynthesizeStream(ctx context.Context, text, voiceID string) <-chan Chunk {
	out := make(chan Chunk, 4)
	go func() {
		defer close(out)

		req, err := c.buildRequest(ctx, text)
		if err != nil {
			emitErr(ctx, out, err)
			return
		}
		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("cosyvoice request failed", "error", err)
			}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			c.logger.Warn("cosyvoice returned non-200",
				"status", resp.StatusCode, "body", string(body))
			return
		}

		buf := make([]byte, c.cfg.StreamChunkSize)
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
					c.logger.Warn("cosyvoice stream read failed", "error", err)
				}
				return
			}
		}
	}()
	return out
}

// Synthesize collects the whole response body.
func (c *CosyVoice) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	req, err := c.buildRequest(ctx, text)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("cosyvoice request failed", "error", err)
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		c.logger.Warn("cosyvoice returned non-200", "status", resp.StatusCode)
		return nil, nil
	}
	return io.ReadAll(resp.Body)
}
