package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sync"
)

// HTTPRecognizer buffers the whole utterance and uploads it as a WAV
// file when VAD declares the end. Partials are never produced.
type HTTPRecognizer struct {
	apiURL string
	client *http.Client
	logger *slog.Logger

	mu  sync.Mutex
	buf bytes.Buffer
}

func NewHTTP(apiURL string, client *http.Client, logger *slog.Logger) *HTTPRecognizer {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRecognizer{apiURL: apiURL, client: client, logger: logger}
}

func (h *HTTPRecognizer) StartStream(context.Context) error {
	h.mu.Lock()
	h.buf.Reset()
	h.mu.Unlock()
	return nil
}

func (h *HTTPRecognizer) PushAudio(_ context.Context, chunk []byte) error {
	h.mu.Lock()
	h.buf.Write(chunk)
	h.mu.Unlock()
	return nil
}

func (h *HTTPRecognizer) Partial(context.Context) (string, error) { return "", nil }
func (h *HTTPRecognizer) OnSpeechEnd(context.Context) error       { return nil }

func (h *HTTPRecognizer) StopStream(context.Context) error {
	h.mu.Lock()
	h.buf.Reset()
	h.mu.Unlock()
	return nil
}

// Final uploads the buffered audio as multipart form data and reads the
// transcript from a {"text": ...} response. The buffer is cleared
// whether or not the request succeeds; upstream failures degrade to an
// empty transcript rather than an error so the turn can continue.
func (h *HTTPRecognizer) Final(ctx context.Context) (string, error) {
	h.mu.Lock()
	audio := append([]byte(nil), h.buf.Bytes()...)
	h.buf.Reset()
	h.mu.Unlock()
	if len(audio) == 0 {
		return "", nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("asr: build form: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("asr: write form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("asr: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.apiURL, &body)
	if err != nil {
		return "", fmt.Errorf("asr: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Warn("asr request failed", "error", err)
		return "", nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		h.logger.Warn("asr api returned non-200", "status", resp.StatusCode)
		return "", nil
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		h.logger.Warn("asr response decode failed", "error", err)
		return "", nil
	}
	return result.Text, nil
}
