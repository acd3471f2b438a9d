package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/callme-labs/callme-go/pkg/tts/wire"
)

// Doubao speaks the bidirectional framed protocol: one connection and
// one synthesis session per segment, strict event-order verification,
// PCM16 output only. There is deliberately no batch fallback; a stream
// that produced no audio is a hard failure.
type Doubao struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewDoubao(cfg Config, logger *slog.Logger) (*Doubao, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WSURL == "" {
		cfg.WSURL = "wss://openspeech.bytedance.com/api/v3/tts/bidirection"
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: time.Duration(cfg.ConnectTimeoutSec * float64(time.Second)),
	}
	return &Doubao{cfg: cfg, dialer: dialer, logger: logger}, nil
}

func (d *Doubao) SynthesizeStream(ctx context.Context, text, voiceID string) <-chan Chunk {
	out := make(chan Chunk, 4)
	go func() {
		defer close(out)
		if err := d.stream(ctx, out, text, voiceID); err != nil && ctx.Err() == nil {
			d.logger.Warn("doubao stream failed", "error", err)
			emitErr(ctx, out, err)
		}
	}()
	return out
}

func (d *Doubao) stream(ctx context.Context, out chan<- Chunk, text, voiceID string) error {
	if d.cfg.AppID == "" || d.cfg.Token == "" {
		return fmt.Errorf("%w: doubao requires app_id and token", ErrMisconfigured)
	}

	header := http.Header{}
	header.Set("X-Api-App-Key", d.cfg.AppID)
	header.Set("X-Api-Access-Key", d.cfg.Token)
	header.Set("X-Api-Resource-Id", d.cfg.Cluster)
	header.Set("X-Api-Connect-Id", uuid.NewString())

	conn, resp, err := d.dialer.DialContext(ctx, d.cfg.WSURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("tts: doubao dial (%d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("tts: doubao dial: %w", err)
	}
	defer conn.Close()

	readDeadline := time.Duration(d.cfg.ReadTimeoutSec * float64(time.Second))
	read := func() (wire.Message, error) {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return wire.Message{}, fmt.Errorf("tts: doubao read: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			return wire.Message{}, fmt.Errorf("tts: doubao sent non-binary frame")
		}
		return wire.Decode(data)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, wire.StartConnection()); err != nil {
		return fmt.Errorf("tts: doubao start connection: %w", err)
	}
	msg, err := read()
	if err != nil {
		return err
	}
	if err := expectEvent(msg, wire.EventConnectionStarted); err != nil {
		return err
	}

	sessionID := uuid.NewString()
	startPayload, _ := json.Marshal(map[string]any{
		"event":     wire.EventStartSession,
		"namespace": "BidirectionalTTS",
		"req_params": map[string]any{
			"speaker": voiceID,
			"audio_params": map[string]any{
				"format":      "pcm",
				"sample_rate": d.cfg.SampleRate,
			},
		},
	})
	if err := conn.WriteMessage(websocket.BinaryMessage, wire.StartSession(sessionID, startPayload)); err != nil {
		return fmt.Errorf("tts: doubao start session: %w", err)
	}
	msg, err = read()
	if err != nil {
		return err
	}
	if err := expectEvent(msg, wire.EventSessionStarted); err != nil {
		return err
	}

	taskPayload, _ := json.Marshal(map[string]any{
		"event": wire.EventTaskRequest,
		"req_params": map[string]any{
			"text":    text,
			"speaker": voiceID,
		},
	})
	if err := conn.WriteMessage(websocket.BinaryMessage, wire.TaskRequest(sessionID, taskPayload)); err != nil {
		return fmt.Errorf("tts: doubao task request: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, wire.FinishSession(sessionID)); err != nil {
		return fmt.Errorf("tts: doubao finish session: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := read()
		if err != nil {
			return err
		}
		switch msg.Type {
		case wire.TypeAudioOnlyServer:
			if len(msg.Payload) > 0 && !emitAudio(ctx, out, msg.Payload) {
				return nil
			}
		case wire.TypeFullServerResponse:
			switch msg.Event {
			case wire.EventSessionFinished:
				conn.WriteMessage(websocket.BinaryMessage, wire.FinishConnection())
				return nil
			case wire.EventSessionFailed:
				return fmt.Errorf("tts: doubao session failed: %s", decodeErrorPayload(msg.Payload))
			case wire.EventTaskRequest:
				// Interim acks are tolerated.
			default:
				return fmt.Errorf("tts: doubao unexpected event %d", msg.Event)
			}
		case wire.TypeError:
			return fmt.Errorf("tts: doubao error %d: %s", msg.ErrorCode, decodeErrorPayload(msg.Payload))
		default:
			return fmt.Errorf("tts: doubao unexpected message type 0x%X", byte(msg.Type))
		}
	}
}

func expectEvent(msg wire.Message, event int32) error {
	if msg.Type == wire.TypeError {
		return fmt.Errorf("tts: doubao error %d: %s", msg.ErrorCode, decodeErrorPayload(msg.Payload))
	}
	switch {
	case msg.Event == event:
		return nil
	case msg.Event == wire.EventConnectionFailed:
		return fmt.Errorf("tts: doubao connection failed: %s", decodeErrorPayload(msg.Payload))
	case msg.Event == wire.EventSessionFailed:
		return fmt.Errorf("tts: doubao session failed: %s", decodeErrorPayload(msg.Payload))
	default:
		return fmt.Errorf("tts: doubao expected event %d, got %d", event, msg.Event)
	}
}

// decodeErrorPayload pulls a human-readable message out of a failure
// payload, falling back to the raw bytes.
func decodeErrorPayload(payload []byte) string {
	if len(payload) == 0 {
		return "(no detail)"
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return string(payload)
}
