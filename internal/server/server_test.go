package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"

	"github.com/callme-labs/callme-go/internal/config"
	"github.com/callme-labs/callme-go/pkg/asr"
	"github.com/callme-labs/callme-go/pkg/llm"
	"github.com/callme-labs/callme-go/pkg/prethink"
	"github.com/callme-labs/callme-go/pkg/session"
)

func testWSServer(t *testing.T, streamer llm.Streamer) (*httptest.Server, *session.Manager) {
	t.Helper()
	cfg := config.Default()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	engine := prethink.NewEngine(prethink.Config{}, streamer, logger)
	orch := newOrchestrator(cfg, streamer, &streamSynth{chunks: [][]byte{{1, 2, 3, 4}}}, engine, logger)
	sessions := session.NewManager()
	h := &handler{
		cfg:      cfg,
		sessions: sessions,
		orch:     orch,
		newASR:   func() (asr.Recognizer, error) { return &asr.Mock{}, nil },
		logger:   logger,
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		h.HandleConn(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv, sessions
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrames(t *testing.T, conn *websocket.Conn, until func(map[string]any) bool) []map[string]any {
	t.Helper()
	var frames []map[string]any
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v (got %d frames)", err, len(frames))
		}
		frames = append(frames, frame)
		if until(frame) {
			return frames
		}
	}
}

func sendHello(t *testing.T, conn *websocket.Conn) []map[string]any {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": "client.hello"}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	return readFrames(t, conn, func(f map[string]any) bool {
		return f["type"] == "avatar.state"
	})
}

func TestWebSocketTextTurnRoundTrip(t *testing.T) {
	is := is.New(t)
	srv, sessions := testWSServer(t, &llm.FakeStreamer{Chunks: []string{"今天天气很好哦！"}})
	conn := dialWS(t, srv)

	greeting := sendHello(t, conn)
	is.Equal(len(greeting), 3)
	is.Equal(greeting[0]["type"], "server.hello")
	is.True(greeting[0]["session_id"] != "")
	is.Equal(greeting[1]["type"], "client.config")
	is.Equal(greeting[2]["emotion"], "neutral")
	is.Equal(sessions.Len(), 1)

	data := greeting[1]["data"].(map[string]any)
	playback := data["playback"].(map[string]any)
	is.Equal(playback["startup_buffer_ms"], float64(120))

	err := conn.WriteJSON(map[string]any{
		"type": "input.text",
		"data": map[string]string{"text": "今天天气怎么样"},
	})
	is.NoErr(err)

	sawThinking := false
	frames := readFrames(t, conn, func(f map[string]any) bool {
		if f["type"] == "state.update" && f["state"] == "thinking" {
			sawThinking = true
		}
		return f["type"] == "state.update" && f["state"] == "listening" && sawThinking
	})

	textSeqs := map[float64]bool{}
	audioSeen, finalSeen := false, false
	for _, f := range frames {
		switch f["type"] {
		case "tts.text_stream":
			seq, _ := f["seq"].(float64)
			textSeqs[seq] = true
		case "tts.audio_chunk":
			seq, _ := f["seq"].(float64)
			is.True(textSeqs[seq])
			audioSeen = true
			if final, _ := f["is_final"].(bool); final {
				finalSeen = true
			}
		}
	}
	is.True(audioSeen)
	is.True(finalSeen)
}

func TestWebSocketRejectsMalformedJSON(t *testing.T) {
	is := is.New(t)
	srv, sessions := testWSServer(t, &llm.FakeStreamer{})
	conn := dialWS(t, srv)

	sendHello(t, conn)

	err := conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	is.NoErr(err)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var frame json.RawMessage
		if err := conn.ReadJSON(&frame); err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			if ok {
				is.Equal(closeErr.Code, websocket.CloseUnsupportedData)
			}
			break
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for sessions.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	is.Equal(sessions.Len(), 0)
}
