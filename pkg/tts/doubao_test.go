package tts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"

	"github.com/callme-labs/callme-go/pkg/tts/wire"
)

var upgrader = websocket.Upgrader{}

// fakeDoubao drives one protocol exchange: handshake, session, then the
// frames produced by respond.
func fakeDoubao(t *testing.T, respond func(conn *websocket.Conn, sessionID string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		readEvent := func() wire.Message {
			_, data, err := conn.ReadMessage()
			if err != nil {
				t.Errorf("server read: %v", err)
				return wire.Message{}
			}
			m, err := wire.Decode(data)
			if err != nil {
				t.Errorf("server decode: %v", err)
			}
			return m
		}

		if m := readEvent(); m.Event != wire.EventStartConnection {
			t.Errorf("expected StartConnection, got %d", m.Event)
		}
		ack, _ := wire.Encode(wire.Message{
			Type:      wire.TypeFullServerResponse,
			Flag:      wire.FlagWithEvent,
			Event:     wire.EventConnectionStarted,
			ConnectID: "c1",
			Payload:   []byte("{}"),
		})
		conn.WriteMessage(websocket.BinaryMessage, ack)

		start := readEvent()
		if start.Event != wire.EventStartSession {
			t.Errorf("expected StartSession, got %d", start.Event)
		}
		started, _ := wire.Encode(wire.Message{
			Type:      wire.TypeFullServerResponse,
			Flag:      wire.FlagWithEvent,
			Event:     wire.EventSessionStarted,
			SessionID: start.SessionID,
			Payload:   []byte("{}"),
		})
		conn.WriteMessage(websocket.BinaryMessage, started)

		for {
			m := readEvent()
			if m.Event == wire.EventFinishSession {
				break
			}
		}
		respond(conn, start.SessionID)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDoubaoStreamsPCM(t *testing.T) {
	is := is.New(t)
	srv := fakeDoubao(t, func(conn *websocket.Conn, sessionID string) {
		for _, pcm := range [][]byte{{1, 2, 3, 4}, {5, 6}} {
			frame, _ := wire.Encode(wire.Message{
				Type:          wire.TypeAudioOnlyServer,
				Flag:          wire.FlagWithEvent,
				Event:         wire.EventTaskRequest,
				SessionID:     sessionID,
				Serialization: wire.SerializationRaw,
				Payload:       pcm,
			})
			conn.WriteMessage(websocket.BinaryMessage, frame)
		}
		finished, _ := wire.Encode(wire.Message{
			Type:      wire.TypeFullServerResponse,
			Flag:      wire.FlagWithEvent,
			Event:     wire.EventSessionFinished,
			SessionID: sessionID,
			Payload:   []byte("{}"),
		})
		conn.WriteMessage(websocket.BinaryMessage, finished)
	})
	defer srv.Close()

	cfg := Config{Type: "doubao_ws", AppID: "app", Token: "tok", WSURL: wsURL(srv)}
	cfg.Normalize()
	d, err := NewDoubao(cfg, nil)
	is.NoErr(err)

	audio, err := collect(t, d.SynthesizeStream(context.Background(), "你好", "voice"))
	is.NoErr(err)
	is.Equal(audio, []byte{1, 2, 3, 4, 5, 6})
}

func TestDoubaoSessionFailedSurfacesMessage(t *testing.T) {
	is := is.New(t)
	srv := fakeDoubao(t, func(conn *websocket.Conn, sessionID string) {
		failed, _ := wire.Encode(wire.Message{
			Type:      wire.TypeFullServerResponse,
			Flag:      wire.FlagWithEvent,
			Event:     wire.EventSessionFailed,
			SessionID: sessionID,
			Payload:   []byte(`{"error":"voice not found"}`),
		})
		conn.WriteMessage(websocket.BinaryMessage, failed)
	})
	defer srv.Close()

	cfg := Config{Type: "doubao_ws", AppID: "app", Token: "tok", WSURL: wsURL(srv)}
	cfg.Normalize()
	d, err := NewDoubao(cfg, nil)
	is.NoErr(err)

	_, err = collect(t, d.SynthesizeStream(context.Background(), "你好", "voice"))
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "voice not found"))
}

func TestDoubaoErrorFrameSurfacesCode(t *testing.T) {
	is := is.New(t)
	srv := fakeDoubao(t, func(conn *websocket.Conn, sessionID string) {
		frame, _ := wire.Encode(wire.Message{
			Type:      wire.TypeError,
			Flag:      wire.FlagNoSeq,
			ErrorCode: 45000001,
			Payload:   []byte(`{"message":"quota exceeded"}`),
		})
		conn.WriteMessage(websocket.BinaryMessage, frame)
	})
	defer srv.Close()

	cfg := Config{Type: "doubao_ws", AppID: "app", Token: "tok", WSURL: wsURL(srv)}
	cfg.Normalize()
	d, err := NewDoubao(cfg, nil)
	is.NoErr(err)

	_, err = collect(t, d.SynthesizeStream(context.Background(), "你好", "voice"))
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "quota exceeded"))
}

func TestDecodeErrorPayload(t *testing.T) {
	is := is.New(t)
	is.Equal(decodeErrorPayload(nil), "(no detail)")
	is.Equal(decodeErrorPayload([]byte(`{"error":"bad"}`)), "bad")
	is.Equal(decodeErrorPayload([]byte(`{"message":"worse"}`)), "worse")
	is.Equal(decodeErrorPayload([]byte("plain text")), "plain text")
}
