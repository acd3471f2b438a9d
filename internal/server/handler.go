package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callme-labs/callme-go/internal/config"
	"github.com/callme-labs/callme-go/pkg/asr"
	"github.com/callme-labs/callme-go/pkg/audio"
	"github.com/callme-labs/callme-go/pkg/metrics"
	"github.com/callme-labs/callme-go/pkg/prompt"
	"github.com/callme-labs/callme-go/pkg/session"
	"github.com/callme-labs/callme-go/pkg/vad"
)

// frameMs is the VAD analysis window. Incoming audio is re-sliced into
// frames of this duration regardless of how the client batches chunks.
const frameMs = 20

// interruptDrainTimeout bounds how long a barge-in waits for the previous
// turn's goroutines to unwind before accepting new speech.
const interruptDrainTimeout = 300 * time.Millisecond

// scheduleDrainTimeout is the same bound when a new turn preempts an
// in-flight one through the normal scheduling path.
const scheduleDrainTimeout = 500 * time.Millisecond

// wsSender serializes JSON writes to one websocket connection.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// handler owns the per-connection call loop.
type handler struct {
	cfg      *config.Config
	sessions *session.Manager
	orch     *orchestrator
	newASR   func() (asr.Recognizer, error)
	logger   *slog.Logger
}

// callConn is the mutable state of one live call.
type callConn struct {
	h    *handler
	sess *session.Session
	send Sender

	recognizer asr.Recognizer
	detector   *vad.Detector
	preroll    *vad.PrerollBuffer

	frameBytes int
	pcmBuf     []byte

	asrFinalMs  float64
	hasASRFinal bool
}

// HandleConn runs the call loop until the client disconnects or the
// context is cancelled. It owns session teardown.
func (h *handler) HandleConn(ctx context.Context, conn *websocket.Conn) {
	sess := h.sessions.Create()
	send := &wsSender{conn: conn}
	logger := h.logger.With("session_id", sess.ID)
	logger.Info("call connected")

	recognizer, err := h.newASR()
	if err != nil {
		logger.Error("asr init failed", "error", err)
		_ = send.Send(errorFrame{Type: "error", Message: "speech recognition unavailable"})
		h.sessions.Remove(sess.ID)
		return
	}

	frameBytes := h.cfg.VAD.SampleRate * frameMs / 1000 * 2
	cc := &callConn{
		h:          h,
		sess:       sess,
		send:       send,
		recognizer: recognizer,
		detector:   vad.New(h.cfg.VAD, logger),
		preroll:    vad.NewPrerollBuffer(vad.PrerollFrameCount(h.cfg.Audio.PrerollMs, frameMs)),
		frameBytes: frameBytes,
	}

	sess.State.TransitionTo(session.StateListening)

	defer func() {
		_ = recognizer.StopStream(context.Background())
		h.sessions.Remove(sess.ID)
		snap := sess.Metrics.Finalize()
		logger.Info("call closed",
			"duration_s", snap.SessionDurationS,
			"ttfb_ms", snap.TTFBMs,
			"ttfa_ms", snap.TTFAMs,
			"interrupts", snap.InterruptCount)
	}()

	for ctx.Err() == nil {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var frame clientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			logger.Warn("malformed frame", "error", err)
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "expected JSON frames"))
			return
		}
		cc.dispatch(ctx, frame)
	}
}

func (c *callConn) dispatch(ctx context.Context, frame clientFrame) {
	switch frame.Type {
	case "client.hello":
		c.sendGreeting()
	case "input.audio_chunk":
		var d audioChunkData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return
		}
		pcm, err := audio.DecodeBase64(d.Chunk)
		if err != nil {
			c.h.logger.Warn("bad audio chunk", "session_id", c.sess.ID, "error", err)
			return
		}
		c.pushAudio(ctx, pcm)
	case "input.text":
		var d textInputData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return
		}
		if d.Text != "" {
			c.hasASRFinal = false
			c.scheduleTurn(ctx, d.Text, "text")
		}
	case "control.interrupt":
		c.interrupt("client")
	default:
		c.h.logger.Debug("ignoring frame", "session_id", c.sess.ID, "type", frame.Type)
	}
}

// sendGreeting answers client.hello with the session id, the playback
// tunables, and the initial avatar state.
func (c *callConn) sendGreeting() {
	_ = c.send.Send(serverHello{Type: "server.hello", SessionID: c.sess.ID})
	cfgMsg := clientConfig{Type: "client.config"}
	cfgMsg.Data.Playback = playbackConfig{
		StartupBufferMs:  c.h.cfg.Audio.PlaybackStartupBufferMs,
		StartupMaxWaitMs: c.h.cfg.Audio.PlaybackStartupMaxWaitMs,
		ScheduleLeadMs:   c.h.cfg.Audio.PlaybackScheduleLeadMs,
	}
	_ = c.send.Send(cfgMsg)
	_ = c.send.Send(newAvatarState("neutral", "system", 0))
}

// pushAudio re-slices arbitrary client chunks into fixed VAD frames.
func (c *callConn) pushAudio(ctx context.Context, pcm []byte) {
	c.pcmBuf = append(c.pcmBuf, pcm...)
	for len(c.pcmBuf) >= c.frameBytes {
		frame := c.pcmBuf[:c.frameBytes:c.frameBytes]
		c.pcmBuf = c.pcmBuf[c.frameBytes:]
		c.processFrame(ctx, frame)
	}
}

func (c *callConn) processFrame(ctx context.Context, frame []byte) {
	wasActive := c.detector.Active()
	switch c.detector.Process(frame, frameMs) {
	case vad.EventStart:
		c.onSpeechStart(ctx, frame)
	case vad.EventEnd:
		c.onSpeechEnd(ctx)
	default:
		if wasActive {
			c.onSpeechFrame(ctx, frame)
		} else {
			c.preroll.Push(frame)
		}
	}
}

func (c *callConn) onSpeechStart(ctx context.Context, frame []byte) {
	if c.sess.State.Current() == session.StateSpeaking {
		c.interrupt("barge_in")
	}
	c.sess.Metrics.StartMeasure("utterance")
	c.sess.ClearPartial()
	if err := c.recognizer.StartStream(ctx); err != nil {
		c.h.logger.Warn("asr start failed", "session_id", c.sess.ID, "error", err)
		return
	}
	for _, f := range c.preroll.Drain() {
		_ = c.recognizer.PushAudio(ctx, f)
	}
	_ = c.recognizer.PushAudio(ctx, frame)
}

func (c *callConn) onSpeechFrame(ctx context.Context, frame []byte) {
	if err := c.recognizer.PushAudio(ctx, frame); err != nil {
		return
	}
	partial, err := c.recognizer.Partial(ctx)
	if err != nil || partial == "" {
		return
	}
	if c.sess.SetPartial(partial) {
		_ = c.send.Send(textUpdate{Type: "input.text_update", Text: partial})
	}
}

func (c *callConn) onSpeechEnd(ctx context.Context) {
	_ = c.recognizer.OnSpeechEnd(ctx)
	if d := c.h.cfg.ASR.FinalDelayMs; d > 0 {
		time.Sleep(time.Duration(d) * time.Millisecond)
	}
	start := time.Now()
	final, err := c.recognizer.Final(ctx)
	c.asrFinalMs = float64(time.Since(start)) / float64(time.Millisecond)
	c.hasASRFinal = true
	c.preroll.Clear()
	c.sess.Metrics.EndMeasure("utterance", "u_asr_ms")
	if err != nil {
		c.h.logger.Warn("asr final failed", "session_id", c.sess.ID, "error", err)
		return
	}
	if final == "" {
		return
	}
	_ = c.send.Send(textUpdate{Type: "input.text_update", Text: final, IsFinal: true})
	c.scheduleTurn(ctx, final, "voice")
}

// interrupt cancels the running turn and waits briefly for its goroutines
// to observe cancellation before the caller moves on.
func (c *callConn) interrupt(reason string) {
	c.sess.Interrupt()
	c.sess.State.TransitionTo(session.StateInterrupted)
	_ = c.send.Send(newStateUpdate("interrupted"))
	c.h.logger.Info("turn interrupted", "session_id", c.sess.ID, "reason", reason)
	c.sess.WaitTasks(interruptDrainTimeout)
}

// scheduleTurn preempts any in-flight reply and launches a new one.
func (c *callConn) scheduleTurn(ctx context.Context, text, source string) {
	c.sess.Prethink.Invalidate()

	switch c.sess.State.Current() {
	case session.StateThinking, session.StateSpeaking:
		c.sess.Interrupt()
		c.sess.WaitTasks(scheduleDrainTimeout)
	}

	turnCtx, seq := c.sess.BeginTurn(ctx)
	c.sess.State.TransitionTo(session.StateThinking)
	_ = c.send.Send(newStateUpdate("thinking"))
	c.sess.AppendHistory(prompt.RoleUser, text)

	timings := &metrics.TurnTimings{
		SessionID:   c.sess.ID,
		TurnID:      strconv.FormatUint(seq, 10),
		Source:      source,
		TurnStart:   time.Now(),
		ASRFinalMs:  c.asrFinalMs,
		HasASRFinal: c.hasASRFinal && source == "voice",
	}

	done := c.sess.Track()
	go func() {
		defer done()
		c.sess.ProcessMu.Lock()
		defer c.sess.ProcessMu.Unlock()
		if turnCtx.Err() != nil {
			return
		}
		c.h.orch.RunTurn(turnCtx, c.sess, c.send, timings)
	}()
}
