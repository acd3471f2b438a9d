package server

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/callme-labs/callme-go/internal/config"
	"github.com/callme-labs/callme-go/pkg/audio"
	"github.com/callme-labs/callme-go/pkg/chunker"
	"github.com/callme-labs/callme-go/pkg/emotion"
	"github.com/callme-labs/callme-go/pkg/llm"
	"github.com/callme-labs/callme-go/pkg/metrics"
	"github.com/callme-labs/callme-go/pkg/prethink"
	"github.com/callme-labs/callme-go/pkg/prompt"
	"github.com/callme-labs/callme-go/pkg/session"
	"github.com/callme-labs/callme-go/pkg/tts"
)

// Sender delivers one JSON frame to the client. Implementations must be
// safe to call from the turn goroutine and the TTS worker concurrently.
type Sender interface {
	Send(v any) error
}

const (
	// segmentQueueCap bounds the chunker-to-TTS handoff so a slow
	// synthesizer backpressures the LLM stream instead of buffering
	// unbounded text.
	segmentQueueCap = 32

	// firstEmitBytes is the pending-audio threshold for the first frame
	// of a turn, kept small so playback can start early.
	firstEmitBytes = 16 * 1024
	// steadyEmitBytes is the threshold for every frame after the first.
	steadyEmitBytes = 64 * 1024

	// emotionRecheckRunes re-runs the heuristic classifier roughly every
	// this many runes of accumulated reply text.
	emotionRecheckRunes = 60
)

// orchestrator drives one reply turn end to end: prompt assembly, LLM
// streaming, sentence chunking, emotion resolution, and TTS synthesis.
type orchestrator struct {
	cfg      *config.Config
	streamer llm.Streamer
	synth    tts.Synthesizer
	prethink *prethink.Engine
	logger   *slog.Logger
}

func newOrchestrator(cfg *config.Config, streamer llm.Streamer, synth tts.Synthesizer, engine *prethink.Engine, logger *slog.Logger) *orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &orchestrator{
		cfg:      cfg,
		streamer: streamer,
		synth:    synth,
		prethink: engine,
		logger:   logger,
	}
}

// ttsResult is what the TTS worker reports back when it drains its queue.
type ttsResult struct {
	segments    int
	audioChunks int
	sentAudio   bool
}

// RunTurn executes a full reply turn. It assumes the caller holds the
// session ProcessMu and has already appended the user message to history
// and transitioned the session to Thinking.
func (o *orchestrator) RunTurn(ctx context.Context, sess *session.Session, send Sender, timings *metrics.TurnTimings) {
	hint, hintAge, hintTurn := sess.Prethink.Consume()
	hintBlock := ""
	if hint != "" {
		hintBlock = prethink.InjectionBlock(hint)
		timings.PrethinkHit = true
		timings.PrethinkAgeMs = float64(hintAge) / float64(time.Millisecond)
		timings.PrethinkSourceTurn = hintTurn
	}

	system := prompt.SystemPrompt(o.cfg.Persona)
	fullPrompt := prompt.Build(system, hintBlock, sess.History(), o.cfg.LLM.HistoryWindowMessages, o.cfg.Persona.BotName)

	timings.LLMStart = time.Now()
	sess.Metrics.StartMeasure("llm_first_token")
	sess.Metrics.StartMeasure("tts_first_audio")

	stream := o.streamer.GenerateStream(ctx, fullPrompt, o.cfg.LLM.ModelName)

	segments := make(chan chunker.Chunk, segmentQueueCap)
	workerDone := make(chan ttsResult, 1)
	go func() {
		workerDone <- o.runTTSWorker(ctx, sess, send, segments, timings)
	}()

	chunks := chunker.New(chunker.DefaultMinChunkSize, chunker.DefaultMaxChunkSize)
	em := newEmotionTracker(sess, send, o.logger)

	var full strings.Builder
	streamErr := error(nil)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case c, ok := <-stream:
			if !ok {
				break loop
			}
			if c.Err != nil {
				streamErr = c.Err
				break loop
			}
			if timings.FirstLLMToken.IsZero() {
				timings.MarkFirstLLMToken()
				sess.Metrics.EndMeasure("llm_first_token", "ttfb_ms")
			}
			text := em.feed(c.Text)
			if text == "" {
				continue
			}
			full.WriteString(text)
			em.recheck(full.String())
			if !o.enqueueSegments(ctx, segments, chunks.Process(text)) {
				break loop
			}
		}
	}

	if ctx.Err() == nil && streamErr == nil {
		o.enqueueSegments(ctx, segments, chunks.Flush())
	}
	close(segments)
	result := <-workerDone

	if streamErr != nil && ctx.Err() == nil {
		o.logger.Error("llm stream failed",
			"session_id", sess.ID, "turn_id", timings.TurnID, "error", streamErr)
		_ = send.Send(errorFrame{Type: "error", Message: "reply generation failed"})
	}

	replyText := full.String()
	timings.TTSSegments = result.segments
	timings.TTSAudioChunks = result.audioChunks

	if ctx.Err() != nil {
		o.logger.Info("turn cancelled",
			"session_id", sess.ID, "turn_id", timings.TurnID,
			"reply_chars", len([]rune(replyText)))
		return
	}
	em.finish(replyText)

	if replyText != "" {
		sess.AppendHistory(prompt.RoleAssistant, replyText)
	}

	sess.State.TransitionTo(session.StateListening)
	_ = send.Send(newStateUpdate("listening"))

	metrics.TurnsTotal.Add(1)
	timings.Log(o.logger)

	o.prethink.Spawn(context.WithoutCancel(ctx), &sess.Prethink, sess.History(), sess.ID, int(sess.TurnSeq()))
}

// enqueueSegments filters and forwards chunker output to the TTS worker.
// Returns false when the context was cancelled mid-send.
func (o *orchestrator) enqueueSegments(ctx context.Context, out chan<- chunker.Chunk, cs []chunker.Chunk) bool {
	for _, c := range cs {
		_, cleaned := emotion.StripLeadingTag(c.Text)
		cleaned = strings.TrimSpace(cleaned)
		if cleaned == "" || !prethink.Meaningful(cleaned, 1) {
			continue
		}
		c.Text = cleaned
		select {
		case out <- c:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (o *orchestrator) audioSampleRate() int {
	if o.cfg.TTS.SampleRate > 0 {
		return o.cfg.TTS.SampleRate
	}
	return o.cfg.Audio.SampleRate
}

// runTTSWorker synthesizes queued segments one at a time and streams the
// audio to the client as framed WAV chunks.
func (o *orchestrator) runTTSWorker(ctx context.Context, sess *session.Session, send Sender, segments <-chan chunker.Chunk, timings *metrics.TurnTimings) ttsResult {
	var res ttsResult
	sampleRate := 0
	speaking := false

	for seg := range segments {
		if ctx.Err() != nil {
			continue
		}
		res.segments++
		if timings.FirstTTSRequest.IsZero() {
			timings.MarkFirstTTSRequest()
		}
		sentText := false
		chunksSent, segRate := o.synthesizeSegment(ctx, sess, send, seg, sampleRate, &speaking, &sentText, &res, timings)
		if segRate > 0 && sampleRate == 0 {
			sampleRate = segRate
		}
		res.audioChunks += chunksSent
	}
	return res
}

// synthesizeSegment streams one segment through the synthesizer. It returns
// the number of audio frames sent and the sample rate locked from the first
// raw chunk, if any.
func (o *orchestrator) synthesizeSegment(ctx context.Context, sess *session.Session, send Sender, seg chunker.Chunk, lockedRate int, speaking, sentText *bool, res *ttsResult, timings *metrics.TurnTimings) (int, int) {
	stream := o.synth.SynthesizeStream(ctx, seg.Text, o.cfg.TTS.VoiceID)

	var pending []byte
	var carry []byte
	framesSent := 0
	rate := lockedRate
	threshold := firstEmitBytes
	if res.sentAudio {
		threshold = steadyEmitBytes
	}

	emit := func() {
		if len(pending) == 0 {
			return
		}
		if rate == 0 {
			if r := audio.WAVSampleRate(pending); r > 0 {
				rate = r
			} else {
				rate = o.audioSampleRate()
			}
		}
		playable, next := audio.ToPlayableWAV(pending, rate, 1, carry)
		pending = nil
		carry = next
		if len(playable) == 0 {
			return
		}
		if !*sentText {
			*sentText = true
			_ = send.Send(newTTSTextStream(seg.Seq, seg.Text))
		}
		if !*speaking {
			*speaking = true
			sess.State.TransitionTo(session.StateSpeaking)
			_ = send.Send(newStateUpdate("speaking"))
		}
		if !res.sentAudio {
			res.sentAudio = true
			timings.MarkFirstTTSAudio()
			sess.Metrics.EndMeasure("tts_first_audio", "ttfa_ms")
		}
		_ = send.Send(newTTSAudioChunk(seg.Seq, playable, rate, seg.IsFinal))
		framesSent++
		threshold = steadyEmitBytes
	}

	streamErr := error(nil)
	gotAudio := false
	for c := range stream {
		if ctx.Err() != nil {
			continue
		}
		if c.Err != nil {
			streamErr = c.Err
			continue
		}
		if len(c.Audio) == 0 {
			continue
		}
		gotAudio = true
		pending = append(pending, c.Audio...)
		if len(pending) >= threshold {
			emit()
		}
	}
	if ctx.Err() != nil {
		return framesSent, rate
	}
	emit()

	if framesSent > 0 {
		return framesSent, rate
	}

	if !gotAudio {
		if streamErr != nil {
			o.logger.Error("tts synthesis failed",
				"session_id", sess.ID, "seq", seg.Seq, "error", streamErr)
		}
		if batch, ok := o.synth.(tts.BatchSynthesizer); ok {
			return o.synthesizeBatch(ctx, sess, send, seg, speaking, sentText, res, batch, timings), rate
		}
		if streamErr != nil {
			_ = send.Send(errorFrame{Type: "error", Message: "speech synthesis failed"})
		}
	}
	return framesSent, rate
}

// synthesizeBatch is the non-streaming fallback for backends that expose a
// whole-utterance path. It returns the number of frames sent (0 or 1).
func (o *orchestrator) synthesizeBatch(ctx context.Context, sess *session.Session, send Sender, seg chunker.Chunk, speaking, sentText *bool, res *ttsResult, batch tts.BatchSynthesizer, timings *metrics.TurnTimings) int {
	raw, err := batch.Synthesize(ctx, seg.Text, o.cfg.TTS.VoiceID)
	if err != nil || len(raw) == 0 {
		if err != nil && ctx.Err() == nil {
			o.logger.Error("tts batch fallback failed",
				"session_id", sess.ID, "seq", seg.Seq, "error", err)
		}
		return 0
	}
	rate := audio.WAVSampleRate(raw)
	if rate <= 0 {
		rate = o.audioSampleRate()
		raw = audio.PCM16ToWAV(raw, rate, 1)
	}
	if !*sentText {
		*sentText = true
		_ = send.Send(newTTSTextStream(seg.Seq, seg.Text))
	}
	if !*speaking {
		*speaking = true
		sess.State.TransitionTo(session.StateSpeaking)
		_ = send.Send(newStateUpdate("speaking"))
	}
	if !res.sentAudio {
		res.sentAudio = true
		timings.MarkFirstTTSAudio()
		sess.Metrics.EndMeasure("tts_first_audio", "ttfa_ms")
	}
	_ = send.Send(ttsAudioFull{
		Type:    "tts.audio",
		Seq:     seg.Seq,
		Text:    seg.Text,
		Audio:   audio.EncodeBase64(raw),
		IsFinal: seg.IsFinal,
	})
	return 1
}

// emotionTracker resolves the leading reply tag and keeps the client avatar
// in sync while text streams in.
type emotionTracker struct {
	sess     *session.Session
	send     Sender
	logger   *slog.Logger
	resolver emotion.PrefixResolver
	current  string
	lastLen  int
}

func newEmotionTracker(sess *session.Session, send Sender, logger *slog.Logger) *emotionTracker {
	return &emotionTracker{sess: sess, send: send, logger: logger}
}

// feed pushes one LLM chunk through the prefix resolver and returns the
// text to forward downstream ("" while the tag question is still open).
func (e *emotionTracker) feed(chunk string) string {
	if e.resolver.Done() {
		return chunk
	}
	status, tag, text := e.resolver.Feed(chunk)
	switch status {
	case emotion.NeedMore:
		return ""
	case emotion.Resolved:
		e.set(tag, "llm_tag")
		return text
	default:
		return text
	}
}

// recheck re-runs the heuristic classifier when the reply has grown past
// another recheck boundary, updating the avatar mid-reply when the text
// drifts away from the opening emotion.
func (e *emotionTracker) recheck(full string) {
	fullLen := len([]rune(full))
	if e.current == "" {
		e.set(emotion.Infer(full, emotion.Neutral), "heuristic")
		e.lastLen = fullLen
		return
	}
	if fullLen/emotionRecheckRunes > e.lastLen/emotionRecheckRunes {
		e.lastLen = fullLen
		if next := emotion.Infer(full, e.current); next != e.current {
			e.set(next, "heuristic_update")
		}
	}
}

// finish guarantees the client saw at least one avatar state for the turn.
func (e *emotionTracker) finish(full string) {
	if e.current != "" {
		return
	}
	e.set(emotion.Infer(full, emotion.Neutral), "fallback")
}

func (e *emotionTracker) set(value, source string) {
	value = emotion.Normalize(value, emotion.Neutral)
	if value == e.current {
		return
	}
	e.current = value
	_ = e.send.Send(newAvatarState(value, source, e.sess.TurnSeq()))
}

func newTTSTextStream(seq int, text string) ttsTextStream {
	m := ttsTextStream{Type: "tts.text_stream", Seq: seq}
	m.Data.Seq = seq
	m.Data.Text = text
	return m
}

func newTTSAudioChunk(seq int, wav []byte, sampleRate int, final bool) ttsAudioChunk {
	m := ttsAudioChunk{Type: "tts.audio_chunk", Seq: seq, IsFinal: final}
	m.Data.Chunk = audio.EncodeBase64(wav)
	m.Data.SampleRate = sampleRate
	return m
}
