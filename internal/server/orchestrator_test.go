package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/callme-labs/callme-go/internal/config"
	"github.com/callme-labs/callme-go/pkg/audio"
	"github.com/callme-labs/callme-go/pkg/llm"
	"github.com/callme-labs/callme-go/pkg/metrics"
	"github.com/callme-labs/callme-go/pkg/prethink"
	"github.com/callme-labs/callme-go/pkg/session"
	"github.com/callme-labs/callme-go/pkg/tts"
)

type captureSender struct {
	mu     sync.Mutex
	frames []any
}

func (c *captureSender) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v)
	return nil
}

func (c *captureSender) all() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.frames...)
}

func (c *captureSender) states() []string {
	var out []string
	for _, f := range c.all() {
		if s, ok := f.(stateUpdate); ok {
			out = append(out, s.State)
		}
	}
	return out
}

func (c *captureSender) avatars() []avatarState {
	var out []avatarState
	for _, f := range c.all() {
		if a, ok := f.(avatarState); ok {
			out = append(out, a)
		}
	}
	return out
}

// streamSynth replays scripted audio chunks per synthesis request.
type streamSynth struct {
	chunks [][]byte
	err    error

	mu    sync.Mutex
	texts []string
}

func (s *streamSynth) SynthesizeStream(ctx context.Context, text, voiceID string) <-chan tts.Chunk {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	out := make(chan tts.Chunk, len(s.chunks)+1)
	for _, c := range s.chunks {
		out <- tts.Chunk{Audio: c}
	}
	if s.err != nil {
		out <- tts.Chunk{Err: s.err}
	}
	close(out)
	return out
}

// batchSynth yields nothing on the streaming path and serves whole
// utterances on the batch path.
type batchSynth struct {
	streamSynth
	wav []byte
}

func (s *batchSynth) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	return s.wav, nil
}

func testOrchestrator(t *testing.T, streamer llm.Streamer, synth tts.Synthesizer) (*orchestrator, *session.Session, *captureSender) {
	t.Helper()
	cfg := config.Default()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	engine := prethink.NewEngine(prethink.Config{}, streamer, logger)
	orch := newOrchestrator(cfg, streamer, synth, engine, logger)
	sess := session.New()
	sess.State.TransitionTo(session.StateThinking)
	return orch, sess, &captureSender{}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func TestRunTurnStreamsTaggedReply(t *testing.T) {
	is := is.New(t)
	streamer := &llm.FakeStreamer{Chunks: []string{"<emo:happy>", "你好呀！", "今天也要一起加油哦！"}}
	synth := &streamSynth{chunks: [][]byte{{1, 2, 3, 4}, {5, 6}}}
	orch, sess, send := testOrchestrator(t, streamer, synth)
	sess.AppendHistory("user", "在吗")

	timings := &metrics.TurnTimings{SessionID: sess.ID, TurnID: "1", TurnStart: time.Now()}
	orch.RunTurn(context.Background(), sess, send, timings)

	avatars := send.avatars()
	is.True(len(avatars) > 0)
	is.Equal(avatars[0].Emotion, "happy")
	is.Equal(avatars[0].Source, "llm_tag")

	textBySeq := map[int]bool{}
	audioSeen, finalSeen := false, false
	for _, f := range send.all() {
		switch m := f.(type) {
		case ttsTextStream:
			textBySeq[m.Seq] = true
		case ttsAudioChunk:
			is.True(textBySeq[m.Seq])
			audioSeen = true
			is.Equal(m.Data.SampleRate, 24000)
			is.True(m.Data.Chunk != "")
			if m.IsFinal {
				finalSeen = true
			}
		}
	}
	is.True(audioSeen)
	is.True(finalSeen)

	states := send.states()
	is.Equal(states[len(states)-1], "listening")
	is.Equal(states[0], "speaking")

	hist := sess.History()
	is.Equal(len(hist), 2)
	is.Equal(hist[1].Role, "assistant")
	is.Equal(hist[1].Content, "你好呀！今天也要一起加油哦！")
	is.True(timings.TTSSegments > 0)
	is.True(!timings.FirstTTSAudio.IsZero())
}

func TestRunTurnHeuristicEmotion(t *testing.T) {
	is := is.New(t)
	streamer := &llm.FakeStreamer{Chunks: []string{"哈哈，太棒了！", "我们现在就出发吧。"}}
	synth := &streamSynth{chunks: [][]byte{{1, 2}}}
	orch, sess, send := testOrchestrator(t, streamer, synth)

	orch.RunTurn(context.Background(), sess, send, &metrics.TurnTimings{TurnStart: time.Now()})

	avatars := send.avatars()
	is.True(len(avatars) > 0)
	is.Equal(avatars[0].Emotion, "happy")
	is.Equal(avatars[0].Source, "heuristic")
}

func TestRunTurnUpdatesEmotionAfterTag(t *testing.T) {
	is := is.New(t)
	streamer := &llm.FakeStreamer{Chunks: []string{
		"<emo:happy>",
		"今天的演出取消了，",
		"大家都很难过，她一个人躲起来哭了，",
		"我心里也特别伤心和失落，真的很遗憾，我们抱抱她安慰一下吧，这件事让所有人都很委屈。",
	}}
	synth := &streamSynth{chunks: [][]byte{{1, 2}}}
	orch, sess, send := testOrchestrator(t, streamer, synth)

	orch.RunTurn(context.Background(), sess, send, &metrics.TurnTimings{TurnStart: time.Now()})

	avatars := send.avatars()
	is.True(len(avatars) >= 2)
	is.Equal(avatars[0].Emotion, "happy")
	is.Equal(avatars[0].Source, "llm_tag")
	is.Equal(avatars[1].Emotion, "sad")
	is.Equal(avatars[1].Source, "heuristic_update")
}

func TestRunTurnBatchFallback(t *testing.T) {
	is := is.New(t)
	pcm := make([]byte, 3200)
	synth := &batchSynth{wav: audio.PCM16ToWAV(pcm, 24000, 1)}
	streamer := &llm.FakeStreamer{Chunks: []string{"这是一个足够长的回复，用来触发切分。"}}
	orch, sess, send := testOrchestrator(t, streamer, synth)

	orch.RunTurn(context.Background(), sess, send, &metrics.TurnTimings{TurnStart: time.Now()})

	full := false
	for _, f := range send.all() {
		if m, ok := f.(ttsAudioFull); ok {
			full = true
			is.Equal(m.Type, "tts.audio")
			is.True(m.Audio != "")
		}
	}
	is.True(full)
}

func TestRunTurnStreamErrorWithoutBatchReportsError(t *testing.T) {
	is := is.New(t)
	synth := &streamSynth{err: errors.New("upstream rejected session")}
	streamer := &llm.FakeStreamer{Chunks: []string{"讲一个很短的笑话给你听呀。"}}
	orch, sess, send := testOrchestrator(t, streamer, synth)

	orch.RunTurn(context.Background(), sess, send, &metrics.TurnTimings{TurnStart: time.Now()})

	errSeen := false
	for _, f := range send.all() {
		if e, ok := f.(errorFrame); ok && e.Message == "speech synthesis failed" {
			errSeen = true
		}
	}
	is.True(errSeen)
}

func TestRunTurnCancelledSkipsHistoryAndListening(t *testing.T) {
	is := is.New(t)
	streamer := &llm.FakeStreamer{Chunks: []string{"你好呀"}, ChunkDelay: 50 * time.Millisecond}
	orch, sess, send := testOrchestrator(t, streamer, &streamSynth{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	orch.RunTurn(ctx, sess, send, &metrics.TurnTimings{TurnStart: time.Now()})

	is.Equal(len(sess.History()), 0)
	for _, s := range send.states() {
		is.True(s != "listening")
	}
}

func TestRunTurnLLMErrorSendsErrorFrame(t *testing.T) {
	is := is.New(t)
	streamer := &llm.FakeStreamer{Terminal: errors.New("model offline")}
	orch, sess, send := testOrchestrator(t, streamer, &streamSynth{})

	orch.RunTurn(context.Background(), sess, send, &metrics.TurnTimings{TurnStart: time.Now()})

	errSeen := false
	for _, f := range send.all() {
		if e, ok := f.(errorFrame); ok && e.Message == "reply generation failed" {
			errSeen = true
		}
	}
	is.True(errSeen)
}

func TestRunTurnInjectsPrethinkHint(t *testing.T) {
	is := is.New(t)
	streamer := &llm.FakeStreamer{Chunks: []string{"好的呀"}}
	orch, sess, send := testOrchestrator(t, streamer, &streamSynth{})

	jobID := sess.Prethink.NewJob()
	is.True(sess.Prethink.Store(jobID, "问明天的天气", 3))

	timings := &metrics.TurnTimings{TurnStart: time.Now()}
	orch.RunTurn(context.Background(), sess, send, timings)

	is.True(timings.PrethinkHit)
	is.Equal(timings.PrethinkSourceTurn, 3)
	is.Equal(len(streamer.Prompts), 1)
	is.True(strings.Contains(streamer.Prompts[0], "问明天的天气"))
	is.True(strings.Contains(streamer.Prompts[0], "内部参考"))

	hint, _, _ := sess.Prethink.Consume()
	is.Equal(hint, "")
}

func TestRunTurnResolvesTagSplitAcrossChunks(t *testing.T) {
	is := is.New(t)
	streamer := &llm.FakeStreamer{Chunks: []string{"[emo", "tion:开心]", "太棒了，我们马上开始吧！"}}
	orch, sess, send := testOrchestrator(t, streamer, &streamSynth{chunks: [][]byte{{1, 2}}})

	orch.RunTurn(context.Background(), sess, send, &metrics.TurnTimings{TurnStart: time.Now()})

	avatars := send.avatars()
	is.True(len(avatars) > 0)
	is.Equal(avatars[0].Emotion, "happy")
	is.Equal(avatars[0].Source, "llm_tag")

	hist := sess.History()
	is.Equal(len(hist), 1)
	is.Equal(hist[0].Content, "太棒了，我们马上开始吧！")
}

func TestRunTurnFiltersMeaninglessSegments(t *testing.T) {
	is := is.New(t)
	synth := &streamSynth{chunks: [][]byte{{1, 2}}}
	streamer := &llm.FakeStreamer{Chunks: []string{"……！！！"}}
	orch, sess, send := testOrchestrator(t, streamer, synth)

	orch.RunTurn(context.Background(), sess, send, &metrics.TurnTimings{TurnStart: time.Now()})

	synth.mu.Lock()
	defer synth.mu.Unlock()
	is.Equal(len(synth.texts), 0)
	for _, f := range send.all() {
		_, isText := f.(ttsTextStream)
		is.True(!isText)
	}
}
