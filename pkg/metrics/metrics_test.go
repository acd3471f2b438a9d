package metrics

import (
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestSessionRecorderMeasures(t *testing.T) {
	is := is.New(t)
	r := NewSessionRecorder("s1")

	r.StartMeasure("llm")
	time.Sleep(5 * time.Millisecond)
	r.EndMeasure("llm", "ttfb_ms")

	r.StartMeasure("asr-1")
	r.EndMeasure("asr-1", "u_asr_ms")
	r.StartMeasure("asr-2")
	r.EndMeasure("asr-2", "u_asr_ms")

	snap := r.Finalize()
	is.Equal(snap.SessionID, "s1")
	is.True(snap.TTFBMs >= 5)
	is.Equal(len(snap.ASRMs), 2)
	is.Equal(snap.TTFAMs, int64(0))
}

func TestSessionRecorderUnmatchedEndIsNoop(t *testing.T) {
	is := is.New(t)
	r := NewSessionRecorder("s1")
	r.EndMeasure("never-started", "ttfb_ms")
	is.Equal(r.Finalize().TTFBMs, int64(0))
}

func TestSessionRecorderInterrupts(t *testing.T) {
	is := is.New(t)
	before := InterruptsTotal.Value()
	r := NewSessionRecorder("s1")
	r.RecordInterrupt()
	r.RecordInterrupt()
	is.Equal(r.Finalize().InterruptCount, 2)
	is.Equal(InterruptsTotal.Value(), before+2)
}

func TestTurnTimingsOnceSemantics(t *testing.T) {
	is := is.New(t)
	tt := &TurnTimings{LLMStart: time.Now()}
	tt.MarkFirstLLMToken()
	first := tt.FirstLLMToken
	time.Sleep(time.Millisecond)
	tt.MarkFirstLLMToken()
	is.Equal(tt.FirstLLMToken, first)
}

func TestTurnTimingsUnsetRendersNegative(t *testing.T) {
	is := is.New(t)
	tt := &TurnTimings{LLMStart: time.Now()}
	is.Equal(tt.sinceLLMStart(tt.FirstTTSAudio), -1.0)
}
