package metrics

import (
	"log/slog"
	"time"
)

// TurnTimings collects the timestamps of a single reply turn and renders
// the one-line performance summary logged when the turn completes.
// Zero-value timestamps render as n/a equivalents.
type TurnTimings struct {
	SessionID string
	TurnID    string
	Source    string

	TurnStart       time.Time
	LLMStart        time.Time
	FirstLLMToken   time.Time
	FirstTTSRequest time.Time
	FirstTTSAudio   time.Time

	ASRFinalMs  float64
	HasASRFinal bool

	TTSSegments    int
	TTSAudioChunks int

	PrethinkHit        bool
	PrethinkAgeMs      float64
	PrethinkSourceTurn int
}

// MarkFirstLLMToken records the first token arrival once.
func (t *TurnTimings) MarkFirstLLMToken() {
	if t.FirstLLMToken.IsZero() {
		t.FirstLLMToken = time.Now()
	}
}

// MarkFirstTTSRequest records the first synthesis request once.
func (t *TurnTimings) MarkFirstTTSRequest() {
	if t.FirstTTSRequest.IsZero() {
		t.FirstTTSRequest = time.Now()
	}
}

// MarkFirstTTSAudio records the first audio byte sent downstream once.
func (t *TurnTimings) MarkFirstTTSAudio() {
	if t.FirstTTSAudio.IsZero() {
		t.FirstTTSAudio = time.Now()
	}
}

func (t *TurnTimings) sinceLLMStart(at time.Time) float64 {
	if at.IsZero() || t.LLMStart.IsZero() {
		return -1.0
	}
	return float64(at.Sub(t.LLMStart).Microseconds()) / 1000.0
}

// Log emits the turn performance line.
func (t *TurnTimings) Log(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"session", t.SessionID,
		"turn", t.TurnID,
		"source", t.Source,
	}
	if t.HasASRFinal {
		attrs = append(attrs, "asr_final_ms", t.ASRFinalMs)
	} else {
		attrs = append(attrs, "asr_final_ms", "n/a")
	}
	attrs = append(attrs,
		"llm_first_token_ms", t.sinceLLMStart(t.FirstLLMToken),
		"tts_first_request_ms", t.sinceLLMStart(t.FirstTTSRequest),
		"tts_first_audio_ms", t.sinceLLMStart(t.FirstTTSAudio),
		"tts_segments", t.TTSSegments,
		"tts_audio_chunks", t.TTSAudioChunks,
		"prethink_hit", t.PrethinkHit,
	)
	if t.PrethinkAgeMs >= 0 && t.PrethinkHit {
		attrs = append(attrs, "prethink_age_ms", t.PrethinkAgeMs)
	} else {
		attrs = append(attrs, "prethink_age_ms", "n/a")
	}
	if t.PrethinkSourceTurn > 0 {
		attrs = append(attrs, "prethink_source_turn", t.PrethinkSourceTurn)
	} else {
		attrs = append(attrs, "prethink_source_turn", "n/a")
	}
	if !t.TurnStart.IsZero() {
		attrs = append(attrs, "turn_total_ms", float64(time.Since(t.TurnStart).Microseconds())/1000.0)
	}
	logger.Info("turn perf", attrs...)
}
