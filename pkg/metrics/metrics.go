// Package metrics tracks per-session latency figures and exports
// process-wide counters via expvar.
package metrics

import (
	"expvar"
	"sync"
	"time"
)

// Process-wide counters, served from the debug vars endpoint.
var (
	SessionsActive  = expvar.NewInt("callme_sessions_active")
	SessionsTotal   = expvar.NewInt("callme_sessions_total")
	TurnsTotal      = expvar.NewInt("callme_turns_total")
	InterruptsTotal = expvar.NewInt("callme_interrupts_total")
)

// SessionRecorder accumulates latency measurements for one call session.
// All methods are safe for concurrent use.
type SessionRecorder struct {
	mu sync.Mutex

	sessionID    string
	startTime    time.Time
	ttfbMs       int64
	ttfaMs       int64
	asrMs        []int64
	ttsMs        []int64
	interrupts   int
	measureStart map[string]time.Time
}

func NewSessionRecorder(sessionID string) *SessionRecorder {
	return &SessionRecorder{
		sessionID:    sessionID,
		startTime:    time.Now(),
		measureStart: make(map[string]time.Time),
	}
}

// StartMeasure marks the beginning of a named measurement.
func (r *SessionRecorder) StartMeasure(key string) {
	r.mu.Lock()
	r.measureStart[key] = time.Now()
	r.mu.Unlock()
}

// EndMeasure closes a named measurement and files it under metric.
// Unknown metric names and unmatched keys are ignored.
func (r *SessionRecorder) EndMeasure(key, metric string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start, ok := r.measureStart[key]
	if !ok {
		return
	}
	delete(r.measureStart, key)
	ms := time.Since(start).Milliseconds()
	switch metric {
	case "ttfb_ms":
		r.ttfbMs = ms
	case "ttfa_ms":
		r.ttfaMs = ms
	case "u_asr_ms":
		r.asrMs = append(r.asrMs, ms)
	case "u_tts_ms":
		r.ttsMs = append(r.ttsMs, ms)
	}
}

// RecordInterrupt counts one barge-in, both per session and process-wide.
func (r *SessionRecorder) RecordInterrupt() {
	r.mu.Lock()
	r.interrupts++
	r.mu.Unlock()
	InterruptsTotal.Add(1)
}

// Snapshot is the finalized view of a session's metrics.
type Snapshot struct {
	SessionID        string  `json:"session_id"`
	TTFBMs           int64   `json:"ttfb_ms"`
	TTFAMs           int64   `json:"ttfa_ms"`
	ASRMs            []int64 `json:"u_asr_ms"`
	TTSMs            []int64 `json:"u_tts_ms"`
	InterruptCount   int     `json:"interrupt_count"`
	SessionDurationS float64 `json:"session_duration_s"`
}

// Finalize computes the session duration and returns the snapshot.
func (r *SessionRecorder) Finalize() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		SessionID:        r.sessionID,
		TTFBMs:           r.ttfbMs,
		TTFAMs:           r.ttfaMs,
		ASRMs:            append([]int64(nil), r.asrMs...),
		TTSMs:            append([]int64(nil), r.ttsMs...),
		InterruptCount:   r.interrupts,
		SessionDurationS: float64(time.Since(r.startTime).Milliseconds()) / 1000.0,
	}
}
