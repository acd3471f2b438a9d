package prethink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/callme-labs/callme-go/pkg/llm"
	"github.com/callme-labs/callme-go/pkg/prompt"
)

// Slot is the single-result cache shared between the speculation job and
// the next turn. A result is stored only if its job is still the newest,
// and consuming it clears the slot.
type Slot struct {
	mu        sync.Mutex
	jobSeq    uint64
	hint      string
	readyAt   time.Time
	fromTurn  int
	cancelJob context.CancelFunc
}

// NewJob invalidates older results and returns the id the new job must
// present when storing. Any in-flight job is cancelled.
func (s *Slot) NewJob() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.jobSeq++
	return s.jobSeq
}

// Invalidate cancels any in-flight job and bumps the sequence so a late
// store from the old job is rejected. The cached hint, if any, survives.
func (s *Slot) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.jobSeq++
}

// Cancel stops the in-flight job without invalidating a stored hint.
func (s *Slot) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *Slot) cancelLocked() {
	if s.cancelJob != nil {
		s.cancelJob()
		s.cancelJob = nil
	}
}

func (s *Slot) track(jobID uint64, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobID != s.jobSeq {
		return false
	}
	s.cancelLocked()
	s.cancelJob = cancel
	return true
}

// Store caches a hint iff jobID is still the newest job.
func (s *Slot) Store(jobID uint64, hint string, sourceTurn int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hint == "" || jobID != s.jobSeq {
		return false
	}
	s.hint = hint
	s.readyAt = time.Now()
	s.fromTurn = sourceTurn
	return true
}

// Consume returns the cached hint with its age and source turn, then
// clears the slot. Age is negative when no hint was cached.
func (s *Slot) Consume() (hint string, age time.Duration, sourceTurn int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hint = s.hint
	sourceTurn = s.fromTurn
	age = -1
	if !s.readyAt.IsZero() {
		age = time.Since(s.readyAt)
	}
	s.hint = ""
	s.readyAt = time.Time{}
	s.fromTurn = 0
	return hint, age, sourceTurn
}

// Engine launches speculation jobs.
type Engine struct {
	cfg      Config
	streamer llm.Streamer
	logger   *slog.Logger
}

func NewEngine(cfg Config, streamer llm.Streamer, logger *slog.Logger) *Engine {
	cfg.Normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, streamer: streamer, logger: logger}
}

// Spawn starts a speculation job over the session history if one is
// warranted: the engine is enabled and the last user message carries
// enough meaningful text. It returns false when no job was launched.
func (e *Engine) Spawn(ctx context.Context, slot *Slot, history []prompt.Message, sessionID string, sourceTurn int) bool {
	if !e.cfg.Enabled || e.streamer == nil {
		return false
	}

	lastUser := ""
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == prompt.RoleUser {
			lastUser = history[i].Content
			break
		}
	}
	if !Meaningful(lastUser, e.cfg.MinUserTextChars) {
		e.logger.Debug("prethink skipped", "session", sessionID, "reason", "user_text_too_short")
		return false
	}

	recent := history
	if len(recent) > e.cfg.MaxHistoryMessages {
		recent = recent[len(recent)-e.cfg.MaxHistoryMessages:]
	}
	predictionPrompt := BuildPredictionPrompt(recent)

	jobID := slot.NewJob()
	jobCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.TimeoutMs)*time.Millisecond)
	if !slot.track(jobID, cancel) {
		cancel()
		return false
	}

	go e.run(jobCtx, slot, predictionPrompt, jobID, sessionID, sourceTurn)
	return true
}

func (e *Engine) run(ctx context.Context, slot *Slot, predictionPrompt string, jobID uint64, sessionID string, sourceTurn int) {
	started := time.Now()
	e.logger.Info("prethink start",
		"session", sessionID, "job", jobID, "source_turn", sourceTurn,
		"model", e.cfg.ModelName, "timeout_ms", e.cfg.TimeoutMs)

	var b []rune
	limit := e.cfg.MaxOutputChars * 3
collect:
	for chunk := range e.streamer.GenerateStream(ctx, predictionPrompt, e.cfg.ModelName) {
		if chunk.Err != nil {
			e.logger.Warn("prethink stream error", "session", sessionID, "job", jobID, "error", chunk.Err)
			break
		}
		b = append(b, []rune(chunk.Text)...)
		if len(b) >= limit {
			break collect
		}
	}

	if ctx.Err() == context.DeadlineExceeded && len(b) == 0 {
		e.logger.Info("prethink timeout", "session", sessionID, "job", jobID)
		return
	}

	hint := Sanitize(string(b), e.cfg.MaxOutputChars)
	if hint == "" {
		e.logger.Info("prethink miss", "session", sessionID, "job", jobID, "reason", "empty")
		return
	}
	if slot.Store(jobID, hint, sourceTurn) {
		e.logger.Info("prethink ready",
			"session", sessionID, "job", jobID,
			"latency_ms", time.Since(started).Milliseconds(), "chars", len([]rune(hint)))
	} else {
		e.logger.Info("prethink miss", "session", sessionID, "job", jobID, "reason", "stale")
	}
}
