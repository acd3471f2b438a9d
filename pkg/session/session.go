// Package session holds per-connection call state: the turn lifecycle,
// bounded chat history, cancellation of in-flight work, and the shared
// speculation slot.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/callme-labs/callme-go/pkg/metrics"
	"github.com/callme-labs/callme-go/pkg/prethink"
	"github.com/callme-labs/callme-go/pkg/prompt"
)

const historyLimit = 80

// Session is the per-connection context. One Session serves exactly one
// WebSocket connection for its whole lifetime.
type Session struct {
	ID       string
	State    StateMachine
	Metrics  *metrics.SessionRecorder
	Prethink prethink.Slot

	// ProcessMu serializes reply turns so LLM output stays linear.
	ProcessMu sync.Mutex

	mu          sync.Mutex
	history     []prompt.Message
	turnCtx     context.Context
	turnCancel  context.CancelFunc
	lastPartial string

	turnSeq atomic.Uint64
	tasks   sync.WaitGroup
}

func New() *Session {
	id := uuid.NewString()
	return &Session{
		ID:      id,
		Metrics: metrics.NewSessionRecorder(id),
	}
}

// BeginTurn allocates a fresh cancellation scope for a reply turn,
// replacing (and cancelling) any previous one, and returns the new turn
// sequence number.
func (s *Session) BeginTurn(parent context.Context) (context.Context, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.turnCtx, s.turnCancel = context.WithCancel(parent)
	return s.turnCtx, s.turnSeq.Add(1)
}

// TurnContext returns the active turn scope, or a background context
// before the first turn.
func (s *Session) TurnContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnCtx == nil {
		return context.Background()
	}
	return s.turnCtx
}

// TurnSeq returns the sequence number of the most recent turn.
func (s *Session) TurnSeq() uint64 {
	return s.turnSeq.Load()
}

// Interrupt cancels the in-flight turn and speculation job and counts
// the barge-in. The cached speculation hint survives.
func (s *Session) Interrupt() {
	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.mu.Unlock()
	s.Prethink.Cancel()
	s.Metrics.RecordInterrupt()
}

// Cancelled reports whether the current turn scope has been cancelled.
func (s *Session) Cancelled() bool {
	return s.TurnContext().Err() != nil
}

// AppendHistory adds one message, evicting the oldest past the cap.
// Empty content is dropped.
func (s *Session) AppendHistory(role, content string) {
	if content == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, prompt.Message{Role: role, Content: content})
	if overflow := len(s.history) - historyLimit; overflow > 0 {
		s.history = append(s.history[:0:0], s.history[overflow:]...)
	}
}

// History returns a copy of the chat history, oldest first.
func (s *Session) History() []prompt.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]prompt.Message(nil), s.history...)
}

// SetPartial records the latest recognized partial and reports whether
// it differs from the previous one.
func (s *Session) SetPartial(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if text == s.lastPartial {
		return false
	}
	s.lastPartial = text
	return true
}

// ClearPartial resets partial dedup state at utterance boundaries.
func (s *Session) ClearPartial() {
	s.mu.Lock()
	s.lastPartial = ""
	s.mu.Unlock()
}

// Track registers a background task tied to this session. The returned
// func must be called when the task finishes.
func (s *Session) Track() func() {
	s.tasks.Add(1)
	return s.tasks.Done
}

// WaitTasks blocks until all tracked tasks finish or timeout elapses.
// A timeout is acceptable during forced interruption.
func (s *Session) WaitTasks(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close tears the session down: cancel in-flight work and give tasks a
// short grace period to unwind.
func (s *Session) Close() {
	s.Interrupt()
	s.Prethink.Invalidate()
	s.WaitTasks(500 * time.Millisecond)
}

// Manager is the registry of live sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

func (m *Manager) Create() *Session {
	s := New()
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	metrics.SessionsActive.Add(1)
	metrics.SessionsTotal.Add(1)
	return s
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove drops the session from the registry and closes it.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		metrics.SessionsActive.Add(-1)
		s.Close()
	}
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
