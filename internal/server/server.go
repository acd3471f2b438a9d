package server

import (
	"context"
	"errors"
	"expvar"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callme-labs/callme-go/internal/config"
	"github.com/callme-labs/callme-go/pkg/asr"
	"github.com/callme-labs/callme-go/pkg/llm"
	"github.com/callme-labs/callme-go/pkg/prethink"
	"github.com/callme-labs/callme-go/pkg/session"
	"github.com/callme-labs/callme-go/pkg/tts"
)

// Server hosts the voice-call websocket endpoint plus health and debug
// surfaces on one listener.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	sessions *session.Manager
	handler  *handler
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New wires the full call stack from configuration. The synthesizer and
// LLM streamer are shared across sessions; each connection gets its own
// recognizer because recognition state is per utterance stream.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	synth, err := tts.New(cfg.TTS, logger)
	if err != nil {
		return nil, err
	}
	streamer := llm.NewOpenAIStreamer(cfg.LLM.Models, logger)
	engine := prethink.NewEngine(cfg.Prethink, streamer, logger)
	asrClient := &http.Client{Timeout: 30 * time.Second}

	sessions := session.NewManager()
	orch := newOrchestrator(cfg, streamer, synth, engine, logger)
	h := &handler{
		cfg:      cfg,
		sessions: sessions,
		orch:     orch,
		newASR: func() (asr.Recognizer, error) {
			return asr.New(cfg.ASR, asrClient, logger)
		},
		logger: logger,
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		handler:  h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/call", s.serveCall)
	mux.HandleFunc("/healthz", s.serveHealth)
	mux.Handle("/debug/vars", expvar.Handler())
	s.httpSrv = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start blocks serving until the context is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.Server.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops accepting connections and gives in-flight calls a short
// grace period.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) serveCall(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.handler.HandleConn(r.Context(), conn)
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
