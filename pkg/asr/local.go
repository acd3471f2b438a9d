package asr

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/callme-labs/callme-go/pkg/onnxrt"
)

// The local backend expects a streaming CTC export with waveform input:
// inputs "samples" [1,N] and "state_in" [1,localStateSize], outputs
// "logits" [1,U,V] and "state_out" [1,localStateSize]. Token id 0 is the
// CTC blank.
const localStateSize = 2048

const localSampleRate = 16000

var (
	localMu       sync.Mutex
	localSessions = make(map[string]*localModel)
)

type localModel struct {
	session *ort.DynamicAdvancedSession
	tokens  []string
}

// LocalRecognizer decodes speech on-device. The underlying model session
// is shared across streams with the same configuration; per-stream state
// is the encoder state vector and the accumulated transcript.
type LocalRecognizer struct {
	model  *localModel
	logger *slog.Logger

	mu    sync.Mutex
	state []float32
	text  strings.Builder
}

func NewLocal(cfg Config, logger *slog.Logger) (*LocalRecognizer, error) {
	if cfg.ModelPath == "" || cfg.TokensPath == "" {
		return nil, fmt.Errorf("asr: local provider requires model_path and tokens_path")
	}
	if logger == nil {
		logger = slog.Default()
	}
	model, err := sharedLocalModel(cfg)
	if err != nil {
		return nil, err
	}
	return &LocalRecognizer{model: model, logger: logger}, nil
}

func sharedLocalModel(cfg Config) (*localModel, error) {
	modelAbs, err := filepath.Abs(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("asr: resolve model path: %w", err)
	}
	tokensAbs, err := filepath.Abs(cfg.TokensPath)
	if err != nil {
		return nil, fmt.Errorf("asr: resolve tokens path: %w", err)
	}
	key := fmt.Sprintf("%s|%s|%d|%s", modelAbs, tokensAbs, cfg.NumThreads, cfg.ComputeProvider)

	localMu.Lock()
	defer localMu.Unlock()
	if m, ok := localSessions[key]; ok {
		return m, nil
	}

	if err := onnxrt.EnsureEnv(); err != nil {
		return nil, fmt.Errorf("asr: init onnxruntime: %w", err)
	}
	tokens, err := loadTokens(tokensAbs)
	if err != nil {
		return nil, err
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("asr: session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
		return nil, fmt.Errorf("asr: set threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelAbs,
		[]string{"samples", "state_in"},
		[]string{"logits", "state_out"},
		opts)
	if err != nil {
		return nil, fmt.Errorf("asr: load model %s: %w", modelAbs, err)
	}

	m := &localModel{session: session, tokens: tokens}
	localSessions[key] = m
	return m, nil
}

func loadTokens(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("asr: open tokens: %w", err)
	}
	defer f.Close()

	var tokens []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// Each line is "token id"; ids are expected dense from 0.
		fields := strings.Fields(line)
		tok := fields[0]
		if len(fields) >= 2 {
			if id, err := strconv.Atoi(fields[len(fields)-1]); err == nil {
				for len(tokens) <= id {
					tokens = append(tokens, "")
				}
				tokens[id] = tok
				continue
			}
		}
		tokens = append(tokens, tok)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("asr: read tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("asr: empty token table %s", path)
	}
	return tokens, nil
}

func (l *LocalRecognizer) StartStream(context.Context) error {
	l.mu.Lock()
	l.state = make([]float32, localStateSize)
	l.text.Reset()
	l.mu.Unlock()
	return nil
}

// PushAudio feeds one PCM16 chunk through the model. Inference errors
// recover the stream instead of failing the pipeline.
func (l *LocalRecognizer) PushAudio(_ context.Context, chunk []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == nil {
		return nil
	}
	samples := pcm16ToFloat32(chunk)
	if len(samples) == 0 {
		return nil
	}
	if err := l.inferLocked(samples); err != nil {
		l.logger.Warn("local asr decode failed, recovering stream", "error", err)
		l.recoverLocked()
	}
	return nil
}

func (l *LocalRecognizer) inferLocked(samples []float32) error {
	in, err := ort.NewTensor(ort.NewShape(1, int64(len(samples))), samples)
	if err != nil {
		return err
	}
	defer in.Destroy()
	stateIn, err := ort.NewTensor(ort.NewShape(1, localStateSize), l.state)
	if err != nil {
		return err
	}
	defer stateIn.Destroy()

	outputs := make([]ort.Value, 2)
	if err := l.model.session.Run([]ort.Value{in, stateIn}, outputs); err != nil {
		return err
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return fmt.Errorf("unexpected logits tensor")
	}
	if stateOut, ok := outputs[1].(*ort.Tensor[float32]); ok && len(stateOut.GetData()) == localStateSize {
		copy(l.state, stateOut.GetData())
	}
	l.text.WriteString(l.decodeGreedy(logits))
	return nil
}

// decodeGreedy collapses per-frame argmax ids, dropping blanks and
// repeats, and maps subword markers to spaces.
func (l *LocalRecognizer) decodeGreedy(logits *ort.Tensor[float32]) string {
	data := logits.GetData()
	vocab := len(l.model.tokens)
	if vocab == 0 || len(data) < vocab {
		return ""
	}
	frames := len(data) / vocab

	var b strings.Builder
	prev := 0
	for f := 0; f < frames; f++ {
		row := data[f*vocab : (f+1)*vocab]
		best := 0
		for i := 1; i < vocab; i++ {
			if row[i] > row[best] {
				best = i
			}
		}
		if best != 0 && best != prev {
			b.WriteString(strings.ReplaceAll(l.model.tokens[best], "▁", " "))
		}
		prev = best
	}
	return b.String()
}

func (l *LocalRecognizer) recoverLocked() {
	l.state = make([]float32, localStateSize)
	l.text.Reset()
}

func (l *LocalRecognizer) Partial(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.TrimSpace(l.text.String()), nil
}

// OnSpeechEnd flushes tail tokens by pushing a short stretch of silence
// through the model.
func (l *LocalRecognizer) OnSpeechEnd(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == nil {
		return nil
	}
	pad := make([]float32, localSampleRate/4)
	if err := l.inferLocked(pad); err != nil {
		l.logger.Warn("local asr flush failed", "error", err)
	}
	return nil
}

func (l *LocalRecognizer) Final(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.TrimSpace(l.text.String()), nil
}

func (l *LocalRecognizer) StopStream(context.Context) error {
	l.mu.Lock()
	l.state = nil
	l.text.Reset()
	l.mu.Unlock()
	return nil
}

func pcm16ToFloat32(chunk []byte) []float32 {
	n := len(chunk) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(chunk[i*2:]))
		out[i] = float32(s) / 32768.0
	}
	return out
}
