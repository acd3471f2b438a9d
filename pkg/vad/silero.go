package vad

import (
	"encoding/binary"
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/callme-labs/callme-go/pkg/onnxrt"
)

// sileroClassifier scores frames with the silero ONNX model. The recurrent
// state tensors are carried between frames and reset at utterance
// boundaries.
type sileroClassifier struct {
	session    *ort.DynamicAdvancedSession
	sampleRate int
	threshold  float32

	h []float32
	c []float32
}

const sileroStateSize = 2 * 1 * 64

func newSileroClassifier(modelPath string, sampleRate int, threshold float32) (*sileroClassifier, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("no silero model path configured")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("silero model not found: %w", err)
	}
	if err := onnxrt.EnsureEnv(); err != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{"input", "sr", "h", "c"},
		[]string{"output", "hn", "cn"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create silero session: %w", err)
	}

	return &sileroClassifier{
		session:    session,
		sampleRate: sampleRate,
		threshold:  threshold,
		h:          make([]float32, sileroStateSize),
		c:          make([]float32, sileroStateSize),
	}, nil
}

func (s *sileroClassifier) resetState() {
	clear(s.h)
	clear(s.c)
}

func (s *sileroClassifier) IsSpeech(frame []byte, _ int) bool {
	samples := make([]float32, len(frame)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(frame[i*2:]))) / 32768.0
	}
	if len(samples) == 0 {
		return false
	}

	prob, err := s.infer(samples)
	if err != nil {
		// Inference errors must not kill the audio loop; treat the frame
		// as silence and let the caller's energy path pick up the slack.
		return false
	}
	return prob >= s.threshold
}

func (s *sileroClassifier) infer(samples []float32) (float32, error) {
	input, err := ort.NewTensor(ort.NewShape(1, int64(len(samples))), samples)
	if err != nil {
		return 0, err
	}
	defer input.Destroy()

	sr, err := ort.NewTensor(ort.NewShape(1), []int64{int64(s.sampleRate)})
	if err != nil {
		return 0, err
	}
	defer sr.Destroy()

	h, err := ort.NewTensor(ort.NewShape(2, 1, 64), append([]float32{}, s.h...))
	if err != nil {
		return 0, err
	}
	defer h.Destroy()

	c, err := ort.NewTensor(ort.NewShape(2, 1, 64), append([]float32{}, s.c...))
	if err != nil {
		return 0, err
	}
	defer c.Destroy()

	outputs := make([]ort.Value, 3)
	if err := s.session.Run([]ort.Value{input, sr, h, c}, outputs); err != nil {
		return 0, err
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok || len(out.GetData()) == 0 {
		return 0, fmt.Errorf("unexpected silero output tensor")
	}
	if hn, ok := outputs[1].(*ort.Tensor[float32]); ok && len(hn.GetData()) == sileroStateSize {
		copy(s.h, hn.GetData())
	}
	if cn, ok := outputs[2].(*ort.Tensor[float32]); ok && len(cn.GetData()) == sileroStateSize {
		copy(s.c, cn.GetData())
	}
	return out.GetData()[0], nil
}

func (s *sileroClassifier) Close() {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
}
