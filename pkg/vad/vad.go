// Package vad implements per-frame voice activity detection with the
// hangover and preroll state needed for conversational turn taking.
//
// The detector classifies each PCM16 frame as speech or silence, then runs
// a debouncing state machine: speech must accumulate speech_start_ms before
// a Start event fires, and silence must accumulate speech_end_ms before an
// End event fires. Utterances shorter than min_utterance_ms are swallowed.
package vad

import (
	"encoding/binary"
	"log/slog"
	"math"
)

// Mode selects the frame classifier.
type Mode string

const (
	ModeWebRTC Mode = "webrtc"
	ModeSilero Mode = "silero"
	ModeEnergy Mode = "energy"
)

// Event is the outcome of processing one frame. At most one event is
// emitted per frame.
type Event int

const (
	EventNone Event = iota
	EventStart
	EventEnd
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventEnd:
		return "end"
	default:
		return "none"
	}
}

// Config holds detector tunables. Zero values fall back to defaults.
type Config struct {
	Mode                       Mode `yaml:"mode"`
	SpeechStartMs              int  `yaml:"speech_start_ms"`
	SpeechEndMs                int  `yaml:"speech_end_ms"`
	MinUtteranceMs             int  `yaml:"min_utterance_ms"`
	MaxUtteranceMs             int  `yaml:"max_utterance_ms"`
	PreStartSilenceToleranceMs int  `yaml:"pre_start_silence_tolerance_ms"`
	EnergyThreshold            int  `yaml:"energy_threshold"`
	SampleRate                 int  `yaml:"sample_rate"`
	WebRTCAggressiveness       int  `yaml:"webrtc_aggressiveness"`

	// SileroModelPath points at the silero ONNX model. Empty or unloadable
	// means silero mode degrades to energy classification.
	SileroModelPath string  `yaml:"silero_model_path"`
	SileroThreshold float32 `yaml:"silero_threshold"`
}

// Normalize fills zero fields with defaults so callers that size buffers
// from the config see the same values the detector will use.
func (c *Config) Normalize() { c.applyDefaults() }

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeEnergy
	}
	if c.SpeechStartMs <= 0 {
		c.SpeechStartMs = 150
	}
	if c.SpeechEndMs <= 0 {
		c.SpeechEndMs = 400
	}
	if c.MinUtteranceMs <= 0 {
		c.MinUtteranceMs = 50
	}
	if c.MaxUtteranceMs <= 0 {
		c.MaxUtteranceMs = 15000
	}
	if c.PreStartSilenceToleranceMs < 0 {
		c.PreStartSilenceToleranceMs = 0
	} else if c.PreStartSilenceToleranceMs == 0 {
		c.PreStartSilenceToleranceMs = 80
	}
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = 500
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.WebRTCAggressiveness < 0 {
		c.WebRTCAggressiveness = 0
	}
	if c.WebRTCAggressiveness > 3 {
		c.WebRTCAggressiveness = 3
	}
	if c.SileroThreshold <= 0 {
		c.SileroThreshold = 0.5
	}
}

// classifier decides whether a single frame contains speech.
type classifier interface {
	IsSpeech(frame []byte, durationMs int) bool
}

// Detector runs frame classification plus the start/end state machine.
// It is not safe for concurrent use; each session owns one.
type Detector struct {
	cfg    Config
	engine classifier
	logger *slog.Logger

	active            bool
	speechDurationMs  int
	silenceDurationMs int
}

// New builds a detector for the configured mode. Unavailable engines fall
// back to energy-RMS classification.
func New(cfg Config, logger *slog.Logger) *Detector {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	d := &Detector{cfg: cfg, logger: logger}
	switch cfg.Mode {
	case ModeSilero:
		engine, err := newSileroClassifier(cfg.SileroModelPath, cfg.SampleRate, cfg.SileroThreshold)
		if err != nil {
			logger.Warn("silero VAD unavailable, using energy classifier",
				slog.String("model_path", cfg.SileroModelPath),
				slog.String("error", err.Error()))
			d.cfg.Mode = ModeEnergy
			break
		}
		d.engine = engine
	case ModeWebRTC:
		// No native WebRTC detector is linked in; classification falls back
		// to energy while keeping the webrtc frame-size contract.
	}
	return d
}

// Active reports whether the detector is inside an utterance.
func (d *Detector) Active() bool { return d.active }

// Reset clears all accumulated state.
func (d *Detector) Reset() {
	d.active = false
	d.speechDurationMs = 0
	d.silenceDurationMs = 0
	if s, ok := d.engine.(*sileroClassifier); ok {
		s.resetState()
	}
}

// Classify returns the instantaneous speech decision for one frame without
// touching the state machine.
func (d *Detector) Classify(frame []byte, durationMs int) bool {
	switch d.cfg.Mode {
	case ModeWebRTC:
		// WebRTC-style detectors only accept 10/20/30 ms frames; anything
		// else is classified by energy for that frame.
		if durationMs != 10 && durationMs != 20 && durationMs != 30 {
			return energyIsSpeech(frame, d.cfg.EnergyThreshold)
		}
		expected := d.cfg.SampleRate * durationMs / 1000 * 2
		if len(frame) < expected {
			return energyIsSpeech(frame, d.cfg.EnergyThreshold)
		}
		if d.engine != nil {
			return d.engine.IsSpeech(frame[:expected], durationMs)
		}
		return energyIsSpeech(frame[:expected], d.cfg.EnergyThreshold)
	case ModeSilero:
		if d.engine != nil {
			return d.engine.IsSpeech(frame, durationMs)
		}
	}
	return energyIsSpeech(frame, d.cfg.EnergyThreshold)
}

// Process classifies one frame and advances the state machine, returning
// the event this frame triggered, if any.
func (d *Detector) Process(frame []byte, durationMs int) Event {
	return d.update(d.Classify(frame, durationMs), durationMs)
}

func (d *Detector) update(isSpeech bool, durationMs int) Event {
	if isSpeech {
		d.silenceDurationMs = 0
		d.speechDurationMs += durationMs

		if !d.active {
			if d.speechDurationMs >= d.cfg.SpeechStartMs {
				d.active = true
				return EventStart
			}
			return EventNone
		}

		// Runaway utterance: force an end so the pipeline can make progress.
		if d.speechDurationMs >= d.cfg.MaxUtteranceMs {
			d.active = false
			d.speechDurationMs = 0
			d.silenceDurationMs = 0
			return EventEnd
		}
		return EventNone
	}

	if d.active {
		d.silenceDurationMs += durationMs
		if d.silenceDurationMs >= d.cfg.SpeechEndMs {
			longEnough := d.speechDurationMs >= d.cfg.MinUtteranceMs
			d.active = false
			d.speechDurationMs = 0
			d.silenceDurationMs = 0
			if longEnough {
				return EventEnd
			}
			// Too-short burst: swallow without an event.
		}
		return EventNone
	}

	if d.speechDurationMs > 0 {
		// Pre-start hangover: tolerate a short silence gap so the first
		// weak syllable does not reset accumulation immediately.
		d.silenceDurationMs += durationMs
		if d.silenceDurationMs > d.cfg.PreStartSilenceToleranceMs {
			d.speechDurationMs = 0
			d.silenceDurationMs = 0
		}
	} else {
		d.silenceDurationMs = 0
	}
	return EventNone
}

// energyIsSpeech classifies a PCM16 frame by RMS energy.
func energyIsSpeech(frame []byte, threshold int) bool {
	if len(frame) < 2 {
		return false
	}
	n := len(frame) / 2
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(n))
	return rms > float64(threshold)
}
