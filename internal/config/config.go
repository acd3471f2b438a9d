// Package config loads and normalizes the server configuration from a
// YAML file. Normalize clamps every tunable to its documented range so
// the rest of the code never re-validates.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/callme-labs/callme-go/pkg/asr"
	"github.com/callme-labs/callme-go/pkg/llm"
	"github.com/callme-labs/callme-go/pkg/prethink"
	"github.com/callme-labs/callme-go/pkg/prompt"
	"github.com/callme-labs/callme-go/pkg/tts"
	"github.com/callme-labs/callme-go/pkg/vad"
)

type Config struct {
	Server   Server          `yaml:"server"`
	Persona  prompt.Persona  `yaml:"persona"`
	VAD      vad.Config      `yaml:"vad"`
	Audio    Audio           `yaml:"audio"`
	ASR      asr.Config      `yaml:"asr"`
	TTS      tts.Config      `yaml:"tts"`
	LLM      LLM             `yaml:"llm"`
	Prethink prethink.Config `yaml:"prethink"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

// Audio carries the output sample rate and the playback tunables pushed
// to the client in client.config.
type Audio struct {
	SampleRate int `yaml:"sample_rate"`

	PlaybackStartupBufferMs  int `yaml:"playback_startup_buffer_ms"`
	PlaybackStartupMaxWaitMs int `yaml:"playback_startup_max_wait_ms"`
	PlaybackScheduleLeadMs   int `yaml:"playback_schedule_lead_ms"`

	// PrerollMs sizes the pre-speech ring buffer. Zero derives it from
	// the VAD start threshold.
	PrerollMs int `yaml:"preroll_ms"`
}

type LLM struct {
	ModelName             string                     `yaml:"model_name"`
	HistoryWindowMessages int                        `yaml:"history_window_messages"`
	Models                map[string]llm.ModelConfig `yaml:"models"`
}

// Load reads, parses, and normalizes a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Default returns the normalized zero configuration.
func Default() *Config {
	var cfg Config
	cfg.Normalize()
	return &cfg
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (c *Config) Normalize() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8210"
	}

	c.VAD.Normalize()
	c.ASR.Normalize()
	c.TTS.Normalize()
	c.Prethink.Normalize()

	if c.LLM.ModelName == "" {
		c.LLM.ModelName = llm.DefaultModelKey
	}
	c.LLM.HistoryWindowMessages = prompt.ClampHistoryWindow(c.LLM.HistoryWindowMessages)

	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = 24000
	}
	if c.Audio.PlaybackStartupBufferMs == 0 {
		c.Audio.PlaybackStartupBufferMs = 120
	}
	if c.Audio.PlaybackStartupMaxWaitMs == 0 {
		c.Audio.PlaybackStartupMaxWaitMs = 120
	}
	if c.Audio.PlaybackScheduleLeadMs == 0 {
		c.Audio.PlaybackScheduleLeadMs = 30
	}
	c.Audio.PlaybackStartupBufferMs = clamp(c.Audio.PlaybackStartupBufferMs, 0, 1000)
	c.Audio.PlaybackStartupMaxWaitMs = clamp(c.Audio.PlaybackStartupMaxWaitMs, 0, 1000)
	c.Audio.PlaybackScheduleLeadMs = clamp(c.Audio.PlaybackScheduleLeadMs, 0, 300)

	if c.Audio.PrerollMs <= 0 {
		// Enough preroll to cover the VAD start threshold plus the first
		// weak syllable, never below 420 ms.
		start := c.VAD.SpeechStartMs
		if start <= 0 {
			start = 150
		}
		c.Audio.PrerollMs = start + 120
		if c.Audio.PrerollMs < 420 {
			c.Audio.PrerollMs = 420
		}
	}
}
