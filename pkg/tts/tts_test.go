package tts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/matryer/is"
)

func collect(t *testing.T, ch <-chan Chunk) ([]byte, error) {
	t.Helper()
	var audio []byte
	for c := range ch {
		if c.Err != nil {
			return audio, c.Err
		}
		audio = append(audio, c.Audio...)
	}
	return audio, nil
}

func TestConfigNormalize(t *testing.T) {
	is := is.New(t)
	var c Config
	c.Normalize()
	is.Equal(c.Type, "mock")
	is.Equal(c.ConnectTimeoutSec, 3.0)
	is.Equal(c.ReadTimeoutSec, 20.0)
	is.Equal(c.ConnLimit, 32)
	is.Equal(c.StreamChunkSize, 8192)
	is.Equal(c.SampleRate, 24000)
	is.Equal(c.TextSplitMethod, "cut5")

	d := Config{Type: "CosyVoice", ConnectTimeoutSec: 0.01, ReadTimeoutSec: 0.1, ConnLimit: 1, StreamChunkSize: 10}
	d.Normalize()
	is.Equal(d.Type, "cosyvoice")
	is.Equal(d.ConnectTimeoutSec, 0.2)
	is.Equal(d.ReadTimeoutSec, 0.5)
	is.Equal(d.ConnLimit, 4)
	is.Equal(d.StreamChunkSize, 1024)
	is.Equal(d.SampleRate, 22050)
}

func TestMockYieldsNothing(t *testing.T) {
	is := is.New(t)
	m := &Mock{}
	audio, err := collect(t, m.SynthesizeStream(context.Background(), "你好", "v"))
	is.NoErr(err)
	is.Equal(len(audio), 0)

	batch, err := m.Synthesize(context.Background(), "你好", "v")
	is.NoErr(err)
	is.Equal(len(batch), 0)
}

func TestNewSelectsProvider(t *testing.T) {
	is := is.New(t)
	s, err := New(Config{}, nil)
	is.NoErr(err)
	_, ok := s.(*Mock)
	is.True(ok)

	s, err = New(Config{Type: "sovits"}, nil)
	is.NoErr(err)
	_, ok = s.(*SoVITS)
	is.True(ok)

	_, err = New(Config{Type: "nope"}, nil)
	is.True(err != nil)
}

func TestSoVITSStream(t *testing.T) {
	is := is.New(t)
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = map[string]string{
			"text":           q.Get("text"),
			"text_lang":      q.Get("text_lang"),
			"streaming_mode": q.Get("streaming_mode"),
			"media_type":     q.Get("media_type"),
		}
		w.Write(payload)
	}))
	defer srv.Close()

	cfg := Config{Type: "sovits", APIURL: srv.URL}
	cfg.Normalize()
	s := NewSoVITS(cfg, srv.Client(), nil)

	audio, err := collect(t, s.SynthesizeStream(context.Background(), "今天真不错。", "v"))
	is.NoErr(err)
	is.Equal(audio, payload)
	is.Equal(gotQuery["text"], "今天真不错。")
	is.Equal(gotQuery["text_lang"], "zh")
	is.Equal(gotQuery["streaming_mode"], "true")
	is.Equal(gotQuery["media_type"], "wav")
}

func TestSoVITSStreamNon200YieldsNothing(t *testing.T) {
	is := is.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := Config{Type: "sovits", APIURL: srv.URL}
	cfg.Normalize()
	s := NewSoVITS(cfg, srv.Client(), nil)
	audio, err := collect(t, s.SynthesizeStream(context.Background(), "你好", "v"))
	is.NoErr(err)
	is.Equal(len(audio), 0)
}

func TestSoVITSSynthesizeBatch(t *testing.T) {
	is := is.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.URL.Query().Get("streaming_mode"), "false")
		w.Write([]byte("RIFFxxxx"))
	}))
	defer srv.Close()

	cfg := Config{Type: "sovits", APIURL: srv.URL}
	cfg.Normalize()
	s := NewSoVITS(cfg, srv.Client(), nil)
	audio, err := s.Synthesize(context.Background(), "你好", "v")
	is.NoErr(err)
	is.Equal(string(audio), "RIFFxxxx")
}

func TestSoVITSWeightSwapCapabilityDetection(t *testing.T) {
	is := is.New(t)
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := Config{Type: "sovits", APIURL: srv.URL}
	cfg.Normalize()
	s := NewSoVITS(cfg, srv.Client(), nil)

	is.NoErr(s.SwapWeights(context.Background(), "/w/gpt.ckpt", "/w/sovits.pth"))
	is.Equal(calls, 1)

	// Marked unsupported: no further requests.
	is.NoErr(s.SwapWeights(context.Background(), "/w/gpt.ckpt", "/w/sovits.pth"))
	is.Equal(calls, 1)
}

func TestSoVITSWeightSwapSuccess(t *testing.T) {
	is := is.New(t)
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path+"?"+r.URL.RawQuery)
	}))
	defer srv.Close()

	cfg := Config{Type: "sovits", APIURL: srv.URL}
	cfg.Normalize()
	s := NewSoVITS(cfg, srv.Client(), nil)
	is.NoErr(s.SwapWeights(context.Background(), "/w/g.ckpt", "/w/s.pth"))
	is.Equal(len(paths), 2)
	is.Equal(paths[0], "/set_gpt_weights?weights_path=%2Fw%2Fg.ckpt")
	is.Equal(paths[1], "/set_sovits_weights?weights_path=%2Fw%2Fs.pth")
}

func TestCosyVoiceMultipart(t *testing.T) {
	is := is.New(t)
	dir := t.TempDir()
	refPath := filepath.Join(dir, "ref.wav")
	is.NoErr(os.WriteFile(refPath, []byte("RIFF-ref"), 0o644))

	var gotText, gotPrompt string
	var gotRef []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.NoErr(r.ParseMultipartForm(1 << 20))
		gotText = r.FormValue("tts_text")
		gotPrompt = r.FormValue("prompt_text")
		f, _, err := r.FormFile("prompt_wav")
		is.NoErr(err)
		defer f.Close()
		buf := make([]byte, 16)
		n, _ := f.Read(buf)
		gotRef = buf[:n]
		w.Write([]byte("wav-bytes"))
	}))
	defer srv.Close()

	cfg := Config{Type: "cosyvoice", APIURL: srv.URL, PromptText: "参考文本", RefWavPath: refPath}
	cfg.Normalize()
	c := NewCosyVoice(cfg, srv.Client(), nil)

	audio, err := collect(t, c.SynthesizeStream(context.Background(), "合成这句", "v"))
	is.NoErr(err)
	is.Equal(string(audio), "wav-bytes")
	is.Equal(gotText, "合成这句")
	is.Equal(gotPrompt, "参考文本")
	is.Equal(string(gotRef), "RIFF-ref")
}

func TestDoubaoMisconfigured(t *testing.T) {
	is := is.New(t)
	d, err := NewDoubao(Config{Type: "doubao_ws", ConnectTimeoutSec: 1, ReadTimeoutSec: 1}, nil)
	is.NoErr(err)
	_, err = collect(t, d.SynthesizeStream(context.Background(), "你好", "v"))
	is.True(err != nil)
	is.True(errors.Is(err, ErrMisconfigured))
}
