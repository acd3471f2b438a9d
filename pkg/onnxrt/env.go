// Package onnxrt owns process-wide ONNX Runtime environment setup shared by
// every component that loads a model (local speech recognizer, silero VAD).
package onnxrt

import (
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	envOnce    sync.Once
	envInitErr error
)

// EnsureEnv initializes the ONNX Runtime environment exactly once per
// process. Concurrent initialization from multiple sessions would trigger
// duplicate schema registration warnings.
func EnsureEnv() error {
	envOnce.Do(func() {
		if libPath := os.Getenv("ONNXRUNTIME_LIB"); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		} else if runtime.GOOS == "darwin" {
			ort.SetSharedLibraryPath("/opt/homebrew/lib/libonnxruntime.dylib")
		}
		envInitErr = ort.InitializeEnvironment()
	})
	return envInitErr
}
