package llm

import (
	"context"
	"time"
)

// FakeStreamer replays scripted chunks for tests. ChunkDelay, when set,
// sleeps between chunks so cancellation mid-stream can be exercised.
type FakeStreamer struct {
	Chunks     []string
	ChunkDelay time.Duration
	Terminal   error

	// Prompts records every prompt seen, newest last.
	Prompts []string
}

func (f *FakeStreamer) GenerateStream(ctx context.Context, prompt, modelName string) <-chan Chunk {
	f.Prompts = append(f.Prompts, prompt)
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for _, text := range f.Chunks {
			if f.ChunkDelay > 0 {
				select {
				case <-time.After(f.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
		if f.Terminal != nil {
			select {
			case out <- Chunk{Err: f.Terminal}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}
