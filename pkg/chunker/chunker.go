// Package chunker segments a streamed LLM reply into utterance-sized
// pieces for speech synthesis. Strong delimiters (sentence terminators)
// flush immediately, weak delimiters (comma class) flush once a minimum
// length is buffered, and a maximum length forces a flush regardless.
package chunker

import "strings"

const (
	strongDelimiters = "。！？!?\n~～…—"
	weakDelimiters   = "，,；;：:"

	// DefaultMinChunkSize is the shortest buffer a weak delimiter may flush.
	DefaultMinChunkSize = 10
	// DefaultMaxChunkSize forces a flush regardless of delimiters.
	DefaultMaxChunkSize = 50
)

// Chunk is one synthesis-ready piece of text. IsFinal marks chunks cut at a
// sentence boundary rather than by length or weak punctuation.
type Chunk struct {
	Seq     int
	Text    string
	IsFinal bool
}

// Chunker accumulates streamed text and emits chunks. Sequence numbers are
// monotonically increasing across one reply. Not safe for concurrent use.
type Chunker struct {
	minSize int
	maxSize int
	buf     []rune
	seq     int
}

// New creates a chunker; non-positive sizes use the defaults.
func New(minSize, maxSize int) *Chunker {
	if minSize <= 0 {
		minSize = DefaultMinChunkSize
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxChunkSize
	}
	return &Chunker{minSize: minSize, maxSize: maxSize}
}

// Reset drops buffered text and restarts the sequence.
func (c *Chunker) Reset() {
	c.buf = c.buf[:0]
	c.seq = 0
}

// Process consumes a piece of streamed text and returns the chunks it
// completed, in order.
func (c *Chunker) Process(text string) []Chunk {
	var out []Chunk
	for _, r := range text {
		c.buf = append(c.buf, r)

		if strings.ContainsRune(strongDelimiters, r) {
			if chunk, ok := c.emit(true); ok {
				out = append(out, chunk)
			}
			continue
		}

		if len(c.buf) >= c.maxSize {
			if chunk, ok := c.emit(false); ok {
				out = append(out, chunk)
			}
			continue
		}

		if strings.ContainsRune(weakDelimiters, r) && len(c.buf) > c.minSize {
			if chunk, ok := c.emit(false); ok {
				out = append(out, chunk)
			}
		}
	}
	return out
}

// Flush emits any residual buffer as a final chunk.
func (c *Chunker) Flush() []Chunk {
	chunk, ok := c.emit(true)
	if !ok {
		return nil
	}
	return []Chunk{chunk}
}

func (c *Chunker) emit(isFinal bool) (Chunk, bool) {
	text := strings.TrimSpace(string(c.buf))
	c.buf = c.buf[:0]
	if text == "" {
		return Chunk{}, false
	}
	chunk := Chunk{Seq: c.seq, Text: text, IsFinal: isFinal}
	c.seq++
	return chunk, true
}
