package vad

// PrerollBuffer keeps the most recent audio frames so that when a Start
// event fires the utterance head can be replayed into the recognizer.
// Oldest frames drop first once capacity is reached.
type PrerollBuffer struct {
	frames [][]byte
	cap    int
}

// NewPrerollBuffer creates a buffer holding at most capacity frames,
// clamped to [1, 80].
func NewPrerollBuffer(capacity int) *PrerollBuffer {
	if capacity < 1 {
		capacity = 1
	}
	if capacity > 80 {
		capacity = 80
	}
	return &PrerollBuffer{cap: capacity}
}

// PrerollFrameCount derives the buffer capacity from a preroll duration and
// the frame duration, matching the clamp applied by NewPrerollBuffer.
func PrerollFrameCount(prerollMs, frameMs int) int {
	if frameMs <= 0 {
		frameMs = 20
	}
	n := prerollMs/frameMs + 1
	if n < 1 {
		n = 1
	}
	if n > 80 {
		n = 80
	}
	return n
}

// Push appends one frame, evicting the oldest when full. The frame bytes
// are copied; callers may reuse their slice.
func (p *PrerollBuffer) Push(frame []byte) {
	cp := append([]byte{}, frame...)
	if len(p.frames) == p.cap {
		copy(p.frames, p.frames[1:])
		p.frames[len(p.frames)-1] = cp
		return
	}
	p.frames = append(p.frames, cp)
}

// Drain returns the buffered frames oldest-first and clears the buffer.
func (p *PrerollBuffer) Drain() [][]byte {
	out := p.frames
	p.frames = nil
	return out
}

// Clear drops all buffered frames.
func (p *PrerollBuffer) Clear() { p.frames = nil }

// Len reports the number of buffered frames.
func (p *PrerollBuffer) Len() int { return len(p.frames) }
