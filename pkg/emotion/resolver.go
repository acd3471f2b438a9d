package emotion

import "strings"

// PrefixStatus is the outcome of inspecting the accumulated reply prefix.
type PrefixStatus int

const (
	// NeedMore means the prefix looks like a tag split across chunks; keep
	// accumulating before deciding.
	NeedMore PrefixStatus = iota
	// Resolved means a valid leading tag was found and stripped.
	Resolved
	// NoTag means the prefix carries no usable leading tag.
	NoTag
)

// Safety caps so a malformed prefix cannot stall the reply forever.
const (
	maxPrefixChunks = 6
	maxPrefixRunes  = 80
)

// ResolvePrefix inspects a streamed reply prefix for a leading emotion tag.
// It returns the status, the canonical emotion when resolved, and the text
// to forward downstream (tag stripped when resolved).
func ResolvePrefix(prefix string) (PrefixStatus, string, string) {
	if prefix == "" {
		return NeedMore, "", ""
	}

	if tag, rest := StripLeadingTag(prefix); tag != "" {
		return Resolved, tag, rest
	}

	stripped := strings.TrimLeft(prefix, " \t\r\n")
	if stripped == "" {
		return NeedMore, "", ""
	}

	// The model may start a tag that is still split across chunks:
	// <emo:happy> / [emotion:happy] / 【情绪:开心】
	switch {
	case (strings.HasPrefix(stripped, "<emo") || strings.HasPrefix(stripped, "<emotion")) &&
		!strings.Contains(stripped, ">"):
		return NeedMore, "", ""
	case (strings.HasPrefix(stripped, "[emo") || strings.HasPrefix(stripped, "[emotion")) &&
		!strings.Contains(stripped, "]"):
		return NeedMore, "", ""
	case (strings.HasPrefix(stripped, "【情绪") || strings.HasPrefix(stripped, "【emotion")) &&
		!strings.Contains(stripped, "】"):
		return NeedMore, "", ""
	}

	return NoTag, "", prefix
}

// PrefixResolver accumulates stream chunks until the leading-tag question is
// settled, enforcing the chunk and rune safety caps.
type PrefixResolver struct {
	pending string
	chunks  int
	done    bool
}

// Done reports whether a decision has been made; subsequent chunks should
// pass through untouched.
func (r *PrefixResolver) Done() bool { return r.done }

// Feed consumes one stream chunk. Until a decision is reached it returns
// (NeedMore, "", ""); once decided it returns the status with the text to
// forward. After the first decision every chunk is returned as-is with
// status NoTag.
func (r *PrefixResolver) Feed(chunk string) (PrefixStatus, string, string) {
	if r.done {
		return NoTag, "", chunk
	}

	r.pending += chunk
	r.chunks++

	status, tag, text := ResolvePrefix(r.pending)
	if status == NeedMore &&
		(r.chunks >= maxPrefixChunks || len([]rune(r.pending)) >= maxPrefixRunes) {
		status, tag, text = NoTag, "", r.pending
	}
	if status == NeedMore {
		return NeedMore, "", ""
	}

	r.done = true
	r.pending = ""
	return status, tag, text
}
