package emotion

import (
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestNormalizeAliases(t *testing.T) {
	is := is.New(t)

	cases := map[string]string{
		"happy": Happy, "JOY": Happy, "开心": Happy,
		"calm": Neutral, "平静": Neutral,
		"伤心": Sad, "mad": Angry, "害羞": Shy,
		"surprise": Surprised, "震惊": Surprised,
		"": Neutral, "nonsense": Neutral,
	}
	for in, want := range cases {
		is.Equal(Normalize(in, Neutral), want)
	}
}

func TestStripLeadingTagForms(t *testing.T) {
	is := is.New(t)

	cases := []struct {
		in      string
		emotion string
		rest    string
	}{
		{"[emotion:happy] 你好", Happy, "你好"},
		{"<emo:sad>你好", Sad, "你好"},
		{"【情绪:开心】 你好", Happy, "你好"},
		{"<emo:neutral> ", Neutral, ""},
		{"[emo=angry]走开", Angry, "走开"},
		{"你好", "", "你好"},
		{"", "", ""},
	}
	for _, tc := range cases {
		emotion, rest := StripLeadingTag(tc.in)
		is.Equal(emotion, tc.emotion)
		is.Equal(rest, tc.rest)
	}
}

func TestStripLeadingTagAliasRoundTrip(t *testing.T) {
	is := is.New(t)

	for alias, canonical := range map[string]string{
		"happy": Happy, "开心": Happy, "难过": Sad, "surprise": Surprised,
	} {
		emotion, rest := StripLeadingTag("[emotion:" + alias + "] rest")
		is.Equal(emotion, canonical)
		is.Equal(rest, "rest")
	}
}

func TestInfer(t *testing.T) {
	is := is.New(t)

	is.Equal(Infer("哈哈，太棒了！", Neutral), Happy)
	is.Equal(Infer("呜呜，我好难过", Neutral), Sad)
	is.Equal(Infer("气死我了，别烦我", Neutral), Angry)
	is.Equal(Infer("真的吗？居然会这样？", Neutral), Surprised)
	is.Equal(Infer("今天星期三", Neutral), Neutral)
	is.Equal(Infer("", Neutral), Neutral)
}

func TestResolvePrefixSplitTag(t *testing.T) {
	is := is.New(t)

	status, _, _ := ResolvePrefix("<emo:")
	is.Equal(status, NeedMore)

	status, tag, text := ResolvePrefix("<emo:happy> 你好")
	is.Equal(status, Resolved)
	is.Equal(tag, Happy)
	is.Equal(text, "你好")

	status, _, text = ResolvePrefix("你好呀")
	is.Equal(status, NoTag)
	is.Equal(text, "你好呀")
}

func TestPrefixResolverAcrossChunks(t *testing.T) {
	is := is.New(t)
	var r PrefixResolver

	status, _, _ := r.Feed("<emo:")
	is.Equal(status, NeedMore)

	status, tag, text := r.Feed("happy> 你好")
	is.Equal(status, Resolved)
	is.Equal(tag, Happy)
	is.Equal(text, "你好")
	is.True(r.Done())

	// Later chunks pass straight through.
	status, _, text = r.Feed("，世界")
	is.Equal(status, NoTag)
	is.Equal(text, "，世界")
}

func TestPrefixResolverChunkCap(t *testing.T) {
	is := is.New(t)
	var r PrefixResolver

	// A malformed tag start never completes; the 6th chunk must force a
	// decision and return everything accumulated.
	for i := 0; i < 5; i++ {
		status, _, _ := r.Feed("<emo:")
		is.Equal(status, NeedMore)
	}
	status, tag, text := r.Feed("<emo:")
	is.Equal(status, NoTag)
	is.Equal(tag, "")
	is.Equal(text, strings.Repeat("<emo:", 6))
}

func TestPrefixResolverRuneCap(t *testing.T) {
	is := is.New(t)
	var r PrefixResolver

	// One chunk of 80+ runes that still looks like an open tag commits
	// immediately.
	chunk := "<emo" + strings.Repeat("x", 80)
	status, _, text := r.Feed(chunk)
	is.Equal(status, NoTag)
	is.Equal(text, chunk)
}
