// Package emotion resolves the avatar emotion for a reply, either from an
// explicit leading tag the model was instructed to emit or from keyword and
// punctuation heuristics over the accumulated text.
package emotion

import (
	"regexp"
	"strings"
)

// The closed emotion set. Aliases (Chinese and English) normalize to these.
const (
	Neutral   = "neutral"
	Happy     = "happy"
	Sad       = "sad"
	Angry     = "angry"
	Shy       = "shy"
	Surprised = "surprised"
)

// All lists every canonical emotion.
var All = []string{Neutral, Happy, Sad, Angry, Shy, Surprised}

var aliases = map[string]string{
	"neutral": Neutral, "calm": Neutral, "normal": Neutral,
	"平静": Neutral, "中性": Neutral, "普通": Neutral,
	"happy": Happy, "joy": Happy,
	"开心": Happy, "高兴": Happy, "愉快": Happy, "兴奋": Happy,
	"sad": Sad,
	"伤心":  Sad, "难过": Sad, "失落": Sad, "沮丧": Sad,
	"angry": Angry, "mad": Angry,
	"生气": Angry, "愤怒": Angry, "恼火": Angry,
	"shy": Shy,
	"害羞":  Shy, "脸红": Shy, "不好意思": Shy,
	"surprised": Surprised, "surprise": Surprised,
	"惊讶": Surprised, "震惊": Surprised, "吃惊": Surprised,
}

// tagRe matches the leading tag forms <emo:NAME>, [emotion:NAME] and
// 【情绪:NAME】, with = accepted as the separator in the ASCII forms.
var tagRe = regexp.MustCompile(`(?i)^\s*(?:` +
	`\[(?:emotion|emo)\s*[:=]\s*([a-zA-Z_\x{4e00}-\x{9fa5}]+)\s*\]` +
	`|<(?:emotion|emo)\s*[:=]\s*([a-zA-Z_\x{4e00}-\x{9fa5}]+)\s*>` +
	`|【(?:情绪|emotion)\s*[:：]\s*([a-zA-Z_\x{4e00}-\x{9fa5}]+)\s*】` +
	`)\s*`)

// Normalize maps a raw emotion value onto the canonical set, falling back
// to def when nothing matches.
func Normalize(value, def string) string {
	key := strings.ToLower(strings.TrimSpace(value))
	if key == "" {
		return def
	}
	if canonical, ok := aliases[key]; ok {
		return canonical
	}
	for alias, canonical := range aliases {
		if strings.Contains(key, alias) {
			return canonical
		}
	}
	return def
}

// StripLeadingTag extracts and removes a leading emotion tag. It returns
// the canonical emotion ("" when no tag) and the remaining text.
func StripLeadingTag(text string) (string, string) {
	if text == "" {
		return "", ""
	}
	m := tagRe.FindStringSubmatchIndex(text)
	if m == nil {
		return "", text
	}
	var raw string
	for group := 1; group <= 3; group++ {
		if m[2*group] >= 0 {
			raw = text[m[2*group]:m[2*group+1]]
			break
		}
	}
	return Normalize(raw, Neutral), text[m[1]:]
}

var keywordScores = []struct {
	emotion  string
	keywords []string
}{
	{Happy, []string{"开心", "高兴", "喜欢", "太棒", "哈哈", "嘿嘿", "喵~", "耶", "爱你"}},
	{Sad, []string{"难过", "伤心", "呜", "哭", "失落", "抱抱", "委屈", "遗憾"}},
	{Angry, []string{"生气", "气死", "愤怒", "烦死", "讨厌", "火大", "别烦"}},
	{Shy, []string{"害羞", "脸红", "不好意思", "羞", "///", "*>_<*"}},
	{Surprised, []string{"哇", "诶", "居然", "真的吗", "不会吧", "惊", "震惊"}},
}

// Infer classifies text by keyword and punctuation scoring. Ties and
// all-zero scores fall back to def.
func Infer(text, def string) string {
	if text == "" {
		return def
	}

	scores := map[string]int{}
	for _, group := range keywordScores {
		for _, kw := range group.keywords {
			if strings.Contains(text, kw) {
				scores[group.emotion] += 2
			}
		}
	}

	scores[Surprised] += strings.Count(text, "？") + strings.Count(text, "?")
	scores[Happy] += strings.Count(text, "~")
	scores[Happy] += strings.Count(text, "！")/2 + strings.Count(text, "!")/2

	best, bestScore := def, 0
	// Fixed evaluation order keeps ties deterministic.
	for _, e := range []string{Happy, Sad, Angry, Shy, Surprised} {
		if scores[e] > bestScore {
			best, bestScore = e, scores[e]
		}
	}
	if bestScore <= 0 {
		return def
	}
	return best
}
