// Package prethink speculates on the user's next utterance between turns.
// While the bot is speaking, a background job asks a fast model to predict
// what the user will say next; the sanitized prediction is injected into
// the next turn's prompt as an internal hint and discarded after one use.
package prethink

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/callme-labs/callme-go/pkg/prompt"
)

var (
	meaningfulRe = regexp.MustCompile(`[A-Za-z0-9\x{4e00}-\x{9fff}\x{3040}-\x{30ff}\x{ac00}-\x{d7a3}]`)
	fenceRe      = regexp.MustCompile("(?s)```.*?```")
	linePrefixRe = regexp.MustCompile(`^\s*[-*•\d.)(]+\s*`)
)

// Config tunes the speculation job. Zero values are filled by Normalize.
type Config struct {
	Enabled            bool   `yaml:"enabled"`
	ModelName          string `yaml:"model_name"`
	TimeoutMs          int    `yaml:"timeout_ms"`
	MaxHistoryMessages int    `yaml:"max_history_messages"`
	MaxOutputChars     int    `yaml:"max_output_chars"`
	MinUserTextChars   int    `yaml:"min_user_text_chars"`
}

func (c *Config) Normalize() {
	if c.ModelName == "" {
		c.ModelName = "fast-replyer"
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 600
	}
	if c.TimeoutMs < 100 {
		c.TimeoutMs = 100
	}
	if c.MaxHistoryMessages == 0 {
		c.MaxHistoryMessages = 10
	}
	if c.MaxHistoryMessages < 2 {
		c.MaxHistoryMessages = 2
	}
	if c.MaxOutputChars == 0 {
		c.MaxOutputChars = 220
	}
	if c.MaxOutputChars < 60 {
		c.MaxOutputChars = 60
	}
	if c.MinUserTextChars == 0 {
		c.MinUserTextChars = 2
	}
	if c.MinUserTextChars < 1 {
		c.MinUserTextChars = 1
	}
}

// BuildPredictionPrompt renders the speculation prompt over the most
// recent history messages.
func BuildPredictionPrompt(recent []prompt.Message) string {
	lines := make([]string, 0, len(recent))
	for _, msg := range recent {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		role := "助手"
		if msg.Role == prompt.RoleUser {
			role = "用户"
		}
		lines = append(lines, role+": "+content)
	}

	historyText := "（无）"
	if len(lines) > 0 {
		historyText = strings.Join(lines, "\n")
	}
	return fmt.Sprintf(
		"你是对话预判助手。请基于最近对话，预测“用户下一轮最可能说什么”。\n"+
			"输出要求：\n"+
			"1. 仅输出 1-3 条预测，不要解释过程。\n"+
			"2. 每条一行，简洁中文，不要超过 40 字。\n"+
			"3. 不要编造新事实；若信息不足可给宽泛预测。\n"+
			"4. 不要输出 Markdown、代码块、标签或多余前缀。\n\n"+
			"最近对话：\n%s\n\n"+
			"请输出预测：", historyText)
}

// Sanitize reduces raw model output to at most three meaningful lines,
// stripping code fences and list prefixes, truncated to maxChars runes.
// It returns "" when nothing meaningful survives.
func Sanitize(raw string, maxChars int) string {
	if raw == "" {
		return ""
	}
	if maxChars < 60 {
		maxChars = 60
	}

	text := fenceRe.ReplaceAllString(raw, "")
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r", "\n"))
	if text == "" {
		return ""
	}

	var kept []string
	for _, line := range strings.Split(text, "\n") {
		line = linePrefixRe.ReplaceAllString(strings.TrimSpace(line), "")
		if line == "" || !meaningfulRe.MatchString(line) {
			continue
		}
		kept = append(kept, line)
		if len(kept) >= 3 {
			break
		}
	}

	cleaned := strings.TrimSpace(strings.Join(kept, "\n"))
	if cleaned == "" {
		return ""
	}
	if runes := []rune(cleaned); len(runes) > maxChars {
		cleaned = strings.TrimRight(string(runes[:maxChars]), " \t\n")
	}
	return cleaned
}

// InjectionBlock wraps a sanitized hint into the block spliced into the
// next reply prompt. Empty hints produce "".
func InjectionBlock(hint string) string {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return ""
	}
	return "【内部参考-下一轮用户可能意图（可能不准确）】\n" +
		hint + "\n" +
		"仅供内部推理，不得向用户复述；若与当前用户输入冲突，以当前输入为准。"
}

// Meaningful reports whether text carries at least minChars meaningful
// runes, gating whether a speculation job is worth launching.
func Meaningful(text string, minChars int) bool {
	if minChars < 1 {
		minChars = 1
	}
	count := 0
	for _, r := range text {
		if meaningfulRe.MatchString(string(r)) {
			count++
			if count >= minChars {
				return true
			}
		}
	}
	return false
}
