// Package prompt composes the LLM prompt for a spoken turn: persona system
// prompt, an optional speculative-hint block, and the rendered recent
// history.
package prompt

import (
	"math/rand"
	"strings"
)

const (
	// DefaultHistoryWindow is how many recent messages are rendered into
	// the prompt. Clamped to [MinHistoryWindow, MaxHistoryWindow].
	DefaultHistoryWindow = 12
	MinHistoryWindow     = 2
	MaxHistoryWindow     = 120
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one history entry.
type Message struct {
	Role    string // RoleUser or RoleAssistant
	Content string
}

// Persona carries the configurable personality fields of the system prompt.
type Persona struct {
	BotName             string   `yaml:"bot_name"`
	AliasNames          []string `yaml:"alias_names"`
	Personality         string   `yaml:"personality"`
	States              []string `yaml:"states"`
	StateProbability    float64  `yaml:"state_probability"`
	ReplyStyle          string   `yaml:"reply_style"`
	MultipleReplyStyles []string `yaml:"multiple_reply_styles"`
	MultipleProbability float64  `yaml:"multiple_probability"`
	PlanStyle           string   `yaml:"plan_style"`
}

// outputRules is the fixed hard-requirements block: leading emotion tag,
// speakable text only, no stage directions or markdown.
const outputRules = "\n【输出格式硬性要求】" +
	"\n1. 每条回复必须以情绪标签开头，格式严格为<emo:neutral|happy|sad|angry|shy|surprised>。" +
	"\n2. 标签后只能输出“可直接朗读的台词正文”，不能输出任何动作、神态、旁白、舞台说明、心理描写。" +
	"\n3. 严禁出现如：'(微笑)'、'[叹气]'、'*沉默*'、'（看向你）'、'她说/我想' 这类描述性文本。" +
	"\n4. 若无法判断情绪，统一使用<emo:neutral>。" +
	"\n5. 只输出“情绪标签 + 台词正文”，不要输出额外解释、注释、Markdown、代码块。"

// SystemPrompt renders the persona into the system prompt, ending with the
// hard output rules.
func SystemPrompt(p Persona) string {
	name := p.BotName
	if name == "" {
		name = "助手"
	}

	personality := p.Personality
	if len(p.States) > 0 && p.StateProbability > 0 && rand.Float64() < p.StateProbability {
		personality = p.States[rand.Intn(len(p.States))]
	}

	var b strings.Builder
	b.WriteString("你的名字是" + name + "。")
	if len(p.AliasNames) > 0 {
		b.WriteString("也有人叫你" + strings.Join(p.AliasNames, ",") + "。")
	}
	if personality != "" {
		b.WriteString("\n你" + personality)
	}

	replyStyle := p.ReplyStyle
	if len(p.MultipleReplyStyles) > 0 && p.MultipleProbability > 0 && rand.Float64() < p.MultipleProbability {
		replyStyle = p.MultipleReplyStyles[rand.Intn(len(p.MultipleReplyStyles))]
	}
	if replyStyle != "" {
		b.WriteString("\n你的说话风格是：" + replyStyle)
	}
	if p.PlanStyle != "" {
		b.WriteString("\n行为准则：" + p.PlanStyle)
	}

	b.WriteString("\n请用简短的口语回答，适合语音合成。")
	b.WriteString(outputRules)
	return b.String()
}

// ClampHistoryWindow applies the history window bounds, using the default
// for non-positive values.
func ClampHistoryWindow(n int) int {
	if n <= 0 {
		return DefaultHistoryWindow
	}
	if n < MinHistoryWindow {
		return MinHistoryWindow
	}
	if n > MaxHistoryWindow {
		return MaxHistoryWindow
	}
	return n
}

// Build assembles the full turn prompt: system prompt, an optional hint
// block (internal reference only, never echoed), the recent history window
// and the assistant cue.
func Build(system string, hintBlock string, history []Message, window int, botName string) string {
	window = ClampHistoryWindow(window)
	if len(history) > window {
		history = history[len(history)-window:]
	}
	if botName == "" {
		botName = "助手"
	}

	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\n\n")
	if hintBlock != "" {
		b.WriteString(hintBlock)
		b.WriteString("\n\n")
	}
	for _, msg := range history {
		role := botName
		if msg.Role == RoleUser {
			role = "用户"
		}
		b.WriteString(role + ": " + msg.Content + "\n")
	}
	b.WriteString(botName + ": ")
	return b.String()
}
