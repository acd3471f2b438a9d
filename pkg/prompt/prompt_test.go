package prompt

import (
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestSystemPromptContainsHardRules(t *testing.T) {
	is := is.New(t)

	p := SystemPrompt(Persona{BotName: "小麦", AliasNames: []string{"麦麦"}, Personality: "活泼开朗"})
	is.True(strings.HasPrefix(p, "你的名字是小麦。也有人叫你麦麦。"))
	is.True(strings.Contains(p, "<emo:neutral|happy|sad|angry|shy|surprised>"))
	is.True(strings.Contains(p, "不要输出额外解释"))
}

func TestClampHistoryWindow(t *testing.T) {
	is := is.New(t)

	is.Equal(ClampHistoryWindow(0), DefaultHistoryWindow)
	is.Equal(ClampHistoryWindow(1), MinHistoryWindow)
	is.Equal(ClampHistoryWindow(500), MaxHistoryWindow)
	is.Equal(ClampHistoryWindow(12), 12)
}

func TestBuildWindowsHistory(t *testing.T) {
	is := is.New(t)

	history := []Message{
		{Role: "user", Content: "第一句"},
		{Role: "assistant", Content: "第一答"},
		{Role: "user", Content: "第二句"},
		{Role: "assistant", Content: "第二答"},
	}
	got := Build("系统", "", history, 2, "小麦")

	is.True(!strings.Contains(got, "第一句"))
	is.True(strings.Contains(got, "用户: 第二句\n"))
	is.True(strings.Contains(got, "小麦: 第二答\n"))
	is.True(strings.HasSuffix(got, "小麦: "))
}

func TestBuildWithHintBlock(t *testing.T) {
	is := is.New(t)

	got := Build("系统", "【提示块】", []Message{{Role: "user", Content: "你好"}}, 0, "")
	is.True(strings.Contains(got, "系统\n\n【提示块】\n\n"))
	is.True(strings.HasSuffix(got, "助手: "))
}
