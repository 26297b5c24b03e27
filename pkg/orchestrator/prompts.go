package orchestrator

import (
	"fmt"
	"strings"

	"github.com/cpunion/feedsync/pkg/protocol"
)

// Operation selects the rule set of a generation.
type Operation string

const (
	OpNewPost Operation = "new_post" // 发新内容
	OpReply   Operation = "reply"    // 续写回复
	OpBulk    Operation = "bulk"     // 批量生成
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpNewPost, OpReply, OpBulk:
		return true
	}
	return false
}

var rules = map[Operation]string{
	OpNewPost: `你负责为「%s」生成新的内容。
- 结合最近的对话，生成 1 到 3 条新内容
- 新内容使用新的 ID，不要重复已有的 ID
- 作者是故事世界里的网友或角色，不要出现"AI"或"模型"等字眼
- 所有内容都必须放在下方格式的方括号标记里`,

	OpReply: `你负责为「%s」续写回复。
- 只回复下方「当前内容」里的帖子，沿用它的 ID
- 生成 2 到 5 条回复，口吻各不相同，可以互相回复
- 不要改写原帖，不要新建帖子
- 所有内容都必须放在下方格式的方括号标记里`,

	OpBulk: `你负责一次性刷新「%s」。
- 结合最近的对话，尽量覆盖下方列出的每一种格式
- 新内容使用新的 ID；需要更新的旧内容沿用原 ID
- 内容要贴合当前剧情，不要复述对话原文
- 所有内容都必须放在下方格式的方括号标记里`,
}

const formatRules = `输出格式（每条一行，字段用 | 分隔，字段内不要出现 | [ ]）：
%s除了这些标记，不要输出任何解释或多余的文字。`

// systemPrompt assembles operation rules, the surface grammar, the prefixes and the style.
func systemPrompt(op Operation, g *protocol.Grammar, globalPrefix, customPrefix, style string) string {
	parts := []string{fmt.Sprintf(rules[op], g.Name), fmt.Sprintf(formatRules, g.Help())}
	if s := strings.TrimSpace(globalPrefix); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(customPrefix); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(style); s != "" {
		parts = append(parts, "风格要求：\n"+s)
	}
	return strings.Join(parts, "\n\n")
}

// instruction is the final user turn of the prompt.
func instruction(op Operation, g *protocol.Grammar, focus string) string {
	switch op {
	case OpReply:
		return fmt.Sprintf("当前内容：\n%s\n请为这条内容续写回复。", focus)
	case OpBulk:
		return fmt.Sprintf("请刷新%s。", g.Name)
	}
	return fmt.Sprintf("请为%s生成新内容。", g.Name)
}
