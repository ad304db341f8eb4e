package core

import (
	"unicode/utf8"

	"github.com/coleleavitt/claude-code-proxy/models"
)

// CountRequestTokens 粗略估算请求的输入 token 数，按 4 字符 1 token
// 统计 system 与消息里的文本内容。图片和工具块不计入。
// 这只是字符级启发式估算，不是真正的分词。
func CountRequestTokens(req *models.ClaudeTokenCountRequest) int {
	total := countContentChars(req.System)
	for _, msg := range req.Messages {
		total += countContentChars(msg.Content)
	}

	tokens := total / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// countContentChars 统计 string 或 content block 数组中的文本字符数
func countContentChars(content interface{}) int {
	switch v := content.(type) {
	case string:
		return utf8.RuneCountInString(v)
	case []interface{}:
		total := 0
		for _, item := range v {
			block, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if blockType, _ := block["type"].(string); blockType != "" && blockType != "text" {
				continue
			}
			if text, ok := block["text"].(string); ok {
				total += utf8.RuneCountInString(text)
			}
		}
		return total
	}
	return 0
}
