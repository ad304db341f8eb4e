package core

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coleleavitt/claude-code-proxy/models"
)

func TestCountRequestTokens(t *testing.T) {
	req := &models.ClaudeTokenCountRequest{
		Model: "claude-3-5-sonnet",
		Messages: []models.ClaudeMessage{
			{Role: "user", Content: "Hello, world!"}, // 13 字符
		},
	}
	assert.Equal(t, 3, CountRequestTokens(req))
}

func TestCountRequestTokensSystemAndBlocks(t *testing.T) {
	req := &models.ClaudeTokenCountRequest{
		Model:  "claude-3-5-sonnet",
		System: "You are terse.", // 14 字符
		Messages: []models.ClaudeMessage{
			{Role: "user", Content: []interface{}{
				map[string]interface{}{"type": "text", "text": "abcdefgh"}, // 8 字符
				// 图片和工具块不计入
				map[string]interface{}{"type": "image", "source": map[string]interface{}{"data": "AAAA"}},
				map[string]interface{}{"type": "tool_result", "tool_use_id": "t1", "content": "ignored"},
			}},
		},
	}
	assert.Equal(t, 5, CountRequestTokens(req)) // (14+8)/4
}

func TestCountRequestTokensSystemBlocks(t *testing.T) {
	req := &models.ClaudeTokenCountRequest{
		Model: "claude-3-haiku",
		System: []interface{}{
			map[string]interface{}{"type": "text", "text": "abcd"},
			map[string]interface{}{"type": "text", "text": "efgh"},
		},
		Messages: []models.ClaudeMessage{},
	}
	assert.Equal(t, 2, CountRequestTokens(req))
}

func TestCountRequestTokensMinimumOne(t *testing.T) {
	empty := &models.ClaudeTokenCountRequest{Model: "claude-3-haiku"}
	assert.Equal(t, 1, CountRequestTokens(empty))

	tiny := &models.ClaudeTokenCountRequest{
		Model:    "claude-3-haiku",
		Messages: []models.ClaudeMessage{{Role: "user", Content: "Hi"}},
	}
	assert.Equal(t, 1, CountRequestTokens(tiny))
}

func TestCountRequestTokensCountsRunes(t *testing.T) {
	// 按字符数而不是字节数统计
	req := &models.ClaudeTokenCountRequest{
		Model:    "claude-3-haiku",
		Messages: []models.ClaudeMessage{{Role: "user", Content: "你好世界你好世界"}}, // 8 字符 24 字节
	}
	assert.Equal(t, 2, CountRequestTokens(req))
}
