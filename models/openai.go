package models

import (
	"encoding/json"
	"strings"
)

// ChatCompletionRequest OpenAI 聊天请求
type ChatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []ChatMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens"`
	Temperature   float64        `json:"temperature"`
	TopP          *float64       `json:"top_p,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
	Tools         []ChatTool     `json:"tools,omitempty"`
	ToolChoice    interface{}    `json:"tool_choice,omitempty"` // "auto" 或 {"type":"function",...}
}

// ChatMessage 聊天消息
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    interface{}    `json:"content,omitempty"` // string、多模态分片数组或 nil
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ChatToolCall `json:"tool_calls,omitempty"`
}

// ChatContentPart 多模态内容分片
type ChatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ChatImageURL `json:"image_url,omitempty"`
}

// ChatImageURL data URL 形式的图片
type ChatImageURL struct {
	URL string `json:"url"`
}

// ChatTool 工具定义
type ChatTool struct {
	Type     string           `json:"type"`
	Function ChatToolFunction `json:"function"`
}

// ChatToolFunction 工具函数
type ChatToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ChatToolCall 工具调用，流式增量里按 index 归并
type ChatToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ChatToolCallFunc `json:"function"`
}

// ChatToolCallFunc 工具调用函数
type ChatToolCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// StreamOptions 流式选项
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// ChatCompletionResponse OpenAI 聊天响应，流式 chunk 复用同一结构
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object,omitempty"`
	Created int64                  `json:"created,omitempty"`
	Model   string                 `json:"model,omitempty"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *ChatCompletionUsage   `json:"usage,omitempty"`
}

// ChatCompletionChoice 聊天选择
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message,omitempty"`
	Delta        ChatMessage `json:"delta,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// ChatCompletionUsage 使用统计
type ChatCompletionUsage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens    int                  `json:"completion_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

// PromptTokensDetails 提示词 token 细分
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// ErrorResponse OpenAI 协议错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status                 string `json:"status"`
	Timestamp              string `json:"timestamp"`
	OpenAIAPIConfigured    bool   `json:"openai_api_configured"`
	APIKeyValid            bool   `json:"api_key_valid"`
	ClientAPIKeyValidation bool   `json:"client_api_key_validation"`
}

// MaskAPIKey 脱敏API Key
func MaskAPIKey(key string) string {
	if key == "" {
		return "***"
	}

	if len(key) <= 4 {
		return key[:1] + "***"
	}

	if len(key) <= 8 {
		return key[:2] + "***" + key[len(key)-2:]
	}

	return key[:3] + "***" + key[len(key)-4:]
}

// StringContent 从ChatMessage.Content提取字符串内容
// 支持普通字符串和多模态数组格式
func (m *ChatMessage) StringContent() string {
	if m.Content == nil {
		return ""
	}

	// 情况1: 直接是字符串
	if str, ok := m.Content.(string); ok {
		return str
	}

	// 情况2: 多模态数组格式 [{"type": "text", "text": "..."}, ...]
	if arr, ok := m.Content.([]interface{}); ok {
		var result strings.Builder
		for _, item := range arr {
			if itemMap, ok := item.(map[string]interface{}); ok {
				// 查找type="text"的项
				if itemType, exists := itemMap["type"]; exists && itemType == "text" {
					if text, exists := itemMap["text"]; exists {
						if textStr, ok := text.(string); ok {
							if result.Len() > 0 {
								result.WriteString(" ")
							}
							result.WriteString(textStr)
						}
					}
				}
			}
		}
		return result.String()
	}

	// 情况3: 其他类型，尝试转换为JSON字符串
	if jsonBytes, err := json.Marshal(m.Content); err == nil {
		return string(jsonBytes)
	}

	return ""
}
