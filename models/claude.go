package models

import "encoding/json"

// Claude 流式事件与终止原因常量
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventPing              = "ping"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventError             = "error"

	DeltaTypeText      = "text_delta"
	DeltaTypeInputJSON = "input_json_delta"

	StopEndTurn   = "end_turn"
	StopMaxTokens = "max_tokens"
	StopToolUse   = "tool_use"
)

// ClaudeRequest Claude Messages API 请求
type ClaudeRequest struct {
	Model         string                 `json:"model" binding:"required"`
	MaxTokens     int                    `json:"max_tokens"`
	Messages      []ClaudeMessage        `json:"messages" binding:"required"`
	System        interface{}            `json:"system,omitempty"` // string 或 content block 数组
	StopSequences []string               `json:"stop_sequences,omitempty"`
	Stream        bool                   `json:"stream,omitempty"`
	Temperature   *float64               `json:"temperature,omitempty"`
	TopP          *float64               `json:"top_p,omitempty"`
	TopK          *int                   `json:"top_k,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Tools         []ClaudeTool           `json:"tools,omitempty"`
	ToolChoice    map[string]interface{} `json:"tool_choice,omitempty"`
	Thinking      *ClaudeThinking        `json:"thinking,omitempty"`
}

// ClaudeMessage 对话消息
type ClaudeMessage struct {
	Role    string      `json:"role" binding:"required,oneof=user assistant"`
	Content interface{} `json:"content"` // string 或 content block 数组
}

// ClaudeThinking 扩展思考配置，接受但不转发
type ClaudeThinking struct {
	Enabled bool `json:"enabled,omitempty"`
}

// ClaudeTool 工具定义
type ClaudeTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// ClaudeContentBlock 内容块，type 字段区分变体
type ClaudeContentBlock struct {
	Type      string             `json:"type"`
	Text      *string            `json:"text,omitempty"`
	Source    *ClaudeImageSource `json:"source,omitempty"`
	ID        string             `json:"id,omitempty"`
	Name      string             `json:"name,omitempty"`
	Input     interface{}        `json:"input,omitempty"`
	ToolUseID string             `json:"tool_use_id,omitempty"`
	Content   interface{}        `json:"content,omitempty"`
}

// ClaudeImageSource 图片来源
type ClaudeImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ClaudeResponse Claude Messages API 响应
type ClaudeResponse struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"`
	Role         string               `json:"role"`
	Model        string               `json:"model"`
	Content      []ClaudeContentBlock `json:"content"`
	StopReason   string               `json:"stop_reason"`
	StopSequence *string              `json:"stop_sequence"`
	Usage        ClaudeUsage          `json:"usage"`
}

// ClaudeUsage token 用量
type ClaudeUsage struct {
	InputTokens          int  `json:"input_tokens"`
	OutputTokens         int  `json:"output_tokens"`
	CacheReadInputTokens *int `json:"cache_read_input_tokens,omitempty"`
}

// ClaudeTokenCountRequest token 计数请求
type ClaudeTokenCountRequest struct {
	Model      string                 `json:"model" binding:"required"`
	Messages   []ClaudeMessage        `json:"messages" binding:"required"`
	System     interface{}            `json:"system,omitempty"`
	Tools      []ClaudeTool           `json:"tools,omitempty"`
	Thinking   *ClaudeThinking        `json:"thinking,omitempty"`
	ToolChoice map[string]interface{} `json:"tool_choice,omitempty"`
}

// ClaudeTokenCountResponse token 计数响应
type ClaudeTokenCountResponse struct {
	InputTokens int `json:"input_tokens"`
}

// ClaudeStreamEvent 内容级流式事件(content_block_* / ping / message_stop)
type ClaudeStreamEvent struct {
	Type         string              `json:"type"`
	Index        *int                `json:"index,omitempty"`
	ContentBlock *ClaudeContentBlock `json:"content_block,omitempty"`
	Delta        *ClaudeDelta        `json:"delta,omitempty"`
}

// ClaudeDelta content_block_delta 的增量体
type ClaudeDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ClaudeMessageStartEvent message_start 事件
type ClaudeMessageStartEvent struct {
	Type    string              `json:"type"`
	Message ClaudeStreamMessage `json:"message"`
}

// ClaudeStreamMessage message_start 内嵌的消息骨架
type ClaudeStreamMessage struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"`
	Role         string               `json:"role"`
	Content      []ClaudeContentBlock `json:"content"`
	Model        string               `json:"model"`
	StopReason   *string              `json:"stop_reason"`
	StopSequence *string              `json:"stop_sequence"`
	Usage        ClaudeUsage          `json:"usage"`
}

// ClaudeMessageDeltaEvent message_delta 事件
type ClaudeMessageDeltaEvent struct {
	Type  string             `json:"type"`
	Delta ClaudeMessageDelta `json:"delta"`
	Usage ClaudeUsage        `json:"usage"`
}

// ClaudeMessageDelta 终止增量，stop_sequence 始终序列化(可为 null)
type ClaudeMessageDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// ClaudeErrorResponse Anthropic 协议错误响应
type ClaudeErrorResponse struct {
	Type  string            `json:"type"`
	Error ClaudeErrorDetail `json:"error"`
}

// ClaudeErrorDetail 错误详情
type ClaudeErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewClaudeError 构造 Anthropic 协议错误
func NewClaudeError(errType, message string) *ClaudeErrorResponse {
	return &ClaudeErrorResponse{
		Type:  "error",
		Error: ClaudeErrorDetail{Type: errType, Message: message},
	}
}

// TextBlock 构造文本内容块，text 字段始终序列化(可为空串)
func TextBlock(text string) ClaudeContentBlock {
	return ClaudeContentBlock{Type: "text", Text: &text}
}

// ToolUseBlock 构造工具调用内容块
func ToolUseBlock(id, name string, input interface{}) ClaudeContentBlock {
	if input == nil {
		input = map[string]interface{}{}
	}
	return ClaudeContentBlock{Type: "tool_use", ID: id, Name: name, Input: input}
}

// BlocksOf 把 string-or-blocks 联合里的数组形态解析成内容块列表
// 字符串形态或解析失败返回 nil
func BlocksOf(content interface{}) []ClaudeContentBlock {
	if content == nil {
		return nil
	}

	if blocks, ok := content.([]ClaudeContentBlock); ok {
		return blocks
	}

	if _, ok := content.([]interface{}); !ok {
		return nil
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return nil
	}

	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}

	return blocks
}
