package mapper

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coleleavitt/claude-code-proxy/models"
)

// === Claude Inbound Mapper ===

// ClaudeRequestToOpenAI converts an incoming Claude Messages API request into
// the internal OpenAI chat format. mappedModel is the backend model chosen by
// the model mapper; minTokens/maxTokens clamp max_tokens into the configured
// window.
func ClaudeRequestToOpenAI(cReq *models.ClaudeRequest, mappedModel string, minTokens, maxTokens int) models.ChatCompletionRequest {
	req := models.ChatCompletionRequest{
		Model:       mappedModel,
		MaxTokens:   clampTokens(cReq.MaxTokens, minTokens, maxTokens),
		Temperature: 1.0,
		Stream:      cReq.Stream,
	}

	if cReq.Temperature != nil {
		req.Temperature = *cReq.Temperature
	}
	if cReq.TopP != nil {
		req.TopP = cReq.TopP
	}
	if len(cReq.StopSequences) > 0 {
		req.Stop = cReq.StopSequences
	}

	// 1. System prompt: string form is trimmed, block form is flattened
	if sys := flattenSystem(cReq.System); sys != "" {
		req.Messages = append(req.Messages, models.ChatMessage{
			Role:    "system",
			Content: sys,
		})
	}

	// 2. Conversation messages. A user turn directly after an assistant turn
	// that carries tool_result blocks is consumed as the assistant's tool
	// responses rather than emitted as a user message.
	for i := 0; i < len(cReq.Messages); i++ {
		msg := cReq.Messages[i]
		if msg.Role == "assistant" {
			req.Messages = append(req.Messages, convertAssistantMessage(msg))
			if i+1 < len(cReq.Messages) && cReq.Messages[i+1].Role == "user" && hasToolResults(cReq.Messages[i+1]) {
				i++
				req.Messages = append(req.Messages, convertToolResults(cReq.Messages[i])...)
			}
		} else {
			req.Messages = append(req.Messages, convertUserMessage(msg))
		}
	}

	// 3. Tools (entries without a usable name are dropped)
	for _, t := range cReq.Tools {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		params := t.InputSchema
		if params == nil {
			params = map[string]interface{}{}
		}
		req.Tools = append(req.Tools, models.ChatTool{
			Type: "function",
			Function: models.ChatToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}

	// 4. Tool choice
	req.ToolChoice = convertToolChoice(cReq.ToolChoice)

	return req
}

// flattenSystem reduces the string-or-blocks system field to a single string.
// Block lists keep only text blocks, joined by blank lines.
func flattenSystem(system interface{}) string {
	if system == nil {
		return ""
	}

	if str, ok := system.(string); ok {
		return strings.TrimSpace(str)
	}

	var parts []string
	for _, b := range models.BlocksOf(system) {
		if b.Type == "text" && b.Text != nil {
			parts = append(parts, *b.Text)
		}
	}

	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// convertUserMessage maps one Claude user message onto the multimodal parts
// form. Exactly one text part collapses back to a plain string; tool_result
// and unknown block types are dropped here.
func convertUserMessage(msg models.ClaudeMessage) models.ChatMessage {
	if str, ok := msg.Content.(string); ok {
		return models.ChatMessage{Role: "user", Content: str}
	}

	parts := []models.ChatContentPart{}
	for _, b := range models.BlocksOf(msg.Content) {
		switch b.Type {
		case "text":
			if b.Text != nil {
				parts = append(parts, models.ChatContentPart{Type: "text", Text: *b.Text})
			}
		case "image":
			if b.Source != nil && b.Source.Type == "base64" {
				parts = append(parts, models.ChatContentPart{
					Type: "image_url",
					ImageURL: &models.ChatImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data),
					},
				})
			}
		}
	}

	if len(parts) == 1 && parts[0].Type == "text" {
		return models.ChatMessage{Role: "user", Content: parts[0].Text}
	}
	return models.ChatMessage{Role: "user", Content: parts}
}

// hasToolResults reports whether a message carries any tool_result block.
func hasToolResults(msg models.ClaudeMessage) bool {
	for _, b := range models.BlocksOf(msg.Content) {
		if b.Type == "tool_result" {
			return true
		}
	}
	return false
}

// convertToolResults expands a consumed user turn into one tool-role message
// per tool_result block, preserving order. Other blocks in that turn are not
// forwarded.
func convertToolResults(msg models.ClaudeMessage) []models.ChatMessage {
	var out []models.ChatMessage
	for _, b := range models.BlocksOf(msg.Content) {
		if b.Type != "tool_result" {
			continue
		}
		out = append(out, models.ChatMessage{
			Role:       "tool",
			ToolCallID: b.ToolUseID,
			Content:    flattenToolResult(b.Content),
		})
	}
	return out
}

// convertAssistantMessage folds assistant text and tool_use blocks into a
// single OpenAI assistant message with optional tool_calls.
func convertAssistantMessage(msg models.ClaudeMessage) models.ChatMessage {
	out := models.ChatMessage{Role: "assistant"}

	if str, ok := msg.Content.(string); ok {
		out.Content = str
		return out
	}

	var textParts []string
	for _, b := range models.BlocksOf(msg.Content) {
		switch b.Type {
		case "text":
			if b.Text != nil {
				textParts = append(textParts, *b.Text)
			}
		case "tool_use":
			args := "{}"
			if b.Input != nil {
				if raw, err := json.Marshal(b.Input); err == nil {
					args = string(raw)
				}
			}
			out.ToolCalls = append(out.ToolCalls, models.ChatToolCall{
				ID:   b.ID,
				Type: "function",
				Function: models.ChatToolCallFunc{
					Name:      b.Name,
					Arguments: args,
				},
			})
		}
	}

	if len(textParts) > 0 {
		out.Content = strings.Join(textParts, "")
	} else if len(out.ToolCalls) == 0 {
		// OpenAI rejects assistant messages with neither content nor tool_calls
		out.Content = ""
	}

	return out
}

// flattenToolResult reduces tool_result content to the string form OpenAI
// expects on tool messages. Arrays join their elements with newlines; object
// form yields its text when it is a text block, else its JSON rendering.
func flattenToolResult(content interface{}) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []interface{}:
		var parts []string
		for _, item := range v {
			if s, ok := toolResultElement(item); ok {
				parts = append(parts, s)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	default:
		if m, ok := content.(map[string]interface{}); ok {
			if t, ok := m["type"].(string); ok && t == "text" {
				if text, ok := m["text"].(string); ok {
					return text
				}
			}
		}
		raw, err := json.Marshal(content)
		if err != nil {
			return "{}"
		}
		return string(raw)
	}
}

// toolResultElement renders one array element: text blocks yield their text,
// any object with a string text field yields that field, everything else is
// serialized verbatim.
func toolResultElement(item interface{}) (string, bool) {
	if m, ok := item.(map[string]interface{}); ok {
		if t, ok := m["type"].(string); ok && t == "text" {
			text, ok := m["text"].(string)
			return text, ok
		}
		if text, ok := m["text"].(string); ok {
			return text, true
		}
	}

	raw, err := json.Marshal(item)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// convertToolChoice maps the Claude tool_choice object onto the OpenAI form.
// Unknown types and a tool choice without a name degrade to "auto".
func convertToolChoice(choice map[string]interface{}) interface{} {
	if choice == nil {
		return nil
	}
	ctype, ok := choice["type"].(string)
	if !ok {
		return nil
	}

	if ctype == "tool" {
		if name, ok := choice["name"].(string); ok && name != "" {
			return map[string]interface{}{
				"type":     "function",
				"function": map[string]string{"name": name},
			}
		}
	}
	return "auto"
}

func clampTokens(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
