package mapper

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/coleleavitt/claude-code-proxy/models"
)

// === Claude Outbound Mapper ===

// OpenAIResponseToClaude converts a unary OpenAI response into a Claude
// Messages API response. originalModel is echoed back so clients see the
// model name they asked for, not the backend one.
func OpenAIResponseToClaude(oResp *models.ChatCompletionResponse, originalModel string) *models.ClaudeResponse {
	cResp := &models.ClaudeResponse{
		ID:         oResp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      originalModel,
		Content:    make([]models.ClaudeContentBlock, 0),
		StopReason: models.StopEndTurn,
	}

	if cResp.ID == "" {
		cResp.ID = NewMessageID()
	}

	if u := oResp.Usage; u != nil {
		cResp.Usage.InputTokens = u.PromptTokens
		cResp.Usage.OutputTokens = u.CompletionTokens
		if u.PromptTokensDetails != nil {
			cached := u.PromptTokensDetails.CachedTokens
			cResp.Usage.CacheReadInputTokens = &cached
		}
	}

	if len(oResp.Choices) > 0 {
		choice := oResp.Choices[0]
		cResp.StopReason = ConvertFinishReason(choice.FinishReason)

		// Text first, then tool invocations, mirroring upstream block order
		if text := choice.Message.StringContent(); text != "" {
			cResp.Content = append(cResp.Content, models.TextBlock(text))
		}

		for _, tc := range choice.Message.ToolCalls {
			var input interface{}
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil || input == nil {
				input = map[string]interface{}{}
			}
			cResp.Content = append(cResp.Content, models.ToolUseBlock(tc.ID, tc.Function.Name, input))
		}
	}

	// Clients expect at least one block even for empty completions
	if len(cResp.Content) == 0 {
		cResp.Content = append(cResp.Content, models.TextBlock(""))
	}

	return cResp
}

// ConvertFinishReason maps an OpenAI finish_reason onto a Claude stop_reason.
// Unknown reasons (content_filter included) degrade to end_turn.
func ConvertFinishReason(reason string) string {
	switch reason {
	case "length":
		return models.StopMaxTokens
	case "tool_calls":
		return models.StopToolUse
	default:
		return models.StopEndTurn
	}
}

// NewMessageID returns a Claude style message identifier.
func NewMessageID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "msg_" + hex[:24]
}
