package mapper

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/coleleavitt/claude-code-proxy/models"
)

// === Claude Stream Translator ===

// ToolCallState tracks one backend tool-call slot while streaming. Slots are
// keyed by the backend delta index; ClaudeIndex is the content block index
// announced to the client, assigned when the slot starts.
type ToolCallState struct {
	ClaudeIndex int
	ID          string
	Name        string
	ArgsBuf     strings.Builder
	Started     bool
	JSONSent    bool
}

// StreamTranslator rebuilds a Claude SSE event stream from OpenAI-style
// chunks. One instance serves exactly one streaming request and is not safe
// for concurrent use.
//
// Lifecycle: Prelude once, HandleLine per backend line until it reports done,
// then Postlude. Postlude must also run after upstream errors so the client
// can finalize the message.
type StreamTranslator struct {
	log           *logrus.Logger
	originalModel string
	messageID     string

	toolSlots   map[int]*ToolCallState
	slotOrder   []int // backend indexes in start order
	toolCounter int
	stopReason  string
	usage       models.ClaudeUsage
	parseWarn   rate.Sometimes
}

// NewStreamTranslator creates a translator for one streaming request.
// originalModel is echoed in message_start.
func NewStreamTranslator(originalModel string, log *logrus.Logger) *StreamTranslator {
	return &StreamTranslator{
		log:           log,
		originalModel: originalModel,
		messageID:     NewMessageID(),
		toolSlots:     make(map[int]*ToolCallState),
		stopReason:    models.StopEndTurn,
		parseWarn:     rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
}

// MessageID returns the generated Claude message identifier.
func (st *StreamTranslator) MessageID() string {
	return st.messageID
}

// Usage returns the token usage captured so far. Backends usually attach
// usage to the final chunk, so this is only meaningful once the stream ended.
func (st *StreamTranslator) Usage() models.ClaudeUsage {
	return st.usage
}

// Prelude emits the fixed opening sequence: message_start, the index 0 text
// block and a ping.
func (st *StreamTranslator) Prelude() [][]byte {
	start := models.ClaudeMessageStartEvent{
		Type: models.EventMessageStart,
		Message: models.ClaudeStreamMessage{
			ID:      st.messageID,
			Type:    "message",
			Role:    "assistant",
			Content: []models.ClaudeContentBlock{},
			Model:   st.originalModel,
			Usage:   models.ClaudeUsage{},
		},
	}

	textOpen := models.TextBlock("")

	return [][]byte{
		st.frame(models.EventMessageStart, start),
		st.frame(models.EventContentBlockStart, models.ClaudeStreamEvent{
			Type:         models.EventContentBlockStart,
			Index:        intPtr(0),
			ContentBlock: &textOpen,
		}),
		st.frame(models.EventPing, models.ClaudeStreamEvent{Type: models.EventPing}),
	}
}

// HandleLine consumes one raw SSE line from the backend and returns the
// Claude frames it produced. done reports that the stream is finished and the
// postlude should follow.
func (st *StreamTranslator) HandleLine(line string) (frames [][]byte, done bool) {
	payload, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		// event:/comment/blank lines carry nothing we translate
		return nil, false
	}

	payload = strings.TrimSpace(payload)
	if payload == "[DONE]" {
		return nil, true
	}

	var chunk models.ChatCompletionResponse
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		st.parseWarn.Do(func() {
			st.log.Warnf("Skipping unparsable stream chunk: %v", err)
		})
		return nil, false
	}

	// Usage rides on its own chunk or on the final content chunk; either way
	// the latest value wins.
	if u := chunk.Usage; u != nil {
		cached := 0
		if u.PromptTokensDetails != nil {
			cached = u.PromptTokensDetails.CachedTokens
		}
		st.usage = models.ClaudeUsage{
			InputTokens:          u.PromptTokens,
			OutputTokens:         u.CompletionTokens,
			CacheReadInputTokens: &cached,
		}
	}

	if len(chunk.Choices) == 0 {
		return nil, false
	}
	choice := chunk.Choices[0]

	if text := choice.Delta.StringContent(); text != "" {
		frames = append(frames, st.frame(models.EventContentBlockDelta, models.ClaudeStreamEvent{
			Type:  models.EventContentBlockDelta,
			Index: intPtr(0),
			Delta: &models.ClaudeDelta{Type: models.DeltaTypeText, Text: text},
		}))
	}

	for i := range choice.Delta.ToolCalls {
		frames = append(frames, st.handleToolDelta(&choice.Delta.ToolCalls[i])...)
	}

	if choice.FinishReason != "" {
		st.stopReason = convertStreamFinishReason(choice.FinishReason)
		return frames, true
	}

	return frames, false
}

// handleToolDelta merges one tool-call delta into its slot. id and name may
// arrive in separate fragments; the block starts once both are known. Argument
// fragments before the start are dropped.
func (st *StreamTranslator) handleToolDelta(tc *models.ChatToolCall) [][]byte {
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}

	slot, ok := st.toolSlots[idx]
	if !ok {
		slot = &ToolCallState{}
		st.toolSlots[idx] = slot
	}

	if tc.ID != "" {
		slot.ID = tc.ID
	}
	if tc.Function.Name != "" {
		slot.Name = tc.Function.Name
	}

	var frames [][]byte
	if !slot.Started && slot.ID != "" && slot.Name != "" {
		st.toolCounter++
		slot.ClaudeIndex = st.toolCounter
		slot.Started = true
		st.slotOrder = append(st.slotOrder, idx)

		open := models.ToolUseBlock(slot.ID, slot.Name, map[string]interface{}{})
		frames = append(frames, st.frame(models.EventContentBlockStart, models.ClaudeStreamEvent{
			Type:         models.EventContentBlockStart,
			Index:        intPtr(slot.ClaudeIndex),
			ContentBlock: &open,
		}))
	}

	// arguments may ride along with any fragment, including the opening one
	if slot.Started && tc.Function.Arguments != "" {
		frames = append(frames, st.appendArgs(slot, tc.Function.Arguments)...)
	}
	return frames
}

// appendArgs accumulates argument fragments and emits the single
// input_json_delta once the buffer becomes valid JSON.
func (st *StreamTranslator) appendArgs(slot *ToolCallState, fragment string) [][]byte {
	slot.ArgsBuf.WriteString(fragment)
	if slot.JSONSent {
		return nil
	}

	buf := slot.ArgsBuf.String()
	if !json.Valid([]byte(buf)) {
		return nil
	}

	slot.JSONSent = true
	return [][]byte{st.frame(models.EventContentBlockDelta, models.ClaudeStreamEvent{
		Type:  models.EventContentBlockDelta,
		Index: intPtr(slot.ClaudeIndex),
		Delta: &models.ClaudeDelta{Type: models.DeltaTypeInputJSON, PartialJSON: buf},
	})}
}

// convertStreamFinishReason maps a streaming finish_reason onto a Claude
// stop_reason. Unlike the unary table, streaming chunks may still carry the
// legacy function_call reason.
func convertStreamFinishReason(reason string) string {
	if reason == "function_call" {
		return models.StopToolUse
	}
	return ConvertFinishReason(reason)
}

// ErrorFrame renders an error event for mid-stream upstream failures.
func (st *StreamTranslator) ErrorFrame(message string) []byte {
	return st.frame(models.EventError, models.NewClaudeError("api_error", message))
}

// Postlude emits the closing sequence: the text block stop, one stop per
// started tool block in start order, message_delta with the final stop reason
// and usage, then message_stop.
func (st *StreamTranslator) Postlude() [][]byte {
	frames := [][]byte{st.frame(models.EventContentBlockStop, models.ClaudeStreamEvent{
		Type:  models.EventContentBlockStop,
		Index: intPtr(0),
	})}

	for _, idx := range st.slotOrder {
		frames = append(frames, st.frame(models.EventContentBlockStop, models.ClaudeStreamEvent{
			Type:  models.EventContentBlockStop,
			Index: intPtr(st.toolSlots[idx].ClaudeIndex),
		}))
	}

	frames = append(frames,
		st.frame(models.EventMessageDelta, models.ClaudeMessageDeltaEvent{
			Type: models.EventMessageDelta,
			Delta: models.ClaudeMessageDelta{
				StopReason:   st.stopReason,
				StopSequence: nil,
			},
			Usage: st.usage,
		}),
		st.frame(models.EventMessageStop, models.ClaudeStreamEvent{Type: models.EventMessageStop}),
	)

	return frames
}

func (st *StreamTranslator) frame(event string, payload interface{}) []byte {
	b, _ := json.Marshal(payload)
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, b))
}

func intPtr(v int) *int {
	return &v
}
