package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/coleleavitt/claude-code-proxy/core/utils"
	"github.com/coleleavitt/claude-code-proxy/models"
)

// VertexOptions Vertex AI 连接配置。
// Endpoint 可覆盖默认的 aiplatform 地址（区域私有端点或测试用），留空走公网。
type VertexOptions struct {
	ProjectID   string
	Location    string
	AccessToken string
	Endpoint    string
	Timeout     TimeoutFunc
}

// VertexProvider Google Vertex AI (Gemini) 出口。
// 请求和响应在这里于 OpenAI 形状与 generateContent 形状之间互转，
// 流式响应重编码为 OpenAI chunk 行，下游翻译层不感知 Gemini 协议。
type VertexProvider struct {
	client      *http.Client
	log         *logrus.Logger
	projectID   string
	location    string
	accessToken string
	endpointURL string
	timeout     TimeoutFunc
	inflight    *cancelRegistry
}

func NewVertexProvider(opts VertexOptions, log *logrus.Logger) *VertexProvider {
	return &VertexProvider{
		client:      NewHTTPClient(),
		log:         log,
		projectID:   opts.ProjectID,
		location:    opts.Location,
		accessToken: opts.AccessToken,
		endpointURL: strings.TrimSuffix(opts.Endpoint, "/"),
		timeout:     resolveTimeout(opts.Timeout),
		inflight:    newCancelRegistry(),
	}
}

func (p *VertexProvider) Name() string {
	return "Vertex AI"
}

func (p *VertexProvider) Cancel(requestID string) bool {
	return p.inflight.cancel(requestID)
}

// endpoint 流式走 streamGenerateContent 并要求 SSE 编码
func (p *VertexProvider) endpoint(model string, stream bool) string {
	method := "generateContent"
	if stream {
		method = "streamGenerateContent"
	}
	base := p.endpointURL
	if base == "" {
		base = fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", p.location)
	}
	url := fmt.Sprintf("%s/projects/%s/locations/%s/publishers/google/models/%s:%s",
		base, p.projectID, p.location, model, method)
	if stream {
		url += "?alt=sse"
	}
	return url
}

func (p *VertexProvider) send(ctx context.Context, req *models.ChatCompletionRequest, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(p.convertRequest(req))
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(req.Model, stream), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Authorization", "Bearer "+p.accessToken)

	p.log.Debugf("Vertex AI request: Model=%s | Location=%s | Stream=%v",
		req.Model, p.location, stream)

	return p.client.Do(httpReq)
}

func (p *VertexProvider) Complete(ctx context.Context, req *models.ChatCompletionRequest, requestID string) (*models.ChatCompletionResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout())
	p.inflight.add(requestID, cancel)
	defer func() {
		p.inflight.remove(requestID)
		cancel()
	}()

	resp, err := p.send(reqCtx, req, false)
	if err != nil {
		return nil, wrapTransportErr(reqCtx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyVertexError(resp.StatusCode, readBody(resp))
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, wrapTransportErr(reqCtx, err)
	}

	var gResp GeminiResponse
	if err := json.Unmarshal(body, &gResp); err != nil {
		return nil, &Error{Kind: KindUnexpected, Message: fmt.Sprintf("Failed to parse response: %v", err)}
	}
	return p.convertResponse(&gResp, req.Model), nil
}

func (p *VertexProvider) Stream(ctx context.Context, req *models.ChatCompletionRequest, requestID string) (<-chan StreamItem, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout())
	p.inflight.add(requestID, cancel)

	resp, err := p.send(reqCtx, req, true)
	if err != nil {
		p.inflight.remove(requestID)
		cancel()
		return nil, wrapTransportErr(reqCtx, err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := classifyVertexError(resp.StatusCode, readBody(resp))
		p.inflight.remove(requestID)
		cancel()
		return nil, apiErr
	}

	finish := func() {
		p.inflight.remove(requestID)
		cancel()
	}
	items := make(chan StreamItem, streamChanBuffer)
	go p.relayStream(reqCtx, resp.Body, req.Model, items, finish)
	return items, nil
}

// relayStream 把 Vertex SSE 重编码为 OpenAI chunk 行。
// 结尾补发 "data: [DONE]"，让下游按统一协议收尾。
func (p *VertexProvider) relayStream(ctx context.Context, body io.ReadCloser, model string, items chan<- StreamItem, finish func()) {
	defer close(items)
	defer finish()
	defer body.Close()

	emit := func(item StreamItem) bool {
		select {
		case items <- item:
			return true
		case <-ctx.Done():
			return false
		}
	}

	encoder := newGeminiChunkEncoder(model)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "[DONE]" {
			break
		}

		var gResp GeminiResponse
		if err := json.Unmarshal([]byte(payload), &gResp); err != nil {
			p.log.Debugf("Skipping unparsable Vertex stream chunk: %v", err)
			continue
		}

		chunk := encoder.encode(&gResp)
		if chunk == nil {
			continue
		}
		encoded, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		if !emit(StreamItem{Line: "data: " + string(encoded)}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		emit(StreamItem{Err: wrapTransportErr(ctx, err)})
		return
	}
	emit(StreamItem{Line: "data: [DONE]"})
}

// geminiChunkEncoder 单个流的重编码状态：稳定的 chunk id、
// 首帧 role 标记和跨块递增的 tool call index。
type geminiChunkEncoder struct {
	id          string
	created     int64
	model       string
	hasSentRole bool
	toolIndex   int
}

func newGeminiChunkEncoder(model string) *geminiChunkEncoder {
	return &geminiChunkEncoder{
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
		model:   model,
	}
}

// encode 把一个 Gemini 流式块转成 OpenAI chunk。
// 文本、functionCall、finishReason 和 usage 合并在同一个 chunk 里，
// 既无内容也无 usage 的块返回 nil。
func (e *geminiChunkEncoder) encode(gResp *GeminiResponse) *models.ChatCompletionResponse {
	chunk := &models.ChatCompletionResponse{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []models.ChatCompletionChoice{},
	}

	if gResp.UsageMetadata != nil {
		chunk.Usage = &models.ChatCompletionUsage{
			PromptTokens:     gResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: gResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gResp.UsageMetadata.TotalTokenCount,
		}
	}

	if len(gResp.Candidates) > 0 {
		candidate := gResp.Candidates[0]

		content := ""
		var toolCalls []models.ChatToolCall
		for _, part := range candidate.Content.Parts {
			content += part.Text
			if part.FunctionCall != nil {
				idx := e.toolIndex
				e.toolIndex++
				toolCalls = append(toolCalls, models.ChatToolCall{
					Index:    &idx,
					ID:       "call_" + uuid.NewString(),
					Type:     "function",
					Function: convertGeminiFunctionCall(part.FunctionCall),
				})
			}
		}

		finish := ""
		if candidate.FinishReason != "" {
			finish = convertGeminiFinishReason(candidate.FinishReason, len(toolCalls) > 0)
		}

		if content != "" || len(toolCalls) > 0 || finish != "" {
			choice := models.ChatCompletionChoice{
				Index:        0,
				Delta:        models.ChatMessage{ToolCalls: toolCalls},
				FinishReason: finish,
			}
			if content != "" {
				choice.Delta.Content = content
			}
			if !e.hasSentRole {
				choice.Delta.Role = "assistant"
				e.hasSentRole = true
			}
			chunk.Choices = append(chunk.Choices, choice)
		}
	}

	if len(chunk.Choices) == 0 && chunk.Usage == nil {
		return nil
	}
	return chunk
}

// convertRequest 把 OpenAI 形状的请求转换为 Gemini generateContent 请求
func (p *VertexProvider) convertRequest(req *models.ChatCompletionRequest) *GeminiRequest {
	gReq := &GeminiRequest{Contents: make([]GeminiContent, 0, len(req.Messages))}

	// system 消息合并进 systemInstruction
	var systemParts []GeminiPart
	for i := range req.Messages {
		if req.Messages[i].Role == "system" {
			if text := req.Messages[i].StringContent(); text != "" {
				systemParts = append(systemParts, GeminiPart{Text: text})
			}
		}
	}
	if len(systemParts) > 0 {
		gReq.SystemInstruction = &GeminiContent{Parts: systemParts}
	}

	// functionResponse 需要函数名，从此前 assistant 消息的 tool_calls 回查
	callNames := make(map[string]string)

	for i := range req.Messages {
		msg := &req.Messages[i]
		if msg.Role == "system" {
			continue
		}

		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		content := GeminiContent{Role: role}

		if msg.Role == "tool" {
			name := callNames[msg.ToolCallID]
			if name == "" {
				name = msg.ToolCallID
			}
			content.Parts = append(content.Parts, GeminiPart{
				FunctionResponse: &GeminiFunctionResponse{
					Name:     name,
					Response: map[string]interface{}{"result": msg.StringContent()},
				},
			})
		} else {
			content.Parts = append(content.Parts, convertMessageParts(msg)...)
			for _, tc := range msg.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
				args := map[string]interface{}{}
				if tc.Function.Arguments != "" {
					json.Unmarshal([]byte(tc.Function.Arguments), &args)
				}
				content.Parts = append(content.Parts, GeminiPart{
					FunctionCall: &GeminiFunctionCall{Name: tc.Function.Name, Args: args},
				})
			}
		}

		// Gemini 拒绝空 parts 的消息
		if len(content.Parts) == 0 {
			continue
		}
		gReq.Contents = append(gReq.Contents, content)
	}

	if len(req.Tools) > 0 {
		declarations := make([]GeminiFunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			if tool.Type != "function" {
				continue
			}
			schema := tool.Function.Parameters
			utils.SanitizeJSONSchema(schema)
			declarations = append(declarations, GeminiFunctionDeclaration{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  schema,
			})
		}
		if len(declarations) > 0 {
			gReq.Tools = []GeminiTool{{FunctionDeclarations: declarations}}
			gReq.ToolConfig = &GeminiToolConfig{
				FunctionCallingConfig: &GeminiFunctionCallingConfig{Mode: "AUTO"},
			}
		}
	}

	config := &GeminiConfig{
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.Stop,
	}
	if req.TopP != nil {
		config.TopP = *req.TopP
	}
	gReq.GenerationConfig = config

	return gReq
}

// convertMessageParts 文本与图片内容到 Gemini parts
func convertMessageParts(msg *models.ChatMessage) []GeminiPart {
	var parts []GeminiPart
	switch content := msg.Content.(type) {
	case string:
		if content != "" {
			parts = append(parts, GeminiPart{Text: content})
		}
	case []models.ChatContentPart:
		for _, item := range content {
			switch item.Type {
			case "text":
				if item.Text != "" {
					parts = append(parts, GeminiPart{Text: item.Text})
				}
			case "image_url":
				if item.ImageURL != nil {
					if data := parseDataURL(item.ImageURL.URL); data != nil {
						parts = append(parts, GeminiPart{InlineData: data})
					}
				}
			}
		}
	case []interface{}:
		// 原始 JSON 解码出的分片数组
		for _, raw := range content {
			itemMap, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			switch itemMap["type"] {
			case "text":
				if text, ok := itemMap["text"].(string); ok && text != "" {
					parts = append(parts, GeminiPart{Text: text})
				}
			case "image_url":
				if imageURL, ok := itemMap["image_url"].(map[string]interface{}); ok {
					if urlVal, ok := imageURL["url"].(string); ok {
						if data := parseDataURL(urlVal); data != nil {
							parts = append(parts, GeminiPart{InlineData: data})
						}
					}
				}
			}
		}
	}
	return parts
}

// parseDataURL 拆出 data URL 的 mime type 和 base64 载荷
func parseDataURL(urlVal string) *GeminiInlineData {
	if !strings.HasPrefix(urlVal, "data:") {
		return nil
	}
	segments := strings.SplitN(urlVal, ",", 2)
	if len(segments) != 2 {
		return nil
	}
	mimeType := strings.TrimSuffix(strings.TrimPrefix(segments[0], "data:"), ";base64")
	return &GeminiInlineData{MimeType: mimeType, Data: segments[1]}
}

// convertResponse 把 Gemini 响应转换回 OpenAI 形状
func (p *VertexProvider) convertResponse(gResp *GeminiResponse, model string) *models.ChatCompletionResponse {
	resp := &models.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Usage:   &models.ChatCompletionUsage{},
	}
	if gResp.UsageMetadata != nil {
		resp.Usage = &models.ChatCompletionUsage{
			PromptTokens:     gResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: gResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gResp.UsageMetadata.TotalTokenCount,
		}
	}

	if len(gResp.Candidates) == 0 {
		resp.Choices = []models.ChatCompletionChoice{{
			Index:        0,
			Message:      models.ChatMessage{Role: "assistant", Content: ""},
			FinishReason: "stop",
		}}
		return resp
	}

	candidate := gResp.Candidates[0]
	content := ""
	var toolCalls []models.ChatToolCall
	for _, part := range candidate.Content.Parts {
		content += part.Text
		if part.FunctionCall != nil {
			toolCalls = append(toolCalls, models.ChatToolCall{
				ID:       "call_" + uuid.NewString(),
				Type:     "function",
				Function: convertGeminiFunctionCall(part.FunctionCall),
			})
		}
	}

	resp.Choices = []models.ChatCompletionChoice{{
		Index: 0,
		Message: models.ChatMessage{
			Role:      "assistant",
			Content:   content,
			ToolCalls: toolCalls,
		},
		FinishReason: convertGeminiFinishReason(candidate.FinishReason, len(toolCalls) > 0),
	}}
	return resp
}

// convertGeminiFunctionCall functionCall 参数重编码为 JSON 字符串
func convertGeminiFunctionCall(call *GeminiFunctionCall) models.ChatToolCallFunc {
	args := []byte("{}")
	if call.Args != nil {
		if b, err := json.Marshal(call.Args); err == nil {
			args = b
		}
	}
	return models.ChatToolCallFunc{Name: call.Name, Arguments: string(args)}
}

// convertGeminiFinishReason finishReason 到 OpenAI finish_reason，
// 有 functionCall 时一律报 tool_calls
func convertGeminiFinishReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	default:
		return "stop"
	}
}

// classifyVertexError Google Cloud 把权限问题报成 403，一并归入认证错误
func classifyVertexError(status int, body string) *Error {
	message := classifyVertexMessage(body)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindAuth, Status: status, Message: message}
	case http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, Status: status, Message: message}
	case http.StatusBadRequest, http.StatusNotFound:
		return &Error{Kind: KindBadRequest, Status: status, Message: message}
	default:
		return &Error{Kind: KindAPIError, Status: status, Message: message}
	}
}

func classifyVertexMessage(body string) string {
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "authentication"):
		return "Invalid access token. Please check your Google Cloud authentication."
	case strings.Contains(lower, "quota") || strings.Contains(lower, "rate"):
		return "Rate limit or quota exceeded. Please check your Google Cloud quota."
	case strings.Contains(lower, "not found") || strings.Contains(lower, "model"):
		return "Model not found or not available in your region."
	case strings.Contains(lower, "permission"):
		return "Permission denied. Please check your Google Cloud IAM permissions."
	}
	return body
}
