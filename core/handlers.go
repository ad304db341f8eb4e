package core

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/coleleavitt/claude-code-proxy/core/mapper"
	"github.com/coleleavitt/claude-code-proxy/core/provider"
	"github.com/coleleavitt/claude-code-proxy/models"
)

// Version 服务版本号
const Version = "1.0.0"

const (
	// keepAliveInterval 流式响应里多久没有数据就补一条心跳注释
	keepAliveInterval = 15 * time.Second
	// retryBaseDelay 重试退避基数，第 n 次重试等 n 倍
	retryBaseDelay = 500 * time.Millisecond
)

// ProxyHandler Claude 协议入口。负责模型映射、协议转换、
// 上游转发和流式翻译。
type ProxyHandler struct {
	cfg    *Config
	prov   provider.Provider
	mapper *ModelMapper
	reqlog *RequestLogStore
	logger *logrus.Logger
}

// NewProxyHandler 创建代理处理器
func NewProxyHandler(cfg *Config, prov provider.Provider, reqlog *RequestLogStore, logger *logrus.Logger) *ProxyHandler {
	return &ProxyHandler{
		cfg:    cfg,
		prov:   prov,
		mapper: NewModelMapper(cfg),
		reqlog: reqlog,
		logger: logger,
	}
}

// HandleMessages POST /v1/messages
func (h *ProxyHandler) HandleMessages(c *gin.Context) {
	var cReq models.ClaudeRequest
	if err := c.ShouldBindJSON(&cReq); err != nil {
		c.JSON(http.StatusBadRequest, models.NewClaudeError("invalid_request_error", "Invalid request body: "+err.Error()))
		return
	}

	requestID := uuid.NewString()
	limits := h.cfg.Request()

	h.logger.Infof("📥 Claude request: ID=%s | Model=%s | Stream=%v | Messages=%d",
		requestID, cReq.Model, cReq.Stream, len(cReq.Messages))

	// 会话历史超限时掐头，保留最近的消息
	if len(cReq.Messages) > limits.MaxMessagesLimit {
		original := len(cReq.Messages)
		cReq.Messages = cReq.Messages[original-limits.MaxMessagesLimit:]
		h.logger.Warnf("📜 Context truncated: %d messages → %d messages (removed %d oldest)",
			original, len(cReq.Messages), original-len(cReq.Messages))
	}

	mappedModel := h.mapper.Map(cReq.Model)
	h.logger.Debugf("Model mapping: %s → %s", cReq.Model, mappedModel)
	oReq := mapper.ClaudeRequestToOpenAI(&cReq, mappedModel, limits.MinTokensLimit, limits.MaxTokensLimit)

	start := time.Now()
	if cReq.Stream {
		h.streamMessages(c, &cReq, &oReq, requestID, mappedModel, start)
	} else {
		h.completeMessages(c, &cReq, &oReq, requestID, mappedModel, start)
	}
}

// completeMessages 一元路径。可重试的失败按 max_retries 退避重试。
func (h *ProxyHandler) completeMessages(c *gin.Context, cReq *models.ClaudeRequest, oReq *models.ChatCompletionRequest, requestID, mappedModel string, start time.Time) {
	limits := h.cfg.Request()
	ctx := c.Request.Context()

	oResp, err := h.prov.Complete(ctx, oReq, requestID)
	for attempt := 1; err != nil && attempt <= limits.MaxRetries && provider.Retryable(err) && ctx.Err() == nil; attempt++ {
		delay := retryBaseDelay * time.Duration(attempt)
		h.logger.Warnf("⚠️ Attempt %d/%d failed, retrying in %v: %v", attempt, limits.MaxRetries+1, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		oResp, err = h.prov.Complete(ctx, oReq, requestID)
	}

	if err != nil {
		h.logger.Errorf("Provider API error: %v", err)
		h.record(requestID, cReq, mappedModel, http.StatusInternalServerError, start, 0, 0, err.Error())
		c.JSON(http.StatusInternalServerError, models.NewClaudeError("api_error", err.Error()))
		return
	}

	claudeResp := mapper.OpenAIResponseToClaude(oResp, cReq.Model)
	h.logger.Infof("✅ Success: ID=%s | Model=%s | Tokens=%d+%d",
		requestID, mappedModel, claudeResp.Usage.InputTokens, claudeResp.Usage.OutputTokens)
	h.record(requestID, cReq, mappedModel, http.StatusOK, start,
		claudeResp.Usage.InputTokens, claudeResp.Usage.OutputTokens, "")
	c.JSON(http.StatusOK, claudeResp)
}

// streamMessages 流式路径。上游 chunk 翻译成 Claude SSE 帧边到边写，
// 客户端断开时取消上游请求。流式请求从不重试。
func (h *ProxyHandler) streamMessages(c *gin.Context, cReq *models.ClaudeRequest, oReq *models.ChatCompletionRequest, requestID, mappedModel string, start time.Time) {
	ctx := c.Request.Context()

	items, err := h.prov.Stream(ctx, oReq, requestID)
	if err != nil {
		h.logger.Errorf("Provider streaming error: %v", err)
		h.record(requestID, cReq, mappedModel, http.StatusInternalServerError, start, 0, 0, err.Error())
		c.JSON(http.StatusInternalServerError, models.NewClaudeError("api_error", err.Error()))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.Flush()

	st := mapper.NewStreamTranslator(cReq.Model, h.logger)
	writeFrames := func(frames [][]byte) {
		if len(frames) == 0 {
			return
		}
		for _, frame := range frames {
			c.Writer.Write(frame)
		}
		c.Writer.Flush()
	}

	writeFrames(st.Prelude())

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	streamErr := ""
	done := false
	for !done {
		select {
		case item, ok := <-items:
			if !ok {
				done = true
				break
			}
			keepAlive.Reset(keepAliveInterval)
			if item.Err != nil {
				streamErr = item.Err.Error()
				h.logger.Errorf("Stream error: ID=%s | %s", requestID, streamErr)
				c.Writer.Write(st.ErrorFrame(streamErr))
				c.Writer.Flush()
				done = true
				break
			}
			frames, finished := st.HandleLine(item.Line)
			writeFrames(frames)
			if finished {
				done = true
			}
		case <-keepAlive.C:
			c.Writer.WriteString(": keep-alive\n\n")
			c.Writer.Flush()
		case <-ctx.Done():
			// 客户端断开，取消上游并照常收尾
			h.prov.Cancel(requestID)
			h.logger.Infof("🔌 Client disconnected: ID=%s", requestID)
			done = true
		}
	}

	writeFrames(st.Postlude())

	usage := st.Usage()
	h.record(requestID, cReq, mappedModel, http.StatusOK, start,
		usage.InputTokens, usage.OutputTokens, streamErr)
}

// record 把请求结果丢进异步日志队列
func (h *ProxyHandler) record(requestID string, cReq *models.ClaudeRequest, mappedModel string, status int, start time.Time, inputTokens, outputTokens int, errMsg string) {
	h.reqlog.Log(&models.RequestLog{
		RequestID:    requestID,
		ClientModel:  cReq.Model,
		MappedModel:  mappedModel,
		Provider:     h.prov.Name(),
		Stream:       cReq.Stream,
		StatusCode:   status,
		DurationMs:   time.Since(start).Seconds() * 1000,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Error:        errMsg,
	})
}

// HandleCountTokens POST /v1/messages/count_tokens
func (h *ProxyHandler) HandleCountTokens(c *gin.Context) {
	var req models.ClaudeTokenCountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewClaudeError("invalid_request_error", "Invalid request body: "+err.Error()))
		return
	}

	h.logger.Debugf("Token counting for model: %s", req.Model)
	c.JSON(http.StatusOK, models.ClaudeTokenCountResponse{InputTokens: CountRequestTokens(&req)})
}

// HandleRoot GET /
func (h *ProxyHandler) HandleRoot(c *gin.Context) {
	m := h.cfg.Models()
	r := h.cfg.Request()

	configEcho := gin.H{
		"provider":                  h.prov.Name(),
		"api_key_configured":        h.apiKeyConfigured(),
		"client_api_key_validation": h.cfg.AnthropicAPIKey != "",
		"big_model":                 m.BigModel,
		"middle_model":              m.MiddleModel,
		"small_model":               m.SmallModel,
		"max_tokens_limit":          r.MaxTokensLimit,
		"min_tokens_limit":          r.MinTokensLimit,
		"max_messages_limit":        r.MaxMessagesLimit,
		"max_context_tokens":        r.MaxContextTokens,
		"target_context_tokens":     r.TargetContextTokens,
	}
	switch h.cfg.Provider {
	case provider.NameVertexAI:
		configEcho["vertexai_project_id"] = h.cfg.VertexAI.ProjectID
		configEcho["vertexai_location"] = h.cfg.VertexAI.Location
	case provider.NameOpenRouter:
		configEcho["openai_base_url"] = h.cfg.OpenRouter.BaseURL
	default:
		configEcho["openai_base_url"] = h.cfg.OpenAI.BaseURL
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Claude-to-OpenAI API Proxy v" + Version,
		"version": Version,
		"status":  "running",
		"config":  configEcho,
		"endpoints": gin.H{
			"messages":        "/v1/messages",
			"count_tokens":    "/v1/messages/count_tokens",
			"health":          "/health",
			"test_connection": "/test-connection",
		},
	})
}

// HandleHealth GET /health
func (h *ProxyHandler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, models.HealthResponse{
		Status:                 "healthy",
		Timestamp:              time.Now().UTC().Format(time.RFC3339),
		OpenAIAPIConfigured:    h.apiKeyConfigured(),
		APIKeyValid:            h.cfg.ValidateAPIKey(),
		ClientAPIKeyValidation: h.cfg.AnthropicAPIKey != "",
	})
}

// HandleTestConnection GET /test-connection 往上游发一条最小请求探活
func (h *ProxyHandler) HandleTestConnection(c *gin.Context) {
	small := h.cfg.Models().SmallModel
	testReq := &models.ChatCompletionRequest{
		Model:       small,
		Messages:    []models.ChatMessage{{Role: "user", Content: "Hello"}},
		MaxTokens:   5,
		Temperature: 1.0,
	}

	resp, err := h.prov.Complete(c.Request.Context(), testReq, "")
	timestamp := time.Now().UTC().Format(time.RFC3339)
	if err != nil {
		kind := provider.KindOf(err)
		h.logger.Errorf("API connectivity test failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":      "failed",
			"error_type":  kind.String(),
			"message":     err.Error(),
			"provider":    h.prov.Name(),
			"timestamp":   timestamp,
			"suggestions": connectionSuggestions(kind),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"message":     fmt.Sprintf("Successfully connected to %s API", h.prov.Name()),
		"provider":    h.prov.Name(),
		"model_used":  small,
		"timestamp":   timestamp,
		"response_id": resp.ID,
	})
}

// apiKeyConfigured 当前提供商是否配置了上游凭证
func (h *ProxyHandler) apiKeyConfigured() bool {
	switch h.cfg.Provider {
	case provider.NameOpenRouter:
		return h.cfg.OpenRouter.APIKey != ""
	case provider.NameVertexAI:
		return h.cfg.VertexAI.AccessToken != ""
	default:
		return h.cfg.OpenAI.APIKey != ""
	}
}

// connectionSuggestions 按错误类别给出排查建议
func connectionSuggestions(kind provider.ErrorKind) []string {
	switch kind {
	case provider.KindAuth:
		return []string{
			"Check your API key is valid",
			"Verify your API key has the necessary permissions",
			"Make sure the key matches the configured provider",
		}
	case provider.KindRateLimit:
		return []string{
			"Wait a moment and try again",
			"Check if you have reached rate limits",
			"Consider upgrading your API plan",
		}
	case provider.KindBadRequest:
		return []string{
			"Check your model configuration",
			"Verify the configured models exist on this backend",
		}
	default:
		return []string{
			"Check your API key is valid",
			"Verify your API key has the necessary permissions",
			"Check if you have reached rate limits",
		}
	}
}
