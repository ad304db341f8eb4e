package core

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coleleavitt/claude-code-proxy/core/provider"
	"github.com/coleleavitt/claude-code-proxy/models"
)

// stubProvider 可编程的假上游，记录收到的请求供断言
type stubProvider struct {
	mu         sync.Mutex
	completes  int
	lastReq    *models.ChatCompletionRequest
	completeFn func(calls int, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error)
	streamFn   func(req *models.ChatCompletionRequest) ([]provider.StreamItem, error)
	cancelled  []string
}

func (s *stubProvider) Complete(_ context.Context, req *models.ChatCompletionRequest, _ string) (*models.ChatCompletionResponse, error) {
	s.mu.Lock()
	s.completes++
	calls := s.completes
	s.lastReq = req
	s.mu.Unlock()
	return s.completeFn(calls, req)
}

func (s *stubProvider) Stream(_ context.Context, req *models.ChatCompletionRequest, _ string) (<-chan provider.StreamItem, error) {
	s.mu.Lock()
	s.lastReq = req
	s.mu.Unlock()

	items, err := s.streamFn(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan provider.StreamItem, len(items))
	for _, item := range items {
		ch <- item
	}
	close(ch)
	return ch, nil
}

func (s *stubProvider) Cancel(requestID string) bool {
	s.mu.Lock()
	s.cancelled = append(s.cancelled, requestID)
	s.mu.Unlock()
	return true
}

func (s *stubProvider) Name() string { return "OpenAI" }

func (s *stubProvider) completeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completes
}

func (s *stubProvider) captured() *models.ChatCompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReq
}

func okCompletion(content string) *models.ChatCompletionResponse {
	return &models.ChatCompletionResponse{
		ID:    "chatcmpl-test",
		Model: "gpt-4o",
		Choices: []models.ChatCompletionChoice{{
			Index:        0,
			Message:      models.ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: &models.ChatCompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func newHandlerEnv(t *testing.T, configTOML string) (*stubProvider, *gin.Engine) {
	t.Helper()

	cfg, err := LoadConfig(writeConfig(t, configTOML))
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)

	sp := &stubProvider{}
	h := NewProxyHandler(cfg, sp, nil, log)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", h.HandleRoot)
	r.GET("/health", h.HandleHealth)
	r.GET("/test-connection", h.HandleTestConnection)
	r.POST("/v1/messages", h.HandleMessages)
	r.POST("/v1/messages/count_tokens", h.HandleCountTokens)
	return sp, r
}

func performJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			panic(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleMessagesUnary(t *testing.T) {
	sp, r := newHandlerEnv(t, baseConfigTOML)
	sp.completeFn = func(_ int, _ *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
		return okCompletion("Hello there"), nil
	}

	// 1. 发送 Claude 协议请求
	w := performJSON(r, http.MethodPost, "/v1/messages", map[string]interface{}{
		"model":      "claude-3-5-sonnet-20241022",
		"max_tokens": 1024,
		"messages": []map[string]interface{}{
			{"role": "user", "content": "Hi"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	// 2. 上游收到的是映射后的 OpenAI 请求
	captured := sp.captured()
	require.NotNil(t, captured)
	assert.Equal(t, "gpt-4o", captured.Model)

	// 3. 响应翻译回 Claude 格式，model 回显客户端原始名字
	var resp models.ClaudeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "message", resp.Type)
	assert.Equal(t, "assistant", resp.Role)
	assert.Equal(t, "claude-3-5-sonnet-20241022", resp.Model)
	assert.Equal(t, models.StopEndTurn, resp.StopReason)
	require.Len(t, resp.Content, 1)
	require.NotNil(t, resp.Content[0].Text)
	assert.Equal(t, "Hello there", *resp.Content[0].Text)
	assert.Equal(t, 10, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)
}

func TestHandleMessagesInvalidBody(t *testing.T) {
	_, r := newHandlerEnv(t, baseConfigTOML)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request_error")
}

func TestHandleMessagesModelMapping(t *testing.T) {
	sp, r := newHandlerEnv(t, baseConfigTOML)
	sp.completeFn = func(_ int, _ *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
		return okCompletion("ok"), nil
	}

	w := performJSON(r, http.MethodPost, "/v1/messages", map[string]interface{}{
		"model":      "claude-3-5-haiku-20241022",
		"max_tokens": 100,
		"messages":   []map[string]interface{}{{"role": "user", "content": "Hi"}},
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gpt-4o-mini", sp.captured().Model)
}

func TestHandleMessagesTruncation(t *testing.T) {
	sp, r := newHandlerEnv(t, baseConfigTOML+`
[request]
max_messages_limit = 2
`)
	sp.completeFn = func(_ int, _ *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
		return okCompletion("ok"), nil
	}

	w := performJSON(r, http.MethodPost, "/v1/messages", map[string]interface{}{
		"model":      "claude-3-opus",
		"max_tokens": 100,
		"messages": []map[string]interface{}{
			{"role": "user", "content": "m1"},
			{"role": "assistant", "content": "m2"},
			{"role": "user", "content": "m3"},
			{"role": "assistant", "content": "m4"},
			{"role": "user", "content": "m5"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	// 只保留最新的两条
	captured := sp.captured()
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "m4", captured.Messages[0].Content)
	assert.Equal(t, "m5", captured.Messages[1].Content)
}

func TestHandleMessagesRetrySucceeds(t *testing.T) {
	sp, r := newHandlerEnv(t, baseConfigTOML+`
[request]
max_retries = 2
`)
	sp.completeFn = func(calls int, _ *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
		if calls <= 2 {
			return nil, &provider.Error{Kind: provider.KindAPIError, Status: 503, Message: "upstream overloaded"}
		}
		return okCompletion("recovered"), nil
	}

	w := performJSON(r, http.MethodPost, "/v1/messages", map[string]interface{}{
		"model":      "claude-3-opus",
		"max_tokens": 100,
		"messages":   []map[string]interface{}{{"role": "user", "content": "Hi"}},
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, sp.completeCalls())
	assert.Contains(t, w.Body.String(), "recovered")
}

func TestHandleMessagesRetryExhausted(t *testing.T) {
	sp, r := newHandlerEnv(t, baseConfigTOML+`
[request]
max_retries = 1
`)
	sp.completeFn = func(_ int, _ *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
		return nil, &provider.Error{Kind: provider.KindAPIError, Status: 502, Message: "bad gateway"}
	}

	w := performJSON(r, http.MethodPost, "/v1/messages", map[string]interface{}{
		"model":      "claude-3-opus",
		"max_tokens": 100,
		"messages":   []map[string]interface{}{{"role": "user", "content": "Hi"}},
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 2, sp.completeCalls())
	assert.Contains(t, w.Body.String(), "api_error")
	assert.Contains(t, w.Body.String(), "bad gateway")
}

func TestHandleMessagesNoRetryOnAuthError(t *testing.T) {
	sp, r := newHandlerEnv(t, baseConfigTOML+`
[request]
max_retries = 2
`)
	sp.completeFn = func(_ int, _ *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
		return nil, &provider.Error{Kind: provider.KindAuth, Message: "invalid key"}
	}

	w := performJSON(r, http.MethodPost, "/v1/messages", map[string]interface{}{
		"model":      "claude-3-opus",
		"max_tokens": 100,
		"messages":   []map[string]interface{}{{"role": "user", "content": "Hi"}},
	})

	// 认证错误重试没有意义，只打一次
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1, sp.completeCalls())
	assert.Contains(t, w.Body.String(), "Authentication failed")
}

func TestHandleMessagesExplicitZeroRetries(t *testing.T) {
	sp, r := newHandlerEnv(t, baseConfigTOML+`
[request]
max_retries = 0
`)
	sp.completeFn = func(_ int, _ *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
		return nil, &provider.Error{Kind: provider.KindAPIError, Status: 500, Message: "boom"}
	}

	w := performJSON(r, http.MethodPost, "/v1/messages", map[string]interface{}{
		"model":      "claude-3-opus",
		"max_tokens": 100,
		"messages":   []map[string]interface{}{{"role": "user", "content": "Hi"}},
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1, sp.completeCalls())
}

func TestHandleMessagesStream(t *testing.T) {
	sp, r := newHandlerEnv(t, baseConfigTOML)
	sp.streamFn = func(_ *models.ChatCompletionRequest) ([]provider.StreamItem, error) {
		return []provider.StreamItem{
			{Line: `data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`},
			{Line: `data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12}}`},
			{Line: `data: [DONE]`},
		}, nil
	}

	w := performJSON(r, http.MethodPost, "/v1/messages", map[string]interface{}{
		"model":      "claude-3-5-sonnet-20241022",
		"max_tokens": 100,
		"stream":     true,
		"messages":   []map[string]interface{}{{"role": "user", "content": "Hi"}},
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	body := w.Body.String()
	// 开场三件套
	assert.Contains(t, body, "event: message_start")
	assert.Contains(t, body, `"model":"claude-3-5-sonnet-20241022"`)
	assert.Contains(t, body, "event: content_block_start")
	assert.Contains(t, body, "event: ping")
	// 增量文本
	assert.Contains(t, body, `"text":"Hel"`)
	assert.Contains(t, body, `"text":"lo"`)
	// 收尾带 stop_reason 和 usage
	assert.Contains(t, body, "event: message_delta")
	assert.Contains(t, body, `"stop_reason":"end_turn"`)
	assert.Contains(t, body, `"output_tokens":3`)
	assert.Contains(t, body, "event: message_stop")

	// 上游请求必须开启流式
	assert.True(t, sp.captured().Stream)
}

func TestHandleMessagesStreamSetupError(t *testing.T) {
	sp, r := newHandlerEnv(t, baseConfigTOML)
	sp.streamFn = func(_ *models.ChatCompletionRequest) ([]provider.StreamItem, error) {
		return nil, &provider.Error{Kind: provider.KindAuth, Message: "invalid key"}
	}

	w := performJSON(r, http.MethodPost, "/v1/messages", map[string]interface{}{
		"model":      "claude-3-opus",
		"max_tokens": 100,
		"stream":     true,
		"messages":   []map[string]interface{}{{"role": "user", "content": "Hi"}},
	})

	// 建连失败时还没写 SSE 头，走普通 JSON 错误
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "api_error")
	assert.Contains(t, w.Body.String(), "Authentication failed")
}

func TestHandleMessagesStreamMidError(t *testing.T) {
	sp, r := newHandlerEnv(t, baseConfigTOML)
	sp.streamFn = func(_ *models.ChatCompletionRequest) ([]provider.StreamItem, error) {
		return []provider.StreamItem{
			{Line: `data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"partial"}}]}`},
			{Err: &provider.Error{Kind: provider.KindAPIError, Status: 502, Message: "bad gateway"}},
		}, nil
	}

	w := performJSON(r, http.MethodPost, "/v1/messages", map[string]interface{}{
		"model":      "claude-3-opus",
		"max_tokens": 100,
		"stream":     true,
		"messages":   []map[string]interface{}{{"role": "user", "content": "Hi"}},
	})

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"text":"partial"`)
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, "bad gateway")
	// 出错后仍然正常收尾，客户端才能结束本条消息
	assert.Contains(t, body, "event: message_stop")
}

func TestHandleCountTokens(t *testing.T) {
	_, r := newHandlerEnv(t, baseConfigTOML)

	w := performJSON(r, http.MethodPost, "/v1/messages/count_tokens", map[string]interface{}{
		"model": "claude-3-5-haiku-20241022",
		"messages": []map[string]interface{}{
			{"role": "user", "content": "Hello, world!"},
		},
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.ClaudeTokenCountResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	// 13 个字符 / 4 = 3
	assert.Equal(t, 3, resp.InputTokens)
}

func TestHandleRoot(t *testing.T) {
	_, r := newHandlerEnv(t, baseConfigTOML)

	w := performJSON(r, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Claude-to-OpenAI API Proxy v1.0.0", resp["message"])
	assert.Equal(t, "running", resp["status"])

	config, ok := resp["config"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "openai", config["provider"])
	assert.Equal(t, "https://api.openai.com/v1", config["openai_base_url"])
	assert.Equal(t, true, config["api_key_configured"])
	assert.Equal(t, true, config["client_api_key_validation"])
	assert.Equal(t, "gpt-4o", config["big_model"])
	assert.Equal(t, "gpt-4o-mini", config["small_model"])
	assert.Equal(t, float64(defaultMaxTokensLimit), config["max_tokens_limit"])

	endpoints, ok := resp["endpoints"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "/v1/messages", endpoints["messages"])
	assert.Equal(t, "/v1/messages/count_tokens", endpoints["count_tokens"])
}

func TestHandleHealth(t *testing.T) {
	_, r := newHandlerEnv(t, baseConfigTOML)

	w := performJSON(r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
	assert.True(t, resp.OpenAIAPIConfigured)
	assert.True(t, resp.APIKeyValid)
	assert.True(t, resp.ClientAPIKeyValidation)
}

func TestHandleTestConnection(t *testing.T) {
	sp, r := newHandlerEnv(t, baseConfigTOML)
	sp.completeFn = func(_ int, _ *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
		return okCompletion("Hi"), nil
	}

	w := performJSON(r, http.MethodGet, "/test-connection", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, "Successfully connected to OpenAI API", resp["message"])
	assert.Equal(t, "gpt-4o-mini", resp["model_used"])
	assert.Equal(t, "chatcmpl-test", resp["response_id"])

	// 探活请求固定打小模型，消耗最少
	captured := sp.captured()
	assert.Equal(t, "gpt-4o-mini", captured.Model)
	assert.Equal(t, 5, captured.MaxTokens)
}

func TestHandleTestConnectionFailure(t *testing.T) {
	sp, r := newHandlerEnv(t, baseConfigTOML)
	sp.completeFn = func(_ int, _ *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
		return nil, &provider.Error{Kind: provider.KindAuth, Message: "Incorrect API key provided"}
	}

	w := performJSON(r, http.MethodGet, "/test-connection", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "failed", resp["status"])
	assert.Equal(t, "authentication_error", resp["error_type"])
	assert.Contains(t, resp["message"], "Authentication failed")

	suggestions, ok := resp["suggestions"].([]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, suggestions)
}
