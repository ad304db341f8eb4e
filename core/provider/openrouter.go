package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/coleleavitt/claude-code-proxy/models"
	"github.com/sirupsen/logrus"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterOptions OpenRouter 连接配置。
// SiteURL 和 AppName 对应 OpenRouter 的归因头，可选。
type OpenRouterOptions struct {
	APIKey  string
	BaseURL string
	SiteURL string
	AppName string
	Timeout TimeoutFunc
}

// OpenRouterProvider OpenRouter 聚合网关出口
type OpenRouterProvider struct {
	client   *http.Client
	log      *logrus.Logger
	apiKey   string
	baseURL  string
	siteURL  string
	appName  string
	timeout  TimeoutFunc
	inflight *cancelRegistry
}

func NewOpenRouterProvider(opts OpenRouterOptions, log *logrus.Logger) *OpenRouterProvider {
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}
	return &OpenRouterProvider{
		client:   NewHTTPClient(),
		log:      log,
		apiKey:   opts.APIKey,
		baseURL:  baseURL,
		siteURL:  opts.SiteURL,
		appName:  opts.AppName,
		timeout:  resolveTimeout(opts.Timeout),
		inflight: newCancelRegistry(),
	}
}

func (p *OpenRouterProvider) Name() string {
	return "OpenRouter"
}

func (p *OpenRouterProvider) Cancel(requestID string) bool {
	return p.inflight.cancel(requestID)
}

func (p *OpenRouterProvider) send(ctx context.Context, req *models.ChatCompletionRequest) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.siteURL != "" {
		httpReq.Header.Set("HTTP-Referer", p.siteURL)
	}
	if p.appName != "" {
		httpReq.Header.Set("X-Title", p.appName)
	}

	p.log.Infof("OpenRouter request: Model=%s | Messages=%d | MaxTokens=%d | Stream=%v",
		req.Model, len(req.Messages), req.MaxTokens, req.Stream)

	return p.client.Do(httpReq)
}

func (p *OpenRouterProvider) Complete(ctx context.Context, req *models.ChatCompletionRequest, requestID string) (*models.ChatCompletionResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout())
	p.inflight.add(requestID, cancel)
	defer func() {
		p.inflight.remove(requestID)
		cancel()
	}()

	resp, err := p.send(reqCtx, req)
	if err != nil {
		return nil, wrapTransportErr(reqCtx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyOpenRouterError(resp.StatusCode, readBody(resp))
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, wrapTransportErr(reqCtx, err)
	}

	var completion models.ChatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, &Error{Kind: KindUnexpected, Message: fmt.Sprintf("Failed to parse response: %v", err)}
	}

	if completion.Usage != nil {
		p.log.Infof("OpenRouter response: Model=%s | Tokens=%d+%d=%d",
			completion.Model, completion.Usage.PromptTokens,
			completion.Usage.CompletionTokens, completion.Usage.TotalTokens)
	}
	return &completion, nil
}

func (p *OpenRouterProvider) Stream(ctx context.Context, req *models.ChatCompletionRequest, requestID string) (<-chan StreamItem, error) {
	streamReq := *req
	streamReq.Stream = true
	if streamReq.StreamOptions == nil {
		streamReq.StreamOptions = &models.StreamOptions{IncludeUsage: true}
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout())
	p.inflight.add(requestID, cancel)

	resp, err := p.send(reqCtx, &streamReq)
	if err != nil {
		p.inflight.remove(requestID)
		cancel()
		return nil, wrapTransportErr(reqCtx, err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := classifyOpenRouterError(resp.StatusCode, readBody(resp))
		p.inflight.remove(requestID)
		cancel()
		return nil, apiErr
	}

	finish := func() {
		p.inflight.remove(requestID)
		cancel()
	}
	return scanStream(reqCtx, resp.Body, finish), nil
}

// classifyOpenRouterError 402 表示积分耗尽，单独给出固定提示
func classifyOpenRouterError(status int, body string) *Error {
	message := classifyOpenRouterMessage(body)
	switch status {
	case http.StatusUnauthorized:
		return &Error{Kind: KindAuth, Status: status, Message: message}
	case http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, Status: status, Message: message}
	case http.StatusBadRequest:
		return &Error{Kind: KindBadRequest, Status: status, Message: message}
	case http.StatusPaymentRequired:
		return &Error{Kind: KindBadRequest, Status: status,
			Message: "Insufficient credits. Please add credits to your OpenRouter account."}
	default:
		return &Error{Kind: KindAPIError, Status: status, Message: message}
	}
}

func classifyOpenRouterMessage(body string) string {
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "invalid") && strings.Contains(lower, "api"):
		return "Invalid API key. Please check your OPENROUTER_API_KEY configuration."
	case strings.Contains(lower, "rate_limit") || strings.Contains(lower, "quota"):
		return "Rate limit exceeded. Please wait and try again."
	case strings.Contains(lower, "insufficient") && strings.Contains(lower, "credits"):
		return "Insufficient credits. Please add credits to your OpenRouter account."
	case strings.Contains(lower, "model") &&
		(strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist")):
		return "Model not found. Please check your model configuration."
	}
	return body
}
