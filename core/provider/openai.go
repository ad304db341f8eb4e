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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIOptions OpenAI / Azure OpenAI 连接配置。
// 设置 AzureAPIVersion 即切换为 Azure 的 deployments 路径和 api-key 认证。
type OpenAIOptions struct {
	APIKey          string
	BaseURL         string
	AzureAPIVersion string
	Timeout         TimeoutFunc
}

// OpenAIProvider 标准 OpenAI 与 Azure OpenAI 出口
type OpenAIProvider struct {
	client     *http.Client
	log        *logrus.Logger
	apiKey     string
	baseURL    string
	apiVersion string
	timeout    TimeoutFunc
	inflight   *cancelRegistry
}

func NewOpenAIProvider(opts OpenAIOptions, log *logrus.Logger) *OpenAIProvider {
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIProvider{
		client:     NewHTTPClient(),
		log:        log,
		apiKey:     opts.APIKey,
		baseURL:    baseURL,
		apiVersion: opts.AzureAPIVersion,
		timeout:    resolveTimeout(opts.Timeout),
		inflight:   newCancelRegistry(),
	}
}

func (p *OpenAIProvider) Name() string {
	if p.apiVersion != "" {
		return "Azure OpenAI"
	}
	return "OpenAI"
}

func (p *OpenAIProvider) Cancel(requestID string) bool {
	return p.inflight.cancel(requestID)
}

// endpoint Azure 模式走 deployments 路径，模型名即部署名
func (p *OpenAIProvider) endpoint(model string) string {
	if p.apiVersion != "" {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			p.baseURL, model, p.apiVersion)
	}
	return p.baseURL + "/chat/completions"
}

func (p *OpenAIProvider) send(ctx context.Context, req *models.ChatCompletionRequest) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(req.Model), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	if p.apiVersion != "" {
		httpReq.Header.Set("api-key", p.apiKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	p.log.Debugf("%s request: Model=%s | Messages=%d | Stream=%v",
		p.Name(), req.Model, len(req.Messages), req.Stream)

	return p.client.Do(httpReq)
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *models.ChatCompletionRequest, requestID string) (*models.ChatCompletionResponse, error) {
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
		return nil, classifyOpenAIError(resp.StatusCode, readBody(resp))
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
	return &completion, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req *models.ChatCompletionRequest, requestID string) (<-chan StreamItem, error) {
	streamReq := *req
	streamReq.Stream = true
	if streamReq.StreamOptions == nil {
		// 要求上游在末尾补发 usage 块
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
		apiErr := classifyOpenAIError(resp.StatusCode, readBody(resp))
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

// classifyOpenAIError 按状态码分类，并把常见错误体翻译成可读提示
func classifyOpenAIError(status int, body string) *Error {
	message := classifyOpenAIMessage(body)
	switch status {
	case http.StatusUnauthorized:
		return &Error{Kind: KindAuth, Status: status, Message: message}
	case http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, Status: status, Message: message}
	case http.StatusBadRequest:
		return &Error{Kind: KindBadRequest, Status: status, Message: message}
	default:
		return &Error{Kind: KindAPIError, Status: status, Message: message}
	}
}

func classifyOpenAIMessage(body string) string {
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "unsupported_country_region_territory") ||
		strings.Contains(lower, "country, region, or territory not supported"):
		return "OpenAI API is not available in your region. Consider using a VPN or Azure OpenAI service."
	case strings.Contains(lower, "invalid_api_key") || strings.Contains(lower, "unauthorized"):
		return "Invalid API key. Please check your OPENAI_API_KEY configuration."
	case strings.Contains(lower, "rate_limit") || strings.Contains(lower, "quota"):
		return "Rate limit exceeded. Please wait and try again, or upgrade your API plan."
	case strings.Contains(lower, "model") &&
		(strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist")):
		return "Model not found. Please check your model configuration."
	case strings.Contains(lower, "billing") || strings.Contains(lower, "payment"):
		return "Billing issue. Please check your OpenAI account billing status."
	}
	return body
}
