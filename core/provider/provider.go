package provider

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coleleavitt/claude-code-proxy/models"
)

// Provider 上游 LLM 服务的统一出口，所有实现必须并发安全。
// requestID 用于取消追踪，传空字符串表示不登记。
type Provider interface {
	// Complete 发送非流式 chat completion 请求
	Complete(ctx context.Context, req *models.ChatCompletionRequest, requestID string) (*models.ChatCompletionResponse, error)
	// Stream 发送流式请求并返回逐行 SSE channel。
	// 建连失败直接返回 error；传输中途失败通过 StreamItem.Err 送出。
	// channel 由生产者关闭。
	Stream(ctx context.Context, req *models.ChatCompletionRequest, requestID string) (<-chan StreamItem, error)
	// Cancel 取消在途请求，找到并取消返回 true
	Cancel(requestID string) bool
	// Name 供日志与诊断接口展示
	Name() string
}

// StreamItem 流式响应中的一行。Err 非空表示流中途失败，之后 channel 随即关闭。
type StreamItem struct {
	Line string
	Err  error
}

// 规范化的 provider 配置名
const (
	NameOpenAI     = "openai"
	NameOpenRouter = "openrouter"
	NameVertexAI   = "vertexai"
)

// ParseProviderName 归一化 provider 配置值，接受常见别名写法
func ParseProviderName(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return NameOpenAI, true
	case "openrouter":
		return NameOpenRouter, true
	case "vertexai", "vertex-ai", "vertex_ai":
		return NameVertexAI, true
	}
	return "", false
}

// ErrorKind 上游错误分类
type ErrorKind int

const (
	KindAuth ErrorKind = iota
	KindRateLimit
	KindBadRequest
	KindAPIError
	KindCancelled
	KindUnexpected
)

// String 返回面向客户端的 error_type 标识
func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "authentication_error"
	case KindRateLimit:
		return "rate_limit_error"
	case KindBadRequest:
		return "invalid_request_error"
	case KindAPIError:
		return "api_error"
	case KindCancelled:
		return "request_cancelled"
	default:
		return "unexpected_error"
	}
}

// Error 带分类的上游错误。Error() 文本直接回传给客户端，
// Message 已经过 classify 翻译（或保留上游原文）。
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindAuth:
		return "Authentication failed: " + e.Message
	case KindRateLimit:
		return "Rate limit exceeded: " + e.Message
	case KindBadRequest:
		return "Bad request: " + e.Message
	case KindAPIError:
		return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
	case KindCancelled:
		return "Request cancelled by client"
	default:
		return "Unexpected error: " + e.Message
	}
}

// KindOf 提取错误分类，非 *Error 一律视为 unexpected
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnexpected
}

// Retryable 判断错误是否值得重试。只有上游 5xx 和传输层错误可重试，
// 认证、限流、参数类错误重试只会得到同样的结果。
func Retryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Kind {
	case KindAPIError:
		return pe.Status >= 500
	case KindUnexpected:
		return true
	default:
		return false
	}
}

// wrapTransportErr 区分客户端主动取消与其它传输错误
func wrapTransportErr(ctx context.Context, err error) *Error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return &Error{Kind: KindCancelled}
	}
	return &Error{Kind: KindUnexpected, Message: err.Error()}
}

const userAgent = "claude-code-proxy/1.0"

const defaultUpstreamTimeout = 90 * time.Second

// TimeoutFunc 在每次请求发出前取当前的上游超时，让 [request] 段
// 热更新后的 request_timeout 对后续请求立即生效
type TimeoutFunc func() time.Duration

// StaticTimeout 固定超时
func StaticTimeout(d time.Duration) TimeoutFunc {
	return func() time.Duration { return d }
}

// resolveTimeout 包一层兜底：nil 或非正值回落到缺省 90 秒
func resolveTimeout(fn TimeoutFunc) TimeoutFunc {
	return func() time.Duration {
		if fn != nil {
			if d := fn(); d > 0 {
				return d
			}
		}
		return defaultUpstreamTimeout
	}
}

// NewHTTPClient 构造面向上游的高性能 HTTP Client。
// 全局超时禁用，由每个请求的 Context 控制生命周期。
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 60 * time.Second, // 保持 TCP 连接活跃
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          1000,
			MaxIdleConnsPerHost:   100, // 每个 Host 的最大空闲连接数
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 120 * time.Second, // 等待首字节超时
		},
	}
}

// cancelRegistry 按 requestID 登记在途请求的 CancelFunc
type cancelRegistry struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{m: make(map[string]context.CancelFunc)}
}

func (r *cancelRegistry) add(id string, cancel context.CancelFunc) {
	if id == "" {
		return
	}
	r.mu.Lock()
	r.m[id] = cancel
	r.mu.Unlock()
}

func (r *cancelRegistry) remove(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	delete(r.m, id)
	r.mu.Unlock()
}

func (r *cancelRegistry) cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.m[id]
	if ok {
		delete(r.m, id)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

const streamChanBuffer = 100

// scanStream 逐行读取 SSE 响应体并送入 channel。
// finish 在生产者退出时执行，用于注销在途请求并释放 context。
func scanStream(ctx context.Context, body io.ReadCloser, finish func()) <-chan StreamItem {
	items := make(chan StreamItem, streamChanBuffer)
	go func() {
		defer close(items)
		defer finish()
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSuffix(scanner.Text(), "\r")
			select {
			case items <- StreamItem{Line: line}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case items <- StreamItem{Err: wrapTransportErr(ctx, err)}:
			case <-ctx.Done():
			}
		}
	}()
	return items
}

// readBody 读取错误响应体并关闭。读失败时退回占位文本。
func readBody(resp *http.Response) string {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return "Unknown error"
	}
	return string(body)
}
