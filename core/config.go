package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/coleleavitt/claude-code-proxy/core/provider"
)

// 配置缺省值
const (
	DefaultHost     = "0.0.0.0"
	DefaultPort     = 8082
	DefaultLogLevel = "info"

	defaultMaxTokensLimit      = 4096
	defaultMinTokensLimit      = 100
	defaultMaxMessagesLimit    = 30
	defaultRequestTimeout      = 90
	defaultMaxRetries          = 2
	defaultMaxContextTokens    = 128000
	defaultTargetContextTokens = 64000
)

// OpenAISection [openai] 配置段，azure_api_version 非空时走 Azure 模式
type OpenAISection struct {
	APIKey          string `toml:"api_key"`
	BaseURL         string `toml:"base_url"`
	AzureAPIVersion string `toml:"azure_api_version"`
}

// OpenRouterSection [openrouter] 配置段
type OpenRouterSection struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	SiteURL string `toml:"site_url"`
	AppName string `toml:"app_name"`
}

// VertexAISection [vertexai] 配置段
type VertexAISection struct {
	ProjectID   string `toml:"project_id"`
	Location    string `toml:"location"`
	AccessToken string `toml:"access_token"`
}

// ModelsSection [models] 配置段，Claude 模型族到后端模型的映射表
type ModelsSection struct {
	BigModel    string `toml:"big_model"`
	MiddleModel string `toml:"middle_model"`
	SmallModel  string `toml:"small_model"`
}

// ServerSection [server] 配置段
type ServerSection struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	LogLevel     string `toml:"log_level"`
	LogFile      string `toml:"log_file"`
	RequestLogDB string `toml:"request_log_db"`
}

// RequestSection [request] 配置段的运行时视图
type RequestSection struct {
	MaxTokensLimit      int
	MinTokensLimit      int
	MaxMessagesLimit    int
	RequestTimeout      int
	MaxRetries          int
	MaxContextTokens    int
	TargetContextTokens int
}

// Timeout 单次上游请求的超时时长
func (r RequestSection) Timeout() time.Duration {
	return time.Duration(r.RequestTimeout) * time.Second
}

// requestFile [request] 的文件形态。指针用来区分"没写"和"显式写 0"：
// max_retries = 0 是合法配置，表示从不重试。
type requestFile struct {
	MaxTokensLimit      *int `toml:"max_tokens_limit"`
	MinTokensLimit      *int `toml:"min_tokens_limit"`
	MaxMessagesLimit    *int `toml:"max_messages_limit"`
	RequestTimeout      *int `toml:"request_timeout"`
	MaxRetries          *int `toml:"max_retries"`
	MaxContextTokens    *int `toml:"max_context_tokens"`
	TargetContextTokens *int `toml:"target_context_tokens"`
}

func (f requestFile) resolve() RequestSection {
	return RequestSection{
		MaxTokensLimit:      intOr(f.MaxTokensLimit, defaultMaxTokensLimit),
		MinTokensLimit:      intOr(f.MinTokensLimit, defaultMinTokensLimit),
		MaxMessagesLimit:    intOr(f.MaxMessagesLimit, defaultMaxMessagesLimit),
		RequestTimeout:      intOr(f.RequestTimeout, defaultRequestTimeout),
		MaxRetries:          intOr(f.MaxRetries, defaultMaxRetries),
		MaxContextTokens:    intOr(f.MaxContextTokens, defaultMaxContextTokens),
		TargetContextTokens: intOr(f.TargetContextTokens, defaultTargetContextTokens),
	}
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

// fileConfig TOML 文档结构
type fileConfig struct {
	Provider        string            `toml:"provider"`
	AnthropicAPIKey string            `toml:"anthropic_api_key"`
	OpenAI          OpenAISection     `toml:"openai"`
	OpenRouter      OpenRouterSection `toml:"openrouter"`
	VertexAI        VertexAISection   `toml:"vertexai"`
	Models          ModelsSection     `toml:"models"`
	Server          ServerSection     `toml:"server"`
	Request         requestFile       `toml:"request"`
}

// Config 应用配置。启动时整体校验，[models] 与 [request] 支持
// 热更新 (线程安全)，其余字段改动需要重启。
type Config struct {
	Path string

	Provider        string
	AnthropicAPIKey string

	OpenAI     OpenAISection
	OpenRouter OpenRouterSection
	VertexAI   VertexAISection

	Server ServerSection

	mutex   sync.RWMutex
	models  ModelsSection
	request RequestSection
}

// ConfigPathFromEnv CONFIG_PATH 环境变量指定配置文件，缺省 config.toml
func ConfigPathFromEnv() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return "config.toml"
}

// LoadConfig 从 TOML 文件加载并校验配置
func LoadConfig(path string) (*Config, error) {
	cfg, err := parseConfigFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFromEnv 按 CONFIG_PATH 加载配置
func LoadConfigFromEnv() (*Config, error) {
	return LoadConfig(ConfigPathFromEnv())
}

func parseConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse TOML configuration: %w", err)
	}

	// 规范化 provider 别名；非法名称留给 validate 报错
	if canonical, ok := provider.ParseProviderName(fc.Provider); ok {
		fc.Provider = canonical
	}

	if fc.OpenAI.BaseURL == "" {
		fc.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if fc.OpenRouter.BaseURL == "" {
		fc.OpenRouter.BaseURL = "https://openrouter.ai/api/v1"
	}
	if fc.Server.Host == "" {
		fc.Server.Host = DefaultHost
	}
	if fc.Server.Port == 0 {
		fc.Server.Port = DefaultPort
	}
	if fc.Server.LogLevel == "" {
		fc.Server.LogLevel = DefaultLogLevel
	}

	return &Config{
		Path:            path,
		Provider:        fc.Provider,
		AnthropicAPIKey: fc.AnthropicAPIKey,
		OpenAI:          fc.OpenAI,
		OpenRouter:      fc.OpenRouter,
		VertexAI:        fc.VertexAI,
		Server:          fc.Server,
		models:          fc.Models,
		request:         fc.Request.resolve(),
	}, nil
}

func (c *Config) validate() error {
	if _, ok := provider.ParseProviderName(c.Provider); !ok {
		return fmt.Errorf("invalid provider %q, must be one of: openai, openrouter, vertexai", c.Provider)
	}

	switch c.Provider {
	case provider.NameOpenAI:
		if c.OpenAI.APIKey == "" {
			return errors.New("[openai] api_key is required for provider openai")
		}
		if c.OpenAI.AzureAPIVersion == "" && !strings.HasPrefix(c.OpenAI.APIKey, "sk-") {
			return errors.New(`[openai] api_key must start with "sk-" (set azure_api_version when using Azure keys)`)
		}
	case provider.NameOpenRouter:
		if c.OpenRouter.APIKey == "" {
			return errors.New("[openrouter] api_key is required for provider openrouter")
		}
	case provider.NameVertexAI:
		if c.VertexAI.ProjectID == "" || c.VertexAI.Location == "" || c.VertexAI.AccessToken == "" {
			return errors.New("[vertexai] project_id, location and access_token are all required")
		}
	}

	if c.models.BigModel == "" || c.models.MiddleModel == "" || c.models.SmallModel == "" {
		return errors.New("[models] big_model, middle_model and small_model are all required")
	}

	r := c.request
	if r.MaxTokensLimit <= 0 || r.MinTokensLimit <= 0 || r.MaxMessagesLimit <= 0 ||
		r.RequestTimeout <= 0 || r.MaxContextTokens <= 0 || r.TargetContextTokens <= 0 {
		return errors.New("[request] limits must be positive")
	}
	if r.MaxRetries < 0 {
		return errors.New("[request] max_retries must not be negative")
	}
	if r.MinTokensLimit > r.MaxTokensLimit {
		return fmt.Errorf("[request] min_tokens_limit %d exceeds max_tokens_limit %d", r.MinTokensLimit, r.MaxTokensLimit)
	}
	if r.TargetContextTokens > r.MaxContextTokens {
		return fmt.Errorf("[request] target_context_tokens %d exceeds max_context_tokens %d", r.TargetContextTokens, r.MaxContextTokens)
	}
	return nil
}

// Models 返回当前生效的模型映射表 (线程安全)
func (c *Config) Models() ModelsSection {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.models
}

// Request 返回当前生效的请求限额 (线程安全)
func (c *Config) Request() RequestSection {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.request
}

// Reload 重新读取配置文件，热更新 [models] 与 [request] 两段。
// 其余字段的改动不会生效，restartNeeded 提示调用方存在这类改动。
// 解析或校验失败时保持旧配置不变。
func (c *Config) Reload() (restartNeeded bool, err error) {
	fresh, err := parseConfigFile(c.Path)
	if err != nil {
		return false, err
	}
	if err := fresh.validate(); err != nil {
		return false, err
	}

	restartNeeded = fresh.Provider != c.Provider ||
		fresh.AnthropicAPIKey != c.AnthropicAPIKey ||
		fresh.OpenAI != c.OpenAI ||
		fresh.OpenRouter != c.OpenRouter ||
		fresh.VertexAI != c.VertexAI ||
		fresh.Server != c.Server

	c.mutex.Lock()
	c.models = fresh.models
	c.request = fresh.request
	c.mutex.Unlock()

	return restartNeeded, nil
}

// ValidateAPIKey 校验上游凭证形态是否可用
func (c *Config) ValidateAPIKey() bool {
	switch c.Provider {
	case provider.NameOpenAI:
		if c.OpenAI.AzureAPIVersion != "" {
			return c.OpenAI.APIKey != ""
		}
		return strings.HasPrefix(c.OpenAI.APIKey, "sk-")
	case provider.NameOpenRouter:
		return c.OpenRouter.APIKey != ""
	case provider.NameVertexAI:
		return c.VertexAI.ProjectID != "" && c.VertexAI.AccessToken != ""
	}
	return false
}

// ValidateClientKey 校验客户端携带的 key；未配置 anthropic_api_key 时全部放行
func (c *Config) ValidateClientKey(clientKey string) bool {
	if c.AnthropicAPIKey == "" {
		return true
	}
	return clientKey == c.AnthropicAPIKey
}
