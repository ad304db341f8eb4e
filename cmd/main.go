package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/coleleavitt/claude-code-proxy/core"
	"github.com/coleleavitt/claude-code-proxy/core/provider"
	"github.com/coleleavitt/claude-code-proxy/models"
)

func main() {
	for _, arg := range os.Args[1:] {
		switch arg {
		case "--help", "-h":
			printHelp()
			return
		case "--version", "-v":
			fmt.Println("Claude-to-OpenAI API Proxy v" + core.Version)
			return
		}
	}

	// .env 存在就加载，不存在不算错
	_ = godotenv.Load()

	cfg, err := core.LoadConfigFromEnv()
	if err != nil {
		logrus.Fatalf("Configuration error: %v", err)
	}

	log := newLogger(cfg)
	// 🔇 关闭 Gin Debug 模式输出
	gin.SetMode(gin.ReleaseMode)

	if !cfg.ValidateAPIKey() {
		log.Fatal("Invalid API key format for the configured provider")
	}

	prov := buildProvider(cfg, log)

	reqlog, err := core.OpenRequestLogStore(cfg.Server.RequestLogDB, log)
	if err != nil {
		log.Fatalf("Failed to open request log store: %v", err)
	}

	watcher, err := core.WatchConfig(cfg, log)
	if err != nil {
		log.Warnf("⚠️ Config hot reload unavailable: %v", err)
		watcher = nil
	}

	proxyHandler := core.NewProxyHandler(cfg, prov, reqlog, log)

	engine := gin.New()
	engine.Use(gin.RecoveryWithWriter(log.Writer()))
	engine.Use(corsMiddleware())

	// 公开路由 - 无需鉴权，无访问日志
	engine.GET("/", proxyHandler.HandleRoot)
	engine.GET("/health", proxyHandler.HandleHealth)
	engine.GET("/test-connection", proxyHandler.HandleTestConnection)

	// 业务接口走鉴权和错误日志
	api := engine.Group("/v1")
	api.Use(requestLoggerMiddleware(log), clientAuthMiddleware(cfg))
	{
		api.POST("/messages", proxyHandler.HandleMessages)
		api.POST("/messages/count_tokens", proxyHandler.HandleCountTokens)
	}

	printStartupBanner(cfg, prov)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}

	go func() {
		log.Infof("🚀 Starting Claude proxy on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	if watcher != nil {
		watcher.Close()
	}
	reqlog.Close()
	log.Info("Server exited")
}

// newLogger 按配置构造日志器，设置了 log_file 就写轮转文件
func newLogger(cfg *core.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(parseLogLevel(cfg.Server.LogLevel))

	if cfg.Server.LogFile != "" {
		writer, err := core.NewRotatingWriter(cfg.Server.LogFile, core.DefaultLogMaxSizeMB)
		if err != nil {
			log.Warnf("⚠️ Cannot open log file %s, falling back to stderr: %v", cfg.Server.LogFile, err)
		} else {
			log.SetOutput(writer)
		}
	}
	return log
}

// parseLogLevel 归一化日志级别，兼容 warning/critical 的写法
func parseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error", "critical":
		return logrus.ErrorLevel
	default:
		logrus.Warnf("Unknown log level %q, using info", level)
		return logrus.InfoLevel
	}
}

// buildProvider 按配置实例化上游出口。provider 名字在配置校验阶段
// 已经确认合法。超时每次请求时从配置读取，热更新即时生效。
func buildProvider(cfg *core.Config, log *logrus.Logger) provider.Provider {
	timeout := provider.TimeoutFunc(func() time.Duration {
		return cfg.Request().Timeout()
	})
	switch cfg.Provider {
	case provider.NameOpenRouter:
		return provider.NewOpenRouterProvider(provider.OpenRouterOptions{
			APIKey:  cfg.OpenRouter.APIKey,
			BaseURL: cfg.OpenRouter.BaseURL,
			SiteURL: cfg.OpenRouter.SiteURL,
			AppName: cfg.OpenRouter.AppName,
			Timeout: timeout,
		}, log)
	case provider.NameVertexAI:
		return provider.NewVertexProvider(provider.VertexOptions{
			ProjectID:   cfg.VertexAI.ProjectID,
			Location:    cfg.VertexAI.Location,
			AccessToken: cfg.VertexAI.AccessToken,
			Timeout:     timeout,
		}, log)
	default:
		return provider.NewOpenAIProvider(provider.OpenAIOptions{
			APIKey:          cfg.OpenAI.APIKey,
			BaseURL:         cfg.OpenAI.BaseURL,
			AzureAPIVersion: cfg.OpenAI.AzureAPIVersion,
			Timeout:         timeout,
		}, log)
	}
}

// printStartupBanner 启动横幅直接打到标准输出
func printStartupBanner(cfg *core.Config, prov provider.Provider) {
	m := cfg.Models()
	r := cfg.Request()

	fmt.Println("🚀 Claude-to-OpenAI API Proxy v" + core.Version)
	fmt.Println("✅ Configuration loaded successfully")
	fmt.Printf("   Provider: %s\n", prov.Name())
	switch cfg.Provider {
	case provider.NameVertexAI:
		fmt.Printf("   Project: %s (%s)\n", cfg.VertexAI.ProjectID, cfg.VertexAI.Location)
		fmt.Printf("   Access Token: %s\n", models.MaskAPIKey(cfg.VertexAI.AccessToken))
	case provider.NameOpenRouter:
		fmt.Printf("   Base URL: %s\n", cfg.OpenRouter.BaseURL)
		fmt.Printf("   API Key: %s\n", models.MaskAPIKey(cfg.OpenRouter.APIKey))
	default:
		fmt.Printf("   Base URL: %s\n", cfg.OpenAI.BaseURL)
		fmt.Printf("   API Key: %s\n", models.MaskAPIKey(cfg.OpenAI.APIKey))
	}
	fmt.Printf("   Big Model (opus): %s\n", m.BigModel)
	fmt.Printf("   Middle Model (sonnet): %s\n", m.MiddleModel)
	fmt.Printf("   Small Model (haiku): %s\n", m.SmallModel)
	fmt.Printf("   Max Tokens Limit: %d\n", r.MaxTokensLimit)
	fmt.Printf("   Request Timeout: %ds\n", r.RequestTimeout)
	fmt.Printf("   Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	if cfg.AnthropicAPIKey != "" {
		fmt.Println("   Client API Key Validation: Enabled")
	} else {
		fmt.Println("   Client API Key Validation: Disabled")
	}
	fmt.Println()
}

// printHelp 帮助信息
func printHelp() {
	fmt.Println("Claude-to-OpenAI API Proxy v" + core.Version)
	fmt.Println()
	fmt.Println("Usage: claude-code-proxy [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --help, -h       Display this help message")
	fmt.Println("  --version, -v    Display the version")
	fmt.Println()
	fmt.Println("Environment variables:")
	fmt.Println("  CONFIG_PATH - Path to the TOML config file (default: config.toml)")
	fmt.Println()
	fmt.Println("Configuration file (TOML):")
	fmt.Println("  provider - Provider type: openai, openrouter, vertexai")
	fmt.Println("  anthropic_api_key - Expected client API key, empty disables validation")
	fmt.Println("  [openai] api_key / base_url / azure_api_version")
	fmt.Println("  [openrouter] api_key / base_url / site_url / app_name")
	fmt.Println("  [vertexai] project_id / location / access_token")
	fmt.Println("  [models] big_model / middle_model / small_model")
	fmt.Println("  [server] host / port / log_level / log_file / request_log_db")
	fmt.Println("  [request] max_tokens_limit / min_tokens_limit / max_messages_limit /")
	fmt.Println("            request_timeout / max_retries / max_context_tokens /")
	fmt.Println("            target_context_tokens")
	fmt.Println()
	fmt.Println("Model mapping:")
	fmt.Println("  Claude haiku models -> small_model")
	fmt.Println("  Claude sonnet models -> middle_model")
	fmt.Println("  Claude opus models -> big_model")
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  CONFIG_PATH=/etc/claude-proxy/config.toml claude-code-proxy")
}
