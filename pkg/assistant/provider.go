package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tokmz/qchat/pkg/errors"
	"github.com/tokmz/qchat/pkg/logger"
	"github.com/tokmz/qchat/pkg/request"
)

// ErrNotConfigured 缺少 API key，不发起请求
var ErrNotConfigured = errors.ErrUpstream.WithMessage("AI 服务未配置凭据")

// DefaultSystemPrompt 默认系统提示词
const DefaultSystemPrompt = "You are a helpful assistant in a chat application."

// CompletionRequest 一次补全请求
type CompletionRequest struct {
	SystemPrompt string
	UserMessage  string
	MaxTokens    int
	Temperature  float64
}

// Provider 文本补全服务
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// ProviderFunc 函数适配
type ProviderFunc func(ctx context.Context, req CompletionRequest) (string, error)

func (f ProviderFunc) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return f(ctx, req)
}

// OpenAIConfig OpenAI 兼容接口配置
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Logger  logger.Logger
}

// OpenAIProvider 调用 /chat/completions
type OpenAIProvider struct {
	client *request.Client
	model  string
	apiKey string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// NewOpenAIProvider 创建 provider，opts 追加到 HTTP 客户端配置之后
func NewOpenAIProvider(cfg OpenAIConfig, opts ...request.Option) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = "gpt-4"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	apiKey := cfg.APIKey
	base := []request.Option{
		request.WithBaseURL(cfg.BaseURL),
		request.WithTimeout(cfg.Timeout),
		request.WithTracing(true),
		request.WithRetry(&request.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
		}),
		request.WithBearer(func() string { return apiKey }),
		request.WithLogger(cfg.Logger),
	}
	return &OpenAIProvider{
		client: request.New(append(base, opts...)...),
		model:  cfg.Model,
		apiKey: apiKey,
	}
}

// Configured 是否带有 API key
func (p *OpenAIProvider) Configured() bool { return p.apiKey != "" }

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if !p.Configured() {
		return "", ErrNotConfigured
	}
	prompt := req.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	body := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: req.UserMessage},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	var resp chatResponse
	if err := p.client.PostJSON(ctx, "/chat/completions", body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("assistant: empty completion")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
