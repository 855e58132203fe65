package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"

	"nutriscan-server-go/src/core/providers/vlllm"
	"nutriscan-server-go/src/core/utils"
)

const (
	providerName   = "ollama"
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llava"
)

// ChatRequest Ollama /api/chat 请求结构
type ChatRequest struct {
	Model    string                 `json:"model"`
	Messages []Message              `json:"messages"`
	Stream   bool                   `json:"stream"`
	Format   string                 `json:"format,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// Message Ollama 消息结构
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // 纯base64，不带 data URL 前缀
}

// ChatResponse Ollama 非流式响应结构
type ChatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

// Provider 本地 Ollama 视觉模型
type Provider struct {
	config *vlllm.Config
	client *resty.Client
	logger *utils.Logger
}

// NewProvider 创建 Ollama 提供者实例，不需要 api_key
func NewProvider(config *vlllm.Config, logger *utils.Logger) (vlllm.Provider, error) {
	if config.ModelName == "" {
		config.ModelName = defaultModel
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetHeader("Content-Type", "application/json")
	if config.APIKey != "" {
		client.SetAuthToken(config.APIKey)
	}

	return &Provider{config: config, client: client, logger: logger}, nil
}

func (p *Provider) Name() string  { return providerName }
func (p *Provider) Model() string { return p.config.ModelName }

// Analyze 使用 format=json 的非流式请求
func (p *Provider) Analyze(ctx context.Context, img vlllm.Image) (map[string]interface{}, error) {
	request := ChatRequest{
		Model: p.config.ModelName,
		Messages: []Message{{
			Role:    "user",
			Content: vlllm.NutritionPrompt,
			Images:  []string{img.Base64},
		}},
		Stream: false,
		Format: "json",
	}
	options := map[string]interface{}{}
	if p.config.Temperature > 0 {
		options["temperature"] = p.config.Temperature
	}
	if p.config.MaxTokens > 0 {
		options["num_predict"] = p.config.MaxTokens
	}
	if len(options) > 0 {
		request.Options = options
	}

	var out ChatResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&out).
		Post("/api/chat")
	if err != nil {
		return nil, fmt.Errorf("ollama 请求失败: %w", err)
	}
	if resp.IsError() {
		return nil, vlllm.Upstream(providerName, resp.StatusCode(), resp.String(), nil)
	}

	p.logger.Debug("Ollama 接口调用成功", map[string]interface{}{
		"model":       out.Model,
		"done":        out.Done,
		"duration_ms": resp.Time().Milliseconds(),
	})

	return vlllm.ParseText(providerName, out.Message.Content)
}

func init() {
	vlllm.Register(providerName, NewProvider)
}
