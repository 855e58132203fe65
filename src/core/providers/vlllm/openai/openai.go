package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"nutriscan-server-go/src/core/providers/vlllm"
	"nutriscan-server-go/src/core/utils"
)

const (
	providerName = "openai"
	defaultModel = "gpt-4o-mini"
)

// Provider OpenAI 兼容的 chat/completions 视觉接口
type Provider struct {
	config *vlllm.Config
	client *openai.Client
	logger *utils.Logger
}

// NewProvider 创建 OpenAI 提供者实例
func NewProvider(config *vlllm.Config, logger *utils.Logger) (vlllm.Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai 需要配置 api_key")
	}
	if config.ModelName == "" {
		config.ModelName = defaultModel
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &Provider{
		config: config,
		client: openai.NewClientWithConfig(clientConfig),
		logger: logger,
	}, nil
}

func (p *Provider) Name() string  { return providerName }
func (p *Provider) Model() string { return p.config.ModelName }

// Analyze 以 json_object 格式请求结构化输出
func (p *Provider) Analyze(ctx context.Context, img vlllm.Image) (map[string]interface{}, error) {
	request := openai.ChatCompletionRequest{
		Model: p.config.ModelName,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    img.DataURL(),
							Detail: imageDetail(img.Detail),
						},
					},
					{
						Type: openai.ChatMessagePartTypeText,
						Text: vlllm.NutritionPrompt,
					},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		MaxTokens:   p.config.MaxTokens,
		Temperature: float32(p.config.Temperature),
	}

	resp, err := p.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, vlllm.Upstream(providerName, 0, "", vlllm.ErrEmptyResponse)
	}

	p.logger.Debug("OpenAI 视觉接口调用成功", map[string]interface{}{
		"model":             resp.Model,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	})

	return vlllm.ParseText(providerName, resp.Choices[0].Message.Content)
}

// classify 保留上游状态码
func (p *Provider) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return vlllm.Upstream(providerName, apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return vlllm.Upstream(providerName, reqErr.HTTPStatusCode, "", err)
	}
	return fmt.Errorf("openai 请求失败: %w", err)
}

func imageDetail(detail string) openai.ImageURLDetail {
	switch detail {
	case "high":
		return openai.ImageURLDetailHigh
	case "auto":
		return openai.ImageURLDetailAuto
	default:
		return openai.ImageURLDetailLow
	}
}

func init() {
	vlllm.Register(providerName, NewProvider)
}
