package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"

	"nutriscan-server-go/src/core/providers/vlllm"
	"nutriscan-server-go/src/core/utils"
)

const (
	providerName   = "gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-2.5-flash"
)

type inlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	InlineData *inlineData `json:"inline_data,omitempty"`
	Text       string      `json:"text,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseMIMEType string                 `json:"response_mime_type"`
	ResponseSchema   map[string]interface{} `json:"response_schema"`
	Temperature      *float64               `json:"temperature,omitempty"`
	MaxOutputTokens  int                    `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// Provider Gemini generateContent REST 接口
type Provider struct {
	config *vlllm.Config
	client *resty.Client
	schema map[string]interface{}
	logger *utils.Logger
}

// NewProvider 创建 Gemini 提供者实例
func NewProvider(config *vlllm.Config, logger *utils.Logger) (vlllm.Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("gemini 需要配置 api_key")
	}
	if config.ModelName == "" {
		config.ModelName = defaultModel
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-goog-api-key", config.APIKey)

	return &Provider{
		config: config,
		client: client,
		schema: ResponseSchema(),
		logger: logger,
	}, nil
}

// ResponseSchema 生成 Gemini 的 response_schema
func ResponseSchema() map[string]interface{} {
	properties := make(map[string]interface{}, len(vlllm.SchemaFields))
	for _, f := range vlllm.SchemaFields {
		prop := map[string]interface{}{"type": f.Type}
		if f.Type == "ARRAY" {
			prop["items"] = map[string]interface{}{"type": "STRING"}
		}
		properties[f.Name] = prop
	}
	return map[string]interface{}{
		"type":       "OBJECT",
		"properties": properties,
		"required":   vlllm.RequiredFields,
	}
}

func (p *Provider) Name() string  { return providerName }
func (p *Provider) Model() string { return p.config.ModelName }

// Analyze 图片以 inline_data 发送，要求返回 application/json
func (p *Provider) Analyze(ctx context.Context, img vlllm.Image) (map[string]interface{}, error) {
	body := generateRequest{
		Contents: []content{{
			Parts: []part{
				{InlineData: &inlineData{MIMEType: img.MIMEType, Data: img.Base64}},
				{Text: vlllm.NutritionPrompt},
			},
		}},
		GenerationConfig: generationConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   p.schema,
			MaxOutputTokens:  p.config.MaxTokens,
		},
	}
	if p.config.Temperature > 0 {
		t := p.config.Temperature
		body.GenerationConfig.Temperature = &t
	}

	var out generateResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("model", p.config.ModelName).
		SetBody(body).
		SetResult(&out).
		Post("/v1beta/models/{model}:generateContent")
	if err != nil {
		return nil, fmt.Errorf("gemini 请求失败: %w", err)
	}
	if resp.IsError() {
		return nil, vlllm.Upstream(providerName, resp.StatusCode(), resp.String(), nil)
	}

	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, vlllm.Upstream(providerName, resp.StatusCode(), "", vlllm.ErrEmptyResponse)
	}

	p.logger.Debug("Gemini 接口调用成功", map[string]interface{}{
		"model":         p.config.ModelName,
		"finish_reason": out.Candidates[0].FinishReason,
		"duration_ms":   resp.Time().Milliseconds(),
	})

	return vlllm.ParseText(providerName, out.Candidates[0].Content.Parts[0].Text)
}

func init() {
	vlllm.Register(providerName, NewProvider)
}
