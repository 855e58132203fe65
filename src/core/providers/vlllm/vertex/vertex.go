package vertex

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/option"

	"nutriscan-server-go/src/core/providers/vlllm"
	"nutriscan-server-go/src/core/utils"
)

const (
	providerName    = "vertex"
	defaultModel    = "gemini-2.5-flash"
	defaultLocation = "us-central1"
)

// Provider Vertex AI 上的 Gemini 模型，使用服务账号凭据
type Provider struct {
	config *vlllm.Config
	client *genai.Client
	model  *genai.GenerativeModel
	logger *utils.Logger
}

// NewProvider 创建 Vertex 提供者实例
func NewProvider(config *vlllm.Config, logger *utils.Logger) (vlllm.Provider, error) {
	if config.ProjectID == "" {
		return nil, errors.New("vertex 需要配置 project_id")
	}
	if config.ModelName == "" {
		config.ModelName = defaultModel
	}
	location := config.Location
	if location == "" {
		location = defaultLocation
	}

	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}

	client, err := genai.NewClient(context.Background(), config.ProjectID, location, opts...)
	if err != nil {
		return nil, fmt.Errorf("创建 Vertex 客户端失败: %w", err)
	}

	model := client.GenerativeModel(config.ModelName)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = ResponseSchema()
	if config.Temperature > 0 {
		model.SetTemperature(float32(config.Temperature))
	}
	if config.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(config.MaxTokens))
	}

	return &Provider{config: config, client: client, model: model, logger: logger}, nil
}

// ResponseSchema 结构化输出约束
func ResponseSchema() *genai.Schema {
	properties := make(map[string]*genai.Schema, len(vlllm.SchemaFields))
	for _, f := range vlllm.SchemaFields {
		properties[f.Name] = schemaOf(f.Type)
	}
	return &genai.Schema{
		Type:       genai.TypeObject,
		Properties: properties,
		Required:   vlllm.RequiredFields,
	}
}

func schemaOf(t string) *genai.Schema {
	switch t {
	case "STRING":
		return &genai.Schema{Type: genai.TypeString}
	case "INTEGER":
		return &genai.Schema{Type: genai.TypeInteger}
	case "NUMBER":
		return &genai.Schema{Type: genai.TypeNumber}
	case "ARRAY":
		return &genai.Schema{Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}}
	default:
		return &genai.Schema{Type: genai.TypeObject}
	}
}

func (p *Provider) Name() string  { return providerName }
func (p *Provider) Model() string { return p.config.ModelName }

// Analyze SDK 需要原始字节，先解码 base64
func (p *Provider) Analyze(ctx context.Context, img vlllm.Image) (map[string]interface{}, error) {
	data, err := base64.StdEncoding.DecodeString(img.Base64)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(img.Base64, "="))
		if err != nil {
			return nil, fmt.Errorf("图片 base64 解码失败: %w", err)
		}
	}

	format := strings.TrimPrefix(img.MIMEType, "image/")
	resp, err := p.model.GenerateContent(ctx, genai.ImageData(format, data), genai.Text(vlllm.NutritionPrompt))
	if err != nil {
		return nil, fmt.Errorf("vertex 调用失败: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, vlllm.Upstream(providerName, 0, "", vlllm.ErrEmptyResponse)
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	if resp.UsageMetadata != nil {
		p.logger.Debug("Vertex 接口调用成功", map[string]interface{}{
			"model":         p.config.ModelName,
			"prompt_tokens": resp.UsageMetadata.PromptTokenCount,
			"output_tokens": resp.UsageMetadata.CandidatesTokenCount,
		})
	}

	return vlllm.ParseText(providerName, text.String())
}

// Close 释放 gRPC 连接
func (p *Provider) Close() error {
	return p.client.Close()
}

func init() {
	vlllm.Register(providerName, NewProvider)
}
