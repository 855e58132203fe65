// Package vlllm 定义多模态视觉模型的统一接口，具体实现通过 Register 按名称注册。
package vlllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"nutriscan-server-go/src/core/apierr"
)

// Config 视觉模型配置
type Config struct {
	Type            string
	ModelName       string
	BaseURL         string
	APIKey          string
	Temperature     float64
	MaxTokens       int
	Timeout         time.Duration
	ProjectID       string
	Location        string
	CredentialsFile string
}

// Image 待识别的图片，Base64 不含 data URL 前缀
type Image struct {
	Base64   string
	MIMEType string
	Detail   string
}

// DataURL 返回 data:<mime>;base64,<data>
func (i Image) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", i.MIMEType, i.Base64)
}

// Provider 视觉模型提供者
type Provider interface {
	// Name 提供者名称，例如 gemini
	Name() string
	// Model 实际使用的模型名
	Model() string
	// Analyze 发送图片和提示词，返回模型输出中解析出的JSON对象
	Analyze(ctx context.Context, img Image) (map[string]interface{}, error)
}

// NutritionPrompt 营养分析提示词
const NutritionPrompt = `You are a strict nutritionist API. Analyze the food/foods in the image and return ONLY valid JSON in the exact schema:
{
  "name": "string – name of the food (maybe in vietnamese), can be multiple food",
  "calories": "integer – total kcal",
  "protein": "integer – grams",
  "carbs": "integer – grams",
  "fats": "integer – grams",
  "health_score": "integer 1-10",
  "confidence": "float 0-1",
  "warnings": ["string"]
}`

// RequiredFields 结构化输出中必须出现的字段
var RequiredFields = []string{
	"name", "calories", "protein", "carbs",
	"fats", "health_score", "confidence", "warnings",
}

// SchemaField 结构化输出字段及其类型（Gemini 类型名）
type SchemaField struct {
	Name string
	Type string
}

// SchemaFields 按 RequiredFields 的顺序给出每个字段的类型
var SchemaFields = []SchemaField{
	{Name: "name", Type: "STRING"},
	{Name: "calories", Type: "INTEGER"},
	{Name: "protein", Type: "INTEGER"},
	{Name: "carbs", Type: "INTEGER"},
	{Name: "fats", Type: "INTEGER"},
	{Name: "health_score", Type: "INTEGER"},
	{Name: "confidence", Type: "NUMBER"},
	{Name: "warnings", Type: "ARRAY"},
}

// UpstreamError 上游调用失败的诊断信息，不返回给调用方
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " %d", e.StatusCode)
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(truncate(e.Body, 512))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Upstream 生成 502 错误
func Upstream(provider string, status int, body string, cause error) error {
	return apierr.Wrap(apierr.KindUpstream, "Upstream AI service error", &UpstreamError{
		Provider:   provider,
		StatusCode: status,
		Body:       body,
		Err:        cause,
	})
}

// ErrUnparseable 无法从模型输出中解析出JSON对象
var ErrUnparseable = errors.New("failed to parse AI response as JSON")

// ErrEmptyResponse 模型没有返回任何文本
var ErrEmptyResponse = errors.New("empty response")

// ExtractJSON 先直接解析，失败后截取第一个 { 到最后一个 } 之间的内容再解析
func ExtractJSON(text string) (map[string]interface{}, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(text), &obj); err == nil && obj != nil {
		return obj, nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, ErrUnparseable
	}
	obj = nil
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return obj, nil
}

// ParseText 从模型文本中解析结果，失败时返回 502
func ParseText(provider, text string) (map[string]interface{}, error) {
	if strings.TrimSpace(text) == "" {
		return nil, Upstream(provider, 0, "", ErrEmptyResponse)
	}
	obj, err := ExtractJSON(text)
	if err != nil {
		return nil, Upstream(provider, 0, text, err)
	}
	return obj, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
