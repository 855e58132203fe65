package vlllm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"nutriscan-server-go/src/configs"
	"nutriscan-server-go/src/core/apierr"
	"nutriscan-server-go/src/core/utils"
)

// Factory 视觉模型工厂函数类型
type Factory func(config *Config, logger *utils.Logger) (Provider, error)

var (
	factories = make(map[string]Factory)
)

// Register 注册视觉模型提供者工厂
func Register(name string, factory Factory) {
	factories[strings.ToLower(name)] = factory
}

// Create 按配置创建提供者，返回的实例带有超时控制
func Create(visionConfig configs.VisionConfig, logger *utils.Logger) (Provider, error) {
	name := strings.ToLower(visionConfig.Provider)
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("未知的视觉模型提供者: %s (已注册: %s)",
			visionConfig.Provider, strings.Join(GetRegisteredProviders(), ", "))
	}

	config := &Config{
		Type:            name,
		ModelName:       visionConfig.ModelName,
		BaseURL:         visionConfig.BaseURL,
		APIKey:          visionConfig.APIKey,
		Temperature:     visionConfig.Temperature,
		MaxTokens:       visionConfig.MaxTokens,
		Timeout:         visionConfig.Timeout,
		ProjectID:       visionConfig.ProjectID,
		Location:        visionConfig.Location,
		CredentialsFile: visionConfig.CredentialsFile,
	}

	provider, err := factory(config, logger)
	if err != nil {
		return nil, fmt.Errorf("创建视觉模型提供者失败: %w", err)
	}

	logger.Debug("视觉模型提供者创建成功", map[string]interface{}{
		"name":       name,
		"model_name": provider.Model(),
		"timeout":    config.Timeout.String(),
	})

	return WithTimeout(provider, config.Timeout), nil
}

// GetRegisteredProviders 获取已注册的提供者列表
func GetRegisteredProviders() []string {
	var providers []string
	for name := range factories {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}

// timeoutProvider 为每次调用设置硬超时，并把未分类的错误归为上游错误
type timeoutProvider struct {
	Provider
	timeout time.Duration
}

// WithTimeout 包装提供者，timeout 不大于0时不设超时
func WithTimeout(p Provider, timeout time.Duration) Provider {
	return &timeoutProvider{Provider: p, timeout: timeout}
}

func (p *timeoutProvider) Analyze(ctx context.Context, img Image) (map[string]interface{}, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	result, err := p.Provider.Analyze(ctx, img)
	if err == nil {
		return result, nil
	}

	var e *apierr.Error
	if errors.As(err, &e) {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, Upstream(p.Name(), 0, "", fmt.Errorf("调用超时 (%s): %w", p.timeout, err))
	}
	return nil, Upstream(p.Name(), 0, "", err)
}

// Close 关闭底层客户端（如果有）
func (p *timeoutProvider) Close() error {
	if c, ok := p.Provider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
