package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"nutriscan-server-go/src/core/providers/vlllm"
	"nutriscan-server-go/src/core/utils"
)

// CheckMode 检查模式
type CheckMode int

const (
	// BasicCheck 基础连通性检查（只验证连接和配置）
	BasicCheck CheckMode = iota
	// FunctionalCheck 功能性检查（对模型执行一次真实识别）
	FunctionalCheck
)

// 1x1像素的PNG图片
const testImageBase64 = `iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg==`

// CheckFunc 单项检查，返回的 details 写入结果
type CheckFunc func(ctx context.Context, mode CheckMode) (map[string]interface{}, error)

// CheckResult 检查结果
type CheckResult struct {
	Name      string                 `json:"name"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Attempts  int                    `json:"attempts"`
	CheckMode CheckMode              `json:"check_mode"`
}

// Options 超时与重试配置
type Options struct {
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultOptions 默认检查配置
func DefaultOptions() Options {
	return Options{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    5 * time.Second,
	}
}

type namedCheck struct {
	name string
	fn   CheckFunc
}

// HealthChecker 依次执行已注册的检查
type HealthChecker struct {
	options Options
	logger  *utils.Logger
	checks  []namedCheck
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(options Options, logger *utils.Logger) *HealthChecker {
	if options.RetryAttempts <= 0 {
		options.RetryAttempts = 1
	}
	return &HealthChecker{options: options, logger: logger}
}

// Add 注册一项检查
func (hc *HealthChecker) Add(name string, fn CheckFunc) {
	hc.checks = append(hc.checks, namedCheck{name: name, fn: fn})
}

// CheckAll 执行所有检查，有任意一项失败时返回错误
func (hc *HealthChecker) CheckAll(ctx context.Context, mode CheckMode) ([]CheckResult, error) {
	results := make([]CheckResult, 0, len(hc.checks))
	failed := 0
	for _, check := range hc.checks {
		result := hc.run(ctx, check, mode)
		if !result.Success {
			failed++
		}
		results = append(results, result)
	}
	if failed > 0 {
		return results, fmt.Errorf("%d项检查失败", failed)
	}
	hc.logger.Info("所有检查通过", map[string]interface{}{"count": len(results)})
	return results, nil
}

// run 按配置重试单项检查
func (hc *HealthChecker) run(ctx context.Context, check namedCheck, mode CheckMode) CheckResult {
	start := time.Now()
	result := CheckResult{Name: check.name, CheckMode: mode}

	var err error
	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		var details map[string]interface{}
		if details, err = hc.attempt(ctx, check.fn, mode); err == nil {
			result.Success = true
			result.Details = details
			break
		}

		hc.logger.Warn("检查失败", map[string]interface{}{
			"name":    check.name,
			"attempt": attempt,
			"error":   err,
		})
		if attempt >= hc.options.RetryAttempts || !wait(ctx, hc.options.RetryDelay) {
			break
		}
	}

	result.Duration = time.Since(start)
	if !result.Success {
		result.Error = err.Error()
		hc.logger.Error("检查未通过", map[string]interface{}{"name": check.name, "error": err})
	} else {
		hc.logger.Info("检查通过", map[string]interface{}{
			"name":        check.name,
			"duration_ms": result.Duration.Milliseconds(),
		})
	}
	return result
}

// wait ctx 结束时返回 false
func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (hc *HealthChecker) attempt(ctx context.Context, fn CheckFunc, mode CheckMode) (map[string]interface{}, error) {
	if hc.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hc.options.Timeout)
		defer cancel()
	}
	return fn(ctx, mode)
}

// DatabaseCheck 检查数据库连接
func DatabaseCheck(db *gorm.DB) CheckFunc {
	return func(ctx context.Context, _ CheckMode) (map[string]interface{}, error) {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return nil, err
		}
		return map[string]interface{}{"dialect": db.Dialector.Name()}, nil
	}
}

// RedisCheck 检查 redis 连接
func RedisCheck(client redis.UniversalClient) CheckFunc {
	return func(ctx context.Context, _ CheckMode) (map[string]interface{}, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// ProviderCheck 基础模式只校验配置，功能模式用测试图片调用一次模型
func ProviderCheck(provider vlllm.Provider) CheckFunc {
	return func(ctx context.Context, mode CheckMode) (map[string]interface{}, error) {
		details := map[string]interface{}{
			"provider": provider.Name(),
			"model":    provider.Model(),
		}
		if mode != FunctionalCheck {
			return details, nil
		}

		raw, err := provider.Analyze(ctx, vlllm.Image{
			Base64:   testImageBase64,
			MIMEType: "image/png",
			Detail:   "low",
		})
		if err != nil {
			return nil, err
		}
		missing := 0
		for _, field := range vlllm.RequiredFields {
			if _, ok := raw[field]; !ok {
				missing++
			}
		}
		if missing == len(vlllm.RequiredFields) {
			return nil, errors.New("模型响应不包含任何营养字段")
		}
		details["missing_fields"] = missing
		return details, nil
	}
}
