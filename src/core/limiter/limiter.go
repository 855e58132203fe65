// Package limiter 实现每日额度的准入控制：读取额度配置，原子地检查并递增主体与网段两个维度的计数。
package limiter

import (
	"context"
	"fmt"
	"time"

	"nutriscan-server-go/src/configs"
	"nutriscan-server-go/src/core/apierr"
	"nutriscan-server-go/src/core/utils"
)

// 计数维度
const (
	DimensionSubject = "subject"
	DimensionNetwork = "network"
)

// 拒绝原因
const (
	ReasonSubjectLimit = "subject_limit"
	ReasonNetworkLimit = "network_limit"
)

// DayLayout 计数按 UTC 自然日划分
const DayLayout = "2006-01-02"

// Request 一次准入检查的输入，均为哈希后的标识
type Request struct {
	SubjectHash  string
	NetworkHash  string
	SubjectLimit int
	NetworkLimit int // 0 表示不检查网段
}

// Decision 准入结果，超出额度是正常结果而不是错误
type Decision struct {
	Allowed      bool
	Reason       string
	SubjectCount int
	SubjectLimit int
	NetworkCount int
	NetworkLimit int
	Bypassed     bool // 存储不可用且配置为放行
}

// Remaining 主体当日剩余次数
func (d Decision) Remaining() int {
	return max(0, d.SubjectLimit-d.SubjectCount)
}

// Store 计数存储，CheckAndIncrement 必须在一次操作内完成判断和递增
type Store interface {
	CheckAndIncrement(ctx context.Context, req Request, day string) (Decision, error)
}

// SettingsReader 读取每日额度配置
type SettingsReader interface {
	SubjectLimit(ctx context.Context) (int, error)
}

// Controller 准入控制器
type Controller struct {
	store    Store
	settings SettingsReader
	config   configs.LimiterConfig
	now      func() time.Time
	logger   *utils.Logger
}

// Option 控制器选项
type Option func(*Controller)

// WithClock 替换时钟，用于测试跨日
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController 创建准入控制器
func NewController(store Store, settings SettingsReader, config configs.LimiterConfig, logger *utils.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		settings: settings,
		config:   config,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubjectLimit 读取主体每日额度，存储出错时返回 503 错误
func (c *Controller) SubjectLimit(ctx context.Context) (int, error) {
	limit, err := c.settings.SubjectLimit(ctx)
	if err != nil {
		return 0, unavailable(fmt.Errorf("读取额度配置失败: %w", err))
	}
	return limit, nil
}

// Admit 检查并记录一次使用
func (c *Controller) Admit(ctx context.Context, subjectHash, networkHash string, subjectLimit int) (Decision, error) {
	req := Request{
		SubjectHash:  subjectHash,
		NetworkHash:  networkHash,
		SubjectLimit: subjectLimit,
		NetworkLimit: c.config.NetworkLimit,
	}
	day := c.now().UTC().Format(DayLayout)

	decision, err := c.store.CheckAndIncrement(ctx, req, day)
	if err != nil {
		return Decision{}, unavailable(fmt.Errorf("准入检查失败: %w", err))
	}
	return decision, nil
}

// Check 读取额度并准入；配置为 fail_open 时存储错误不会拒绝请求
func (c *Controller) Check(ctx context.Context, subjectHash, networkHash string) (Decision, error) {
	limit, err := c.SubjectLimit(ctx)
	if err == nil {
		var decision Decision
		decision, err = c.Admit(ctx, subjectHash, networkHash, limit)
		if err == nil {
			return decision, nil
		}
	}

	if c.config.FailOpen {
		c.logger.Warn("限流存储不可用，按配置放行", map[string]interface{}{
			"error": err,
		})
		return Decision{Allowed: true, Bypassed: true}, nil
	}
	return Decision{}, err
}

func unavailable(cause error) error {
	return apierr.Wrap(apierr.KindServiceUnavailable, "Service temporarily unavailable", cause)
}
