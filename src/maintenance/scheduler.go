package maintenance

import (
	"context"
	"time"

	"gorm.io/gorm"

	"nutriscan-server-go/src/core/utils"
)

// Scheduler 进程内的定时清理，没有外部 cron 时使用
type Scheduler struct {
	db            *gorm.DB
	retentionDays int
	interval      time.Duration
	logger        *utils.Logger
	now           func() time.Time
}

// NewScheduler interval 为0时 Run 直接返回
func NewScheduler(db *gorm.DB, retentionDays int, interval time.Duration, logger *utils.Logger) *Scheduler {
	return &Scheduler{
		db:            db,
		retentionDays: retentionDays,
		interval:      interval,
		logger:        logger,
		now:           time.Now,
	}
}

// Run 按间隔执行清理直到 ctx 结束
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("定时清理已启动", map[string]interface{}{
		"interval":       s.interval.String(),
		"retention_days": s.retentionDays,
	})
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce 失败只记录日志，下一次继续
func (s *Scheduler) runOnce(ctx context.Context) {
	result, err := Purge(ctx, s.db, s.retentionDays, s.now())
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("定时清理失败", map[string]interface{}{"error": err})
		}
		return
	}
	s.logger.Info("定时清理完成", map[string]interface{}{
		"deleted_scans":  result.DeletedScans,
		"deleted_limits": result.DeletedLimits,
	})
}
