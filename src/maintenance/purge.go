package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"nutriscan-server-go/src/core/limiter"
	"nutriscan-server-go/src/models"
)

// PurgeResult 一次清理删除的行数
type PurgeResult struct {
	DeletedScans  int64     `json:"deleted_scans"`
	DeletedLimits int64     `json:"deleted_limits"`
	Cutoff        time.Time `json:"cutoff"`
}

// Purge 删除早于 now-retentionDays 的审计记录和每日计数
func Purge(ctx context.Context, db *gorm.DB, retentionDays int, now time.Time) (PurgeResult, error) {
	if retentionDays <= 0 {
		return PurgeResult{}, errors.New("retention_days 必须大于0")
	}

	cutoff := now.UTC().AddDate(0, 0, -retentionDays)
	result := PurgeResult{Cutoff: cutoff}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scans := tx.Where("created_at < ?", cutoff).Delete(&models.ScanRequest{})
		if scans.Error != nil {
			return fmt.Errorf("删除审计记录失败: %w", scans.Error)
		}
		result.DeletedScans = scans.RowsAffected

		// day 为 YYYY-MM-DD，按字符串比较即按日期比较
		limits := tx.Where("day < ?", cutoff.Format(limiter.DayLayout)).Delete(&models.DailyRateLimit{})
		if limits.Error != nil {
			return fmt.Errorf("删除每日计数失败: %w", limits.Error)
		}
		result.DeletedLimits = limits.RowsAffected
		return nil
	})
	if err != nil {
		return PurgeResult{}, err
	}
	return result, nil
}
