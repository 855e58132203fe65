package models

import (
	"time"

	"gorm.io/datatypes"
)

// 应用配置项（如每日额度），值以JSON保存
type AppSetting struct {
	Key       string         `gorm:"primaryKey;size:128"`
	Value     datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time
}

func (AppSetting) TableName() string { return "app_settings" }

// 每日计数器，Dimension区分主体与网段
type DailyRateLimit struct {
	ID        uint   `gorm:"primaryKey"`
	Dimension string `gorm:"size:16;not null;uniqueIndex:idx_rate_dim_key_day"` // subject 或 network
	KeyHash   string `gorm:"size:64;not null;uniqueIndex:idx_rate_dim_key_day"`
	Day       string `gorm:"size:10;not null;uniqueIndex:idx_rate_dim_key_day;index"` // YYYY-MM-DD (UTC)
	Count     int    `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DailyRateLimit) TableName() string { return "daily_rate_limits" }

// 扫描请求审计记录（只追加）
type ScanRequest struct {
	ID           uint      `gorm:"primaryKey"`
	RequestID    string    `gorm:"size:36;index"`
	SubjectHash  *string   `gorm:"size:64;index"`
	IPPrefixHash *string   `gorm:"size:64"`
	Status       string    `gorm:"size:32;not null;index"`
	Provider     string    `gorm:"size:32"`
	Model        *string   `gorm:"size:128"`
	LatencyMs    *int64    `gorm:"column:latency_ms"`
	Calories     *int
	Confidence   *float64
	CreatedAt    time.Time `gorm:"index"`
}

func (ScanRequest) TableName() string { return "scan_requests" }
