package limiter

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nutriscan-server-go/src/core/utils"
	"nutriscan-server-go/src/models"
)

// GormSettings 从 app_settings 表读取额度，缺失时使用默认值
type GormSettings struct {
	db       *gorm.DB
	key      string
	fallback int
	logger   *utils.Logger
}

// NewGormSettings 创建额度配置读取器
func NewGormSettings(db *gorm.DB, key string, fallback int, logger *utils.Logger) *GormSettings {
	return &GormSettings{db: db, key: key, fallback: fallback, logger: logger}
}

// SubjectLimit 记录不存在或值无法解析时返回默认值，其他数据库错误原样返回
func (s *GormSettings) SubjectLimit(ctx context.Context) (int, error) {
	var setting models.AppSetting
	err := s.db.WithContext(ctx).Where(&models.AppSetting{Key: s.key}).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.fallback, nil
	}
	if err != nil {
		return 0, err
	}

	limit, ok := parseLimit(setting.Value)
	if !ok {
		s.logger.Warn("额度配置无法解析，使用默认值", map[string]interface{}{
			"key":      s.key,
			"value":    string(setting.Value),
			"fallback": s.fallback,
		})
		return s.fallback, nil
	}
	return limit, nil
}

// SetSubjectLimit 写入额度配置
func (s *GormSettings) SetSubjectLimit(ctx context.Context, limit int) error {
	value, err := json.Marshal(limit)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&models.AppSetting{Key: s.key, Value: datatypes.JSON(value)}).Error
}

// parseLimit 接受数字或数字字符串，负数和小数视为无效
func parseLimit(raw datatypes.JSON) (int, bool) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// StaticSettings 固定额度
type StaticSettings int

func (s StaticSettings) SubjectLimit(context.Context) (int, error) {
	return int(s), nil
}
