package maintenance

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"nutriscan-server-go/src/configs"
	"nutriscan-server-go/src/core/utils"
)

// DefaultMaintenanceService 通过 HTTP 触发数据清理，供外部定时任务调用
type DefaultMaintenanceService struct {
	db     *gorm.DB
	config configs.MaintenanceConfig
	logger *utils.Logger
	now    func() time.Time
}

// NewDefaultMaintenanceService 构造函数
func NewDefaultMaintenanceService(db *gorm.DB, config configs.MaintenanceConfig, logger *utils.Logger) *DefaultMaintenanceService {
	return &DefaultMaintenanceService{
		db:     db,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Start 实现 MaintenanceService 接口
func (s *DefaultMaintenanceService) Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error {
	apiGroup.GET("/maintenance/purge", s.handlePurge)
	apiGroup.POST("/maintenance/purge", s.handlePurge)

	if s.config.CronSecret == "" {
		s.logger.Warn("未设置 cron_secret，清理接口将拒绝所有请求")
	}
	return nil
}

func (s *DefaultMaintenanceService) handlePurge(c *gin.Context) {
	if !s.authorized(c.GetHeader("X-Cron-Secret")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	result, err := Purge(c.Request.Context(), s.db, s.config.RetentionDays, s.now())
	if err != nil {
		s.logger.Error("数据清理失败", map[string]interface{}{"error": err})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Purge failed"})
		return
	}

	s.logger.Info("数据清理完成", map[string]interface{}{
		"deleted_scans":  result.DeletedScans,
		"deleted_limits": result.DeletedLimits,
		"cutoff":         result.Cutoff.Format(time.RFC3339),
	})
	c.JSON(http.StatusOK, result)
}

// authorized 常量时间比较，未配置密钥时一律拒绝
func (s *DefaultMaintenanceService) authorized(secret string) bool {
	if s.config.CronSecret == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(s.config.CronSecret)) == 1
}
