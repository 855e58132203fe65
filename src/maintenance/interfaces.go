package maintenance

import (
	"context"

	"github.com/gin-gonic/gin"
)

// MaintenanceService 定义数据清理服务接口
type MaintenanceService interface {
	// 将清理接口注册到 engine 与 apiGroup
	Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error
}
