package vision

import (
	"context"

	"github.com/gin-gonic/gin"

	"nutriscan-server-go/src/core/image"
	"nutriscan-server-go/src/core/limiter"
)

// VisionService 定义 Vision 服务接口
type VisionService interface {
	// 将 Vision 的路由注册到 engine 与 apiGroup
	Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error
}

// PayloadValidator 解析并校验请求体
type PayloadValidator interface {
	Validate(body []byte) (*image.ImagePayload, error)
}

// Admitter 读取额度并原子地检查、递增计数
type Admitter interface {
	Check(ctx context.Context, subjectHash, networkHash string) (limiter.Decision, error)
}
