package limiter

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// NewStore 按配置创建计数存储
func NewStore(db *gorm.DB, backend string, redisClient redis.UniversalClient) (Store, error) {
	switch backend {
	case "", "atomic":
		return NewAtomicStore(db), nil
	case "readwrite":
		return NewReadWriteStore(db), nil
	case "redis":
		if redisClient == nil {
			return nil, errors.New("redis 后端需要 redis 客户端")
		}
		return NewRedisStore(redisClient), nil
	}
	return nil, fmt.Errorf("不支持的限流后端: %s", backend)
}
