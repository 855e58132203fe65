package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 计数键保留两天，足以覆盖时区差异
const redisKeyTTL = 48 * time.Hour

// 在 Redis 内部一次完成检查和递增
var admitScript = redis.NewScript(`
local subject = tonumber(redis.call('GET', KEYS[1]) or '0')
local network = tonumber(redis.call('GET', KEYS[2]) or '0')
local subjectLimit = tonumber(ARGV[1])
local networkLimit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

if subject >= subjectLimit then
  return {0, subject, network, 1}
end
if networkLimit > 0 and network >= networkLimit then
  return {0, subject, network, 2}
end

subject = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ttl)
if networkLimit > 0 then
  network = redis.call('INCR', KEYS[2])
  redis.call('EXPIRE', KEYS[2], ttl)
end
return {1, subject, network, 0}
`)

// RedisStore 基于 Lua 脚本的计数存储
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore 创建 Redis 计数存储
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit"}
}

// NewRedisClient 解析 redis:// 地址并创建客户端
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("解析 redis 地址失败: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *RedisStore) key(dimension, hash, day string) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.prefix, dimension, hash, day)
}

func (s *RedisStore) CheckAndIncrement(ctx context.Context, req Request, day string) (Decision, error) {
	networkLimit := req.NetworkLimit
	if req.NetworkHash == "" {
		networkLimit = 0
	}

	keys := []string{
		s.key(DimensionSubject, req.SubjectHash, day),
		s.key(DimensionNetwork, req.NetworkHash, day),
	}
	res, err := admitScript.Run(ctx, s.client, keys,
		req.SubjectLimit, networkLimit, int(redisKeyTTL.Seconds())).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("执行准入脚本失败: %w", err)
	}
	if len(res) != 4 {
		return Decision{}, fmt.Errorf("准入脚本返回值异常: %v", res)
	}

	d := Decision{
		Allowed:      res[0] == 1,
		SubjectCount: int(res[1]),
		SubjectLimit: req.SubjectLimit,
		NetworkCount: int(res[2]),
		NetworkLimit: req.NetworkLimit,
	}
	switch res[3] {
	case 1:
		d.Reason = ReasonSubjectLimit
	case 2:
		d.Reason = ReasonNetworkLimit
	}
	return d, nil
}

// Ping 检查连接
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
