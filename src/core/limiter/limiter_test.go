package limiter

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nutriscan-server-go/src/configs"
	"nutriscan-server-go/src/configs/database"
	"nutriscan-server-go/src/core/apierr"
	"nutriscan-server-go/src/core/utils"
	"nutriscan-server-go/src/models"
)

const testDay = "2026-10-15"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, dbType, err := database.InitDB("sqlite://" + filepath.Join(t.TempDir(), "limiter.db"))
	require.NoError(t, err)
	require.Equal(t, "sqlite", dbType)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func testLogger() *utils.Logger {
	return utils.NewWriterLogger(io.Discard, false)
}

// 原子存储共用的行为测试
func atomicStores(t *testing.T) map[string]Store {
	redisStore, _ := newRedisStore(t)
	return map[string]Store{
		"数据库事务": NewAtomicStore(newTestDB(t)),
		"redis脚本": redisStore,
	}
}

func TestStore_SequentialQuota(t *testing.T) {
	stores := atomicStores(t)
	stores["先读后写"] = NewReadWriteStore(newTestDB(t))

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			req := Request{SubjectHash: "subject-a", NetworkHash: "net-a", SubjectLimit: 5, NetworkLimit: 20}

			for i := 1; i <= 5; i++ {
				d, err := store.CheckAndIncrement(ctx, req, testDay)
				require.NoError(t, err)
				assert.True(t, d.Allowed)
				assert.Equal(t, i, d.SubjectCount)
				assert.Equal(t, i, d.NetworkCount)
				assert.Equal(t, 5-i, d.Remaining())
			}

			d, err := store.CheckAndIncrement(ctx, req, testDay)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonSubjectLimit, d.Reason)
			assert.Equal(t, 5, d.SubjectCount)
			assert.Equal(t, 5, d.SubjectLimit)
			assert.Equal(t, 5, d.NetworkCount, "被拒绝的请求不计数")
			assert.Equal(t, 0, d.Remaining())

			// 新的一天重新计数
			d, err = store.CheckAndIncrement(ctx, req, "2026-10-16")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, 1, d.SubjectCount)
		})
	}
}

// newConcurrentDB 打开允许多连接并发的 sqlite 库，goroutine 之间真正交错执行
func newConcurrentDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "concurrent.db") + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(8)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))
	return db
}

// admitConcurrently 同时放行 n 个请求，返回被允许的数量
func admitConcurrently(t *testing.T, store Store, n, limit int) int {
	t.Helper()
	start := make(chan struct{})
	var allowed atomic.Int32
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			<-start
			d, err := store.CheckAndIncrement(context.Background(),
				Request{SubjectHash: "subject-race", SubjectLimit: limit}, testDay)
			if err != nil {
				return err
			}
			if d.Allowed {
				allowed.Add(1)
			}
			return nil
		})
	}
	close(start)
	require.NoError(t, g.Wait())
	return int(allowed.Load())
}

func storedCount(t *testing.T, db *gorm.DB) int {
	t.Helper()
	count, err := readCount(db, DimensionSubject, "subject-race", testDay)
	require.NoError(t, err)
	return count
}

func TestStore_ConcurrentAdmission(t *testing.T) {
	const (
		limit    = 5
		requests = 16
	)

	t.Run("数据库事务", func(t *testing.T) {
		db := newConcurrentDB(t)
		store := NewAtomicStore(db)
		for round := 0; round < 5; round++ {
			require.NoError(t, db.Where("day = ?", testDay).Delete(&models.DailyRateLimit{}).Error)

			assert.Equal(t, limit, admitConcurrently(t, store, requests, limit))
			assert.Equal(t, limit, storedCount(t, db))

			d, err := store.CheckAndIncrement(context.Background(),
				Request{SubjectHash: "subject-race", SubjectLimit: limit}, testDay)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, limit, d.SubjectCount)
		}
	})

	t.Run("redis脚本", func(t *testing.T) {
		store, _ := newRedisStore(t)
		assert.Equal(t, limit, admitConcurrently(t, store, requests, limit))

		// 额度用完后，下一个请求一定被拒绝
		d, err := store.CheckAndIncrement(context.Background(),
			Request{SubjectHash: "subject-race", SubjectLimit: limit}, testDay)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, limit, d.SubjectCount)
	})

	t.Run("先读后写会超额放行", func(t *testing.T) {
		db := newConcurrentDB(t)
		store := NewReadWriteStore(db)
		// 所有请求都读完计数之后才开始写入
		var read sync.WaitGroup
		read.Add(requests)
		store.afterRead = func() {
			read.Done()
			read.Wait()
		}

		allowed := admitConcurrently(t, store, requests, limit)
		assert.Greater(t, allowed, limit)
		assert.Less(t, storedCount(t, db), allowed, "计数丢失了部分放行")
	})
}

func TestStore_NetworkLimitRollsBackSubject(t *testing.T) {
	for name, store := range atomicStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, subject := range []string{"s1", "s2"} {
				d, err := store.CheckAndIncrement(ctx,
					Request{SubjectHash: subject, NetworkHash: "shared-net", SubjectLimit: 5, NetworkLimit: 2}, testDay)
				require.NoError(t, err)
				require.True(t, d.Allowed)
			}

			d, err := store.CheckAndIncrement(ctx,
				Request{SubjectHash: "s3", NetworkHash: "shared-net", SubjectLimit: 5, NetworkLimit: 2}, testDay)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonNetworkLimit, d.Reason)
			assert.Equal(t, 0, d.SubjectCount)
			assert.Equal(t, 2, d.NetworkCount)

			// s3 的主体计数没有被消耗
			d, err = store.CheckAndIncrement(ctx,
				Request{SubjectHash: "s3", NetworkHash: "other-net", SubjectLimit: 5, NetworkLimit: 2}, testDay)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, 1, d.SubjectCount)
		})
	}
}

func TestStore_NetworkDisabled(t *testing.T) {
	for name, store := range atomicStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				d, err := store.CheckAndIncrement(context.Background(),
					Request{SubjectHash: "s-" + string(rune('a'+i)), NetworkHash: "net", SubjectLimit: 1}, testDay)
				require.NoError(t, err)
				assert.True(t, d.Allowed)
				assert.Equal(t, 0, d.NetworkCount)
			}
		})
	}
}

func TestAtomicStore_ZeroLimitDeniesAll(t *testing.T) {
	store := NewAtomicStore(newTestDB(t))
	d, err := store.CheckAndIncrement(context.Background(), Request{SubjectHash: "s", SubjectLimit: 0}, testDay)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.SubjectCount)
}

func TestRedisStore_KeysExpire(t *testing.T) {
	store, mr := newRedisStore(t)
	_, err := store.CheckAndIncrement(context.Background(),
		Request{SubjectHash: "abc", NetworkHash: "def", SubjectLimit: 5, NetworkLimit: 20}, testDay)
	require.NoError(t, err)

	assert.Equal(t, redisKeyTTL, mr.TTL("ratelimit:subject:abc:"+testDay))
	assert.Equal(t, redisKeyTTL, mr.TTL("ratelimit:network:def:"+testDay))

	mr.FastForward(redisKeyTTL + time.Second)
	assert.False(t, mr.Exists("ratelimit:subject:abc:"+testDay))
}

func TestRedisStore_Unreachable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	_, err := store.CheckAndIncrement(context.Background(), Request{SubjectHash: "a", SubjectLimit: 1}, testDay)
	assert.Error(t, err)
}

func TestGormSettings(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	settings := NewGormSettings(db, "rate_limit_per_device_per_day", 5, testLogger())

	limit, err := settings.SubjectLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, limit, "缺失时使用默认值")

	require.NoError(t, settings.SetSubjectLimit(ctx, 3))
	limit, err = settings.SubjectLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, limit)

	require.NoError(t, settings.SetSubjectLimit(ctx, 8))
	limit, err = settings.SubjectLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, limit, "重复写入覆盖旧值")

	tests := []struct {
		name  string
		value string
		want  int
	}{
		{name: "数字字符串", value: `"7"`, want: 7},
		{name: "零", value: `0`, want: 0},
		{name: "负数", value: `-1`, want: 5},
		{name: "小数", value: `2.5`, want: 5},
		{name: "对象", value: `{"limit":3}`, want: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, db.Model(&models.AppSetting{}).
				Where(&models.AppSetting{Key: "rate_limit_per_device_per_day"}).
				Update("value", datatypes.JSON(tt.value)).Error)
			limit, err := settings.SubjectLimit(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, limit)
		})
	}
}

type failingStore struct{}

func (failingStore) CheckAndIncrement(context.Context, Request, string) (Decision, error) {
	return Decision{}, errors.New("connection refused")
}

type failingSettings struct{}

func (failingSettings) SubjectLimit(context.Context) (int, error) {
	return 0, errors.New("timeout")
}

func TestController(t *testing.T) {
	ctx := context.Background()
	cfg := configs.Default().Limiter

	t.Run("使用UTC日期", func(t *testing.T) {
		db := newTestDB(t)
		// 越南时间 10-16 06:00 仍是 UTC 10-15
		clock := func() time.Time {
			return time.Date(2026, 10, 16, 6, 0, 0, 0, time.FixedZone("ICT", 7*3600))
		}
		c := NewController(NewAtomicStore(db), StaticSettings(2), cfg, testLogger(), WithClock(clock))

		d, err := c.Check(ctx, "subject", "net")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2, d.SubjectLimit)
		assert.Equal(t, 20, d.NetworkLimit)

		var row models.DailyRateLimit
		require.NoError(t, db.Where("dimension = ?", DimensionSubject).Take(&row).Error)
		assert.Equal(t, testDay, row.Day)
	})

	t.Run("存储错误返回503", func(t *testing.T) {
		c := NewController(failingStore{}, StaticSettings(5), cfg, testLogger())
		_, err := c.Check(ctx, "s", "n")
		e := apierr.As(err)
		assert.Equal(t, apierr.KindServiceUnavailable, e.Kind)
		assert.Equal(t, "Service temporarily unavailable", e.Message)
	})

	t.Run("配置读取错误返回503", func(t *testing.T) {
		c := NewController(NewAtomicStore(newTestDB(t)), failingSettings{}, cfg, testLogger())
		_, err := c.Check(ctx, "s", "n")
		assert.Equal(t, apierr.KindServiceUnavailable, apierr.KindOf(err))
	})

	t.Run("fail_open放行", func(t *testing.T) {
		open := cfg
		open.FailOpen = true
		c := NewController(failingStore{}, StaticSettings(5), open, testLogger())
		d, err := c.Check(ctx, "s", "n")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.Bypassed)
	})
}

func TestNewStore(t *testing.T) {
	db := newTestDB(t)

	s, err := NewStore(db, "atomic", nil)
	require.NoError(t, err)
	assert.IsType(t, &AtomicStore{}, s)

	s, err = NewStore(db, "readwrite", nil)
	require.NoError(t, err)
	assert.IsType(t, &ReadWriteStore{}, s)

	_, err = NewStore(db, "redis", nil)
	assert.Error(t, err)

	_, err = NewStore(db, "memcached", nil)
	assert.Error(t, err)
}
