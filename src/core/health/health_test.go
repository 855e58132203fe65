package health

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutriscan-server-go/src/configs/database"
	"nutriscan-server-go/src/core/providers/vlllm"
	"nutriscan-server-go/src/core/utils"
)

func newChecker(attempts int) *HealthChecker {
	return NewHealthChecker(Options{
		Timeout:       time.Second,
		RetryAttempts: attempts,
		RetryDelay:    time.Millisecond,
	}, utils.NewWriterLogger(io.Discard, false))
}

type stubProvider struct {
	raw   map[string]interface{}
	err   error
	calls int
	seen  vlllm.Image
}

func (p *stubProvider) Name() string  { return "stub" }
func (p *stubProvider) Model() string { return "stub-1" }
func (p *stubProvider) Analyze(_ context.Context, img vlllm.Image) (map[string]interface{}, error) {
	p.calls++
	p.seen = img
	return p.raw, p.err
}

func TestCheckAll_Retries(t *testing.T) {
	hc := newChecker(3)

	calls := 0
	hc.Add("flaky", func(context.Context, CheckMode) (map[string]interface{}, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("connection refused")
		}
		return map[string]interface{}{"ok": true}, nil
	})
	hc.Add("down", func(context.Context, CheckMode) (map[string]interface{}, error) {
		return nil, errors.New("no route to host")
	})

	results, err := hc.CheckAll(context.Background(), BasicCheck)
	require.Error(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].Success)
	assert.Equal(t, 2, results[0].Attempts)
	assert.Equal(t, true, results[0].Details["ok"])

	assert.False(t, results[1].Success)
	assert.Equal(t, 3, results[1].Attempts)
	assert.Equal(t, "no route to host", results[1].Error)
}

func TestCheckAll_TimeoutPerAttempt(t *testing.T) {
	hc := NewHealthChecker(Options{Timeout: 10 * time.Millisecond, RetryAttempts: 1}, utils.NewWriterLogger(io.Discard, false))
	hc.Add("slow", func(ctx context.Context, _ CheckMode) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	results, err := hc.CheckAll(context.Background(), BasicCheck)
	require.Error(t, err)
	assert.Contains(t, results[0].Error, "deadline exceeded")
}

func TestDatabaseAndRedisChecks(t *testing.T) {
	db, _, err := database.InitDB("sqlite://" + filepath.Join(t.TempDir(), "health.db"))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hc := newChecker(1)
	hc.Add("database", DatabaseCheck(db))
	hc.Add("redis", RedisCheck(client))

	results, err := hc.CheckAll(context.Background(), BasicCheck)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", results[0].Details["dialect"])

	mr.Close()
	results, err = hc.CheckAll(context.Background(), BasicCheck)
	require.Error(t, err)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
}

func TestProviderCheck(t *testing.T) {
	t.Run("基础检查不调用模型", func(t *testing.T) {
		p := &stubProvider{}
		details, err := ProviderCheck(p)(context.Background(), BasicCheck)
		require.NoError(t, err)
		assert.Equal(t, "stub-1", details["model"])
		assert.Zero(t, p.calls)
	})

	t.Run("功能检查", func(t *testing.T) {
		p := &stubProvider{raw: map[string]interface{}{"name": "water", "calories": 0}}
		details, err := ProviderCheck(p)(context.Background(), FunctionalCheck)
		require.NoError(t, err)
		assert.Equal(t, 1, p.calls)
		assert.Equal(t, "image/png", p.seen.MIMEType)
		assert.Equal(t, len(vlllm.RequiredFields)-2, details["missing_fields"])
	})

	t.Run("响应没有任何字段", func(t *testing.T) {
		p := &stubProvider{raw: map[string]interface{}{"answer": "I see a pixel"}}
		_, err := ProviderCheck(p)(context.Background(), FunctionalCheck)
		assert.Error(t, err)
	})

	t.Run("模型错误", func(t *testing.T) {
		p := &stubProvider{err: vlllm.Upstream("stub", 401, "bad key", nil)}
		_, err := ProviderCheck(p)(context.Background(), FunctionalCheck)
		assert.Error(t, err)
	})
}
