package maintenance

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"nutriscan-server-go/src/configs"
	"nutriscan-server-go/src/configs/database"
	"nutriscan-server-go/src/core/utils"
	"nutriscan-server-go/src/models"
)

var now = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, _, err := database.InitDB("sqlite://" + filepath.Join(t.TempDir(), "purge.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

// seed 写入保留期内外各一组数据
func seed(t *testing.T, db *gorm.DB) {
	t.Helper()
	scans := []models.ScanRequest{
		{RequestID: "old-1", Status: "success", CreatedAt: now.AddDate(0, 0, -45)},
		{RequestID: "old-2", Status: "error", CreatedAt: now.AddDate(0, 0, -31)},
		{RequestID: "new-1", Status: "success", CreatedAt: now.AddDate(0, 0, -29)},
		{RequestID: "new-2", Status: "rate_limited", CreatedAt: now.Add(-time.Hour)},
	}
	require.NoError(t, db.Create(&scans).Error)

	limits := []models.DailyRateLimit{
		{Dimension: "subject", KeyHash: "a", Day: "2026-08-01", Count: 3},
		{Dimension: "network", KeyHash: "b", Day: "2026-09-14", Count: 1},
		{Dimension: "subject", KeyHash: "a", Day: "2026-09-15", Count: 2},
		{Dimension: "subject", KeyHash: "a", Day: "2026-10-15", Count: 5},
	}
	require.NoError(t, db.Create(&limits).Error)
}

func TestPurge(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)

	result, err := Purge(context.Background(), db, 30, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.DeletedScans)
	assert.Equal(t, int64(2), result.DeletedLimits)
	assert.Equal(t, time.Date(2026, 9, 15, 12, 0, 0, 0, time.UTC), result.Cutoff)

	var remaining []string
	require.NoError(t, db.Model(&models.ScanRequest{}).Order("id").Pluck("request_id", &remaining).Error)
	assert.Equal(t, []string{"new-1", "new-2"}, remaining)

	var days []string
	require.NoError(t, db.Model(&models.DailyRateLimit{}).Order("day").Pluck("day", &days).Error)
	assert.Equal(t, []string{"2026-09-15", "2026-10-15"}, days, "截止当天的计数保留")

	// 再次执行不删除任何数据
	again, err := Purge(context.Background(), db, 30, now)
	require.NoError(t, err)
	assert.Zero(t, again.DeletedScans)
	assert.Zero(t, again.DeletedLimits)
}

func TestPurge_InvalidRetention(t *testing.T) {
	_, err := Purge(context.Background(), newTestDB(t), 0, now)
	assert.Error(t, err)
}

func newTestEngine(t *testing.T, db *gorm.DB, secret string) *gin.Engine {
	t.Helper()
	svc := NewDefaultMaintenanceService(db, configs.MaintenanceConfig{
		CronSecret:    secret,
		RetentionDays: 30,
	}, utils.NewWriterLogger(io.Discard, false))
	svc.now = func() time.Time { return now }

	engine := gin.New()
	require.NoError(t, svc.Start(context.Background(), engine, engine.Group("/api")))
	return engine
}

func purgeRequest(engine *gin.Engine, method, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/maintenance/purge", nil)
	if secret != "" {
		req.Header.Set("X-Cron-Secret", secret)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestPurgeEndpoint(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)
	engine := newTestEngine(t, db, "cron-secret")

	t.Run("缺少密钥", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, purgeRequest(engine, http.MethodPost, "").Code)
	})

	t.Run("密钥错误", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, purgeRequest(engine, http.MethodPost, "cron-secreT").Code)
	})

	t.Run("POST", func(t *testing.T) {
		w := purgeRequest(engine, http.MethodPost, "cron-secret")
		require.Equal(t, http.StatusOK, w.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, float64(2), body["deleted_scans"])
		assert.Equal(t, float64(2), body["deleted_limits"])
		assert.Equal(t, "2026-09-15T12:00:00Z", body["cutoff"])
	})

	t.Run("GET", func(t *testing.T) {
		w := purgeRequest(engine, http.MethodGet, "cron-secret")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"deleted_scans":0`)
	})
}

func TestPurgeEndpoint_NoSecretConfigured(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)
	engine := newTestEngine(t, db, "")

	assert.Equal(t, http.StatusUnauthorized, purgeRequest(engine, http.MethodPost, "anything").Code)

	var count int64
	require.NoError(t, db.Model(&models.ScanRequest{}).Count(&count).Error)
	assert.Equal(t, int64(4), count)
}

func TestScheduler(t *testing.T) {
	db := newTestDB(t)
	seed(t, db)

	s := NewScheduler(db, 30, 10*time.Millisecond, utils.NewWriterLogger(io.Discard, false))
	s.now = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		var count int64
		if err := db.Model(&models.ScanRequest{}).Count(&count).Error; err != nil {
			return false
		}
		return count == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("定时清理没有退出")
	}
}

func TestScheduler_Disabled(t *testing.T) {
	s := NewScheduler(nil, 30, 0, utils.NewWriterLogger(io.Discard, false))
	assert.NoError(t, s.Run(context.Background()))
}
