// Package audit 异步记录每个请求的最终结果，写入失败只记日志，不影响响应。
package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"nutriscan-server-go/src/configs"
	"nutriscan-server-go/src/core/utils"
	"nutriscan-server-go/src/models"
)

// Entry 一条审计记录，只包含哈希后的标识
type Entry struct {
	RequestID   string
	SubjectHash string
	NetworkHash string
	Status      string
	Provider    string
	Model       string
	Latency     time.Duration
	Calories    *int
	Confidence  *float64
	CreatedAt   time.Time
}

// Auditor 记录审计日志，调用方不关心结果
type Auditor interface {
	Record(e Entry)
}

// Sink 审计记录的持久化目标
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// GormSink 写入 scan_requests 表
type GormSink struct {
	db *gorm.DB
}

// NewGormSink 创建数据库写入器
func NewGormSink(db *gorm.DB) *GormSink {
	return &GormSink{db: db}
}

func (s *GormSink) Write(ctx context.Context, e Entry) error {
	latency := e.Latency.Milliseconds()
	row := models.ScanRequest{
		RequestID:    e.RequestID,
		SubjectHash:  optional(e.SubjectHash),
		IPPrefixHash: optional(e.NetworkHash),
		Status:       e.Status,
		Provider:     e.Provider,
		Model:        optional(e.Model),
		LatencyMs:    &latency,
		Calories:     e.Calories,
		Confidence:   e.Confidence,
		CreatedAt:    e.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ErrClosed 记录器已关闭
var ErrClosed = errors.New("audit recorder closed")

// Recorder 带缓冲队列的异步记录器，队列满时丢弃并告警
type Recorder struct {
	sink    Sink
	queue   chan Entry
	timeout time.Duration
	logger  *utils.Logger

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder 创建记录器并启动写入协程；workers 为0时同步写入
func NewRecorder(sink Sink, config configs.AuditConfig, logger *utils.Logger) *Recorder {
	r := &Recorder{
		sink:    sink,
		timeout: config.WriteTimeout,
		logger:  logger,
	}
	if r.timeout <= 0 {
		r.timeout = 5 * time.Second
	}
	if config.Workers <= 0 {
		return r
	}

	size := config.QueueSize
	if size <= 0 {
		size = 256
	}
	r.queue = make(chan Entry, size)
	for i := 0; i < config.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Record 非阻塞写入队列
func (r *Recorder) Record(e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(e, "closed")
		return
	}

	if r.queue == nil {
		r.write(e)
		return
	}

	select {
	case r.queue <- e:
	default:
		r.drop(e, "queue_full")
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for e := range r.queue {
		r.write(e)
	}
}

// write 错误只记录，不向上传播
func (r *Recorder) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			r.failed.Add(1)
			r.logger.Error("审计日志写入崩溃", map[string]interface{}{
				"request_id": e.RequestID,
				"panic":      rec,
			})
		}
	}()

	if err := r.sink.Write(ctx, e); err != nil {
		r.failed.Add(1)
		r.logger.Error("审计日志写入失败", map[string]interface{}{
			"request_id": e.RequestID,
			"status":     e.Status,
			"error":      err,
		})
	}
}

func (r *Recorder) drop(e Entry, reason string) {
	r.dropped.Add(1)
	r.logger.Warn("审计日志被丢弃", map[string]interface{}{
		"request_id": e.RequestID,
		"status":     e.Status,
		"reason":     reason,
	})
}

// Dropped 被丢弃的记录数
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Failed 写入失败的记录数
func (r *Recorder) Failed() uint64 {
	return r.failed.Load()
}

// Close 停止接收新记录，等待队列写完或 ctx 结束
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	if r.queue != nil {
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
