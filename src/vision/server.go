package vision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"nutriscan-server-go/src/configs"
	"nutriscan-server-go/src/core/apierr"
	"nutriscan-server-go/src/core/audit"
	"nutriscan-server-go/src/core/auth"
	"nutriscan-server-go/src/core/limiter"
	"nutriscan-server-go/src/core/nutrition"
	"nutriscan-server-go/src/core/privacy"
	"nutriscan-server-go/src/core/providers/vlllm"
	"nutriscan-server-go/src/core/utils"
)

// 请求体在图片上限之外允许的 JSON 字段开销
const bodyOverhead = 64 * 1024

// Dependencies 扫描服务依赖的组件
type Dependencies struct {
	Verifier  auth.Verifier
	Validator PayloadValidator
	Admitter  Admitter
	Provider  vlllm.Provider
	Auditor   audit.Auditor
	Metrics   *Metrics // 可为 nil
}

// DefaultVisionService 识别接口：认证、校验、准入、调用模型、归一化、审计
type DefaultVisionService struct {
	logger  *utils.Logger
	config  *configs.Config
	deps    Dependencies
	maxBody int64
	now     func() time.Time
}

// scan 一次请求在认证之后的上下文
type scan struct {
	requestID   string
	subjectHash string
	networkHash string
	deviceID    string
	decision    limiter.Decision
	admitted    bool
	aiLatency   time.Duration
}

// NewDefaultVisionService 构造函数
func NewDefaultVisionService(config *configs.Config, deps Dependencies, logger *utils.Logger) (*DefaultVisionService, error) {
	switch {
	case deps.Verifier == nil:
		return nil, errors.New("缺少身份校验组件")
	case deps.Validator == nil:
		return nil, errors.New("缺少请求校验组件")
	case deps.Admitter == nil:
		return nil, errors.New("缺少准入控制组件")
	case deps.Provider == nil:
		return nil, errors.New("缺少视觉模型提供者")
	case deps.Auditor == nil:
		return nil, errors.New("缺少审计组件")
	}

	maxDecoded := config.Validation.MaxDecodedBytes
	return &DefaultVisionService{
		logger:  logger,
		config:  config,
		deps:    deps,
		maxBody: (maxDecoded*4+2)/3 + bodyOverhead,
		now:     time.Now,
	}, nil
}

// Start 实现 VisionService 接口，注册所有 Vision 相关路由
func (s *DefaultVisionService) Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error {
	apiGroup.GET("/vision", s.handleGet)
	// 所有方法都进入处理函数，非 POST 统一返回 405
	apiGroup.Any("/vision/analyze", s.handleAnalyze)

	s.logger.Info("Vision HTTP服务路由注册完成", map[string]interface{}{
		"provider": s.deps.Provider.Name(),
		"model":    s.deps.Provider.Model(),
	})
	return nil
}

// handleGet 处理GET请求（状态检查）
func (s *DefaultVisionService) handleGet(c *gin.Context) {
	c.JSON(http.StatusOK, VisionStatusResponse{
		Status:   "ok",
		Provider: s.deps.Provider.Name(),
		Model:    s.deps.Provider.Model(),
	})
}

// handleAnalyze 处理识别请求
func (s *DefaultVisionService) handleAnalyze(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		s.respondError(c, apierr.New(apierr.KindMethodNotAllowed, "Method not allowed"), nil)
		return
	}

	identity, err := s.deps.Verifier.Verify(c.Request.Context(), auth.CredentialsFromRequest(c.Request))
	if err != nil {
		e := apierr.As(err)
		s.logger.Warn("认证失败", map[string]interface{}{
			"request_id": RequestID(c),
			"reason":     e.Message,
			"error":      e.Cause,
		})
		s.respondError(c, e, nil)
		return
	}

	start := s.now()
	sc := &scan{
		requestID:   RequestID(c),
		subjectHash: privacy.Hash(identity.Subject),
		networkHash: privacy.Hash(privacy.NetworkPrefix(
			privacy.ClientIP(c.GetHeader("X-Forwarded-For"), c.Request.RemoteAddr))),
		deviceID: c.GetHeader("Device-Id"),
	}

	result, err := s.process(c, sc)
	latency := s.now().Sub(start)

	if err != nil {
		e := apierr.As(err)
		if status := e.Kind.AuditStatus(); status != "" {
			s.record(sc, status, latency, nil)
		}
		s.logFailure(sc, e, latency)
		s.respondError(c, e, sc)
		return
	}

	s.record(sc, apierr.AuditSuccess, latency, result)
	s.logger.Info("识别完成", map[string]interface{}{
		"request_id":   sc.requestID,
		"subject_hash": shortHash(sc.subjectHash),
		"latency_ms":   latency.Milliseconds(),
		"ai_ms":        sc.aiLatency.Milliseconds(),
		"calories":     result.Calories,
		"confidence":   result.Confidence,
	})
	s.setRateLimitHeaders(c, sc)
	c.JSON(http.StatusOK, result)
}

// process 认证之后的各步骤，任何 panic 都转换为 Internal 错误
func (s *DefaultVisionService) process(c *gin.Context, sc *scan) (result *nutrition.NutritionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.deps.Metrics.panicRecovered()
			err = apierr.Wrap(apierr.KindInternal, "Analysis failed", fmt.Errorf("panic: %v", r))
		}
	}()

	ctx := c.Request.Context()

	body, err := s.readBody(c)
	if err != nil {
		return nil, err
	}

	payload, err := s.deps.Validator.Validate(body)
	if err != nil {
		return nil, err
	}
	if payload.DeviceID != "" && sc.deviceID != "" && payload.DeviceID != sc.deviceID {
		return nil, apierr.Validation("Validation failed", "device_id does not match Device-Id header")
	}

	decision, err := s.deps.Admitter.Check(ctx, sc.subjectHash, sc.networkHash)
	if err != nil {
		return nil, err
	}
	sc.decision = decision
	sc.admitted = true
	if !decision.Allowed {
		s.deps.Metrics.rateLimited(decision.Reason)
		return nil, apierr.New(apierr.KindRateLimited, "Daily scan limit reached")
	}

	aiStart := s.now()
	raw, err := s.deps.Provider.Analyze(ctx, vlllm.Image{
		Base64:   payload.Base64,
		MIMEType: payload.MIMEType,
		Detail:   payload.Detail,
	})
	sc.aiLatency = s.now().Sub(aiStart)
	s.deps.Metrics.observeAI(s.deps.Provider.Name(), sc.aiLatency, err)
	if err != nil {
		return nil, err
	}

	normalized := nutrition.Normalize(raw)
	return &normalized, nil
}

// readBody 按图片上限限制请求体大小
func (s *DefaultVisionService) readBody(c *gin.Context) ([]byte, error) {
	reader := http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody)
	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apierr.Wrap(apierr.KindPayloadTooLarge, "Request body too large", err)
		}
		return nil, apierr.Wrap(apierr.KindValidation, "Invalid request body", err)
	}
	return body, nil
}

// record 每个认证后的最终结果写一条审计记录
func (s *DefaultVisionService) record(sc *scan, status string, latency time.Duration, result *nutrition.NutritionResult) {
	entry := audit.Entry{
		RequestID:   sc.requestID,
		SubjectHash: sc.subjectHash,
		NetworkHash: sc.networkHash,
		Status:      status,
		Provider:    s.deps.Provider.Name(),
		Model:       s.deps.Provider.Model(),
		Latency:     latency,
	}
	if result != nil {
		calories, confidence := result.Calories, result.Confidence
		entry.Calories = &calories
		entry.Confidence = &confidence
	}
	s.deps.Metrics.outcome(status)
	s.deps.Auditor.Record(entry)
}

func (s *DefaultVisionService) logFailure(sc *scan, e *apierr.Error, latency time.Duration) {
	fields := map[string]interface{}{
		"request_id":   sc.requestID,
		"subject_hash": shortHash(sc.subjectHash),
		"kind":         e.Kind.String(),
		"latency_ms":   latency.Milliseconds(),
	}
	if e.Cause != nil {
		fields["error"] = e.Cause
	}

	switch e.Kind {
	case apierr.KindRateLimited:
		fields["reason"] = sc.decision.Reason
		fields["used"] = sc.decision.SubjectCount
		s.logger.Info("超出每日额度", fields)
	case apierr.KindValidation, apierr.KindPayloadTooLarge:
		fields["message"] = e.Message
		s.logger.Warn("请求校验失败", fields)
	default:
		s.logger.Error("识别请求失败", fields)
	}
}

// respondError 按错误分类返回状态码和响应体，内部原因不返回给调用方
func (s *DefaultVisionService) respondError(c *gin.Context, e *apierr.Error, sc *scan) {
	status := e.Kind.HTTPStatus()
	switch e.Kind {
	case apierr.KindRateLimited:
		s.setRateLimitHeaders(c, sc)
		c.JSON(status, RateLimitedResponse{
			Error: e.Message,
			Limit: sc.decision.SubjectLimit,
			Used:  sc.decision.SubjectCount,
		})
	case apierr.KindValidation:
		c.JSON(status, ErrorResponse{Error: e.Message, Details: e.Details})
	default:
		c.JSON(status, ErrorResponse{Error: e.Message})
	}
}

func (s *DefaultVisionService) setRateLimitHeaders(c *gin.Context, sc *scan) {
	if sc == nil || !sc.admitted || sc.decision.Bypassed {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(sc.decision.SubjectLimit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(sc.decision.Remaining()))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
