package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"nutriscan-server-go/src/configs"
	"nutriscan-server-go/src/configs/database"
	"nutriscan-server-go/src/core/audit"
	"nutriscan-server-go/src/core/auth"
	"nutriscan-server-go/src/core/health"
	"nutriscan-server-go/src/core/image"
	"nutriscan-server-go/src/core/limiter"
	"nutriscan-server-go/src/core/providers/vlllm"
	"nutriscan-server-go/src/core/utils"
	"nutriscan-server-go/src/maintenance"
	"nutriscan-server-go/src/vision"

	// 导入所有视觉模型提供者以确保init函数被调用
	_ "nutriscan-server-go/src/core/providers/vlllm/gemini"
	_ "nutriscan-server-go/src/core/providers/vlllm/ollama"
	_ "nutriscan-server-go/src/core/providers/vlllm/openai"
	_ "nutriscan-server-go/src/core/providers/vlllm/vertex"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

func LoadConfigAndLogger(path string) (*configs.Config, *utils.Logger, error) {
	// 加载配置,默认使用.config.yaml
	config, configPath, err := configs.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}

	// 初始化日志系统
	logger, err := utils.NewLogger(config)
	if err != nil {
		return nil, nil, err
	}
	logger.Info(fmt.Sprintf("日志系统初始化成功, 配置文件路径: %s", configPath))

	return config, logger, nil
}

// OpenDatabase 连接数据库并迁移表结构
func OpenDatabase(config *configs.Config, logger *utils.Logger) (*gorm.DB, error) {
	db, dbType, err := database.InitDB(config.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	logger.Info("数据库连接成功", map[string]interface{}{"type": dbType})
	return db, nil
}

// services serve 命令持有的需要关闭的组件
type services struct {
	provider vlllm.Provider
	recorder *audit.Recorder
	redis    redis.UniversalClient
}

func (s *services) close(ctx context.Context, logger *utils.Logger) {
	if s.recorder != nil {
		if err := s.recorder.Close(ctx); err != nil {
			logger.Error("审计日志关闭失败", err)
		}
	}
	if closer, ok := s.provider.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Error("视觉模型客户端关闭失败", err)
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

// buildDependencies 组装识别接口依赖的全部组件
func buildDependencies(ctx context.Context, config *configs.Config, db *gorm.DB, logger *utils.Logger, reg prometheus.Registerer) (vision.Dependencies, *services, error) {
	svc := &services{}

	var keys auth.KeyResolver
	if config.Auth.Mode == "jwt" {
		var err error
		if keys, err = auth.NewKeyResolver(ctx, config.Auth); err != nil {
			return vision.Dependencies{}, svc, err
		}
	}
	verifier, err := auth.NewVerifier(config.Auth, keys)
	if err != nil {
		return vision.Dependencies{}, svc, err
	}

	if config.Limiter.Backend == "redis" {
		client, err := limiter.NewRedisClient(config.Limiter.RedisURL)
		if err != nil {
			return vision.Dependencies{}, svc, err
		}
		svc.redis = client
	}
	store, err := limiter.NewStore(db, config.Limiter.Backend, svc.redis)
	if err != nil {
		return vision.Dependencies{}, svc, err
	}
	settings := limiter.NewGormSettings(db, config.Limiter.SettingKey, config.Limiter.DefaultSubjectLimit, logger)

	provider, err := vlllm.Create(config.Vision, logger)
	if err != nil {
		return vision.Dependencies{}, svc, fmt.Errorf("创建视觉模型提供者失败: %w", err)
	}
	svc.provider = provider

	svc.recorder = audit.NewRecorder(audit.NewGormSink(db), config.Audit, logger)
	metrics := vision.NewMetrics(reg)
	vision.RegisterAuditCounters(reg, svc.recorder.Dropped, svc.recorder.Failed)

	return vision.Dependencies{
		Verifier:  verifier,
		Validator: image.NewPayloadValidator(config.Validation, logger),
		Admitter:  limiter.NewController(store, settings, config.Limiter, logger),
		Provider:  provider,
		Auditor:   svc.recorder,
		Metrics:   metrics,
	}, svc, nil
}

func StartHttpServer(config *configs.Config, db *gorm.DB, deps vision.Dependencies, logger *utils.Logger, g *errgroup.Group, groupCtx context.Context) (*http.Server, error) {
	// 初始化Gin引擎
	if strings.EqualFold(config.Log.LogLevel, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	var guard *rate.Limiter
	if config.Server.RequestRate > 0 {
		burst := config.Server.RequestBurst
		if burst <= 0 {
			burst = int(config.Server.RequestRate) + 1
		}
		guard = rate.NewLimiter(rate.Limit(config.Server.RequestRate), burst)
	}

	router := vision.NewEngine(deps.Metrics, guard)
	if err := router.SetTrustedProxies(config.Server.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted_proxies 配置错误: %w", err)
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API路由全部挂载到/api前缀下
	apiGroup := router.Group("/api")

	visionService, err := vision.NewDefaultVisionService(config, deps, logger)
	if err != nil {
		return nil, err
	}
	if err := visionService.Start(groupCtx, router, apiGroup); err != nil {
		return nil, err
	}

	maintenanceService := maintenance.NewDefaultMaintenanceService(db, config.Maintenance, logger)
	if err := maintenanceService.Start(groupCtx, router, apiGroup); err != nil {
		return nil, err
	}

	// HTTP Server（支持优雅关机）
	httpServer := &http.Server{
		Addr:              config.Server.IP + ":" + strconv.Itoa(config.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info(fmt.Sprintf("Gin 服务已启动，访问地址: http://%s", httpServer.Addr))

		// 在单独的 goroutine 中监听关闭信号
		go func() {
			<-groupCtx.Done()
			logger.Info("收到关闭信号，开始关闭HTTP服务...")

			// 等待进行中的识别请求完成，需大于模型调用超时
			shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Vision.Timeout+5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP服务关闭失败", err)
			} else {
				logger.Info("HTTP服务已优雅关闭")
			}
		}()

		// ListenAndServe 返回 ErrServerClosed 时表示正常关闭
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP 服务启动失败", err)
			return err
		}
		return nil
	})

	return httpServer, nil
}

func GracefulShutdown(ctx context.Context, cancel context.CancelFunc, logger *utils.Logger, g *errgroup.Group, timeout time.Duration) error {
	// 监听系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info(fmt.Sprintf("接收到系统信号: %v，开始优雅关闭服务", sig))
	case <-ctx.Done():
		logger.Info("服务异常退出，开始关闭")
	}

	// 取消上下文，通知所有服务开始关闭
	cancel()

	// 等待所有服务关闭，设置超时保护
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("服务关闭过程中出现错误: %w", err)
		}
		logger.Info("所有服务已优雅关闭")
		return nil
	case <-time.After(timeout):
		return errors.New("服务关闭超时")
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	config, logger, err := LoadConfigAndLogger(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("加载配置或初始化日志系统失败: %w", err)
	}
	defer logger.Close()

	db, err := OpenDatabase(config, logger)
	if err != nil {
		logger.Error("数据库连接失败", err)
		return err
	}

	// 创建可取消的上下文
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deps, svc, err := buildDependencies(ctx, config, db, logger, prometheus.DefaultRegisterer)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		svc.close(closeCtx, logger)
	}()
	if err != nil {
		logger.Error("初始化识别服务失败", err)
		return err
	}

	// 用 errgroup 管理 HTTP 服务和定时清理
	g, groupCtx := errgroup.WithContext(ctx)

	if _, err := StartHttpServer(config, db, deps, logger, g, groupCtx); err != nil {
		logger.Error("启动 Http 服务失败", err)
		cancel()
		return err
	}

	scheduler := maintenance.NewScheduler(db, config.Maintenance.RetentionDays, config.Maintenance.PurgeInterval, logger)
	g.Go(func() error {
		return scheduler.Run(groupCtx)
	})

	// 启动优雅关机处理
	if err := GracefulShutdown(groupCtx, cancel, logger, g, config.Vision.Timeout+15*time.Second); err != nil {
		logger.Error(err.Error())
		return err
	}

	logger.Info("程序已成功退出")
	return nil
}

func purgeAction(ctx context.Context, cmd *cli.Command) error {
	config, _, err := configs.LoadConfig(cmd.String("config"))
	if err != nil {
		return err
	}
	logger := utils.NewWriterLogger(os.Stderr, cmd.Bool("verbose"))

	db, err := OpenDatabase(config, logger)
	if err != nil {
		return err
	}

	days := config.Maintenance.RetentionDays
	if cmd.IsSet("retention-days") {
		days = int(cmd.Int("retention-days"))
	}

	result, err := maintenance.Purge(ctx, db, days, time.Now())
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(result)
}

func checkAction(ctx context.Context, cmd *cli.Command) error {
	config, _, err := configs.LoadConfig(cmd.String("config"))
	if err != nil {
		return err
	}
	logger := utils.NewWriterLogger(os.Stderr, false)

	options := health.DefaultOptions()
	options.RetryAttempts = int(cmd.Int("retries"))
	options.Timeout = cmd.Duration("timeout")
	checker := health.NewHealthChecker(options, logger)

	db, err := OpenDatabase(config, logger)
	if err != nil {
		return err
	}
	checker.Add("database", health.DatabaseCheck(db))

	if config.Limiter.Backend == "redis" {
		client, err := limiter.NewRedisClient(config.Limiter.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		checker.Add("redis", health.RedisCheck(client))
	}

	provider, err := vlllm.Create(config.Vision, logger)
	if err != nil {
		return fmt.Errorf("创建视觉模型提供者失败: %w", err)
	}
	if closer, ok := provider.(io.Closer); ok {
		defer closer.Close()
	}
	checker.Add("vision", health.ProviderCheck(provider))

	mode := health.BasicCheck
	if cmd.Bool("functional") {
		mode = health.FunctionalCheck
	}
	results, checkErr := checker.CheckAll(ctx, mode)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(results); err != nil {
		return err
	}
	return checkErr
}

func tokenAction(_ context.Context, cmd *cli.Command) error {
	config, _, err := configs.LoadConfig(cmd.String("config"))
	if err != nil {
		return err
	}
	if config.Auth.HMACSecret == "" {
		return errors.New("签发测试令牌需要设置 auth.hmac_secret")
	}

	token, err := auth.GenerateHMACToken(config.Auth.HMACSecret, cmd.String("subject"), config.Auth.Role,
		config.Auth.Issuer, config.Auth.Audience, cmd.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func newApp() *cli.Command {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "配置文件路径，默认 .config.yaml 或 config.yaml",
	}

	return &cli.Command{
		Name:   "nutriscan",
		Usage:  "食物照片营养识别服务",
		Flags:  []cli.Flag{configFlag},
		Action: serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "启动 HTTP 服务",
				Flags:  []cli.Flag{configFlag},
				Action: serveAction,
			},
			{
				Name:  "purge",
				Usage: "删除超过保留期的审计记录和每日计数",
				Flags: []cli.Flag{
					configFlag,
					&cli.IntFlag{Name: "retention-days", Usage: "覆盖 maintenance.retention_days"},
					&cli.BoolFlag{Name: "verbose", Usage: "输出调试日志"},
				},
				Action: purgeAction,
			},
			{
				Name:  "check",
				Usage: "检查数据库、redis 和视觉模型的连通性",
				Flags: []cli.Flag{
					configFlag,
					&cli.BoolFlag{Name: "functional", Usage: "用测试图片实际调用一次模型"},
					&cli.IntFlag{Name: "retries", Value: 3, Usage: "每项检查的尝试次数"},
					&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "单次检查超时"},
				},
				Action: checkAction,
			},
			{
				Name:  "token",
				Usage: "使用 hmac_secret 签发本地调试用的 JWT",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{Name: "subject", Value: "dev-user", Usage: "sub 声明"},
					&cli.DurationFlag{Name: "ttl", Value: time.Hour, Usage: "有效期"},
				},
				Action: tokenAction,
			},
		},
	}
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
