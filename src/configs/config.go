package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 主配置结构
type Config struct {
	Server struct {
		IP             string   `yaml:"ip"`
		Port           int      `yaml:"port"`
		TrustedProxies []string `yaml:"trusted_proxies"`
		RequestRate    float64  `yaml:"request_rate"`  // 进程级每秒请求数，0表示不限制
		RequestBurst   int      `yaml:"request_burst"` // 进程级突发请求数
	} `yaml:"server"`

	Log struct {
		LogFormat string `yaml:"log_format"`
		LogLevel  string `yaml:"log_level"`
		LogDir    string `yaml:"log_dir"`
		LogFile   string `yaml:"log_file"`
	} `yaml:"log"`

	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	Auth        AuthConfig        `yaml:"auth"`
	Validation  ValidationConfig  `yaml:"validation"`
	Limiter     LimiterConfig     `yaml:"limiter"`
	Vision      VisionConfig      `yaml:"vision"`
	Audit       AuditConfig       `yaml:"audit"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// AuthConfig 身份认证配置
type AuthConfig struct {
	Mode       string `yaml:"mode"`        // jwt 或 secret
	Issuer     string `yaml:"issuer"`      // JWT签发者
	Audience   string `yaml:"audience"`    // JWT受众
	Role       string `yaml:"role"`        // 要求的role声明
	JWKSURL    string `yaml:"jwks_url"`    // 远程JWKS地址
	HMACSecret string `yaml:"hmac_secret"` // 本地HS256密钥，设置后不使用JWKS
	AppSecret  string `yaml:"app_secret"`  // secret模式下的共享密钥
}

// ValidationConfig 请求体与图片校验配置
type ValidationConfig struct {
	MaxDecodedBytes int64    `yaml:"max_decoded_bytes"` // 解码后最大字节数
	AllowedMIME     []string `yaml:"allowed_mime"`      // 允许的MIME类型
	AllowRawBase64  bool     `yaml:"allow_raw_base64"`  // 是否接受不带data URL前缀的base64
	DefaultMIME     string   `yaml:"default_mime"`      // 裸base64时使用的MIME类型
	RequireDeviceID bool     `yaml:"require_device_id"` // 请求体是否必须携带device_id
	SniffContent    bool     `yaml:"sniff_content"`     // 是否解码并校验图片内容
	MaxWidth        int      `yaml:"max_width"`
	MaxHeight       int      `yaml:"max_height"`
	MaxPixels       int64    `yaml:"max_pixels"`
}

// LimiterConfig 准入控制配置
type LimiterConfig struct {
	Backend             string `yaml:"backend"`               // atomic, readwrite, redis
	RedisURL            string `yaml:"redis_url"`             // redis后端地址
	DefaultSubjectLimit int    `yaml:"default_subject_limit"` // 设置缺失时的每日额度
	NetworkLimit        int    `yaml:"network_limit"`         // 每个网段每日额度，0表示不限制
	SettingKey          string `yaml:"setting_key"`           // app_settings中的额度键名
	FailOpen            bool   `yaml:"fail_open"`             // 存储不可用时是否放行
}

// VisionConfig 视觉模型配置
type VisionConfig struct {
	Provider        string        `yaml:"provider"`    // gemini, openai, ollama, vertex
	ModelName       string        `yaml:"model_name"`  // 模型名称
	APIKey          string        `yaml:"api_key"`     // API密钥
	BaseURL         string        `yaml:"url"`         // API地址
	Timeout         time.Duration `yaml:"timeout"`     // 单次调用超时
	MaxTokens       int           `yaml:"max_tokens"`  // 最大令牌数
	Temperature     float64       `yaml:"temperature"` // 温度参数
	ProjectID       string        `yaml:"project_id"`  // vertex 项目
	Location        string        `yaml:"location"`    // vertex 区域
	CredentialsFile string        `yaml:"credentials_file"`
}

// AuditConfig 审计日志配置
type AuditConfig struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MaintenanceConfig 数据清理配置
type MaintenanceConfig struct {
	CronSecret    string        `yaml:"cron_secret"`
	RetentionDays int           `yaml:"retention_days"`
	PurgeInterval time.Duration `yaml:"purge_interval"` // 进程内定时清理间隔，0表示只由外部触发
}

// Default 返回带默认值的配置
func Default() *Config {
	c := &Config{}
	c.Server.Port = 8080
	c.Log.LogLevel = "INFO"
	c.Log.LogDir = "logs"
	c.Log.LogFile = "server.log"
	c.Auth = AuthConfig{
		Mode:     "jwt",
		Audience: "authenticated",
		Role:     "authenticated",
	}
	c.Validation = ValidationConfig{
		MaxDecodedBytes: 3 * 1024 * 1024,
		AllowedMIME:     []string{"image/jpeg", "image/png", "image/webp"},
		DefaultMIME:     "image/jpeg",
		MaxWidth:        8192,
		MaxHeight:       8192,
		MaxPixels:       40_000_000,
	}
	c.Limiter = LimiterConfig{
		Backend:             "atomic",
		DefaultSubjectLimit: 5,
		NetworkLimit:        20,
		SettingKey:          "rate_limit_per_device_per_day",
	}
	c.Vision = VisionConfig{
		Provider:  "gemini",
		ModelName: "gemini-2.5-flash",
		Timeout:   15 * time.Second,
		MaxTokens: 1024,
	}
	c.Audit = AuditConfig{
		Workers:      2,
		QueueSize:    256,
		WriteTimeout: 5 * time.Second,
	}
	c.Maintenance.RetentionDays = 30
	return c
}

// LoadConfig 从文件加载配置，path为空时优先使用 .config.yaml
func LoadConfig(path string) (*Config, string, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	if path == "" {
		path = ".config.yaml"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = "config.yaml"
		}
	}

	config := Default()
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, path, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, path, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, path, err
	}
	if err := config.Validate(); err != nil {
		return nil, path, err
	}
	return config, path, nil
}

// applyEnv 使用环境变量覆盖配置
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("AI_PROVIDER", &c.Vision.Provider)
	str("AI_MODEL", &c.Vision.ModelName)
	str("AI_API_KEY", &c.Vision.APIKey)
	str("AI_BASE_URL", &c.Vision.BaseURL)
	str("DATABASE_URL", &c.Database.DSN)
	str("REDIS_URL", &c.Limiter.RedisURL)
	str("AUTH_ISSUER", &c.Auth.Issuer)
	str("AUTH_JWKS_URL", &c.Auth.JWKSURL)
	str("AUTH_HMAC_SECRET", &c.Auth.HMACSecret)
	str("APP_PROXY_SECRET", &c.Auth.AppSecret)
	str("CRON_SECRET", &c.Maintenance.CronSecret)

	// 与 Supabase 部署保持兼容
	if v, ok := lookup("SUPABASE_URL"); ok && v != "" {
		base := strings.TrimSuffix(v, "/")
		if c.Auth.Issuer == "" {
			c.Auth.Issuer = base + "/auth/v1"
		}
		if c.Auth.JWKSURL == "" {
			c.Auth.JWKSURL = base + "/auth/v1/.well-known/jwks.json"
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("无效的 PORT: %q", v)
		}
		c.Server.Port = port
	}
	c.Vision.Provider = strings.ToLower(c.Vision.Provider)
	return nil
}

// Validate 检查配置是否可用
func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case "jwt":
		if c.Auth.HMACSecret == "" && c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.mode=jwt 需要设置 jwks_url 或 hmac_secret")
		}
		if c.Auth.Issuer == "" {
			return fmt.Errorf("auth.mode=jwt 需要设置 issuer 或 SUPABASE_URL")
		}
		if c.Auth.Audience == "" {
			return fmt.Errorf("auth.mode=jwt 需要设置 audience")
		}
	case "secret":
		if c.Auth.AppSecret == "" {
			return fmt.Errorf("auth.mode=secret 需要设置 app_secret")
		}
	default:
		return fmt.Errorf("不支持的认证模式: %s", c.Auth.Mode)
	}

	switch c.Limiter.Backend {
	case "atomic", "readwrite":
	case "redis":
		if c.Limiter.RedisURL == "" {
			return fmt.Errorf("limiter.backend=redis 需要设置 redis_url")
		}
	default:
		return fmt.Errorf("不支持的限流后端: %s", c.Limiter.Backend)
	}

	if c.Validation.MaxDecodedBytes <= 0 {
		return fmt.Errorf("validation.max_decoded_bytes 必须大于0")
	}
	if c.Vision.Timeout <= 0 {
		return fmt.Errorf("vision.timeout 必须大于0")
	}
	return nil
}
