package auth

import (
	"context"
	"fmt"
	"net/http"

	"nutriscan-server-go/src/configs"
	"nutriscan-server-go/src/core/apierr"
)

// Credentials 从请求头提取的认证信息
type Credentials struct {
	Authorization string // Authorization 头
	AppSecret     string // X-App-Secret 头
	DeviceID      string // Device-Id 头
}

// CredentialsFromRequest 提取认证相关的请求头
func CredentialsFromRequest(r *http.Request) Credentials {
	return Credentials{
		Authorization: r.Header.Get("Authorization"),
		AppSecret:     r.Header.Get("X-App-Secret"),
		DeviceID:      r.Header.Get("Device-Id"),
	}
}

// Identity 认证通过后的调用方身份
type Identity struct {
	Subject  string // 稳定的主体标识，只以哈希形式落库
	DeviceID string // secret 模式下的设备ID
}

// Verifier 身份校验策略
type Verifier interface {
	Verify(ctx context.Context, cred Credentials) (Identity, error)
}

// unauthorized 构造认证错误
func unauthorized(message string, cause error) error {
	return apierr.Wrap(apierr.KindUnauthorized, message, cause)
}

// NewVerifier 根据配置创建校验策略，keys 为进程级密钥集，jwt 模式下使用
func NewVerifier(cfg configs.AuthConfig, keys KeyResolver) (Verifier, error) {
	switch cfg.Mode {
	case "secret":
		return NewSecretVerifier(cfg.AppSecret)
	default:
		if cfg.Issuer == "" || cfg.Audience == "" {
			return nil, fmt.Errorf("jwt 校验需要 issuer 和 audience")
		}
		return NewJWTVerifier(keys, cfg.Issuer, cfg.Audience, cfg.Role), nil
	}
}
