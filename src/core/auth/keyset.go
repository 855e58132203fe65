package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"nutriscan-server-go/src/configs"
)

// KeyResolver 提供JWT验签密钥
type KeyResolver interface {
	Keyfunc(ctx context.Context) (jwt.Keyfunc, error)
	Methods() []string
}

// NewKeyResolver 根据配置创建密钥来源：hmac_secret 优先，否则使用远程 JWKS
func NewKeyResolver(ctx context.Context, cfg configs.AuthConfig) (KeyResolver, error) {
	if cfg.HMACSecret != "" {
		return NewHMACKeys(cfg.HMACSecret), nil
	}
	if cfg.JWKSURL != "" {
		return NewRemoteKeySet(ctx, cfg.JWKSURL), nil
	}
	return nil, errors.New("no JWT key source configured")
}

// HMACKeys 使用共享密钥验签
type HMACKeys struct {
	secret []byte
}

func NewHMACKeys(secret string) *HMACKeys {
	return &HMACKeys{secret: []byte(secret)}
}

func (k *HMACKeys) Keyfunc(ctx context.Context) (jwt.Keyfunc, error) {
	return func(token *jwt.Token) (interface{}, error) {
		// 验证签名方法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return k.secret, nil
	}, nil
}

func (k *HMACKeys) Methods() []string {
	return []string{"HS256", "HS384", "HS512"}
}

// RemoteKeySet 远程 JWKS 密钥集。首次使用时创建，之后在进程生命周期内复用，
// 刷新策略由 keyfunc 负责。
type RemoteKeySet struct {
	ctx context.Context
	url string

	mu sync.Mutex
	kf keyfunc.Keyfunc
}

// NewRemoteKeySet 创建远程密钥集，ctx 为进程级上下文，取消后后台刷新停止
func NewRemoteKeySet(ctx context.Context, url string) *RemoteKeySet {
	return &RemoteKeySet{ctx: ctx, url: url}
}

func (s *RemoteKeySet) Keyfunc(ctx context.Context) (jwt.Keyfunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 创建失败不缓存，下次请求重试
	if s.kf == nil {
		kf, err := keyfunc.NewDefaultCtx(s.ctx, []string{s.url})
		if err != nil {
			return nil, fmt.Errorf("failed to load JWKS: %w", err)
		}
		s.kf = kf
	}
	return s.kf.Keyfunc, nil
}

func (s *RemoteKeySet) Methods() []string {
	return []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "EdDSA"}
}
