package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims JWT声明，role 为身份服务写入的角色
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// JWTVerifier 校验 Bearer JWT 并返回 sub
type JWTVerifier struct {
	keys     KeyResolver
	issuer   string
	audience string
	role     string
}

func NewJWTVerifier(keys KeyResolver, issuer, audience, role string) *JWTVerifier {
	return &JWTVerifier{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		role:     role,
	}
}

func (v *JWTVerifier) Verify(ctx context.Context, cred Credentials) (Identity, error) {
	if !strings.HasPrefix(cred.Authorization, "Bearer ") {
		return Identity{}, unauthorized("Missing or malformed Authorization header", nil)
	}
	tokenString := strings.TrimSpace(cred.Authorization[len("Bearer "):])
	if tokenString == "" {
		return Identity{}, unauthorized("Missing or malformed Authorization header", nil)
	}

	keyfunc, err := v.keys.Keyfunc(ctx)
	if err != nil {
		return Identity{}, unauthorized("Unauthorized", err)
	}

	// 未配置签发者或受众时一律拒绝
	if v.issuer == "" || v.audience == "" {
		return Identity{}, unauthorized("Unauthorized", errors.New("issuer or audience not configured"))
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.keys.Methods()),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, keyfunc, opts...)
	if err != nil {
		return Identity{}, unauthorized("Unauthorized", fmt.Errorf("failed to parse token: %w", err))
	}
	if !token.Valid {
		return Identity{}, unauthorized("Unauthorized", nil)
	}

	if v.role != "" && claims.Role != v.role {
		return Identity{}, unauthorized("Invalid token role", nil)
	}
	if claims.Subject == "" {
		return Identity{}, unauthorized("Token missing sub claim", nil)
	}

	return Identity{Subject: claims.Subject}, nil
}

// GenerateHMACToken 签发 HS256 测试令牌，用于本地开发
func GenerateHMACToken(secret, subject, role, issuer, audience string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}
