package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutriscan-server-go/src/configs"
	"nutriscan-server-go/src/core/apierr"
)

const (
	testSecret   = "super-secret"
	testIssuer   = "https://proj.supabase.co/auth/v1"
	testAudience = "authenticated"
)

func newHMACVerifier() *JWTVerifier {
	return NewJWTVerifier(NewHMACKeys(testSecret), testIssuer, testAudience, "authenticated")
}

func bearer(t *testing.T, secret, subject, role, issuer string, ttl time.Duration) Credentials {
	t.Helper()
	tok, err := GenerateHMACToken(secret, subject, role, issuer, testAudience, ttl)
	require.NoError(t, err)
	return Credentials{Authorization: "Bearer " + tok}
}

func TestJWTVerifier_Success(t *testing.T) {
	t.Parallel()

	id, err := newHMACVerifier().Verify(context.Background(),
		bearer(t, testSecret, "user-123", "authenticated", testIssuer, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "user-123", id.Subject)
	assert.Empty(t, id.DeviceID)
}

func TestJWTVerifier_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cred    func(t *testing.T) Credentials
		message string
	}{
		{
			name:    "缺少Authorization",
			cred:    func(t *testing.T) Credentials { return Credentials{} },
			message: "Missing or malformed Authorization header",
		},
		{
			name:    "没有Bearer前缀",
			cred:    func(t *testing.T) Credentials { return Credentials{Authorization: "Token abc"} },
			message: "Missing or malformed Authorization header",
		},
		{
			name: "签名错误",
			cred: func(t *testing.T) Credentials {
				return bearer(t, "wrong-secret", "user-1", "authenticated", testIssuer, time.Hour)
			},
			message: "Unauthorized",
		},
		{
			name: "已过期",
			cred: func(t *testing.T) Credentials {
				return bearer(t, testSecret, "user-1", "authenticated", testIssuer, -time.Minute)
			},
			message: "Unauthorized",
		},
		{
			name: "签发者不匹配",
			cred: func(t *testing.T) Credentials {
				return bearer(t, testSecret, "user-1", "authenticated", "https://evil.example", time.Hour)
			},
			message: "Unauthorized",
		},
		{
			name: "角色错误",
			cred: func(t *testing.T) Credentials {
				return bearer(t, testSecret, "user-1", "anon", testIssuer, time.Hour)
			},
			message: "Invalid token role",
		},
		{
			name: "缺少sub",
			cred: func(t *testing.T) Credentials {
				return bearer(t, testSecret, "", "authenticated", testIssuer, time.Hour)
			},
			message: "Token missing sub claim",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newHMACVerifier().Verify(context.Background(), tt.cred(t))
			require.Error(t, err)
			e := apierr.As(err)
			assert.Equal(t, apierr.KindUnauthorized, e.Kind)
			assert.Equal(t, tt.message, e.Message)
		})
	}
}

func TestJWTVerifier_RejectsAlgorithmSwitch(t *testing.T) {
	t.Parallel()

	// 用 none 签名的令牌必须被拒绝
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: testIssuer, Audience: jwt.ClaimStrings{testAudience}},
		Role:             "authenticated",
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = newHMACVerifier().Verify(context.Background(), Credentials{Authorization: "Bearer " + tok})
	assert.Equal(t, apierr.KindUnauthorized, apierr.KindOf(err))
}

func TestSecretVerifier(t *testing.T) {
	t.Parallel()

	v, err := NewSecretVerifier("proxy-secret")
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), Credentials{AppSecret: "proxy-secret", DeviceID: "dev-1"})
	require.NoError(t, err)
	assert.Equal(t, "device:dev-1", id.Subject)
	assert.Equal(t, "dev-1", id.DeviceID)

	_, err = v.Verify(context.Background(), Credentials{AppSecret: "nope", DeviceID: "dev-1"})
	assert.Equal(t, apierr.KindUnauthorized, apierr.KindOf(err))

	_, err = v.Verify(context.Background(), Credentials{AppSecret: "proxy-secret"})
	assert.Equal(t, "Missing Device-Id header", apierr.As(err).Message)

	_, err = NewSecretVerifier("")
	assert.Error(t, err)
}

func TestNewVerifier(t *testing.T) {
	t.Parallel()

	v, err := NewVerifier(configs.AuthConfig{Mode: "secret", AppSecret: "s"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SecretVerifier{}, v)

	v, err = NewVerifier(configs.AuthConfig{Mode: "jwt", Issuer: testIssuer, Audience: testAudience}, NewHMACKeys("s"))
	require.NoError(t, err)
	assert.IsType(t, &JWTVerifier{}, v)

	_, err = NewVerifier(configs.AuthConfig{Mode: "jwt", Audience: testAudience}, NewHMACKeys("s"))
	assert.Error(t, err, "缺少签发者不能创建jwt校验")
	_, err = NewVerifier(configs.AuthConfig{Mode: "jwt", Issuer: testIssuer}, NewHMACKeys("s"))
	assert.Error(t, err, "缺少受众不能创建jwt校验")
}

func TestJWTVerifier_EmptyIssuerRejectsAll(t *testing.T) {
	t.Parallel()

	v := NewJWTVerifier(NewHMACKeys(testSecret), "", testAudience, "authenticated")
	for _, issuer := range []string{testIssuer, "https://evil.example/auth/v1", ""} {
		_, err := v.Verify(context.Background(),
			bearer(t, testSecret, "user-1", "authenticated", issuer, time.Hour))
		assert.Equal(t, apierr.KindUnauthorized, apierr.KindOf(err), issuer)
	}
}

func TestRemoteKeySet_LazyAndCached(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "k1",
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keys := NewRemoteKeySet(ctx, srv.URL)
	assert.Equal(t, int32(0), hits.Load(), "创建时不应拉取密钥")

	verifier := NewJWTVerifier(keys, testIssuer, testAudience, "authenticated")

	sign := func(subject string) Credentials {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   subject,
				Issuer:    testIssuer,
				Audience:  jwt.ClaimStrings{testAudience},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Role: "authenticated",
		})
		token.Header["kid"] = "k1"
		s, err := token.SignedString(key)
		require.NoError(t, err)
		return Credentials{Authorization: "Bearer " + s}
	}

	id, err := verifier.Verify(context.Background(), sign("user-a"))
	require.NoError(t, err)
	assert.Equal(t, "user-a", id.Subject)

	_, err = verifier.Verify(context.Background(), sign("user-b"))
	require.NoError(t, err)

	assert.Equal(t, int32(1), hits.Load(), "密钥应在进程内缓存")
}
