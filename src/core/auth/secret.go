package auth

import (
	"context"
	"crypto/subtle"
	"errors"
)

// SecretVerifier 共享密钥 + 设备ID 的简化认证，主体为设备ID
type SecretVerifier struct {
	secret []byte
}

func NewSecretVerifier(secret string) (*SecretVerifier, error) {
	if secret == "" {
		return nil, errors.New("app secret cannot be empty")
	}
	return &SecretVerifier{secret: []byte(secret)}, nil
}

func (v *SecretVerifier) Verify(ctx context.Context, cred Credentials) (Identity, error) {
	if cred.AppSecret == "" || subtle.ConstantTimeCompare([]byte(cred.AppSecret), v.secret) != 1 {
		return Identity{}, unauthorized("Unauthorized", nil)
	}
	if cred.DeviceID == "" {
		return Identity{}, unauthorized("Missing Device-Id header", nil)
	}
	return Identity{Subject: "device:" + cred.DeviceID, DeviceID: cred.DeviceID}, nil
}
