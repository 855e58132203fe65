package image

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"strings"

	"nutriscan-server-go/src/configs"
	"nutriscan-server-go/src/core/utils"

	_ "image/jpeg" // 注册JPEG解码器
	_ "image/png"  // 注册PNG解码器

	_ "golang.org/x/image/webp" // 注册WEBP解码器
)

// ImageSecurityValidator 图片内容校验器
type ImageSecurityValidator struct {
	config *configs.ValidationConfig
	logger *utils.Logger
}

// NewImageSecurityValidator 创建新的图片内容校验器
func NewImageSecurityValidator(config *configs.ValidationConfig, logger *utils.Logger) *ImageSecurityValidator {
	return &ImageSecurityValidator{
		config: config,
		logger: logger,
	}
}

// 图片格式魔数签名
var imageSignatures = map[string][]byte{
	"image/jpeg": {0xFF, 0xD8},
	"image/png":  {0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
	"image/webp": {0x52, 0x49, 0x46, 0x46}, // RIFF，需要进一步检查WEBP标识
}

// ValidateBase64 解码 base64 并校验图片内容与声明的MIME一致
func (v *ImageSecurityValidator) ValidateBase64(b64 string, mimeType string) ValidationResult {
	data, err := decodeBase64(b64)
	if err != nil {
		return ValidationResult{Error: fmt.Errorf("base64解码失败: %v", err)}
	}
	return v.validateImage(data, mimeType)
}

// validateImage 依次校验文件头、解码配置和尺寸
func (v *ImageSecurityValidator) validateImage(data []byte, mimeType string) ValidationResult {
	result := ValidationResult{IsValid: false}

	if !v.validateFileSignature(data, mimeType) {
		result.Error = fmt.Errorf("文件头与声明的类型 %s 不匹配", mimeType)
		if v.logger != nil {
			v.logger.Warn("图片文件头校验失败", map[string]interface{}{
				"declared_mime": mimeType,
				"actual_header": fmt.Sprintf("%x", data[:min(len(data), 16)]),
			})
		}
		return result
	}

	return v.validateImageDecoding(data, mimeType)
}

// validateFileSignature 验证文件头签名
func (v *ImageSecurityValidator) validateFileSignature(data []byte, mimeType string) bool {
	signature, exists := imageSignatures[strings.ToLower(mimeType)]
	if !exists {
		return false
	}
	if !bytes.HasPrefix(data, signature) {
		return false
	}

	// WEBP需要额外验证
	if strings.ToLower(mimeType) == "image/webp" {
		return len(data) >= 12 && bytes.Equal(data[8:12], []byte("WEBP"))
	}
	return true
}

// validateImageDecoding 读取图片头信息并检查尺寸
func (v *ImageSecurityValidator) validateImageDecoding(data []byte, mimeType string) ValidationResult {
	result := ValidationResult{Format: mimeType}

	config, actualFormat, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		result.Error = fmt.Errorf("图片解码失败: %v", err)
		return result
	}
	if actualFormat != "" {
		result.Format = actualFormat
	}

	if v.config.MaxWidth > 0 && config.Width > v.config.MaxWidth ||
		v.config.MaxHeight > 0 && config.Height > v.config.MaxHeight {
		result.Error = fmt.Errorf("图片尺寸超限: %dx%d，最大允许: %dx%d",
			config.Width, config.Height, v.config.MaxWidth, v.config.MaxHeight)
		return result
	}

	totalPixels := int64(config.Width) * int64(config.Height)
	if v.config.MaxPixels > 0 && totalPixels > v.config.MaxPixels {
		result.Error = fmt.Errorf("像素总数超限: %d，最大允许: %d", totalPixels, v.config.MaxPixels)
		return result
	}

	result.IsValid = true
	result.Width = config.Width
	result.Height = config.Height
	result.FileSize = int64(len(data))
	return result
}

// decodeBase64 兼容带填充和不带填充的 base64
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "\r\n ")
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
