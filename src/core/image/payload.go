package image

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"nutriscan-server-go/src/configs"
	"nutriscan-server-go/src/core/apierr"
	"nutriscan-server-go/src/core/utils"
)

var dataURLPattern = regexp.MustCompile(`(?s)^data:([^;,]+);base64,(.+)$`)

// 客户端时间允许的格式
// 解析时秒后的小数部分可以省略或任意位数
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05Z07",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// PayloadValidator 解析并校验识别请求
type PayloadValidator struct {
	config   configs.ValidationConfig
	validate *validator.Validate
	allowed  map[string]struct{}
	content  *ImageSecurityValidator
	logger   *utils.Logger
}

// NewPayloadValidator 创建请求校验器
func NewPayloadValidator(config configs.ValidationConfig, logger *utils.Logger) *PayloadValidator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("iso8601", func(fl validator.FieldLevel) bool {
		_, ok := parseTimestamp(fl.Field().String())
		return ok
	})

	allowed := make(map[string]struct{}, len(config.AllowedMIME))
	for _, m := range config.AllowedMIME {
		allowed[strings.ToLower(m)] = struct{}{}
	}

	return &PayloadValidator{
		config:   config,
		validate: validate,
		allowed:  allowed,
		content:  NewImageSecurityValidator(&config, logger),
		logger:   logger,
	}
}

// Validate 依次执行：结构校验、data URL 解析、MIME 白名单、解码大小上限、可选的内容校验
func (v *PayloadValidator) Validate(body []byte) (*ImagePayload, error) {
	req, err := v.parseRequest(body)
	if err != nil {
		return nil, err
	}

	mimeType, b64, err := v.parseImage(req.ImageBase64)
	if err != nil {
		return nil, err
	}

	if !v.isMIMEAllowed(mimeType) {
		return nil, apierr.Validation(fmt.Sprintf("Unsupported image type: %s. Allowed: %s",
			mimeType, strings.Join(v.config.AllowedMIME, ", ")))
	}

	decodedSize := DecodedSize(b64)
	if decodedSize > v.config.MaxDecodedBytes {
		return nil, apierr.New(apierr.KindPayloadTooLarge,
			fmt.Sprintf("Image too large (max %s)", humanBytes(v.config.MaxDecodedBytes)))
	}

	if v.config.SniffContent {
		result := v.content.ValidateBase64(b64, mimeType)
		if !result.IsValid {
			return nil, apierr.Wrap(apierr.KindValidation, "Invalid image content", result.Error)
		}
	}

	ts, _ := parseTimestamp(req.ClientTimestamp)
	detail := req.Detail
	if detail == "" {
		detail = "low"
	}

	return &ImagePayload{
		MIMEType:        mimeType,
		Base64:          b64,
		DecodedSize:     decodedSize,
		Detail:          detail,
		ClientTimestamp: ts,
		Timezone:        req.Timezone,
		DeviceID:        req.DeviceID,
	}, nil
}

// parseRequest 解析JSON并收集全部字段错误
func (v *PayloadValidator) parseRequest(body []byte) (*AnalyzeRequest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, "Invalid JSON body", err)
	}

	var req AnalyzeRequest
	var details []string
	typeErrors := make(map[string]bool)

	// 逐个字段解码，每个类型错误都单独报告
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"image_base64", &req.ImageBase64},
		{"detail", &req.Detail},
		{"client_timestamp", &req.ClientTimestamp},
		{"timezone", &req.Timezone},
		{"device_id", &req.DeviceID},
	} {
		value, ok := raw[f.name]
		if !ok || string(value) == "null" {
			continue
		}
		if err := json.Unmarshal(value, f.dst); err != nil {
			typeErrors[f.name] = true
			details = append(details, f.name+" must be a string")
		}
	}

	if err := v.validate.Struct(&req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, apierr.Wrap(apierr.KindInternal, "Analysis failed", err)
		}
		for _, fe := range fieldErrs {
			if typeErrors[fe.Field()] {
				continue
			}
			details = append(details, fieldMessage(fe))
		}
	}

	if v.config.RequireDeviceID && req.DeviceID == "" && !typeErrors["device_id"] {
		details = append(details, "device_id is required")
	}

	if len(details) > 0 {
		return nil, apierr.Validation("Validation failed", details...)
	}
	return &req, nil
}

// parseImage 解析 data URL；允许裸 base64 时使用默认MIME
func (v *PayloadValidator) parseImage(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	if m := dataURLPattern.FindStringSubmatch(raw); m != nil {
		return strings.ToLower(m[1]), m[2], nil
	}
	if v.config.AllowRawBase64 && !strings.HasPrefix(raw, "data:") {
		return v.config.DefaultMIME, raw, nil
	}
	return "", "", apierr.Validation("image_base64 must be a data URL (data:<mime>;base64,...)")
}

func (v *PayloadValidator) isMIMEAllowed(mimeType string) bool {
	_, ok := v.allowed[mimeType]
	return ok
}

// DecodedSize 按 ceil(len*3/4) 估算 base64 解码后的字节数
func DecodedSize(b64 string) int64 {
	n := int64(len(b64))
	return (n*3 + 3) / 4
}

// fieldMessage 将校验错误转换为字段说明
func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "iso8601":
		return fe.Field() + " must be valid ISO8601"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
	}
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func humanBytes(n int64) string {
	if n >= 1024*1024 && n%(1024*1024) == 0 {
		return fmt.Sprintf("%dMB", n/(1024*1024))
	}
	if n >= 1024 && n%1024 == 0 {
		return fmt.Sprintf("%dKB", n/1024)
	}
	return fmt.Sprintf("%d bytes", n)
}
