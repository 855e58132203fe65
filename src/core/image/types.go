package image

import "time"

// AnalyzeRequest 识别接口的请求体
type AnalyzeRequest struct {
	ImageBase64     string `json:"image_base64" validate:"required"`
	Detail          string `json:"detail" validate:"omitempty,oneof=low high auto"`
	ClientTimestamp string `json:"client_timestamp" validate:"required,iso8601"`
	Timezone        string `json:"timezone" validate:"required"`
	DeviceID        string `json:"device_id,omitempty"`
}

// ImagePayload 校验通过的图片数据，仅在请求内使用
type ImagePayload struct {
	MIMEType        string    // 声明的MIME类型
	Base64          string    // 不含 data URL 前缀的 base64
	DecodedSize     int64     // 按 base64 长度估算的解码大小
	Detail          string    // low, high, auto
	ClientTimestamp time.Time // 客户端时间
	Timezone        string    // 客户端时区
	DeviceID        string    // 请求体中的设备ID（可选）
}

// Format 返回MIME子类型，例如 jpeg
func (p *ImagePayload) Format() string {
	for i := 0; i < len(p.MIMEType); i++ {
		if p.MIMEType[i] == '/' {
			return p.MIMEType[i+1:]
		}
	}
	return p.MIMEType
}

// ValidationResult 图片内容校验结果
type ValidationResult struct {
	IsValid  bool   // 是否有效
	Format   string // 实际格式
	Width    int    // 图片宽度
	Height   int    // 图片高度
	FileSize int64  // 文件大小
	Error    error  // 错误信息
}
