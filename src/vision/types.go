package vision

// ErrorResponse 错误响应体
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// RateLimitedResponse 超出每日额度时的响应体
type RateLimitedResponse struct {
	Error string `json:"error"`
	Limit int    `json:"limit"`
	Used  int    `json:"used"`
}

// VisionStatusResponse 状态检查响应
type VisionStatusResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}
