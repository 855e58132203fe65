package nutrition

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// 单个数值字段的上限，避免上游返回 Infinity 之类的值溢出
const maxValue = math.MaxInt32

// NutritionResult 归一化后的营养识别结果
type NutritionResult struct {
	Name        string   `json:"name"`
	Calories    int      `json:"calories"`
	Protein     int      `json:"protein"`
	Carbs       int      `json:"carbs"`
	Fats        int      `json:"fats"`
	HealthScore int      `json:"health_score"`
	Confidence  float64  `json:"confidence"`
	Warnings    []string `json:"warnings"`
}

// Normalize 将不可信的模型输出转换为有界的结果，永不失败
func Normalize(raw map[string]interface{}) NutritionResult {
	name := "Unknown"
	if v, ok := raw["name"]; ok && truthy(v) {
		name = toString(v)
	}

	warnings := []string{}
	if list, ok := raw["warnings"].([]interface{}); ok {
		for _, w := range list {
			warnings = append(warnings, toString(w))
		}
	}

	return NutritionResult{
		Name:        name,
		Calories:    toInt(raw["calories"]),
		Protein:     toInt(raw["protein"]),
		Carbs:       toInt(raw["carbs"]),
		Fats:        toInt(raw["fats"]),
		HealthScore: toInt(raw["health_score"]),
		Confidence:  toUnit(raw["confidence"]),
		Warnings:    warnings,
	}
}

// toInt max(0, round(number(v) or 0))
func toInt(v interface{}) int {
	n := toNumber(v)
	if n <= 0 {
		return 0
	}
	n = math.Floor(n + 0.5)
	if n > maxValue {
		return maxValue
	}
	return int(n)
}

// toUnit 限制在 [0,1]
func toUnit(v interface{}) float64 {
	n := toNumber(v)
	if n <= 0 {
		return 0
	}
	if n >= 1 {
		return 1
	}
	return n
}

// toNumber 按宽松规则转为数字，无法转换时返回0
func toNumber(v interface{}) float64 {
	var n float64
	switch t := v.(type) {
	case float64:
		n = t
	case float32:
		n = float64(t)
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0
		}
		n = f
	case bool:
		if t {
			n = 1
		}
	case string:
		n = parseNumeric(t)
	case []interface{}:
		// 单元素数组按其字符串形式转换，例如 [250]
		switch len(t) {
		case 0:
			return 0
		case 1:
			n = parseNumeric(toString(t[0]))
		default:
			return 0
		}
	default:
		return 0
	}
	if math.IsNaN(n) {
		return 0
	}
	return n
}

func parseNumeric(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "0x") || strings.HasPrefix(lower, "0o") || strings.HasPrefix(lower, "0b") {
		i, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return 0
		}
		return float64(i)
	}
	// strconv 接受 "inf"、"nan" 和下划线之类的写法，这里只接受普通十进制
	for _, r := range lower {
		if !strings.ContainsRune("0123456789.e+-", r) {
			return 0
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	default:
		return true
	}
}

// toString 与前端展示一致的字符串化规则
func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return formatNumber(t)
	case json.Number:
		return t.String()
	case []interface{}:
		parts := make([]string, len(t))
		for i, e := range t {
			if e != nil {
				parts[i] = toString(e)
			}
		}
		return strings.Join(parts, ",")
	case map[string]interface{}:
		return "[object Object]"
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	abs := math.Abs(f)
	if abs != 0 && (abs >= 1e21 || abs < 1e-6) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
