package broker

import (
	"encoding/json"
	"strconv"
)

// 原始报文字段提取辅助函数
// 券商返回的 JSON 中数值可能是字符串、json.Number 或 float64，
// 这里统一做宽松转换，解析失败一律返回零值

// RawString 提取字符串字段
func RawString(raw map[string]interface{}, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// RawFloat 提取浮点字段
func RawFloat(raw map[string]interface{}, key string) float64 {
	switch v := raw[key].(type) {
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

// RawInt64 提取整型字段（成交 ID 等大整数须经 json.Number 保真）
func RawInt64(raw map[string]interface{}, key string) int64 {
	switch v := raw[key].(type) {
	case json.Number:
		i, _ := v.Int64()
		return i
	case float64:
		return int64(v)
	case string:
		i, _ := strconv.ParseInt(v, 10, 64)
		return i
	default:
		return 0
	}
}

// RawBool 提取布尔字段
func RawBool(raw map[string]interface{}, key string) bool {
	switch v := raw[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}
